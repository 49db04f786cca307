package orders

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"

	"github.com/orderdesk/orderdesk/internal/shared"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// normalizeText trims surrounding space and composes the text to NFC so that
// visually identical names compare equal.
func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func normalizeCreate(req CreateRequest) CreateRequest {
	req.SpaName = normalizeText(req.SpaName)
	req.Address = normalizeText(req.Address)
	req.ProductName = normalizeText(req.ProductName)
	req.SalespersonID = strings.TrimSpace(req.SalespersonID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.DistributorID != nil {
		id := strings.TrimSpace(*req.DistributorID)
		if id == "" {
			req.DistributorID = nil
		} else {
			req.DistributorID = &id
		}
	}
	return req
}

// validateStruct runs the validator and converts failures into a
// ValidationError keyed by JSON field name.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	out := &shared.ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields[fe.Field()] = describe(fe)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}
