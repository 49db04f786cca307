// Package orders holds order records and the status and payment state machine.
package orders

import (
	"fmt"
	"strings"
	"time"

	"github.com/orderdesk/orderdesk/internal/shared"
)

// Status is the delivery status of an order.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusDispatched Status = "Dispatched"
	StatusDelivered  Status = "Delivered"
)

var statusSequence = []Status{StatusPending, StatusDispatched, StatusDelivered}

// ParseStatus matches a status name case-insensitively.
func ParseStatus(raw string) (Status, error) {
	for _, s := range statusSequence {
		if strings.EqualFold(strings.TrimSpace(raw), string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("status %q: %w", raw, shared.ErrValidation)
}

// Next returns the single status that may follow s. Delivered is terminal.
func (s Status) Next() (Status, bool) {
	for i, candidate := range statusSequence {
		if candidate == s && i+1 < len(statusSequence) {
			return statusSequence[i+1], true
		}
	}
	return "", false
}

// CanAdvanceTo reports whether target is exactly the next step after s.
func (s Status) CanAdvanceTo(target Status) bool {
	next, ok := s.Next()
	return ok && next == target
}

// PaymentStatus is independent of delivery status and toggles freely.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "Unpaid"
	PaymentPaid   PaymentStatus = "Paid"
)

// ParsePaymentStatus matches a payment status case-insensitively.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "unpaid":
		return PaymentUnpaid, nil
	case "paid":
		return PaymentPaid, nil
	default:
		return "", fmt.Errorf("payment status %q: %w", raw, shared.ErrValidation)
	}
}

// Order is a client purchase request.
type Order struct {
	ID            string        `json:"id"`
	SpaName       string        `json:"spa_name"`
	Address       string        `json:"address"`
	ProductName   string        `json:"product_name"`
	Quantity      int           `json:"quantity"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	SalespersonID string        `json:"salesperson_id"`
	DistributorID *string       `json:"distributor_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// AssignedTo reports whether distributorID is the order's distributor.
func (o Order) AssignedTo(distributorID string) bool {
	return o.DistributorID != nil && *o.DistributorID == distributorID
}

// NewOrder is the validated input for inserting an order. Status and payment
// are not part of it: a new order always starts Pending and Unpaid.
type NewOrder struct {
	SpaName        string
	Address        string
	ProductName    string
	Quantity       int
	SalespersonID  string
	DistributorID  *string
	IdempotencyKey string
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	SalespersonID string
	DistributorID string
}
