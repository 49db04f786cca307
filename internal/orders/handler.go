package orders

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/orderdesk/orderdesk/internal/platform/httpx"
	"github.com/orderdesk/orderdesk/internal/rbac"
	"github.com/orderdesk/orderdesk/internal/shared"
	"github.com/orderdesk/orderdesk/internal/users"
)

// IdempotencyHeader carries the client's deduplication key for Create.
const IdempotencyHeader = "Idempotency-Key"

// Handler manages order HTTP endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler creates a new handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers routes on the router.
func (h *Handler) MountRoutes(r chi.Router) {
	admin := string(users.RoleAdmin)

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRole())
		r.Get("/", h.list)
		r.Get("/{id}", h.show)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRole(admin, string(users.RoleSalesperson)))
		r.Post("/", h.create)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRole(admin, string(users.RoleDistributor)))
		r.Post("/{id}/status", h.updateStatus)
		r.Post("/{id}/payment", h.updatePayment)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRole(admin))
		r.Post("/{id}/assign", h.assign)
	})
}

// list handles GET /orders
func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	filter := ListFilter{
		SalespersonID: strings.TrimSpace(r.URL.Query().Get("salesperson_id")),
		DistributorID: strings.TrimSpace(r.URL.Query().Get("distributor_id")),
	}
	out, err := h.service.ListForActor(r.Context(), actor, filter)
	if err != nil {
		h.fail(w, "list orders", "", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orders": out})
}

// show handles GET /orders/{id}
func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.service.CanView(r.Context(), actor, id); err != nil {
		h.fail(w, "show order", id, err)
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "show order", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

// create handles POST /orders
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		req.IdempotencyKey = key
	}
	actor, _ := shared.ActorFromContext(r.Context())
	order, err := h.service.Create(r.Context(), actor, req)
	if err != nil {
		h.fail(w, "create order", "", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

// updateStatus handles POST /orders/{id}/status
func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	actor, _ := shared.ActorFromContext(r.Context())
	order, err := h.service.UpdateStatus(r.Context(), actor, id, req)
	if err != nil {
		h.fail(w, "update status", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

// updatePayment handles POST /orders/{id}/payment
func (h *Handler) updatePayment(w http.ResponseWriter, r *http.Request) {
	var req UpdatePaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	actor, _ := shared.ActorFromContext(r.Context())
	order, err := h.service.UpdatePaymentStatus(r.Context(), actor, id, req)
	if err != nil {
		h.fail(w, "update payment", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

// assign handles POST /orders/{id}/assign
func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	actor, _ := shared.ActorFromContext(r.Context())
	order, err := h.service.AssignDistributor(r.Context(), actor, id, req)
	if err != nil {
		h.fail(w, "assign distributor", id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

// fail logs server-side failures and writes the problem response.
func (h *Handler) fail(w http.ResponseWriter, op, id string, err error) {
	if !isClientError(err) {
		h.logger.Error(op+" failed", slog.String("order_id", id), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func isClientError(err error) bool {
	switch resultLabel(err) {
	case "validation", "not_found", "invalid_transition", "forbidden":
		return true
	default:
		return false
	}
}
