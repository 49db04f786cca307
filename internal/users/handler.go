package users

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orderdesk/orderdesk/internal/platform/httpx"
	"github.com/orderdesk/orderdesk/internal/rbac"
)

// Handler exposes the directory listing used to pick distributors.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRole(string(RoleAdmin), string(RoleSalesperson)))
		r.Get("/", h.list)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	var (
		profiles []Profile
		err      error
	)
	if raw := r.URL.Query().Get("role"); raw != "" {
		role, perr := ParseRole(raw)
		if perr != nil {
			httpx.RespondError(w, perr)
			return
		}
		profiles, err = h.service.ListByRole(r.Context(), role)
	} else {
		profiles, err = h.service.ListAll(r.Context())
	}
	if err != nil {
		h.logger.Error("list users", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": profiles})
}
