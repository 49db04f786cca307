package timeline

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/orderdesk/orderdesk/internal/platform/httpx"
	"github.com/orderdesk/orderdesk/internal/rbac"
	"github.com/orderdesk/orderdesk/internal/shared"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 50 * time.Second
)

// AccessChecker decides whether an actor may read an order's history.
type AccessChecker interface {
	CanView(ctx context.Context, actor shared.Actor, orderID string) error
}

// Handler serves the order timeline and its live stream.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	access   AccessChecker
	rbac     rbac.Middleware
	upgrader websocket.Upgrader
}

// NewHandler creates a timeline handler.
func NewHandler(logger *slog.Logger, service *Service, access AccessChecker, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		access:   access,
		rbac:     rbac,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// MountRoutes registers routes below /orders/{id}/timeline.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRole())
		r.Get("/", h.list)
		r.Get("/stream", h.stream)
	})
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := chi.URLParam(r, "id")
	actor, _ := shared.ActorFromContext(r.Context())
	if err := h.access.CanView(r.Context(), actor, orderID); err != nil {
		httpx.RespondError(w, err)
		return "", false
	}
	return orderID, true
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	entries, err := h.service.ListByOrder(r.Context(), orderID)
	if err != nil {
		h.logger.Error("list timeline", slog.String("order_id", orderID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": entries})
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := h.service.Subscribe(ctx, orderID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("timeline stream upgrade", slog.String("order_id", orderID), slog.Any("error", err))
		return
	}
	defer conn.Close()

	// The read side only exists to observe pongs and the client closing.
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
