package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orderdesk/orderdesk/internal/platform/db"
	"github.com/orderdesk/orderdesk/internal/shared"
	"github.com/orderdesk/orderdesk/internal/users"
)

// Directory resolves actor ids for display.
type Directory interface {
	GetMany(ctx context.Context, ids []string) (map[string]users.Profile, error)
}

// Service answers timeline queries and live subscriptions.
type Service struct {
	reader    Reader
	directory Directory
	hub       *Hub
	timeout   time.Duration
	logger    *slog.Logger
}

// NewService builds the timeline service. timeout bounds each store call.
func NewService(reader Reader, directory Directory, hub *Hub, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{reader: reader, directory: directory, hub: hub, timeout: timeout, logger: logger}
}

// ListByOrder returns the order's events newest first, joined with each
// actor's current name and email. A directory outage degrades to events
// without names rather than failing the read.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]Entry, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.ensureOrder(ctx, orderID); err != nil {
		return nil, err
	}
	events, err := s.reader.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, db.Classify("list timeline", err)
	}

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ActorID)
	}
	var profiles map[string]users.Profile
	if s.directory != nil && len(ids) > 0 {
		profiles, err = s.directory.GetMany(ctx, ids)
		if err != nil {
			s.logger.Warn("timeline actor lookup", slog.String("order_id", orderID), slog.Any("error", err))
		}
	}

	entries := make([]Entry, 0, len(events))
	for _, ev := range events {
		entry := Entry{Event: ev}
		if p, ok := profiles[ev.ActorID]; ok {
			entry.ActorName = p.Name
			entry.ActorEmail = p.Email
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Subscribe opens a live stream of events appended to orderID from now on.
// Missed events are not replayed.
func (s *Service) Subscribe(ctx context.Context, orderID string) (*Subscription, error) {
	checkCtx, cancel := s.opContext(ctx)
	err := s.ensureOrder(checkCtx, orderID)
	cancel()
	if err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, orderID), nil
}

func (s *Service) ensureOrder(ctx context.Context, orderID string) error {
	exists, err := s.reader.OrderExists(ctx, orderID)
	if err != nil {
		return db.Classify("check order", err)
	}
	if !exists {
		return fmt.Errorf("order %s: %w", orderID, shared.ErrNotFound)
	}
	return nil
}

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
