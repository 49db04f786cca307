package timeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orderdesk/orderdesk/internal/shared"
	"github.com/orderdesk/orderdesk/internal/users"
)

// Appender appends events inside the caller's transaction.
type Appender interface {
	Append(ctx context.Context, in AppendInput) (Event, error)
}

// Reader queries the event log.
type Reader interface {
	ListByOrder(ctx context.Context, orderID string) ([]Event, error)
	OrderExists(ctx context.Context, orderID string) (bool, error)
}

// Repository reads the event log from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const eventColumns = `id, order_id, seq, type, message, actor_id, actor_role, created_at`

// ListByOrder returns the events of orderID, newest first.
func (r *Repository) ListByOrder(ctx context.Context, orderID string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM order_events
		WHERE order_id = $1
		ORDER BY created_at DESC, seq DESC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// OrderExists reports whether an order row exists.
func (r *Repository) OrderExists(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists)
	return exists, err
}

// RowQuerier is the part of pgx.Tx the writer needs.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxWriter appends events using an open transaction.
type TxWriter struct {
	tx RowQuerier
}

// NewTxWriter binds a writer to tx.
func NewTxWriter(tx RowQuerier) *TxWriter {
	return &TxWriter{tx: tx}
}

// Append writes one event. The order row is locked first so that the next
// sequence number is stable; an unknown order fails with shared.ErrNotFound.
func (w *TxWriter) Append(ctx context.Context, in AppendInput) (Event, error) {
	if err := in.Validate(); err != nil {
		return Event{}, err
	}
	var locked string
	err := w.tx.QueryRow(ctx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, in.OrderID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, fmt.Errorf("order %s: %w", in.OrderID, shared.ErrNotFound)
		}
		return Event{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, err
	}
	row := w.tx.QueryRow(ctx, `
		INSERT INTO order_events (id, order_id, seq, type, message, actor_id, actor_role, created_at)
		VALUES (
			$1, $2,
			COALESCE((SELECT MAX(seq) FROM order_events WHERE order_id = $2), 0) + 1,
			$3, $4, $5, $6, clock_timestamp()
		)
		RETURNING `+eventColumns,
		id.String(), in.OrderID, string(in.Type), in.Message, in.ActorID, string(in.ActorRole),
	)
	return scanEvent(row)
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		ev        Event
		eventType string
		role      string
	)
	if err := row.Scan(&ev.ID, &ev.OrderID, &ev.Seq, &eventType, &ev.Message, &ev.ActorID, &role, &ev.CreatedAt); err != nil {
		return Event{}, err
	}
	ev.Type = EventType(eventType)
	parsed, err := users.ParseRole(role)
	if err != nil {
		return Event{}, err
	}
	ev.ActorRole = parsed
	return ev, nil
}
