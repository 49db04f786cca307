package timeline

import (
	"context"
	"log/slog"

	"github.com/orderdesk/orderdesk/internal/platform/db"
	"github.com/orderdesk/orderdesk/internal/users"
)

// BackfillMessage is the message recorded on synthesized creation events.
const BackfillMessage = "Order created"

// BackfillStore finds and repairs orders that have no creation event.
type BackfillStore interface {
	CountMissingCreated(ctx context.Context) (int, error)
	InsertMissingCreated(ctx context.Context, actorID string, role users.Role, message string) (int, error)
}

// BackfillResult reports one backfill run.
type BackfillResult struct {
	Missing  int  `json:"missing"`
	Inserted int  `json:"inserted"`
	DryRun   bool `json:"dry_run"`
}

// Backfiller synthesizes creation events for orders that predate the
// timeline. It is the only writer whose events carry the order's own creation
// time instead of the append time.
type Backfiller struct {
	store         BackfillStore
	systemActorID string
	logger        *slog.Logger
}

// NewBackfiller constructs a Backfiller attributing events to systemActorID.
func NewBackfiller(store BackfillStore, systemActorID string, logger *slog.Logger) *Backfiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfiller{store: store, systemActorID: systemActorID, logger: logger}
}

// Run counts the orders missing a creation event and, unless dryRun, repairs them.
func (b *Backfiller) Run(ctx context.Context, dryRun bool) (BackfillResult, error) {
	missing, err := b.store.CountMissingCreated(ctx)
	if err != nil {
		return BackfillResult{}, db.Classify("count missing created events", err)
	}
	result := BackfillResult{Missing: missing, DryRun: dryRun}
	if dryRun || missing == 0 {
		b.logger.Info("timeline backfill", slog.Int("missing", missing), slog.Bool("dry_run", dryRun))
		return result, nil
	}
	inserted, err := b.store.InsertMissingCreated(ctx, b.systemActorID, users.RoleAdmin, BackfillMessage)
	if err != nil {
		return result, db.Classify("backfill created events", err)
	}
	result.Inserted = inserted
	b.logger.Info("timeline backfill", slog.Int("missing", missing), slog.Int("inserted", inserted))
	return result, nil
}

// CountMissingCreated counts orders without a created event.
func (r *Repository) CountMissingCreated(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM orders o
		WHERE NOT EXISTS (
			SELECT 1 FROM order_events e WHERE e.order_id = o.id AND e.type = 'created'
		)
	`).Scan(&n)
	return n, err
}

// InsertMissingCreated writes one created event per order lacking one,
// stamped with the order's creation time and sequence 0.
func (r *Repository) InsertMissingCreated(ctx context.Context, actorID string, role users.Role, message string) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO order_events (id, order_id, seq, type, message, actor_id, actor_role, created_at)
		SELECT gen_random_uuid()::text, o.id, 0, 'created', $2, $1, $3, o.created_at
		FROM orders o
		WHERE NOT EXISTS (
			SELECT 1 FROM order_events e WHERE e.order_id = o.id AND e.type = 'created'
		)
		ON CONFLICT (order_id, seq) DO NOTHING
	`, actorID, message, string(role))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
