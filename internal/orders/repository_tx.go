package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orderdesk/orderdesk/internal/platform/db"
	"github.com/orderdesk/orderdesk/internal/shared"
	"github.com/orderdesk/orderdesk/internal/timeline"
)

const constraintIdempotencyKey = "orders_idempotency_key_key"

type txRepo struct {
	timeline.Appender
	tx pgx.Tx
}

func (r *txRepo) Insert(ctx context.Context, in NewOrder) (Order, bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Order{}, false, err
	}
	var key *string
	if in.IdempotencyKey != "" {
		key = &in.IdempotencyKey
	}
	row := r.tx.QueryRow(ctx, `
		INSERT INTO orders (id, spa_name, address, product_name, quantity, salesperson_id, distributor_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT ON CONSTRAINT `+constraintIdempotencyKey+` DO NOTHING
		RETURNING `+orderColumns,
		id.String(), in.SpaName, in.Address, in.ProductName, in.Quantity, in.SalespersonID, in.DistributorID, key,
	)
	order, err := scanOrder(row)
	switch {
	case err == nil:
		return order, true, nil
	case errors.Is(err, pgx.ErrNoRows) && key != nil:
		existing, err := scanOrder(r.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, *key))
		if err != nil {
			return Order{}, false, err
		}
		return existing, false, nil
	case db.IsForeignKeyViolation(err):
		return Order{}, false, &shared.ValidationError{Fields: map[string]string{
			"salesperson_id": "must reference an existing user",
			"distributor_id": "must reference an existing user",
		}}
	default:
		return Order{}, false, err
	}
}

func (r *txRepo) LockForUpdate(ctx context.Context, id string) (Order, error) {
	order, err := scanOrder(r.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("order %s: %w", id, shared.ErrNotFound)
	}
	return order, err
}

func (r *txRepo) SetStatus(ctx context.Context, id string, from, to Status) (Order, error) {
	order, err := scanOrder(r.tx.QueryRow(ctx, `
		UPDATE orders SET status = $3, updated_at = clock_timestamp()
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns, id, string(from), string(to)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("order %s is no longer %s: %w", id, from, shared.ErrInvalidTransition)
	}
	return order, err
}

func (r *txRepo) SetPayment(ctx context.Context, id string, to PaymentStatus) (Order, error) {
	return r.update(ctx, id, `payment_status = $2`, string(to))
}

func (r *txRepo) SetDistributor(ctx context.Context, id, distributorID string) (Order, error) {
	order, err := r.update(ctx, id, `distributor_id = $2`, distributorID)
	if db.IsForeignKeyViolation(err) {
		return Order{}, shared.NewValidationError("distributor_id", "unknown user")
	}
	return order, err
}

func (r *txRepo) update(ctx context.Context, id, set string, value any) (Order, error) {
	order, err := scanOrder(r.tx.QueryRow(ctx, `
		UPDATE orders SET `+set+`, updated_at = clock_timestamp()
		WHERE id = $1
		RETURNING `+orderColumns, id, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("order %s: %w", id, shared.ErrNotFound)
	}
	return order, err
}
