package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orderdesk/orderdesk/internal/platform/db"
	"github.com/orderdesk/orderdesk/internal/shared"
	"github.com/orderdesk/orderdesk/internal/timeline"
)

// Repository is the order store.
type Repository interface {
	Get(ctx context.Context, id string) (Order, error)
	List(ctx context.Context, filter ListFilter) ([]Order, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the writes that must share a transaction with their
// timeline event.
type TxRepository interface {
	timeline.Appender

	// Insert stores a new order. When the idempotency key was already used
	// the existing order is returned with created=false.
	Insert(ctx context.Context, in NewOrder) (order Order, created bool, err error)
	// LockForUpdate reads the order and holds its row lock until the
	// transaction ends.
	LockForUpdate(ctx context.Context, id string) (Order, error)
	// SetStatus moves the order from one status to another. It fails with
	// shared.ErrInvalidTransition when the stored status is no longer from.
	SetStatus(ctx context.Context, id string, from, to Status) (Order, error)
	SetPayment(ctx context.Context, id string, to PaymentStatus) (Order, error)
	SetDistributor(ctx context.Context, id, distributorID string) (Order, error)
}

// PgRepository implements Repository on PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const orderColumns = `id, spa_name, address, product_name, quantity, status, payment_status,
	salesperson_id, distributor_id, created_at, updated_at`

// Get returns one order.
func (r *PgRepository) Get(ctx context.Context, id string) (Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("order %s: %w", id, shared.ErrNotFound)
	}
	return order, err
}

// List returns every order matching filter, newest first.
func (r *PgRepository) List(ctx context.Context, filter ListFilter) ([]Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE ($1 = '' OR salesperson_id = $1)
		  AND ($2 = '' OR distributor_id = $2)
		ORDER BY created_at DESC, id DESC
	`, filter.SalespersonID, filter.DistributorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// WithTx runs fn in a read-committed transaction. Any error rolls back both
// the order change and its event.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, Appender: timeline.NewTxWriter(tx)})
	})
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o             Order
		status        string
		payment       string
		distributorID *string
	)
	err := row.Scan(&o.ID, &o.SpaName, &o.Address, &o.ProductName, &o.Quantity, &status, &payment,
		&o.SalespersonID, &distributorID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(payment)
	o.DistributorID = distributorID
	return o, nil
}
