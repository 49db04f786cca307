package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orderdesk/orderdesk/internal/platform/db"
	"github.com/orderdesk/orderdesk/internal/shared"
	"github.com/orderdesk/orderdesk/internal/timeline"
	"github.com/orderdesk/orderdesk/internal/users"
)

// Mutation kinds, used for metrics and notifications.
const (
	KindCreate  = "create"
	KindStatus  = "status"
	KindPayment = "payment"
	KindAssign  = "assign"
)

// Directory validates the users an order references.
type Directory interface {
	Get(ctx context.Context, id string) (users.Profile, error)
}

// Notifier is told about committed events that people should hear about.
type Notifier interface {
	NotifyOrderEvent(ctx context.Context, ev timeline.Event) error
}

// Metrics counts mutation outcomes.
type Metrics interface {
	ObserveMutation(kind, result string)
}

// Service applies order mutations together with their timeline events.
type Service struct {
	repo      Repository
	directory Directory
	publisher timeline.Publisher
	notifier  Notifier
	metrics   Metrics
	timeout   time.Duration
	logger    *slog.Logger
}

// Options carries the optional collaborators of Service.
type Options struct {
	Publisher timeline.Publisher
	Notifier  Notifier
	Metrics   Metrics
	// Timeout bounds each operation; expiry surfaces shared.ErrRetryable.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewService creates a new service.
func NewService(repo Repository, directory Directory, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		directory: directory,
		publisher: opts.Publisher,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		timeout:   opts.Timeout,
		logger:    logger,
	}
}

// Create stores a new Pending, Unpaid order and its created event. A
// salesperson always creates orders for themselves; an admin must name the
// salesperson. Repeating an idempotency key returns the original order.
func (s *Service) Create(ctx context.Context, actor shared.Actor, req CreateRequest) (Order, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	order, ev, err := s.create(ctx, actor, req)
	s.finish(ctx, KindCreate, ev, err)
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *Service) create(ctx context.Context, actor shared.Actor, req CreateRequest) (Order, *timeline.Event, error) {
	role, err := actorRole(actor)
	if err != nil {
		return Order{}, nil, err
	}
	req = normalizeCreate(req)
	switch role {
	case users.RoleSalesperson:
		if req.SalespersonID != "" && req.SalespersonID != actor.ID {
			return Order{}, nil, fmt.Errorf("create order for another salesperson: %w", shared.ErrForbidden)
		}
		req.SalespersonID = actor.ID
	case users.RoleAdmin:
	default:
		return Order{}, nil, fmt.Errorf("%s may not create orders: %w", role, shared.ErrForbidden)
	}
	if err := validateStruct(req); err != nil {
		return Order{}, nil, err
	}
	if req.SalespersonID == "" {
		return Order{}, nil, shared.NewValidationError("salesperson_id", "required")
	}
	if err := s.requireRole(ctx, "salesperson_id", req.SalespersonID, users.RoleSalesperson); err != nil {
		return Order{}, nil, err
	}
	if req.DistributorID != nil {
		if err := s.requireRole(ctx, "distributor_id", *req.DistributorID, users.RoleDistributor); err != nil {
			return Order{}, nil, err
		}
	}

	var (
		order Order
		event *timeline.Event
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inserted, created, err := tx.Insert(ctx, NewOrder{
			SpaName:        req.SpaName,
			Address:        req.Address,
			ProductName:    req.ProductName,
			Quantity:       req.Quantity,
			SalespersonID:  req.SalespersonID,
			DistributorID:  req.DistributorID,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		order = inserted
		if !created {
			if order.SalespersonID != req.SalespersonID {
				return shared.NewValidationError("idempotency_key", "already used")
			}
			return nil
		}
		ev, err := s.append(ctx, tx, "create order", timeline.AppendInput{
			OrderID:   order.ID,
			Type:      timeline.EventCreated,
			ActorID:   actor.ID,
			ActorRole: role,
			Message:   "Order created",
		})
		if err != nil {
			return err
		}
		event = &ev
		return nil
	})
	if err != nil {
		return Order{}, nil, classifyTx("create order", err)
	}
	return order, event, nil
}

// UpdateStatus advances an order by exactly one step. Re-applying the
// current status succeeds without an event.
func (s *Service) UpdateStatus(ctx context.Context, actor shared.Actor, id string, req UpdateStatusRequest) (Order, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	order, ev, err := s.updateStatus(ctx, actor, id, req)
	s.finish(ctx, KindStatus, ev, err)
	return order, err
}

func (s *Service) updateStatus(ctx context.Context, actor shared.Actor, id string, req UpdateStatusRequest) (Order, *timeline.Event, error) {
	role, err := actorRole(actor)
	if err != nil {
		return Order{}, nil, err
	}
	if err := validateStruct(req); err != nil {
		return Order{}, nil, err
	}
	target, err := ParseStatus(req.Status)
	if err != nil {
		return Order{}, nil, shared.NewValidationError("status", "must be one of Pending, Dispatched, Delivered")
	}
	var expected Status
	if req.ExpectedStatus != "" {
		if expected, err = ParseStatus(req.ExpectedStatus); err != nil {
			return Order{}, nil, shared.NewValidationError("expected_status", "must be one of Pending, Dispatched, Delivered")
		}
	}

	var (
		order Order
		event *timeline.Event
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := s.lockForMutation(ctx, tx, actor, role, id)
		if err != nil {
			return err
		}
		if expected != "" && current.Status != expected {
			return fmt.Errorf("order %s is %s, expected %s: %w", id, current.Status, expected, shared.ErrInvalidTransition)
		}
		if current.Status == target {
			order = current
			return nil
		}
		if !current.Status.CanAdvanceTo(target) {
			return fmt.Errorf("%s to %s: %w", current.Status, target, shared.ErrInvalidTransition)
		}
		updated, err := tx.SetStatus(ctx, id, current.Status, target)
		if err != nil {
			return err
		}
		ev, err := s.append(ctx, tx, "update status", timeline.AppendInput{
			OrderID:   id,
			Type:      timeline.EventStatusUpdated,
			ActorID:   actor.ID,
			ActorRole: role,
			Message:   fmt.Sprintf("Status changed from %s to %s", current.Status, target),
		})
		if err != nil {
			return err
		}
		order, event = updated, &ev
		return nil
	})
	if err != nil {
		return Order{}, nil, classifyTx("update status", err)
	}
	return order, event, nil
}

// UpdatePaymentStatus sets the payment status. Any value is allowed at any
// delivery status; re-applying the current value succeeds without an event.
func (s *Service) UpdatePaymentStatus(ctx context.Context, actor shared.Actor, id string, req UpdatePaymentRequest) (Order, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	order, ev, err := s.updatePayment(ctx, actor, id, req)
	s.finish(ctx, KindPayment, ev, err)
	return order, err
}

func (s *Service) updatePayment(ctx context.Context, actor shared.Actor, id string, req UpdatePaymentRequest) (Order, *timeline.Event, error) {
	role, err := actorRole(actor)
	if err != nil {
		return Order{}, nil, err
	}
	if err := validateStruct(req); err != nil {
		return Order{}, nil, err
	}
	target, err := ParsePaymentStatus(req.PaymentStatus)
	if err != nil {
		return Order{}, nil, shared.NewValidationError("payment_status", "must be Paid or Unpaid")
	}

	var (
		order Order
		event *timeline.Event
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := s.lockForMutation(ctx, tx, actor, role, id)
		if err != nil {
			return err
		}
		if current.PaymentStatus == target {
			order = current
			return nil
		}
		updated, err := tx.SetPayment(ctx, id, target)
		if err != nil {
			return err
		}
		ev, err := s.append(ctx, tx, "update payment", timeline.AppendInput{
			OrderID:   id,
			Type:      timeline.EventPaymentUpdated,
			ActorID:   actor.ID,
			ActorRole: role,
			Message:   fmt.Sprintf("Payment marked as %s", target),
		})
		if err != nil {
			return err
		}
		order, event = updated, &ev
		return nil
	})
	if err != nil {
		return Order{}, nil, classifyTx("update payment", err)
	}
	return order, event, nil
}

// AssignDistributor points an order at a distributor. Only admins assign.
func (s *Service) AssignDistributor(ctx context.Context, actor shared.Actor, id string, req AssignRequest) (Order, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	order, ev, err := s.assign(ctx, actor, id, req)
	s.finish(ctx, KindAssign, ev, err)
	return order, err
}

func (s *Service) assign(ctx context.Context, actor shared.Actor, id string, req AssignRequest) (Order, *timeline.Event, error) {
	role, err := actorRole(actor)
	if err != nil {
		return Order{}, nil, err
	}
	if role != users.RoleAdmin {
		return Order{}, nil, fmt.Errorf("%s may not assign distributors: %w", role, shared.ErrForbidden)
	}
	if err := validateStruct(req); err != nil {
		return Order{}, nil, err
	}
	distributor, err := s.directory.Get(ctx, req.DistributorID)
	if err != nil {
		return Order{}, nil, db.Classify("lookup distributor", err)
	}
	if distributor.Role != users.RoleDistributor || !distributor.IsActive {
		return Order{}, nil, shared.NewValidationError("distributor_id", "must be an active distributor")
	}

	var (
		order Order
		event *timeline.Event
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.AssignedTo(distributor.ID) {
			order = current
			return nil
		}
		updated, err := tx.SetDistributor(ctx, id, distributor.ID)
		if err != nil {
			return err
		}
		ev, err := s.append(ctx, tx, "assign distributor", timeline.AppendInput{
			OrderID:   id,
			Type:      timeline.EventAssigned,
			ActorID:   actor.ID,
			ActorRole: role,
			Message:   "Assigned to " + distributor.Name,
		})
		if err != nil {
			return err
		}
		order, event = updated, &ev
		return nil
	})
	if err != nil {
		return Order{}, nil, classifyTx("assign distributor", err)
	}
	return order, event, nil
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, db.Classify("get order", err)
	}
	return order, nil
}

// ListAll returns every order.
func (s *Service) ListAll(ctx context.Context) ([]Order, error) {
	return s.list(ctx, ListFilter{})
}

// ListBySalesperson returns the orders created for salespersonID.
func (s *Service) ListBySalesperson(ctx context.Context, salespersonID string) ([]Order, error) {
	return s.list(ctx, ListFilter{SalespersonID: salespersonID})
}

// ListByDistributor returns the orders assigned to distributorID.
func (s *Service) ListByDistributor(ctx context.Context, distributorID string) ([]Order, error) {
	return s.list(ctx, ListFilter{DistributorID: distributorID})
}

// ListForActor returns the orders actor may see. Admins may narrow the set
// with filter; salespeople and distributors always get their own orders.
func (s *Service) ListForActor(ctx context.Context, actor shared.Actor, filter ListFilter) ([]Order, error) {
	role, err := actorRole(actor)
	if err != nil {
		return nil, err
	}
	switch role {
	case users.RoleAdmin:
		return s.list(ctx, filter)
	case users.RoleSalesperson:
		return s.ListBySalesperson(ctx, actor.ID)
	default:
		return s.ListByDistributor(ctx, actor.ID)
	}
}

func (s *Service) list(ctx context.Context, filter ListFilter) ([]Order, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	out, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, db.Classify("list orders", err)
	}
	if out == nil {
		out = []Order{}
	}
	return out, nil
}

// CanView reports whether actor may read the order and its timeline.
func (s *Service) CanView(ctx context.Context, actor shared.Actor, id string) error {
	role, err := actorRole(actor)
	if err != nil {
		return err
	}
	order, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return authorize(order, actor, role)
}

func (s *Service) lockForMutation(ctx context.Context, tx TxRepository, actor shared.Actor, role users.Role, id string) (Order, error) {
	current, err := tx.LockForUpdate(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if role == users.RoleSalesperson {
		return Order{}, fmt.Errorf("salesperson may not change order %s: %w", id, shared.ErrForbidden)
	}
	if err := authorize(current, actor, role); err != nil {
		return Order{}, err
	}
	return current, nil
}

// append writes the event for a mutation already applied in tx. Any failure
// becomes a ConsistencyError, which rolls the mutation back with the
// transaction.
func (s *Service) append(ctx context.Context, tx TxRepository, op string, in timeline.AppendInput) (timeline.Event, error) {
	ev, err := tx.Append(ctx, in)
	if err != nil {
		return timeline.Event{}, &shared.ConsistencyError{Op: op, Err: db.Classify("append event", err)}
	}
	return ev, nil
}

// classifyTx classifies a transaction error. A ConsistencyError already
// names its operation and is returned as is.
func classifyTx(op string, err error) error {
	var cerr *shared.ConsistencyError
	if errors.As(err, &cerr) {
		return err
	}
	return db.Classify(op, err)
}

func (s *Service) requireRole(ctx context.Context, field, id string, want users.Role) error {
	profile, err := s.directory.Get(ctx, id)
	if err != nil {
		return db.Classify("lookup "+field, err)
	}
	if profile.Role != want || !profile.IsActive {
		return shared.NewValidationError(field, "must be an active "+string(want))
	}
	return nil
}

// finish runs the post-commit side effects. They never change the outcome
// of the mutation.
func (s *Service) finish(ctx context.Context, kind string, ev *timeline.Event, err error) {
	if s.metrics != nil {
		s.metrics.ObserveMutation(kind, resultLabel(err))
	}
	if err != nil {
		if errors.Is(err, shared.ErrConsistency) {
			s.logger.Error("order mutation rolled back", slog.String("kind", kind), slog.Any("error", err))
		}
		return
	}
	if ev == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sideEffectTimeout())
	defer cancel()
	if s.publisher != nil {
		if perr := s.publisher.Publish(ctx, *ev); perr != nil {
			s.logger.Warn("publish timeline event", slog.String("order_id", ev.OrderID), slog.Any("error", perr))
		}
	}
	if s.notifier != nil && (ev.Type == timeline.EventStatusUpdated || ev.Type == timeline.EventAssigned) {
		if nerr := s.notifier.NotifyOrderEvent(ctx, *ev); nerr != nil {
			s.logger.Warn("enqueue order notification", slog.String("order_id", ev.OrderID), slog.Any("error", nerr))
		}
	}
}

func (s *Service) sideEffectTimeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return 5 * time.Second
}

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func actorRole(actor shared.Actor) (users.Role, error) {
	if actor.ID == "" {
		return "", shared.ErrUnauthorized
	}
	role, err := users.ParseRole(actor.Role)
	if err != nil {
		return "", fmt.Errorf("actor %s: %w", actor.ID, shared.ErrForbidden)
	}
	return role, nil
}

func authorize(order Order, actor shared.Actor, role users.Role) error {
	switch role {
	case users.RoleAdmin:
		return nil
	case users.RoleSalesperson:
		if order.SalespersonID == actor.ID {
			return nil
		}
	case users.RoleDistributor:
		if order.AssignedTo(actor.ID) {
			return nil
		}
	}
	return fmt.Errorf("order %s: %w", order.ID, shared.ErrForbidden)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, shared.ErrConsistency):
		return "consistency_failure"
	case errors.Is(err, shared.ErrValidation):
		return "validation"
	case errors.Is(err, shared.ErrNotFound):
		return "not_found"
	case errors.Is(err, shared.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, shared.ErrRetryable):
		return "retryable"
	case errors.Is(err, shared.ErrForbidden), errors.Is(err, shared.ErrUnauthorized):
		return "forbidden"
	default:
		return "error"
	}
}
