package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderdesk/orderdesk/internal/shared"
	"github.com/orderdesk/orderdesk/internal/timeline"
	"github.com/orderdesk/orderdesk/internal/users"
)

type serviceFixture struct {
	store     *memStore
	publisher *recordingPublisher
	notifier  *recordingPublisher
	metrics   *recordingMetrics
	svc       *Service
}

func newFixture() *serviceFixture {
	f := &serviceFixture{
		store:     newMemStore(),
		publisher: &recordingPublisher{},
		notifier:  &recordingPublisher{},
		metrics:   &recordingMetrics{},
	}
	f.svc = NewService(f.store, testDirectory(), Options{
		Publisher: f.publisher,
		Notifier:  f.notifier,
		Metrics:   f.metrics,
		Timeout:   time.Second,
	})
	return f
}

func titanSpa() CreateRequest {
	return CreateRequest{
		SpaName:     "Titan Spa",
		Address:     "Vasco, Goa",
		ProductName: "Matches",
		Quantity:    100,
	}
}

func (f *serviceFixture) createTitan(t *testing.T) Order {
	t.Helper()
	order, err := f.svc.Create(context.Background(), salesperson, titanSpa())
	require.NoError(t, err)
	return order
}

func (f *serviceFixture) assign(t *testing.T, orderID, distributorID string) {
	t.Helper()
	_, err := f.svc.AssignDistributor(context.Background(), admin, orderID, AssignRequest{DistributorID: distributorID})
	require.NoError(t, err)
}

func TestCreateTitanSpa(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)

	assert.Equal(t, "Titan Spa", order.SpaName)
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, PaymentUnpaid, order.PaymentStatus)
	assert.Equal(t, "S1", order.SalespersonID)
	assert.Nil(t, order.DistributorID)

	events := f.store.eventsOf(order.ID, "")
	require.Len(t, events, 1)
	assert.Equal(t, timeline.EventCreated, events[0].Type)
	assert.Equal(t, "S1", events[0].ActorID)
	assert.Equal(t, "Order created", events[0].Message)
	assert.Equal(t, 1, f.metrics.count("create/ok"))
	assert.Len(t, f.publisher.events, 1)
	assert.Empty(t, f.notifier.events)
}

func TestCreateNormalizesText(t *testing.T) {
	f := newFixture()
	req := titanSpa()
	req.SpaName = "  Café Spa \t"
	order, err := f.svc.Create(context.Background(), salesperson, req)
	require.NoError(t, err)
	assert.Equal(t, "Café Spa", order.SpaName)
}

func TestCreateValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateRequest)
		field  string
	}{
		{"zero quantity", func(r *CreateRequest) { r.Quantity = 0 }, "quantity"},
		{"negative quantity", func(r *CreateRequest) { r.Quantity = -3 }, "quantity"},
		{"blank spa", func(r *CreateRequest) { r.SpaName = "   " }, "spa_name"},
		{"blank address", func(r *CreateRequest) { r.Address = "" }, "address"},
		{"blank product", func(r *CreateRequest) { r.ProductName = "\n" }, "product_name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			req := titanSpa()
			tc.mutate(&req)

			_, err := f.svc.Create(context.Background(), salesperson, req)
			require.ErrorIs(t, err, shared.ErrValidation)
			var verr *shared.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields, tc.field)

			orders, events := f.store.snapshot()
			assert.Empty(t, orders)
			assert.Empty(t, events)
		})
	}
}

func TestCreateChecksDirectory(t *testing.T) {
	f := newFixture()

	req := titanSpa()
	_, err := f.svc.Create(context.Background(), admin, req)
	assert.ErrorIs(t, err, shared.ErrValidation, "admin must name a salesperson")

	req.SalespersonID = "S9"
	_, err = f.svc.Create(context.Background(), admin, req)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	req.SalespersonID = "D1"
	_, err = f.svc.Create(context.Background(), admin, req)
	assert.ErrorIs(t, err, shared.ErrValidation)

	req.SalespersonID = "S1"
	inactive := "DX"
	req.DistributorID = &inactive
	_, err = f.svc.Create(context.Background(), admin, req)
	assert.ErrorIs(t, err, shared.ErrValidation)

	d1 := "D1"
	req.DistributorID = &d1
	order, err := f.svc.Create(context.Background(), admin, req)
	require.NoError(t, err)
	assert.True(t, order.AssignedTo("D1"))
	assert.Equal(t, "A1", f.store.eventsOf(order.ID, timeline.EventCreated)[0].ActorID)
}

func TestCreateRoleRules(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Create(context.Background(), distributor, titanSpa())
	assert.ErrorIs(t, err, shared.ErrForbidden)

	req := titanSpa()
	req.SalespersonID = "S2"
	_, err = f.svc.Create(context.Background(), salesperson, req)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	_, err = f.svc.Create(context.Background(), shared.Actor{}, titanSpa())
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestCreateIsIdempotentByKey(t *testing.T) {
	f := newFixture()
	req := titanSpa()
	req.IdempotencyKey = "retry-1"

	first, err := f.svc.Create(context.Background(), salesperson, req)
	require.NoError(t, err)
	second, err := f.svc.Create(context.Background(), salesperson, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.store.eventsOf(first.ID, timeline.EventCreated), 1)
	assert.Len(t, f.publisher.events, 1)

	_, err = f.svc.Create(context.Background(), salesperson2, req)
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdateStatusAdvancesOneStep(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)

	updated, err := f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "Dispatched"})
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, updated.Status)

	reader := timeline.NewService(f.store, testDirectory(), timeline.NewHub(4, nil), time.Second, nil)
	entries, err := reader.ListByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, timeline.EventStatusUpdated, entries[0].Type)
	assert.Equal(t, "Status changed from Pending to Dispatched", entries[0].Message)
	assert.Equal(t, "Asha Admin", entries[0].ActorName)
	assert.Equal(t, timeline.EventCreated, entries[1].Type)
	assert.True(t, entries[0].CreatedAt.After(entries[1].CreatedAt))

	got, err := f.svc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, got.Status)

	updated, err = f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "delivered"})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, updated.Status)
	assert.Len(t, f.store.eventsOf(order.ID, timeline.EventStatusUpdated), 2)
	assert.Len(t, f.notifier.events, 2)
}

func TestUpdateStatusRejectsSkipAndReverse(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)

	_, err := f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "Delivered"})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	got, err := f.svc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Len(t, f.store.eventsOf(order.ID, ""), 1)

	_, err = f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "Dispatched"})
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "Pending"})
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	assert.Equal(t, 2, f.metrics.count("status/invalid_transition"))
}

func TestUpdateStatusReapplyIsNoop(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)
	_, err := f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "Dispatched"})
	require.NoError(t, err)

	again, err := f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "Dispatched"})
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, again.Status)
	assert.Len(t, f.store.eventsOf(order.ID, timeline.EventStatusUpdated), 1)
}

func TestUpdateStatusExpectedPrecondition(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)

	_, err := f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "Dispatched", ExpectedStatus: "Dispatched"})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "Dispatched", ExpectedStatus: "Pending"})
	require.NoError(t, err)
}

func TestUpdateStatusInputErrors(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)

	_, err := f.svc.UpdateStatus(context.Background(), admin, "missing", UpdateStatusRequest{Status: "Dispatched"})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "Shipped"})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestConcurrentStatusUpdatesSerialize(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)

	const racers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "Dispatched", ExpectedStatus: "Pending"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, shared.ErrInvalidTransition):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, racers-1, rejected)
	assert.Len(t, f.store.eventsOf(order.ID, timeline.EventStatusUpdated), 1)
}

func TestPaymentTogglesFreely(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)
	f.assign(t, order.ID, "D1")

	paid, err := f.svc.UpdatePaymentStatus(context.Background(), distributor, order.ID, UpdatePaymentRequest{PaymentStatus: "Paid"})
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, paid.PaymentStatus)
	assert.Equal(t, StatusPending, paid.Status)

	unpaid, err := f.svc.UpdatePaymentStatus(context.Background(), distributor, order.ID, UpdatePaymentRequest{PaymentStatus: "Unpaid"})
	require.NoError(t, err)
	assert.Equal(t, PaymentUnpaid, unpaid.PaymentStatus)

	events := f.store.eventsOf(order.ID, timeline.EventPaymentUpdated)
	require.Len(t, events, 2)
	assert.Equal(t, "Payment marked as Paid", events[0].Message)
	assert.Equal(t, "Payment marked as Unpaid", events[1].Message)
	assert.Less(t, events[0].Seq, events[1].Seq)

	for _, step := range []string{"Dispatched", "Delivered"} {
		_, err := f.svc.UpdateStatus(context.Background(), distributor, order.ID, UpdateStatusRequest{Status: step})
		require.NoError(t, err)
	}
	final, err := f.svc.UpdatePaymentStatus(context.Background(), admin, order.ID, UpdatePaymentRequest{PaymentStatus: "paid"})
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, final.PaymentStatus)
	assert.Equal(t, StatusDelivered, final.Status)

	_, err = f.svc.UpdatePaymentStatus(context.Background(), admin, order.ID, UpdatePaymentRequest{PaymentStatus: "Paid"})
	require.NoError(t, err)
	assert.Len(t, f.store.eventsOf(order.ID, timeline.EventPaymentUpdated), 3)

	_, err = f.svc.UpdatePaymentStatus(context.Background(), admin, order.ID, UpdatePaymentRequest{PaymentStatus: "Refunded"})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestAppendFailureRollsBackMutation(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)
	f.store.appendErr = errors.New("disk full")

	_, err := f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "Dispatched"})
	require.ErrorIs(t, err, shared.ErrConsistency)
	var cerr *shared.ConsistencyError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "update status", cerr.Op)

	got, err := f.svc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Len(t, f.store.eventsOf(order.ID, ""), 1)
	assert.Equal(t, 1, f.metrics.count("status/consistency_failure"))

	_, err = f.svc.Create(context.Background(), salesperson, titanSpa())
	require.ErrorIs(t, err, shared.ErrConsistency)
	orders, _ := f.store.snapshot()
	assert.Len(t, orders, 1)

	_, err = f.svc.UpdatePaymentStatus(context.Background(), admin, order.ID, UpdatePaymentRequest{PaymentStatus: "Paid"})
	require.ErrorIs(t, err, shared.ErrConsistency)
	got, _ = f.svc.Get(context.Background(), order.ID)
	assert.Equal(t, PaymentUnpaid, got.PaymentStatus)
	assert.Len(t, f.publisher.events, 1)
}

func TestAppendNotFoundIsConsistencyFailure(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)
	f.store.appendErr = fmt.Errorf("order gone: %w", shared.ErrNotFound)

	_, err := f.svc.UpdateStatus(context.Background(), admin, order.ID, UpdateStatusRequest{Status: "Dispatched"})
	require.ErrorIs(t, err, shared.ErrConsistency)
	assert.Equal(t, "consistency_failure", resultLabel(err))
	assert.False(t, isClientError(err))
	assert.Equal(t, 1, f.metrics.count("status/consistency_failure"))
	assert.Zero(t, f.metrics.count("status/not_found"))
	assert.Equal(t, 1, strings.Count(err.Error(), "update status"))

	got, err := f.svc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestAppendTimeoutIsRetryable(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)
	f.store.appendErr = context.DeadlineExceeded

	_, err := f.svc.UpdatePaymentStatus(context.Background(), admin, order.ID, UpdatePaymentRequest{PaymentStatus: "Paid"})
	assert.ErrorIs(t, err, shared.ErrConsistency)
	assert.ErrorIs(t, err, shared.ErrRetryable)
}

func TestAssignDistributor(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)

	_, err := f.svc.AssignDistributor(context.Background(), salesperson, order.ID, AssignRequest{DistributorID: "D1"})
	assert.ErrorIs(t, err, shared.ErrForbidden)
	_, err = f.svc.AssignDistributor(context.Background(), admin, order.ID, AssignRequest{DistributorID: "S2"})
	assert.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.AssignDistributor(context.Background(), admin, order.ID, AssignRequest{DistributorID: "D9"})
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = f.svc.AssignDistributor(context.Background(), admin, "missing", AssignRequest{DistributorID: "D1"})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	updated, err := f.svc.AssignDistributor(context.Background(), admin, order.ID, AssignRequest{DistributorID: "D1"})
	require.NoError(t, err)
	assert.True(t, updated.AssignedTo("D1"))

	_, err = f.svc.AssignDistributor(context.Background(), admin, order.ID, AssignRequest{DistributorID: "D1"})
	require.NoError(t, err)

	events := f.store.eventsOf(order.ID, timeline.EventAssigned)
	require.Len(t, events, 1)
	assert.Equal(t, "Assigned to Dana Driver", events[0].Message)
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, timeline.EventAssigned, f.notifier.events[0].Type)
}

func TestDistributorScope(t *testing.T) {
	f := newFixture()
	order := f.createTitan(t)

	_, err := f.svc.UpdateStatus(context.Background(), distributor, order.ID, UpdateStatusRequest{Status: "Dispatched"})
	assert.ErrorIs(t, err, shared.ErrForbidden)

	f.assign(t, order.ID, "D1")
	_, err = f.svc.UpdateStatus(context.Background(), distributor2, order.ID, UpdateStatusRequest{Status: "Dispatched"})
	assert.ErrorIs(t, err, shared.ErrForbidden)
	_, err = f.svc.UpdateStatus(context.Background(), salesperson, order.ID, UpdateStatusRequest{Status: "Dispatched"})
	assert.ErrorIs(t, err, shared.ErrForbidden)

	_, err = f.svc.UpdateStatus(context.Background(), distributor, order.ID, UpdateStatusRequest{Status: "Dispatched"})
	require.NoError(t, err)
	ev := f.store.eventsOf(order.ID, timeline.EventStatusUpdated)
	require.Len(t, ev, 1)
	assert.Equal(t, "D1", ev[0].ActorID)
	assert.Equal(t, "Distributor", string(ev[0].ActorRole))
}

func TestListAndCanView(t *testing.T) {
	f := newFixture()
	mine := f.createTitan(t)
	theirs, err := f.svc.Create(context.Background(), salesperson2, titanSpa())
	require.NoError(t, err)
	f.assign(t, theirs.ID, "D1")

	all, err := f.svc.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bySales, err := f.svc.ListBySalesperson(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, bySales, 1)
	assert.Equal(t, mine.ID, bySales[0].ID)

	byDist, err := f.svc.ListByDistributor(context.Background(), "D2")
	require.NoError(t, err)
	assert.NotNil(t, byDist)
	assert.Empty(t, byDist)

	forDist, err := f.svc.ListForActor(context.Background(), distributor, ListFilter{})
	require.NoError(t, err)
	require.Len(t, forDist, 1)
	assert.Equal(t, theirs.ID, forDist[0].ID)

	forSales, err := f.svc.ListForActor(context.Background(), salesperson, ListFilter{SalespersonID: "S2"})
	require.NoError(t, err)
	require.Len(t, forSales, 1)
	assert.Equal(t, mine.ID, forSales[0].ID)

	filtered, err := f.svc.ListForActor(context.Background(), admin, ListFilter{SalespersonID: "S2"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)

	assert.NoError(t, f.svc.CanView(context.Background(), salesperson, mine.ID))
	assert.ErrorIs(t, f.svc.CanView(context.Background(), salesperson, theirs.ID), shared.ErrForbidden)
	assert.NoError(t, f.svc.CanView(context.Background(), distributor, theirs.ID))
	assert.ErrorIs(t, f.svc.CanView(context.Background(), distributor, mine.ID), shared.ErrForbidden)
	assert.NoError(t, f.svc.CanView(context.Background(), admin, mine.ID))
	assert.ErrorIs(t, f.svc.CanView(context.Background(), admin, "missing"), shared.ErrNotFound)
}

func TestStatusSequence(t *testing.T) {
	assert.True(t, StatusPending.CanAdvanceTo(StatusDispatched))
	assert.True(t, StatusDispatched.CanAdvanceTo(StatusDelivered))
	assert.False(t, StatusPending.CanAdvanceTo(StatusDelivered))
	assert.False(t, StatusDelivered.CanAdvanceTo(StatusPending))
	_, ok := StatusDelivered.Next()
	assert.False(t, ok)
}

func TestAppendToUnknownOrderLeavesLogUnchanged(t *testing.T) {
	f := newFixture()
	f.createTitan(t)
	_, before := f.store.snapshot()

	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		_, err := tx.Append(ctx, timeline.AppendInput{
			OrderID:   "no-such-order",
			Type:      timeline.EventStatusUpdated,
			ActorID:   "A1",
			ActorRole: users.RoleAdmin,
			Message:   "Status changed from Pending to Dispatched",
		})
		return err
	})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, after := f.store.snapshot()
	assert.Equal(t, before, after)
}
