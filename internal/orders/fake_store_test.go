package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orderdesk/orderdesk/internal/shared"
	"github.com/orderdesk/orderdesk/internal/timeline"
	"github.com/orderdesk/orderdesk/internal/users"
)

// memStore is an in-memory order store. Transactions run one at a time on a
// staged copy that is swapped in only when the callback succeeds.
type memStore struct {
	mu     sync.Mutex
	orders map[string]Order
	events []timeline.Event
	keys   map[string]string
	nextID int
	clock  time.Time

	appendErr error
}

func newMemStore() *memStore {
	return &memStore{
		orders: map[string]Order{},
		keys:   map[string]string{},
		clock:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) Get(ctx context.Context, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, shared.ErrNotFound)
	}
	return o, nil
}

func (m *memStore) List(ctx context.Context, filter ListFilter) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if filter.SalespersonID != "" && o.SalespersonID != filter.SalespersonID {
			continue
		}
		if filter.DistributorID != "" && !o.AssignedTo(filter.DistributorID) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{
		store:  m,
		orders: make(map[string]Order, len(m.orders)),
		events: append([]timeline.Event(nil), m.events...),
		keys:   make(map[string]string, len(m.keys)),
		nextID: m.nextID,
		clock:  m.clock,
	}
	for k, v := range m.orders {
		tx.orders[k] = v
	}
	for k, v := range m.keys {
		tx.keys[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.orders, m.events, m.keys, m.nextID, m.clock = tx.orders, tx.events, tx.keys, tx.nextID, tx.clock
	return nil
}

// ListByOrder and OrderExists make memStore a timeline.Reader.
func (m *memStore) ListByOrder(ctx context.Context, orderID string) ([]timeline.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []timeline.Event
	for _, ev := range m.events {
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

func (m *memStore) OrderExists(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.orders[orderID]
	return ok, nil
}

func (m *memStore) snapshot() (map[string]Order, []timeline.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orders := make(map[string]Order, len(m.orders))
	for k, v := range m.orders {
		orders[k] = v
	}
	return orders, append([]timeline.Event(nil), m.events...)
}

func (m *memStore) eventsOf(orderID string, typ timeline.EventType) []timeline.Event {
	_, events := m.snapshot()
	var out []timeline.Event
	for _, ev := range events {
		if ev.OrderID == orderID && (typ == "" || ev.Type == typ) {
			out = append(out, ev)
		}
	}
	return out
}

type memTx struct {
	store  *memStore
	orders map[string]Order
	events []timeline.Event
	keys   map[string]string
	nextID int
	clock  time.Time
}

func (t *memTx) tick() time.Time {
	t.clock = t.clock.Add(time.Second)
	return t.clock
}

func (t *memTx) Insert(ctx context.Context, in NewOrder) (Order, bool, error) {
	if in.IdempotencyKey != "" {
		if id, ok := t.keys[in.IdempotencyKey]; ok {
			return t.orders[id], false, nil
		}
	}
	t.nextID++
	now := t.tick()
	o := Order{
		ID:            fmt.Sprintf("o-%d", t.nextID),
		SpaName:       in.SpaName,
		Address:       in.Address,
		ProductName:   in.ProductName,
		Quantity:      in.Quantity,
		Status:        StatusPending,
		PaymentStatus: PaymentUnpaid,
		SalespersonID: in.SalespersonID,
		DistributorID: in.DistributorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.orders[o.ID] = o
	if in.IdempotencyKey != "" {
		t.keys[in.IdempotencyKey] = o.ID
	}
	return o, true, nil
}

func (t *memTx) LockForUpdate(ctx context.Context, id string) (Order, error) {
	o, ok := t.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, shared.ErrNotFound)
	}
	return o, nil
}

func (t *memTx) SetStatus(ctx context.Context, id string, from, to Status) (Order, error) {
	o, err := t.LockForUpdate(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if o.Status != from {
		return Order{}, shared.ErrInvalidTransition
	}
	o.Status, o.UpdatedAt = to, t.tick()
	t.orders[id] = o
	return o, nil
}

func (t *memTx) SetPayment(ctx context.Context, id string, to PaymentStatus) (Order, error) {
	o, err := t.LockForUpdate(ctx, id)
	if err != nil {
		return Order{}, err
	}
	o.PaymentStatus, o.UpdatedAt = to, t.tick()
	t.orders[id] = o
	return o, nil
}

func (t *memTx) SetDistributor(ctx context.Context, id, distributorID string) (Order, error) {
	o, err := t.LockForUpdate(ctx, id)
	if err != nil {
		return Order{}, err
	}
	o.DistributorID, o.UpdatedAt = &distributorID, t.tick()
	t.orders[id] = o
	return o, nil
}

func (t *memTx) Append(ctx context.Context, in timeline.AppendInput) (timeline.Event, error) {
	if err := in.Validate(); err != nil {
		return timeline.Event{}, err
	}
	if t.store.appendErr != nil {
		return timeline.Event{}, t.store.appendErr
	}
	if _, ok := t.orders[in.OrderID]; !ok {
		return timeline.Event{}, fmt.Errorf("order %s: %w", in.OrderID, shared.ErrNotFound)
	}
	seq := 0
	for _, ev := range t.events {
		if ev.OrderID == in.OrderID && ev.Seq > seq {
			seq = ev.Seq
		}
	}
	ev := timeline.Event{
		ID:        fmt.Sprintf("e-%d", len(t.events)+1),
		OrderID:   in.OrderID,
		Seq:       seq + 1,
		Type:      in.Type,
		Message:   in.Message,
		ActorID:   in.ActorID,
		ActorRole: in.ActorRole,
		CreatedAt: t.tick(),
	}
	t.events = append(t.events, ev)
	return ev, nil
}

type fakeDirectory map[string]users.Profile

func (d fakeDirectory) Get(ctx context.Context, id string) (users.Profile, error) {
	p, ok := d[id]
	if !ok {
		return users.Profile{}, fmt.Errorf("user %s: %w", id, shared.ErrNotFound)
	}
	return p, nil
}

func (d fakeDirectory) GetMany(ctx context.Context, ids []string) (map[string]users.Profile, error) {
	out := map[string]users.Profile{}
	for _, id := range ids {
		if p, ok := d[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func testDirectory() fakeDirectory {
	return fakeDirectory{
		"A1": {ID: "A1", Name: "Asha Admin", Email: "asha@example.com", Role: users.RoleAdmin, IsActive: true},
		"S1": {ID: "S1", Name: "Sam Seller", Email: "sam@example.com", Role: users.RoleSalesperson, IsActive: true},
		"S2": {ID: "S2", Name: "Sid Seller", Email: "sid@example.com", Role: users.RoleSalesperson, IsActive: true},
		"D1": {ID: "D1", Name: "Dana Driver", Email: "dana@example.com", Role: users.RoleDistributor, IsActive: true},
		"D2": {ID: "D2", Name: "Dev Driver", Email: "dev@example.com", Role: users.RoleDistributor, IsActive: true},
		"DX": {ID: "DX", Name: "Gone Driver", Email: "gone@example.com", Role: users.RoleDistributor, IsActive: false},
	}
}

var (
	admin        = shared.Actor{ID: "A1", Role: "Admin"}
	salesperson  = shared.Actor{ID: "S1", Role: "Salesperson"}
	salesperson2 = shared.Actor{ID: "S2", Role: "Salesperson"}
	distributor  = shared.Actor{ID: "D1", Role: "Distributor"}
	distributor2 = shared.Actor{ID: "D2", Role: "Distributor"}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []timeline.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev timeline.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) NotifyOrderEvent(ctx context.Context, ev timeline.Event) error {
	return p.Publish(ctx, ev)
}

type recordingMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func (m *recordingMetrics) ObserveMutation(kind, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = map[string]int{}
	}
	m.results[kind+"/"+result]++
}

func (m *recordingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[key]
}
