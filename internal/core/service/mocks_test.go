package service

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/rl1809/basket-checkout/internal/core/domain"
)

// Mock InventoryRepository
type mockInventory struct {
	mu           sync.Mutex
	stock        map[string]int
	seed         int
	reservations map[string]*mockReservation

	reserveCalls      int
	releaseCalls      int
	conflicts         map[string]int // remaining forced conflicts per sku
	failReleases      int            // remaining releases that fail without applying
	ambiguousReserves map[string]int // remaining reserves per sku that apply, then report a timeout
	ambiguousReleases int            // remaining releases that apply, then report a timeout
}

type mockReservation struct {
	sku      string
	qty      int
	released bool
}

func newMockInventory(stock map[string]int) *mockInventory {
	m := &mockInventory{
		stock:        make(map[string]int),
		seed:         domain.DefaultSeedStock,
		reservations: make(map[string]*mockReservation),
		conflicts:    make(map[string]int),

		ambiguousReserves: make(map[string]int),
	}
	for k, v := range stock {
		m.stock[k] = v
	}
	return m
}

func (m *mockInventory) GetStock(ctx context.Context, sku string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current(sku), nil
}

func (m *mockInventory) current(sku string) int {
	if v, ok := m.stock[sku]; ok {
		return v
	}
	return m.seed
}

func (m *mockInventory) Reserve(ctx context.Context, sku string, qty int, token string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reserveCalls++
	if token == "" {
		return 0, &domain.ValidationError{Field: "token", Reason: "is required"}
	}
	if res, ok := m.reservations[token]; ok {
		if res.released {
			return 0, domain.ErrReservationReleased
		}
		return m.current(sku), nil
	}
	if m.conflicts[sku] > 0 {
		m.conflicts[sku]--
		return 0, domain.ErrConcurrencyConflict
	}
	current := m.current(sku)
	if current < qty {
		return 0, &domain.InsufficientStockError{SKU: sku, Wanted: qty, Available: current}
	}
	m.stock[sku] = current - qty
	m.reservations[token] = &mockReservation{sku: sku, qty: qty}
	if m.ambiguousReserves[sku] > 0 {
		m.ambiguousReserves[sku]--
		return 0, context.DeadlineExceeded
	}
	return m.stock[sku], nil
}

func (m *mockInventory) Release(ctx context.Context, sku string, token string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseCalls++
	if m.failReleases > 0 {
		m.failReleases--
		return 0, errors.New("inventory unavailable")
	}
	res, ok := m.reservations[token]
	switch {
	case !ok:
		m.reservations[token] = &mockReservation{sku: sku, released: true}
	case !res.released:
		res.released = true
		m.stock[sku] = m.current(sku) + res.qty
	}
	if m.ambiguousReleases > 0 {
		m.ambiguousReleases--
		return 0, context.DeadlineExceeded
	}
	return m.current(sku), nil
}

// hold records a reservation made outside the code under test.
func (m *mockInventory) hold(token, sku string, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[token] = &mockReservation{sku: sku, qty: qty}
}

func (m *mockInventory) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, res := range m.reservations {
		if !res.released {
			n++
		}
	}
	return n
}

func (m *mockInventory) Seed(ctx context.Context, sku string, stock int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[sku] = stock
	return nil
}

func (m *mockInventory) get(sku string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[sku]
}

func (m *mockInventory) calls() (reserve, release int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveCalls, m.releaseCalls
}

// Mock OrderLedger
type mockLedger struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	failures  int // remaining forced append failures
	appendIDs []string
	block     chan struct{} // when set, Append waits for it or ctx
	entered   chan struct{}
}

func newMockLedger() *mockLedger {
	return &mockLedger{orders: make(map[string]domain.Order)}
}

func (l *mockLedger) Append(ctx context.Context, order domain.Order) (string, error) {
	l.mu.Lock()
	l.appendIDs = append(l.appendIDs, order.ID)
	block, entered := l.block, l.entered
	l.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return "", errors.New("ledger unavailable")
	}
	if _, ok := l.orders[order.ID]; ok {
		return "", domain.ErrOrderExists
	}
	l.orders[order.ID] = order.Clone()
	return order.ID, nil
}

func (l *mockLedger) Get(ctx context.Context, id string) (domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (l *mockLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}

// Mock KeyValueStore and CheckoutLock
type mockKV struct {
	mu       sync.Mutex
	values   map[string][]byte
	locks    map[string]string
	failSave bool
	loads    int

	blockKey string        // Load of this key waits for block
	block    chan struct{}
	entered  chan struct{}
}

func newMockKV() *mockKV {
	return &mockKV{values: make(map[string][]byte), locks: make(map[string]string)}
}

func (m *mockKV) Load(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	block, entered := m.block, m.entered
	m.mu.Unlock()
	if block != nil && key == m.blockKey {
		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *mockKV) Save(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("store unavailable")
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *mockKV) Acquire(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[key]; held {
		return "", false, nil
	}
	token := uuid.NewString()
	m.locks[key] = token
	return token, true, nil
}

func (m *mockKV) Unlock(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] == token {
		delete(m.locks, key)
	}
	return nil
}

func (m *mockKV) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) kinds() []domain.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventKind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (p *recordingPublisher) last(kind domain.EventKind) (domain.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Kind == kind {
			return p.events[i], true
		}
	}
	return domain.Event{}, false
}
