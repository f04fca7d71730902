package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/basket-checkout/internal/core/domain"
)

// MemoryInventory is a process-local stock counter. Every operation runs under
// one mutex, which makes Reserve a true compare-and-commit.
type MemoryInventory struct {
	mu           sync.Mutex
	records      map[string]*domain.InventoryRecord
	reservations map[string]*memoryReservation
	seedStock    int
}

type memoryReservation struct {
	sku      string
	qty      int
	released bool
}

func NewMemoryInventory(seedStock int) *MemoryInventory {
	return &MemoryInventory{
		records:      make(map[string]*domain.InventoryRecord),
		reservations: make(map[string]*memoryReservation),
		seedStock:    seedStock,
	}
}

func (m *MemoryInventory) GetStock(ctx context.Context, sku string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stockLocked(sku), nil
}

func (m *MemoryInventory) stockLocked(sku string) int {
	if rec, ok := m.records[sku]; ok {
		return rec.Stock
	}
	return m.seedStock
}

func (m *MemoryInventory) Reserve(ctx context.Context, sku string, qty int, token string) (int, error) {
	if err := validateReservation(sku, qty, token); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.reservations[token]; ok {
		if r.released {
			return 0, domain.ErrReservationReleased
		}
		return m.stockLocked(sku), nil
	}

	rec, ok := m.records[sku]
	if !ok {
		if qty > m.seedStock {
			return 0, &domain.InsufficientStockError{SKU: sku, Wanted: qty, Available: m.seedStock}
		}
		rec = &domain.InventoryRecord{SKU: sku, Stock: m.seedStock}
		m.records[sku] = rec
	}
	if qty > rec.Stock {
		return 0, &domain.InsufficientStockError{SKU: sku, Wanted: qty, Available: rec.Stock}
	}
	rec.Stock -= qty
	rec.Version++
	rec.UpdatedAt = time.Now()
	m.reservations[token] = &memoryReservation{sku: sku, qty: qty}
	return rec.Stock, nil
}

func (m *MemoryInventory) Release(ctx context.Context, sku string, token string) (int, error) {
	if err := validateReservation(sku, 1, token); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[token]
	if !ok {
		m.reservations[token] = &memoryReservation{sku: sku, released: true}
		return m.stockLocked(sku), nil
	}
	if r.released {
		return m.stockLocked(r.sku), nil
	}
	r.released = true

	rec, ok := m.records[r.sku]
	if !ok {
		rec = &domain.InventoryRecord{SKU: r.sku, Stock: m.seedStock}
		m.records[r.sku] = rec
	}
	rec.Stock += r.qty
	rec.Version++
	rec.UpdatedAt = time.Now()
	return rec.Stock, nil
}

func (m *MemoryInventory) Seed(ctx context.Context, sku string, stock int) error {
	if stock < 0 {
		return &domain.ValidationError{Field: "stock", Reason: "must not be negative"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sku]
	if !ok {
		rec = &domain.InventoryRecord{SKU: sku}
		m.records[sku] = rec
	}
	rec.Stock = stock
	rec.Version++
	rec.UpdatedAt = time.Now()
	return nil
}

// MemoryLedger keeps deep copies of appended orders.
type MemoryLedger struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{orders: make(map[string]domain.Order)}
}

func (l *MemoryLedger) Append(ctx context.Context, order domain.Order) (string, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.orders[order.ID]; exists {
		return "", domain.ErrOrderExists
	}
	l.orders[order.ID] = order.Clone()
	return order.ID, nil
}

func (l *MemoryLedger) Get(ctx context.Context, orderID string) (domain.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	order, ok := l.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// List returns every order, oldest first.
func (l *MemoryLedger) List() []domain.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Order, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MemoryKV is a KeyValueStore and CheckoutLock for a single process.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string][]byte
	locks  map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values: make(map[string][]byte),
		locks:  make(map[string]string),
	}
}

func (m *MemoryKV) Load(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryKV) Save(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Acquire(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.locks[key]; held {
		return "", false, nil
	}
	token := uuid.NewString()
	m.locks[key] = token
	return token, true, nil
}

func (m *MemoryKV) Unlock(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks[key] == token {
		delete(m.locks, key)
	}
	return nil
}

func validateQuantity(sku string, qty int) error {
	if sku == "" {
		return &domain.ValidationError{Field: "sku", Reason: "is required"}
	}
	if qty <= 0 {
		return &domain.ValidationError{Field: "qty", Reason: "must be positive"}
	}
	return nil
}

func validateReservation(sku string, qty int, token string) error {
	if token == "" {
		return &domain.ValidationError{Field: "token", Reason: "is required"}
	}
	return validateQuantity(sku, qty)
}
