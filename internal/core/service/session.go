package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rl1809/basket-checkout/internal/core/domain"
	"github.com/rl1809/basket-checkout/internal/logger"
	"github.com/rl1809/basket-checkout/internal/port"
)

// Session is the cart, wishlist and checkout of one shopper.
type Session struct {
	ID       string
	Cart     *CartService
	Wishlist *WishlistService
	Checkout *CheckoutService
}

type sessionEntry struct {
	session  *Session
	lastUsed time.Time
}

// SessionManager creates sessions on first use. Persisted carts and wishlists
// are loaded when a session is opened, so a session dropped for being idle is
// rebuilt from the store on its next request. A session with a checkout in
// flight is never dropped.
type SessionManager struct {
	store       port.KeyValueStore
	inventory   port.InventoryRepository
	ledger      port.OrderLedger
	events      port.EventPublisher
	checkoutOps []CheckoutOption
	opening     singleflight.Group
	now         func() time.Time

	mu          sync.Mutex
	sessions    map[string]*sessionEntry
	idleTTL     time.Duration
	maxSessions int
	lastSweep   time.Time
}

func NewSessionManager(store port.KeyValueStore, inventory port.InventoryRepository, ledger port.OrderLedger, events port.EventPublisher, checkoutOpts ...CheckoutOption) *SessionManager {
	if events == nil {
		events = noopPublisher{}
	}
	return &SessionManager{
		store:       store,
		inventory:   inventory,
		ledger:      ledger,
		events:      events,
		checkoutOps: checkoutOpts,
		now:         time.Now,
		sessions:    make(map[string]*sessionEntry),
	}
}

// SetLimits drops sessions idle for longer than idleTTL and keeps at most
// maxSessions, evicting the least recently used idle one to make room. Zero
// disables either limit.
func (m *SessionManager) SetLimits(idleTTL time.Duration, maxSessions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTTL = idleTTL
	m.maxSessions = maxSessions
}

func (m *SessionManager) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, &domain.ValidationError{Field: "session_id", Reason: "is required"}
	}

	m.mu.Lock()
	now := m.now()
	m.sweepLocked(now)
	if e, ok := m.sessions[id]; ok {
		e.lastUsed = now
		m.mu.Unlock()
		return e.session, nil
	}
	m.mu.Unlock()

	// the store is read without holding m.mu; concurrent opens of one id share a load
	v, err, _ := m.opening.Do(id, func() (any, error) {
		return m.open(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		e.lastUsed = m.now()
		return e.session, nil
	}
	m.makeRoomLocked()
	s := v.(*Session)
	m.sessions[id] = &sessionEntry{session: s, lastUsed: m.now()}
	return s, nil
}

func (m *SessionManager) open(ctx context.Context, id string) (*Session, error) {
	cart := NewCartService(id, m.store, m.inventory, m.events)
	if err := cart.Load(ctx); err != nil {
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}
	wishlist := NewWishlistService(id, m.store, cart)
	if err := wishlist.Load(ctx); err != nil {
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}

	opts := append([]CheckoutOption{WithEventPublisher(m.events)}, m.checkoutOps...)
	return &Session{
		ID:       id,
		Cart:     cart,
		Wishlist: wishlist,
		Checkout: NewCheckoutService(cart, m.inventory, m.ledger, opts...),
	}, nil
}

// sweepLocked drops idle sessions, at most twice per idle TTL.
func (m *SessionManager) sweepLocked(now time.Time) {
	if m.idleTTL <= 0 || now.Sub(m.lastSweep) < m.idleTTL/2 {
		return
	}
	m.lastSweep = now

	evicted := 0
	for id, e := range m.sessions {
		if now.Sub(e.lastUsed) > m.idleTTL && !e.session.Checkout.InFlight() {
			delete(m.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		logger.Infow("sessions_evicted", "reason", "idle", "count", evicted, "remaining", len(m.sessions))
	}
}

func (m *SessionManager) makeRoomLocked() {
	if m.maxSessions <= 0 || len(m.sessions) < m.maxSessions {
		return
	}
	var (
		oldestID string
		oldest   time.Time
	)
	for id, e := range m.sessions {
		if e.session.Checkout.InFlight() {
			continue
		}
		if oldestID == "" || e.lastUsed.Before(oldest) {
			oldestID, oldest = id, e.lastUsed
		}
	}
	if oldestID == "" {
		logger.Warnw("sessions_over_capacity", "max_sessions", m.maxSessions, "sessions", len(m.sessions))
		return
	}
	delete(m.sessions, oldestID)
	logger.Infow("sessions_evicted", "reason", "capacity", "count", 1, "remaining", len(m.sessions))
}

// Order reads a recorded order from the ledger.
func (m *SessionManager) Order(ctx context.Context, id string) (domain.Order, error) {
	return m.ledger.Get(ctx, id)
}

func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
