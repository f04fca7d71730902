package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rl1809/basket-checkout/internal/core/domain"
	"github.com/rl1809/basket-checkout/internal/port"
)

const (
	cartKeyPrefix     = "basket:"
	wishlistKeyPrefix = "wishlist:"
)

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.Event) {}

// CartService owns one session's cart. Every intent goes through Dispatch,
// which applies the domain reducer, persists the result and publishes the
// events it produced.
type CartService struct {
	sessionID string
	store     port.KeyValueStore
	inventory port.InventoryRepository
	events    port.EventPublisher

	mu    sync.Mutex
	state domain.CartState
}

func NewCartService(sessionID string, store port.KeyValueStore, inventory port.InventoryRepository, events port.EventPublisher) *CartService {
	if events == nil {
		events = noopPublisher{}
	}
	return &CartService{
		sessionID: sessionID,
		store:     store,
		inventory: inventory,
		events:    events,
		state:     domain.NewCartState(sessionID),
	}
}

func (s *CartService) SessionID() string {
	return s.sessionID
}

// Load replaces the in-memory cart with the persisted snapshot, if one exists.
func (s *CartService) Load(ctx context.Context) error {
	raw, found, err := s.store.Load(ctx, cartKeyPrefix+s.sessionID)
	if err != nil {
		return fmt.Errorf("load cart %s: %w", s.sessionID, err)
	}
	if !found {
		return nil
	}

	var state domain.CartState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decode cart %s: %w", s.sessionID, err)
	}
	state.SessionID = s.sessionID
	if state.Entries == nil {
		state.Entries = []domain.CartEntry{}
	}
	if state.KnownStock == nil {
		state.KnownStock = map[string]int{}
	}

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	return nil
}

// Dispatch applies intents in order. It stops at the first rejected intent;
// whatever the earlier intents changed is still persisted and published, and
// the rejection is returned alongside the resulting state.
func (s *CartService) Dispatch(ctx context.Context, intents ...domain.Intent) (domain.CartState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	var events []domain.Event
	var rejected error
	for _, intent := range intents {
		applied, evs, err := domain.Apply(next, intent)
		if err != nil {
			rejected = err
			break
		}
		next = applied
		events = append(events, evs...)
	}

	if len(events) > 0 {
		if err := s.persist(ctx, next); err != nil {
			return s.state.Clone(), err
		}
		s.state = next
		for _, ev := range events {
			s.events.Publish(ctx, ev)
		}
	}
	return s.state.Clone(), rejected
}

// AddItem observes the current stock for name and adds qty units, capped by
// that stock.
func (s *CartService) AddItem(ctx context.Context, name string, unitPrice decimal.Decimal, qty int) (domain.CartState, error) {
	name = strings.TrimSpace(name)
	sku := domain.KeyFromName(name)
	if sku == "" {
		return s.Snapshot(), &domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if err := domain.ValidatePrice(unitPrice); err != nil {
		return s.Snapshot(), err
	}

	stock, err := s.inventory.GetStock(ctx, sku)
	if err != nil {
		return s.Snapshot(), fmt.Errorf("observe stock %s: %w", sku, err)
	}
	return s.Dispatch(ctx, domain.ObserveStock(sku, stock), domain.AddItem(sku, name, unitPrice, qty))
}

func (s *CartService) RemoveItem(ctx context.Context, sku string) (domain.CartState, error) {
	return s.Dispatch(ctx, domain.RemoveItem(sku))
}

// SetQty sets the quantity for sku, clamped to freshly observed stock. Zero
// removes the entry.
func (s *CartService) SetQty(ctx context.Context, sku string, qty int) (domain.CartState, error) {
	if qty <= 0 {
		return s.Dispatch(ctx, domain.SetQty(sku, qty))
	}
	if _, ok := s.Snapshot().Entry(sku); !ok {
		return s.Snapshot(), domain.ErrNotInCart
	}

	stock, err := s.inventory.GetStock(ctx, sku)
	if err != nil {
		return s.Snapshot(), fmt.Errorf("observe stock %s: %w", sku, err)
	}
	return s.Dispatch(ctx, domain.ObserveStock(sku, stock), domain.SetQty(sku, qty))
}

func (s *CartService) Clear(ctx context.Context) (domain.CartState, error) {
	return s.Dispatch(ctx, domain.ClearCart())
}

// Deduct removes lines that were ordered, keeping anything added since they
// were taken from the cart.
func (s *CartService) Deduct(ctx context.Context, lines []domain.CartEntry) (domain.CartState, error) {
	return s.Dispatch(ctx, domain.Deduct(lines))
}

// Snapshot returns a copy of the current cart.
func (s *CartService) Snapshot() domain.CartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *CartService) Availability(sku string) domain.Availability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Availability(sku)
}

// RefreshAvailability re-reads stock for every cart SKU plus extra, records it
// and returns the resulting availability per SKU.
func (s *CartService) RefreshAvailability(ctx context.Context, extra ...string) (map[string]domain.Availability, error) {
	skuSet := make(map[string]struct{})
	for _, e := range s.Snapshot().Entries {
		skuSet[e.SKU] = struct{}{}
	}
	for _, sku := range extra {
		if sku != "" {
			skuSet[sku] = struct{}{}
		}
	}
	skus := make([]string, 0, len(skuSet))
	for sku := range skuSet {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	intents := make([]domain.Intent, 0, len(skus))
	for _, sku := range skus {
		stock, err := s.inventory.GetStock(ctx, sku)
		if err != nil {
			return nil, fmt.Errorf("observe stock %s: %w", sku, err)
		}
		intents = append(intents, domain.ObserveStock(sku, stock))
	}

	state, err := s.Dispatch(ctx, intents...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Availability, len(skus))
	for _, sku := range skus {
		out[sku] = state.Availability(sku)
	}
	return out, nil
}

func (s *CartService) persist(ctx context.Context, state domain.CartState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode cart %s: %w", s.sessionID, err)
	}
	if err := s.store.Save(ctx, cartKeyPrefix+s.sessionID, raw); err != nil {
		return fmt.Errorf("save cart %s: %w", s.sessionID, err)
	}
	return nil
}
