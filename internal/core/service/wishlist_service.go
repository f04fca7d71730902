package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rl1809/basket-checkout/internal/core/domain"
	"github.com/rl1809/basket-checkout/internal/port"
)

// WishlistService keeps one session's wishlist next to its cart.
type WishlistService struct {
	sessionID string
	store     port.KeyValueStore
	cart      *CartService

	mu   sync.Mutex
	list domain.Wishlist
}

func NewWishlistService(sessionID string, store port.KeyValueStore, cart *CartService) *WishlistService {
	return &WishlistService{
		sessionID: sessionID,
		store:     store,
		cart:      cart,
		list:      domain.NewWishlist(nil),
	}
}

// Load restores the persisted names, dropping blanks and duplicates.
func (s *WishlistService) Load(ctx context.Context) error {
	raw, found, err := s.store.Load(ctx, wishlistKeyPrefix+s.sessionID)
	if err != nil {
		return fmt.Errorf("load wishlist %s: %w", s.sessionID, err)
	}
	if !found {
		return nil
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return fmt.Errorf("decode wishlist %s: %w", s.sessionID, err)
	}

	s.mu.Lock()
	s.list = domain.NewWishlist(names)
	s.mu.Unlock()
	return nil
}

func (s *WishlistService) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.list.Names...)
}

// Toggle adds name if absent and removes it otherwise. It reports whether
// name is on the wishlist afterwards.
func (s *WishlistService) Toggle(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, &domain.ValidationError{Field: "name", Reason: "is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, added := s.list.Toggle(name)
	if err := s.persist(ctx, next); err != nil {
		return s.list.Contains(name), err
	}
	s.list = next
	return added, nil
}

func (s *WishlistService) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.list.Contains(name) {
		return domain.ErrNotInWishlist
	}
	next := s.list.Remove(name)
	if err := s.persist(ctx, next); err != nil {
		return err
	}
	s.list = next
	return nil
}

// MoveToCart adds one unit of name to the cart and drops it from the
// wishlist. An out-of-stock item stays on the wishlist; an item already at
// the stock cap is dropped without changing the cart.
func (s *WishlistService) MoveToCart(ctx context.Context, name string, unitPrice decimal.Decimal) (domain.CartState, error) {
	if err := domain.ValidatePrice(unitPrice); err != nil {
		return s.cart.Snapshot(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.list.Contains(name) {
		return s.cart.Snapshot(), domain.ErrNotInWishlist
	}

	state, err := s.cart.AddItem(ctx, name, unitPrice, 1)
	if err != nil && !errors.Is(err, domain.ErrQuantityAtMax) {
		return state, err
	}

	next := s.list.Remove(name)
	if err := s.persist(ctx, next); err != nil {
		return state, err
	}
	s.list = next
	return state, nil
}

func (s *WishlistService) persist(ctx context.Context, list domain.Wishlist) error {
	raw, err := json.Marshal(list.Names)
	if err != nil {
		return fmt.Errorf("encode wishlist %s: %w", s.sessionID, err)
	}
	if err := s.store.Save(ctx, wishlistKeyPrefix+s.sessionID, raw); err != nil {
		return fmt.Errorf("save wishlist %s: %w", s.sessionID, err)
	}
	return nil
}
