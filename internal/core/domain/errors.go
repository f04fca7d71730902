package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned by a reservation whose transaction lost
	// a race with another writer. It is retryable.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrCheckoutInProgress = errors.New("checkout already in progress")
	ErrOutOfStock         = errors.New("out of stock")
	ErrQuantityAtMax      = errors.New("quantity already at available stock")
	ErrNotInCart          = errors.New("item not in cart")
	ErrNotInWishlist      = errors.New("item not in wishlist")
	ErrIllegalTransition  = errors.New("illegal checkout phase transition")
	ErrOrderExists        = errors.New("order already recorded")
	ErrOrderNotFound      = errors.New("order not found")
	ErrValidation         = errors.New("validation failed")

	// ErrReservationReleased is returned by a Reserve whose token was already
	// released, or tombstoned by a Release that arrived first.
	ErrReservationReleased = errors.New("reservation already released")
)

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InsufficientStockError names the SKU that could not be reserved.
type InsufficientStockError struct {
	SKU       string
	Wanted    int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: wanted %d, available %d", e.SKU, e.Wanted, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// PersistenceError wraps a failed ledger write.
type PersistenceError struct {
	OrderID string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist order %s: %v", e.OrderID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// OrderNotRecordedError is the fatal checkout outcome: every line was reserved
// but the order could not be written, so the reservations were released. Stock
// and ledger may have been inconsistent while it happened.
type OrderNotRecordedError struct {
	OrderID string
	Lines   []LineItem
	Err     error
}

func (e *OrderNotRecordedError) Error() string {
	return fmt.Sprintf("order %s could not be recorded: %v", e.OrderID, e.Err)
}

func (e *OrderNotRecordedError) Unwrap() error {
	return e.Err
}
