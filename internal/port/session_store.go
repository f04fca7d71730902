package port

import (
	"context"

	"github.com/rl1809/basket-checkout/internal/core/domain"
)

// KeyValueStore persists cart and wishlist snapshots.
type KeyValueStore interface {
	// Load returns the stored value; found is false when key is absent
	Load(ctx context.Context, key string) (value []byte, found bool, err error)

	Save(ctx context.Context, key string, value []byte) error
}

// CheckoutLock guards a cart against concurrent checkouts across processes.
type CheckoutLock interface {
	// Acquire returns a holder token, or ok=false if key is already held
	Acquire(ctx context.Context, key string) (token string, ok bool, err error)

	// Unlock frees key only while token still holds it. A lock that expired
	// and was taken by someone else is left alone.
	Unlock(ctx context.Context, key, token string) error
}

// EventPublisher delivers cart, availability and checkout events outward.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event)
}
