package port

import (
	"context"

	"github.com/rl1809/basket-checkout/internal/core/domain"
)

// OrderLedger is an append-only store of completed orders.
type OrderLedger interface {
	// Append writes order once under its id, assigning one when empty, and
	// returns the id. Writing an id twice fails with domain.ErrOrderExists.
	Append(ctx context.Context, order domain.Order) (string, error)

	// Get returns the stored snapshot or domain.ErrOrderNotFound
	Get(ctx context.Context, orderID string) (domain.Order, error)
}
