package port

import "context"

// InventoryRepository is the authoritative, shared stock counter.
//
// Reserve and Release are keyed by a reservation token (see
// domain.ReservationToken) so a caller that cannot tell whether a call landed
// may repeat it, or release a reservation that may never have happened.
type InventoryRepository interface {
	// GetStock returns the current stock for sku. The value is advisory and may
	// already be stale when it returns.
	GetStock(ctx context.Context, sku string) (int, error)

	// Reserve atomically decrements stock by qty and records token, returning
	// the new stock. A missing record is provisioned with the seed stock first.
	// Repeating a held token returns the current stock without decrementing
	// again; a released token fails with domain.ErrReservationReleased. Fails
	// with an *domain.InsufficientStockError or domain.ErrConcurrencyConflict
	// without mutating anything.
	Reserve(ctx context.Context, sku string, qty int, token string) (int, error)

	// Release gives back what token reserved, once. Releasing an unknown token
	// records it as released without touching stock, so a Reserve that arrives
	// later is refused. Returns the stock after the call.
	Release(ctx context.Context, sku string, token string) (int, error)

	// Seed sets stock for sku, creating the record if needed
	Seed(ctx context.Context, sku string, stock int) error
}
