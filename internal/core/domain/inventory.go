package domain

import (
	"strings"
	"time"
)

// DefaultSeedStock is the stock given to a SKU the first time it is reserved
// without an existing inventory record.
const DefaultSeedStock = 1

type InventoryRecord struct {
	SKU       string
	Stock     int
	Version   int // optimistic locking
	UpdatedAt time.Time
}

// ReservationToken names one reserved line of one checkout attempt. Backends
// apply at most one Reserve and one Release per token.
func ReservationToken(attemptID, sku string) string {
	return attemptID + ":" + sku
}

// KeyFromName derives the inventory key for a product name: lower-cased with
// everything outside [a-z0-9] dropped.
func KeyFromName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
