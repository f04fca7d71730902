package domain

import "github.com/shopspring/decimal"

type EventKind string

const (
	EventCartChanged    EventKind = "cart-changed"
	EventAvailability   EventKind = "availability"
	EventCheckoutResult EventKind = "checkout-result"
)

type Availability string

const (
	AvailabilityAvailable  Availability = "available"
	AvailabilityAtMax      Availability = "atMax"
	AvailabilityOutOfStock Availability = "outOfStock"
)

func AvailabilityFor(stock, inCart int) Availability {
	switch {
	case stock <= 0:
		return AvailabilityOutOfStock
	case inCart >= stock:
		return AvailabilityAtMax
	default:
		return AvailabilityAvailable
	}
}

type CartSummary struct {
	SessionID string          `json:"session_id"`
	Entries   []CartEntry     `json:"entries"`
	Count     int             `json:"count"`
	Total     decimal.Decimal `json:"total"`
}

type AvailabilityChange struct {
	SKU   string       `json:"sku"`
	State Availability `json:"state"`
}

// Event is emitted outward by the cart and the checkout. Exactly one of the
// payload pointers is set, matching Kind.
type Event struct {
	Kind         EventKind           `json:"kind"`
	SessionID    string              `json:"session_id"`
	Cart         *CartSummary        `json:"cart,omitempty"`
	Availability *AvailabilityChange `json:"availability,omitempty"`
	Checkout     *CheckoutResult     `json:"checkout,omitempty"`
}
