package domain

import (
	"github.com/shopspring/decimal"
)

type CartEntry struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Qty       int             `json:"qty"`
}

// CartState is one session's selection. It is a value: Apply never mutates the
// state it is given.
type CartState struct {
	SessionID  string         `json:"session_id"`
	Entries    []CartEntry    `json:"entries"`
	KnownStock map[string]int `json:"known_stock"`
}

func NewCartState(sessionID string) CartState {
	return CartState{
		SessionID:  sessionID,
		Entries:    []CartEntry{},
		KnownStock: map[string]int{},
	}
}

type IntentKind string

const (
	IntentAddItem      IntentKind = "add_item"
	IntentRemoveItem   IntentKind = "remove_item"
	IntentSetQty       IntentKind = "set_qty"
	IntentClear        IntentKind = "clear"
	IntentObserveStock IntentKind = "observe_stock"
	IntentDeduct       IntentKind = "deduct"
)

// Intent is a single cart command. Only the fields relevant to Kind are read.
type Intent struct {
	Kind      IntentKind
	SKU       string
	Name      string
	UnitPrice decimal.Decimal
	Qty       int
	Stock     int
	Lines     []CartEntry
}

func AddItem(sku, name string, unitPrice decimal.Decimal, qty int) Intent {
	return Intent{Kind: IntentAddItem, SKU: sku, Name: name, UnitPrice: unitPrice, Qty: qty}
}

func RemoveItem(sku string) Intent {
	return Intent{Kind: IntentRemoveItem, SKU: sku}
}

func SetQty(sku string, qty int) Intent {
	return Intent{Kind: IntentSetQty, SKU: sku, Qty: qty}
}

func ClearCart() Intent {
	return Intent{Kind: IntentClear}
}

func ObserveStock(sku string, stock int) Intent {
	return Intent{Kind: IntentObserveStock, SKU: sku, Stock: stock}
}

// Deduct takes ordered lines out of the cart. Units added after the lines
// were taken stay in the cart.
func Deduct(lines []CartEntry) Intent {
	return Intent{Kind: IntentDeduct, Lines: append([]CartEntry(nil), lines...)}
}

// ValidatePrice is the price rule for every path that puts an item in the
// cart.
func ValidatePrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return &ValidationError{Field: "price", Reason: "must be positive"}
	}
	return nil
}

// Apply runs intent against state and returns the resulting state with the
// events it produced. On error the returned state equals the input.
func Apply(state CartState, intent Intent) (CartState, []Event, error) {
	next := state.Clone()

	switch intent.Kind {
	case IntentAddItem:
		if intent.SKU == "" {
			return state, nil, &ValidationError{Field: "sku", Reason: "is required"}
		}
		if intent.Qty < 1 {
			return state, nil, &ValidationError{Field: "qty", Reason: "must be at least 1"}
		}
		if err := ValidatePrice(intent.UnitPrice); err != nil {
			return state, nil, err
		}
		stock, ok := next.KnownStock[intent.SKU]
		if !ok || stock <= 0 {
			return state, nil, ErrOutOfStock
		}
		idx := next.indexOf(intent.SKU)
		if idx < 0 {
			next.Entries = append(next.Entries, CartEntry{
				SKU:       intent.SKU,
				Name:      intent.Name,
				UnitPrice: intent.UnitPrice,
				Qty:       min(intent.Qty, stock),
			})
		} else {
			if next.Entries[idx].Qty >= stock {
				return state, nil, ErrQuantityAtMax
			}
			next.Entries[idx].Qty = min(next.Entries[idx].Qty+intent.Qty, stock)
		}
		return next, next.changed(intent.SKU), nil

	case IntentRemoveItem:
		idx := next.indexOf(intent.SKU)
		if idx < 0 {
			return state, nil, ErrNotInCart
		}
		next.Entries = append(next.Entries[:idx], next.Entries[idx+1:]...)
		return next, next.changed(intent.SKU), nil

	case IntentSetQty:
		if intent.Qty < 0 {
			return state, nil, &ValidationError{Field: "qty", Reason: "must not be negative"}
		}
		idx := next.indexOf(intent.SKU)
		if idx < 0 {
			return state, nil, ErrNotInCart
		}
		qty := intent.Qty
		if stock, ok := next.KnownStock[intent.SKU]; ok {
			qty = min(qty, max(stock, 0))
		}
		if qty == 0 {
			next.Entries = append(next.Entries[:idx], next.Entries[idx+1:]...)
		} else {
			next.Entries[idx].Qty = qty
		}
		return next, next.changed(intent.SKU), nil

	case IntentClear:
		next.Entries = []CartEntry{}
		return next, next.changed(), nil

	case IntentDeduct:
		skus := make([]string, 0, len(intent.Lines))
		for _, line := range intent.Lines {
			idx := next.indexOf(line.SKU)
			if idx < 0 {
				continue
			}
			if remaining := next.Entries[idx].Qty - line.Qty; remaining > 0 {
				next.Entries[idx].Qty = remaining
			} else {
				next.Entries = append(next.Entries[:idx], next.Entries[idx+1:]...)
			}
			skus = append(skus, line.SKU)
		}
		return next, next.changed(skus...), nil

	case IntentObserveStock:
		if intent.SKU == "" {
			return state, nil, &ValidationError{Field: "sku", Reason: "is required"}
		}
		next.KnownStock[intent.SKU] = intent.Stock
		idx := next.indexOf(intent.SKU)
		if idx < 0 || next.Entries[idx].Qty <= intent.Stock {
			return next, []Event{next.availabilityEvent(intent.SKU)}, nil
		}
		// the cap is advisory but must hold against the latest observation
		if intent.Stock <= 0 {
			next.Entries = append(next.Entries[:idx], next.Entries[idx+1:]...)
		} else {
			next.Entries[idx].Qty = intent.Stock
		}
		return next, next.changed(intent.SKU), nil
	}

	return state, nil, &ValidationError{Field: "intent", Reason: "unknown kind " + string(intent.Kind)}
}

// Clone returns a deep copy of the state.
func (s CartState) Clone() CartState {
	c := CartState{
		SessionID:  s.SessionID,
		Entries:    make([]CartEntry, len(s.Entries)),
		KnownStock: make(map[string]int, len(s.KnownStock)),
	}
	copy(c.Entries, s.Entries)
	for k, v := range s.KnownStock {
		c.KnownStock[k] = v
	}
	return c
}

// Snapshot returns a copy of the entries in display order.
func (s CartState) Snapshot() []CartEntry {
	return append([]CartEntry(nil), s.Entries...)
}

func (s CartState) Entry(sku string) (CartEntry, bool) {
	if idx := s.indexOf(sku); idx >= 0 {
		return s.Entries[idx], true
	}
	return CartEntry{}, false
}

func (s CartState) Count() int {
	n := 0
	for _, e := range s.Entries {
		n += e.Qty
	}
	return n
}

func (s CartState) Total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range s.Entries {
		total = total.Add(e.UnitPrice.Mul(decimal.NewFromInt(int64(e.Qty))))
	}
	return total
}

func (s CartState) IsEmpty() bool {
	return len(s.Entries) == 0
}

// Availability reports the add-button state for sku. A SKU that was never
// observed is reported as available.
func (s CartState) Availability(sku string) Availability {
	stock, ok := s.KnownStock[sku]
	if !ok {
		return AvailabilityAvailable
	}
	inCart := 0
	if e, found := s.Entry(sku); found {
		inCart = e.Qty
	}
	return AvailabilityFor(stock, inCart)
}

func (s CartState) Summary() CartSummary {
	return CartSummary{
		SessionID: s.SessionID,
		Entries:   s.Snapshot(),
		Count:     s.Count(),
		Total:     s.Total(),
	}
}

func (s CartState) indexOf(sku string) int {
	for i, e := range s.Entries {
		if e.SKU == sku {
			return i
		}
	}
	return -1
}

func (s CartState) changed(skus ...string) []Event {
	summary := s.Summary()
	events := []Event{{Kind: EventCartChanged, SessionID: s.SessionID, Cart: &summary}}
	for _, sku := range skus {
		events = append(events, s.availabilityEvent(sku))
	}
	return events
}

func (s CartState) availabilityEvent(sku string) Event {
	return Event{
		Kind:      EventAvailability,
		SessionID: s.SessionID,
		Availability: &AvailabilityChange{
			SKU:   sku,
			State: s.Availability(sku),
		},
	}
}
