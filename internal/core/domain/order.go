package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusFailed    OrderStatus = "failed"
)

type Customer struct {
	Name         string `json:"name"`
	AddressLine1 string `json:"address_line1"`
	Postcode     string `json:"postcode"`
}

type LineItem struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal is UnitPrice multiplied by Quantity.
func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Order struct {
	ID        string          `json:"id"`
	Customer  Customer        `json:"customer"`
	LineItems []LineItem      `json:"line_items"`
	Total     decimal.Decimal `json:"total"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewOrder builds a pending order from a cart snapshot. The line items are
// copied so later cart mutations cannot reach the order.
func NewOrder(id string, customer Customer, entries []CartEntry, now time.Time) Order {
	items := make([]LineItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, LineItem{
			SKU:       e.SKU,
			Name:      e.Name,
			Quantity:  e.Qty,
			UnitPrice: e.UnitPrice,
		})
	}
	return Order{
		ID:        id,
		Customer:  customer,
		LineItems: items,
		Total:     SumLineItems(items),
		Status:    OrderStatusPending,
		CreatedAt: now.UTC(),
	}
}

func SumLineItems(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	c := o
	c.LineItems = append([]LineItem(nil), o.LineItems...)
	return c
}
