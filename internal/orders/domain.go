// Package orders exposes the read side of the purchase-order subsystem that
// the ledger consumes. Order lifecycle (creation, approval) lives elsewhere;
// the ledger only ever reads an approved order with its items.
package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates purchase-order states relevant to ledger generation.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Item is one purchase-order line item.
type Item struct {
	ID        int64
	ArticleID int64
	Quantity  decimal.Decimal
	UnitCost  decimal.Decimal
}

// Subtotal returns quantity times unit cost.
func (i Item) Subtotal() decimal.Decimal {
	return i.Quantity.Mul(i.UnitCost)
}

// PurchaseOrder carries the fields the ledger needs from an order.
type PurchaseOrder struct {
	ID           int64
	Number       string
	SupplierName string
	Status       Status
	OrderDate    time.Time
	Items        []Item
}

// Total sums the item subtotals with decimal arithmetic, rounded to cents.
func (o PurchaseOrder) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total.Round(2)
}
