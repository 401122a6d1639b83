package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartSnapshotItem struct {
	ProductID           string          `json:"productId"`
	Name                string          `json:"name"`
	Quantity            int32           `json:"quantity"`
	UnitPrice           decimal.Decimal `json:"unitPrice"`
	EligibleForDiscount bool            `json:"eligibleForDiscount"`
}

// LineTotal is unit price times quantity.
func (i CartSnapshotItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CartSnapshot is the immutable cart state captured when a session is
// created. The coordinator never mutates it; totals are derived from it.
type CartSnapshot struct {
	Items      []CartSnapshotItem `json:"items"`
	CapturedAt time.Time          `json:"capturedAt"`
}

// Subtotal is the sum over all line totals.
func (c CartSnapshot) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// EligibleSubtotal is the sum over lines flagged eligible for the
// weekly-capped eligibility discount.
func (c CartSnapshot) EligibleSubtotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		if item.EligibleForDiscount {
			total = total.Add(item.LineTotal())
		}
	}
	return total
}
