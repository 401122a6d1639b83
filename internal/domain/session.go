package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Totals carries the money amounts of one session. DiscountAmount is the
// cap-gated eligibility discount; VoucherAmount is an ordinary voucher that
// never touches the cap ledger.
type Totals struct {
	BaseAmount     decimal.Decimal `json:"baseAmount"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	VoucherAmount  decimal.Decimal `json:"voucherAmount"`
	FinalAmount    decimal.Decimal `json:"finalAmount"`
}

// Equal compares totals by value, ignoring decimal exponent differences.
func (t Totals) Equal(other Totals) bool {
	return t.BaseAmount.Equal(other.BaseAmount) &&
		t.DiscountAmount.Equal(other.DiscountAmount) &&
		t.VoucherAmount.Equal(other.VoucherAmount) &&
		t.FinalAmount.Equal(other.FinalAmount)
}

// Voucher is an optional flat discount attached by the cashier at lock
// time. It reduces the final amount only.
type Voucher struct {
	Code   string          `json:"code"`
	Amount decimal.Decimal `json:"amount"`
}

// CheckoutSession is one purchase in flight between a customer device and
// a cashier device. Created by the customer side, mutated exclusively by
// the cashier side through the broker, read by both.
type CheckoutSession struct {
	CheckoutCode       string
	Status             SessionStatus
	CustomerID         string
	CashierID          string // empty until scanned
	CashierName        string
	Cart               CartSnapshot
	Totals             Totals
	Voucher            *Voucher
	CapReservationID   string // empty unless a reservation is held or committed
	PaymentRef         string // opaque payment reference recorded at PAID
	OrderID            string // set on completion
	CancellationReason CancellationReason
	CreatedAt          time.Time
	LastTransitionAt   time.Time
}
