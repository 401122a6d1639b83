package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Common errors returned by ledger implementations
var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidState        = errors.New("invalid reservation state for this operation")
)

// CapExceededError reports that a proposed reservation would break a weekly
// cap. It carries the remaining headroom so the caller can clip and retry;
// headroom is never negative.
type CapExceededError struct {
	RemainingDiscount decimal.Decimal
	RemainingPurchase decimal.Decimal
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("weekly cap exceeded: remaining discount %s, remaining eligible purchase %s",
		e.RemainingDiscount, e.RemainingPurchase)
}

// ReservationState tracks a reservation through the reserve/commit/release
// protocol.
type ReservationState string

const (
	StateHeld      ReservationState = "HELD"
	StateCommitted ReservationState = "COMMITTED"
	StateReleased  ReservationState = "RELEASED"
)

// Reservation is a held-but-not-yet-committed claim against one customer's
// weekly cap entry.
type Reservation struct {
	ID               string
	CustomerID       string
	WeekStart        time.Time
	Discount         decimal.Decimal
	EligiblePurchase decimal.Decimal
	State            ReservationState
}

// WeekUsage is the committed-plus-held usage of one customer in one week.
type WeekUsage struct {
	CustomerID           string          `json:"customerId"`
	WeekStart            time.Time       `json:"weekStart"`
	WeekEnd              time.Time       `json:"weekEnd"`
	DiscountUsed         decimal.Decimal `json:"discountUsed"`
	EligiblePurchaseUsed decimal.Decimal `json:"eligiblePurchaseUsed"`
}

// Caps holds the weekly policy limits.
type Caps struct {
	MaxDiscount         decimal.Decimal
	MaxEligiblePurchase decimal.Decimal
}

// Ledger guards the weekly discount caps. Reserve must be a single atomic
// check-and-increment: two concurrent reservations for the same customer
// must observe each other's provisional usage. Implementations derive the
// week in the store's time zone regardless of the zone the instant
// arrives in.
type Ledger interface {
	// Reserve creates a HELD reservation against the week active at the
	// given instant, provisionally incrementing the entry. Returns
	// *CapExceededError when either cap would be exceeded.
	Reserve(ctx context.Context, customerID string, discount, eligiblePurchase decimal.Decimal, at time.Time) (*Reservation, error)

	// Commit makes a held reservation's increments permanent. Idempotent.
	Commit(ctx context.Context, reservationID string) error

	// Release reverses a held reservation's increments. Idempotent.
	Release(ctx context.Context, reservationID string) error

	// Usage returns the entry for the week active at the given instant,
	// zero-valued if the customer has no usage yet.
	Usage(ctx context.Context, customerID string, at time.Time) (*WeekUsage, error)
}
