package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type entry struct {
	weekStart            time.Time
	discountUsed         decimal.Decimal
	eligiblePurchaseUsed decimal.Decimal
}

// MemoryLedger implements Ledger with in-memory storage. It backs the
// cashier device's local replica during offline checkouts (seeded from the
// last sync) and stands in for the canonical store in tests.
type MemoryLedger struct {
	mu           sync.RWMutex
	caps         Caps
	loc          *time.Location
	entries      map[string]*entry       // customerID|weekKey -> entry
	reservations map[string]*Reservation // reservationID -> reservation
}

// NewMemoryLedger creates an empty in-memory ledger with the given caps.
// Weeks run in UTC until WithLocation installs the store zone.
func NewMemoryLedger(caps Caps) *MemoryLedger {
	return &MemoryLedger{
		caps:         caps,
		loc:          time.UTC,
		entries:      make(map[string]*entry),
		reservations: make(map[string]*Reservation),
	}
}

// WithLocation sets the store time zone weeks are derived in. Every
// instant handed to Reserve or Usage is normalized to this zone first, so
// callers may pass times in any zone and still hit the same week entry.
func (l *MemoryLedger) WithLocation(loc *time.Location) *MemoryLedger {
	if loc != nil {
		l.loc = loc
	}
	return l
}

// Seed installs a known usage entry, e.g. from the last server sync before
// going offline.
func (l *MemoryLedger) Seed(usage WeekUsage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	weekStart := usage.WeekStart.In(l.loc)
	l.entries[entryKey(usage.CustomerID, weekStart)] = &entry{
		weekStart:            WeekStart(weekStart),
		discountUsed:         usage.DiscountUsed,
		eligiblePurchaseUsed: usage.EligiblePurchaseUsed,
	}
}

func (l *MemoryLedger) Reserve(_ context.Context, customerID string, discount, eligiblePurchase decimal.Decimal, at time.Time) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	at = at.In(l.loc)
	key := entryKey(customerID, at)
	e, exists := l.entries[key]
	if !exists {
		e = &entry{
			weekStart:            WeekStart(at),
			discountUsed:         decimal.Zero,
			eligiblePurchaseUsed: decimal.Zero,
		}
		l.entries[key] = e
	}

	newDiscount := e.discountUsed.Add(discount)
	newPurchase := e.eligiblePurchaseUsed.Add(eligiblePurchase)
	if newDiscount.GreaterThan(l.caps.MaxDiscount) || newPurchase.GreaterThan(l.caps.MaxEligiblePurchase) {
		return nil, &CapExceededError{
			RemainingDiscount: l.caps.MaxDiscount.Sub(e.discountUsed),
			RemainingPurchase: l.caps.MaxEligiblePurchase.Sub(e.eligiblePurchaseUsed),
		}
	}

	// Provisional increment: a concurrent Reserve sees the updated totals.
	e.discountUsed = newDiscount
	e.eligiblePurchaseUsed = newPurchase

	reservation := &Reservation{
		ID:               uuid.New().String(),
		CustomerID:       customerID,
		WeekStart:        WeekStart(at),
		Discount:         discount,
		EligiblePurchase: eligiblePurchase,
		State:            StateHeld,
	}
	l.reservations[reservation.ID] = reservation
	return reservation, nil
}

func (l *MemoryLedger) Commit(_ context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reservation, exists := l.reservations[reservationID]
	if !exists {
		return ErrReservationNotFound
	}

	switch reservation.State {
	case StateCommitted:
		return nil // idempotent
	case StateReleased:
		return fmt.Errorf("commit reservation %s: %w", reservationID, ErrInvalidState)
	}

	reservation.State = StateCommitted
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reservation, exists := l.reservations[reservationID]
	if !exists {
		return ErrReservationNotFound
	}

	switch reservation.State {
	case StateReleased:
		return nil // idempotent
	case StateCommitted:
		return fmt.Errorf("release reservation %s: %w", reservationID, ErrInvalidState)
	}

	// Reverse the provisional increment.
	e := l.entries[entryKey(reservation.CustomerID, reservation.WeekStart)]
	if e != nil {
		e.discountUsed = e.discountUsed.Sub(reservation.Discount)
		e.eligiblePurchaseUsed = e.eligiblePurchaseUsed.Sub(reservation.EligiblePurchase)
	}

	reservation.State = StateReleased
	return nil
}

func (l *MemoryLedger) Usage(_ context.Context, customerID string, at time.Time) (*WeekUsage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	at = at.In(l.loc)
	usage := &WeekUsage{
		CustomerID:           customerID,
		WeekStart:            WeekStart(at),
		WeekEnd:              WeekEnd(at),
		DiscountUsed:         decimal.Zero,
		EligiblePurchaseUsed: decimal.Zero,
	}
	if e, exists := l.entries[entryKey(customerID, at)]; exists {
		usage.DiscountUsed = e.discountUsed
		usage.EligiblePurchaseUsed = e.eligiblePurchaseUsed
	}
	return usage, nil
}

func entryKey(customerID string, at time.Time) string {
	return customerID + "|" + WeekKey(at)
}
