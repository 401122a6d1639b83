package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/greenbasket/checkout/internal/ledger"
)

// Reserve implements the ledger's atomic check-and-increment. The row
// update carries the cap check in its WHERE clause, so the read, the check
// and the write happen as one statement under the row lock, so two
// concurrent reservations for the same customer can never both read stale
// headroom.
func (r *Repository) Reserve(ctx context.Context, customerID string, discount, eligiblePurchase decimal.Decimal, at time.Time) (*ledger.Reservation, error) {
	at = at.In(r.loc)
	weekKey := ledger.WeekKey(at)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	// Make sure the weekly entry exists; first use in a week creates it.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cap_ledger (customer_id, week_key, week_start, week_end, discount_used, purchase_used)
		 VALUES ($1, $2, $3, $4, 0, 0)
		 ON CONFLICT (customer_id, week_key) DO NOTHING`,
		customerID, weekKey, ledger.WeekStart(at), ledger.WeekEnd(at))
	if err != nil {
		return nil, fmt.Errorf("ensure ledger entry: %w", err)
	}

	// The conditional increment. No row comes back when either cap would
	// be exceeded.
	var newDiscount, newPurchase decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`UPDATE cap_ledger
		 SET discount_used = discount_used + $3,
		     purchase_used = purchase_used + $4
		 WHERE customer_id = $1 AND week_key = $2
		   AND discount_used + $3 <= $5
		   AND purchase_used + $4 <= $6
		 RETURNING discount_used, purchase_used`,
		customerID, weekKey, discount, eligiblePurchase,
		r.caps.MaxDiscount, r.caps.MaxEligiblePurchase,
	).Scan(&newDiscount, &newPurchase)

	if errors.Is(err, sql.ErrNoRows) {
		remaining, e2 := r.remainingLocked(ctx, tx, customerID, weekKey)
		if e2 != nil {
			return nil, e2
		}
		return nil, remaining
	}
	if err != nil {
		return nil, fmt.Errorf("increment ledger entry: %w", err)
	}

	reservation := &ledger.Reservation{
		ID:               uuid.New().String(),
		CustomerID:       customerID,
		WeekStart:        ledger.WeekStart(at),
		Discount:         discount,
		EligiblePurchase: eligiblePurchase,
		State:            ledger.StateHeld,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cap_reservations (reservation_id, customer_id, week_key, discount, purchase, state)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		reservation.ID, customerID, weekKey, discount, eligiblePurchase, reservation.State)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if e2 := tx.Commit(); e2 != nil {
		return nil, fmt.Errorf("commit reserve tx: %w", e2)
	}
	return reservation, nil
}

// remainingLocked builds the CapExceededError headroom from the current
// entry, inside the same transaction that failed the conditional update.
func (r *Repository) remainingLocked(ctx context.Context, tx *sql.Tx, customerID, weekKey string) (*ledger.CapExceededError, error) {
	var discountUsed, purchaseUsed decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`SELECT discount_used, purchase_used FROM cap_ledger
		 WHERE customer_id = $1 AND week_key = $2`,
		customerID, weekKey,
	).Scan(&discountUsed, &purchaseUsed)
	if err != nil {
		return nil, fmt.Errorf("read ledger entry headroom: %w", err)
	}

	remDiscount := r.caps.MaxDiscount.Sub(discountUsed)
	if remDiscount.IsNegative() {
		remDiscount = decimal.Zero
	}
	remPurchase := r.caps.MaxEligiblePurchase.Sub(purchaseUsed)
	if remPurchase.IsNegative() {
		remPurchase = decimal.Zero
	}
	return &ledger.CapExceededError{
		RemainingDiscount: remDiscount,
		RemainingPurchase: remPurchase,
	}, nil
}

// Commit marks a held reservation COMMITTED; its provisional increment
// becomes permanent. Idempotent.
func (r *Repository) Commit(ctx context.Context, reservationID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE cap_reservations SET state = $2, updated_at = now()
		 WHERE reservation_id = $1 AND state = $3`,
		reservationID, ledger.StateCommitted, ledger.StateHeld)
	if err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}
	return r.checkIdempotent(ctx, reservationID, ledger.StateCommitted)
}

// Release marks a held reservation RELEASED and reverses its increments.
// Idempotent.
func (r *Repository) Release(ctx context.Context, reservationID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback()

	var customerID, weekKey string
	var discount, purchase decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`UPDATE cap_reservations SET state = $2, updated_at = now()
		 WHERE reservation_id = $1 AND state = $3
		 RETURNING customer_id, week_key, discount, purchase`,
		reservationID, ledger.StateReleased, ledger.StateHeld,
	).Scan(&customerID, &weekKey, &discount, &purchase)

	if errors.Is(err, sql.ErrNoRows) {
		return r.checkIdempotent(ctx, reservationID, ledger.StateReleased)
	}
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE cap_ledger
		 SET discount_used = discount_used - $3,
		     purchase_used = purchase_used - $4
		 WHERE customer_id = $1 AND week_key = $2`,
		customerID, weekKey, discount, purchase)
	if err != nil {
		return fmt.Errorf("reverse ledger increment: %w", err)
	}

	if e2 := tx.Commit(); e2 != nil {
		return fmt.Errorf("commit release tx: %w", e2)
	}
	return nil
}

// checkIdempotent resolves the zero-rows case of Commit/Release: a repeat
// of the same operation is a no-op, anything else is an error.
func (r *Repository) checkIdempotent(ctx context.Context, reservationID string, want ledger.ReservationState) error {
	var state ledger.ReservationState
	err := r.db.QueryRowContext(ctx,
		`SELECT state FROM cap_reservations WHERE reservation_id = $1`,
		reservationID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrReservationNotFound
	}
	if err != nil {
		return fmt.Errorf("read reservation state: %w", err)
	}
	if state == want {
		return nil
	}
	return fmt.Errorf("reservation %s is %s: %w", reservationID, state, ledger.ErrInvalidState)
}

// Usage returns the customer's entry for the week active at the given
// instant, zero-valued when the week has not been touched yet.
func (r *Repository) Usage(ctx context.Context, customerID string, at time.Time) (*ledger.WeekUsage, error) {
	at = at.In(r.loc)
	usage := &ledger.WeekUsage{
		CustomerID:           customerID,
		WeekStart:            ledger.WeekStart(at),
		WeekEnd:              ledger.WeekEnd(at),
		DiscountUsed:         decimal.Zero,
		EligiblePurchaseUsed: decimal.Zero,
	}

	err := r.db.QueryRowContext(ctx,
		`SELECT discount_used, purchase_used FROM cap_ledger
		 WHERE customer_id = $1 AND week_key = $2`,
		customerID, ledger.WeekKey(at),
	).Scan(&usage.DiscountUsed, &usage.EligiblePurchaseUsed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read ledger entry: %w", err)
	}
	return usage, nil
}
