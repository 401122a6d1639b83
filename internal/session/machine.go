package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/greenbasket/checkout/internal/domain"
	"github.com/greenbasket/checkout/internal/ledger"
)

// Errors returned by session operations
var (
	ErrInvalidTransition = errors.New("transition not allowed from current status")
	ErrSessionNotFound   = errors.New("checkout session not found")
	ErrSessionExpired    = errors.New("checkout session expired")
	ErrVoucherTooLarge   = errors.New("voucher exceeds payable amount")
)

// DiscountPolicy holds the eligibility-discount rules: the rate applied to
// the capped eligible purchase and the weekly caps themselves.
type DiscountPolicy struct {
	Rate decimal.Decimal
	Caps ledger.Caps
}

// Propose computes the discount and eligible purchase to reserve, given
// the cart's eligible subtotal and the usage already recorded this week.
// Both results are clipped to remaining headroom and never negative.
func (p DiscountPolicy) Propose(eligibleSubtotal decimal.Decimal, usage *ledger.WeekUsage) (discount, eligiblePurchase decimal.Decimal) {
	remainingPurchase := p.Caps.MaxEligiblePurchase.Sub(usage.EligiblePurchaseUsed)
	if remainingPurchase.IsNegative() {
		remainingPurchase = decimal.Zero
	}
	eligiblePurchase = decimal.Min(eligibleSubtotal, remainingPurchase)

	remainingDiscount := p.Caps.MaxDiscount.Sub(usage.DiscountUsed)
	if remainingDiscount.IsNegative() {
		remainingDiscount = decimal.Zero
	}
	discount = decimal.Min(eligiblePurchase.Mul(p.Rate), remainingDiscount).Round(2)
	return discount, eligiblePurchase
}

// Machine applies checkout transitions to a session. It owns no sessions
// itself; the registry serializes calls per session. The same machine runs
// online against the canonical ledger and offline against a local replica.
type Machine struct {
	ledger ledger.Ledger
	policy DiscountPolicy
	now    func() time.Time
}

func NewMachine(l ledger.Ledger, policy DiscountPolicy) *Machine {
	return &Machine{ledger: l, policy: policy, now: time.Now}
}

// WithClock overrides the machine's time source, for tests and for offline
// replays that must stamp transitions with device time.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Create builds a fresh session in PROCESSING with a unique checkout code.
func (m *Machine) Create(cart domain.CartSnapshot, customerID string) *domain.CheckoutSession {
	now := m.now()
	return &domain.CheckoutSession{
		CheckoutCode:     NewCheckoutCode(),
		Status:           domain.StatusProcessing,
		CustomerID:       customerID,
		Cart:             cart,
		Totals:           domain.Totals{BaseAmount: cart.Subtotal(), FinalAmount: cart.Subtotal()},
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

// Scan claims the session for a cashier. Only the first scan wins; any
// later scan sees a non-PROCESSING status and is rejected.
func (m *Machine) Scan(s *domain.CheckoutSession, cashierID, cashierName string) error {
	if !s.Status.CanTransitionTo(domain.StatusScanned) {
		return fmt.Errorf("scan %s from %s: %w", s.CheckoutCode, s.Status, ErrInvalidTransition)
	}
	s.CashierID = cashierID
	s.CashierName = cashierName
	m.advance(s, domain.StatusScanned)
	return nil
}

// Lock recomputes the discount from the cart's eligible subtotal and the
// customer's remaining weekly headroom, reserves it against the ledger and
// freezes the totals. A cap overflow clips the discount instead of failing
// the sale; any other ledger failure leaves the session SCANNED.
func (m *Machine) Lock(ctx context.Context, s *domain.CheckoutSession, voucher *domain.Voucher) error {
	if !s.Status.CanTransitionTo(domain.StatusLocked) || s.Status != domain.StatusScanned {
		return fmt.Errorf("lock %s from %s: %w", s.CheckoutCode, s.Status, ErrInvalidTransition)
	}

	now := m.now()
	usage, err := m.ledger.Usage(ctx, s.CustomerID, now)
	if err != nil {
		return fmt.Errorf("read weekly usage: %w", err)
	}

	discount, eligiblePurchase := m.policy.Propose(s.Cart.EligibleSubtotal(), usage)

	reservation, err := m.reserveClipped(ctx, s.CustomerID, discount, eligiblePurchase, now)
	if err != nil {
		return fmt.Errorf("reserve weekly cap: %w", err)
	}

	base := s.Cart.Subtotal()
	voucherAmount := decimal.Zero
	if voucher != nil {
		if voucher.Amount.GreaterThan(base.Sub(reservation.Discount)) {
			// Roll the reservation back before reporting: the session
			// must stay SCANNED with no held cap.
			_ = m.ledger.Release(ctx, reservation.ID)
			return ErrVoucherTooLarge
		}
		voucherAmount = voucher.Amount
		s.Voucher = voucher
	}

	s.CapReservationID = reservation.ID
	s.Totals = domain.Totals{
		BaseAmount:     base,
		DiscountAmount: reservation.Discount,
		VoucherAmount:  voucherAmount,
		FinalAmount:    base.Sub(reservation.Discount).Sub(voucherAmount),
	}
	m.advance(s, domain.StatusLocked)
	return nil
}

// reserveClipped reserves the proposed amounts, clipping to the headroom
// reported by CapExceededError and retrying. The headroom is never
// negative, so a clipped retry succeeds unless another session races the
// same customer again, in which case we clip against the fresher headroom.
func (m *Machine) reserveClipped(ctx context.Context, customerID string, discount, eligiblePurchase decimal.Decimal, at time.Time) (*ledger.Reservation, error) {
	for {
		reservation, err := m.ledger.Reserve(ctx, customerID, discount, eligiblePurchase, at)
		if err == nil {
			return reservation, nil
		}
		var capErr *ledger.CapExceededError
		if !errors.As(err, &capErr) {
			return nil, err
		}
		discount = decimal.Min(discount, capErr.RemainingDiscount)
		eligiblePurchase = decimal.Min(eligiblePurchase, capErr.RemainingPurchase)
	}
}

// MarkPaid records a successful payment. No ledger interaction.
func (m *Machine) MarkPaid(s *domain.CheckoutSession, paymentRef string) error {
	if !s.Status.CanTransitionTo(domain.StatusPaid) {
		return fmt.Errorf("pay %s from %s: %w", s.CheckoutCode, s.Status, ErrInvalidTransition)
	}
	s.PaymentRef = paymentRef
	m.advance(s, domain.StatusPaid)
	return nil
}

// Complete commits the held cap reservation and finishes the session.
// Idempotent: completing an already-COMPLETE session returns the order id
// recorded the first time without touching the ledger again.
func (m *Machine) Complete(ctx context.Context, s *domain.CheckoutSession, orderID string) (string, error) {
	if s.Status == domain.StatusComplete {
		return s.OrderID, nil
	}
	if !s.Status.CanTransitionTo(domain.StatusComplete) {
		return "", fmt.Errorf("complete %s from %s: %w", s.CheckoutCode, s.Status, ErrInvalidTransition)
	}

	if s.CapReservationID != "" {
		if err := m.ledger.Commit(ctx, s.CapReservationID); err != nil {
			return "", fmt.Errorf("commit cap reservation: %w", err)
		}
	}

	s.OrderID = orderID
	m.advance(s, domain.StatusComplete)
	return orderID, nil
}

// Cancel ends the session and releases any held reservation so the
// headroom returns to the customer's week.
func (m *Machine) Cancel(ctx context.Context, s *domain.CheckoutSession, reason domain.CancellationReason) error {
	if !s.Status.CanTransitionTo(domain.StatusCancelled) {
		return fmt.Errorf("cancel %s from %s: %w", s.CheckoutCode, s.Status, ErrInvalidTransition)
	}

	if s.CapReservationID != "" {
		if err := m.ledger.Release(ctx, s.CapReservationID); err != nil {
			return fmt.Errorf("release cap reservation: %w", err)
		}
	}

	s.CancellationReason = reason
	m.advance(s, domain.StatusCancelled)
	return nil
}

func (m *Machine) advance(s *domain.CheckoutSession, next domain.SessionStatus) {
	s.Status = next
	s.LastTransitionAt = m.now()
}

// NewCheckoutCode allocates a checkout code in the CHK-XXXXXXXX format the
// cashier scanner expects.
func NewCheckoutCode() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return "CHK-" + strings.ToUpper(hex.EncodeToString(buf))
}
