package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/greenbasket/checkout/internal/broker"
	"github.com/greenbasket/checkout/internal/cache"
	"github.com/greenbasket/checkout/internal/domain"
	"github.com/greenbasket/checkout/internal/ledger"
	"github.com/greenbasket/checkout/internal/metrics"
	"github.com/greenbasket/checkout/internal/offline"
	"github.com/greenbasket/checkout/internal/publisher"
	"github.com/greenbasket/checkout/internal/session"
)

// ErrWrongCashier means a mutation came from a cashier other than the one
// who scanned the session.
var ErrWrongCashier = errors.New("session belongs to another cashier")

// OrderOutbox is the durable event sink for completed checkouts.
type OrderOutbox interface {
	InsertOutboxEvent(ctx context.Context, aggregateID, eventType string, payload []byte) error
}

// OfflineQueue receives completed offline sessions for reconciliation.
type OfflineQueue interface {
	EnqueueOfflineSession(ctx context.Context, checkoutCode, customerID string, payload []byte, completedAt time.Time) error
}

// Coordinator is the checkout session coordinator: it fronts the state
// machine and registry for both connectivity modes, gates mutations
// through the broker, and keeps the usage cache and outbox in step with
// the ledger.
type Coordinator struct {
	registry *session.Registry
	machine  *session.Machine
	broker   *broker.Broker
	canon    ledger.Ledger
	policy   session.DiscountPolicy
	usage    cache.UsageCache
	outbox   OrderOutbox
	queue    OfflineQueue
	log      *slog.Logger
	sfg      singleflight.Group // collapses concurrent usage lookups per customer
	now      func() time.Time
}

func NewCoordinator(
	registry *session.Registry,
	machine *session.Machine,
	b *broker.Broker,
	canon ledger.Ledger,
	policy session.DiscountPolicy,
	usage cache.UsageCache,
	outbox OrderOutbox,
	queue OfflineQueue,
	log *slog.Logger,
) *Coordinator {
	c := &Coordinator{
		registry: registry,
		machine:  machine,
		broker:   b,
		canon:    canon,
		policy:   policy,
		usage:    usage,
		outbox:   outbox,
		queue:    queue,
		log:      log,
		now:      time.Now,
	}

	// TTL expiries happen outside any broker request; the sweeper tells
	// us so subscribers still see the terminal event.
	registry.SetOnExpire(func(s domain.CheckoutSession) {
		metrics.SessionsCancelled.WithLabelValues(string(domain.ReasonTimeout)).Inc()
		b.Publish(s.CheckoutCode, broker.CancelledEvent(s))
	})

	return c
}

// WithClock installs the store clock so plausibility checks and usage
// lookups run on store-local time.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// CreateSession starts a new online checkout for a customer and returns
// the session the QR screen renders.
func (c *Coordinator) CreateSession(_ context.Context, customerID string, cart domain.CartSnapshot) (domain.CheckoutSession, error) {
	if len(cart.Items) == 0 {
		return domain.CheckoutSession{}, errors.New("cannot create a session for an empty cart")
	}

	s := c.registry.Create(cart, customerID)
	metrics.SessionsCreated.Inc()
	c.log.Info("checkout session created",
		slog.String("checkout_code", s.CheckoutCode),
		slog.String("customer_id", customerID))
	return s, nil
}

// BuildOfflinePayload assembles the self-contained QR content for a
// customer with no connectivity, estimating the discount from the
// last-known cached usage. The estimate is advisory; the canonical
// amounts are settled at reconciliation.
func (c *Coordinator) BuildOfflinePayload(ctx context.Context, identity offline.IdentitySnapshot, cart domain.CartSnapshot) ([]byte, error) {
	if len(cart.Items) == 0 {
		return nil, errors.New("cannot build an offline payload for an empty cart")
	}

	usage, err := c.cachedUsage(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}

	discount, _ := c.policy.Propose(cart.EligibleSubtotal(), usage)
	base := cart.Subtotal()

	return offline.Encode(&offline.Payload{
		CheckoutCode: session.NewCheckoutCode(),
		User:         identity,
		CartSnapshot: cart,
		Totals: domain.Totals{
			BaseAmount:     base,
			DiscountAmount: discount,
			FinalAmount:    base.Sub(discount),
		},
	})
}

// Join subscribes a connection to a session's event stream. The first
// frame is always the current state snapshot.
func (c *Coordinator) Join(code string, role broker.Role) (*broker.Subscription, error) {
	s, err := c.registry.Get(code)
	if err != nil {
		return nil, err
	}
	return c.broker.Join(code, role, broker.StateEvent(s))
}

// Scan claims the session for a cashier. The first scan binds the session
// to that cashier; every later mutation must come from the same one.
func (c *Coordinator) Scan(code, cashierID, cashierName string) error {
	return c.broker.Request(code, broker.RoleCashier, func() (broker.Event, error) {
		s, err := c.registry.Do(code, func(s *domain.CheckoutSession) error {
			return c.machine.Scan(s, cashierID, cashierName)
		})
		if err != nil {
			return broker.Event{}, err
		}
		return broker.ScannedEvent(s), nil
	})
}

// Lock freezes totals, reserving the cap-gated discount.
func (c *Coordinator) Lock(ctx context.Context, code, cashierID string, voucher *domain.Voucher) error {
	started := c.now()
	err := c.broker.Request(code, broker.RoleCashier, func() (broker.Event, error) {
		s, err := c.registry.Do(code, func(s *domain.CheckoutSession) error {
			if e2 := c.guardCashier(s, cashierID); e2 != nil {
				return e2
			}
			// The uncapped discount, to detect headroom clipping below.
			full := s.Cart.EligibleSubtotal().Mul(c.policy.Rate).Round(2)
			if e2 := c.machine.Lock(ctx, s, voucher); e2 != nil {
				return e2
			}
			if s.Totals.DiscountAmount.LessThan(full) {
				metrics.DiscountClips.Inc()
			}
			return nil
		})
		if err != nil {
			return broker.Event{}, err
		}
		c.invalidateUsage(s.CustomerID)
		return broker.LockedEvent(s), nil
	})
	metrics.LockDuration.Observe(c.now().Sub(started).Seconds())
	return err
}

// MarkPaid records payment success.
func (c *Coordinator) MarkPaid(code, cashierID, paymentRef string) error {
	return c.broker.Request(code, broker.RoleCashier, func() (broker.Event, error) {
		s, err := c.registry.Do(code, func(s *domain.CheckoutSession) error {
			if e2 := c.guardCashier(s, cashierID); e2 != nil {
				return e2
			}
			return c.machine.MarkPaid(s, paymentRef)
		})
		if err != nil {
			return broker.Event{}, err
		}
		return broker.PaidEvent(s), nil
	})
}

// Complete commits the cap reservation, allocates the order and hands it
// to the order-creation collaborator through the outbox. Repeating a
// complete is a no-op returning the order id recorded the first time,
// even after the terminal event has sealed the channel.
func (c *Coordinator) Complete(ctx context.Context, code, cashierID string) (string, error) {
	var orderID string
	err := c.broker.Request(code, broker.RoleCashier, func() (broker.Event, error) {
		newID := uuid.New().String()
		var firstCompletion bool
		s, err := c.registry.Do(code, func(s *domain.CheckoutSession) error {
			if e2 := c.guardCashier(s, cashierID); e2 != nil {
				return e2
			}
			firstCompletion = s.Status != domain.StatusComplete
			id, e2 := c.machine.Complete(ctx, s, newID)
			orderID = id
			return e2
		})
		if err != nil {
			return broker.Event{}, err
		}

		if firstCompletion {
			if e2 := c.writeOrderEvent(ctx, s); e2 != nil {
				// The session is COMPLETE and the cap is committed; a
				// missing feed event is recoverable, losing the sale
				// is not.
				c.log.Error("failed to write order outbox event",
					slog.String("checkout_code", s.CheckoutCode), slog.Any("error", e2))
			}
			metrics.SessionsCompleted.Inc()
			c.invalidateUsage(s.CustomerID)
		}
		return broker.CompleteEvent(s), nil
	})

	if errors.Is(err, broker.ErrTopicClosed) {
		// The first complete sealed the channel. While the session is
		// still retained, answer the repeat with its order id.
		s, e2 := c.registry.Get(code)
		if e2 == nil && s.Status == domain.StatusComplete {
			if e3 := c.guardCashier(&s, cashierID); e3 != nil {
				return "", e3
			}
			return s.OrderID, nil
		}
	}
	if err != nil {
		return "", err
	}
	return orderID, nil
}

// Cancel ends the session and returns any held headroom to the customer.
func (c *Coordinator) Cancel(ctx context.Context, code, cashierID string, reason domain.CancellationReason) error {
	return c.broker.Request(code, broker.RoleCashier, func() (broker.Event, error) {
		s, err := c.registry.Do(code, func(s *domain.CheckoutSession) error {
			if e2 := c.guardCashier(s, cashierID); e2 != nil {
				return e2
			}
			return c.machine.Cancel(ctx, s, reason)
		})
		if err != nil {
			return broker.Event{}, err
		}
		metrics.SessionsCancelled.WithLabelValues(string(reason)).Inc()
		c.invalidateUsage(s.CustomerID)
		return broker.CancelledEvent(s), nil
	})
}

// SubmitOfflineSession accepts one completed offline sale from a cashier
// device that is back online. The payload is validated before it enters
// the reconciliation queue; malformed submissions are rejected outright.
func (c *Coordinator) SubmitOfflineSession(ctx context.Context, payload []byte, completedAt time.Time) error {
	p, err := offline.Decode(payload)
	if err != nil {
		return err
	}
	if completedAt.IsZero() || completedAt.After(c.now()) {
		return fmt.Errorf("%w: implausible completion time", offline.ErrMalformedPayload)
	}
	return c.queue.EnqueueOfflineSession(ctx, p.CheckoutCode, p.User.UserID, payload, completedAt)
}

// Usage returns the customer's current-week cap usage, read through the
// cache.
func (c *Coordinator) Usage(ctx context.Context, customerID string) (*ledger.WeekUsage, error) {
	return c.cachedUsage(ctx, customerID)
}

func (c *Coordinator) cachedUsage(ctx context.Context, customerID string) (*ledger.WeekUsage, error) {
	v, err, _ := c.sfg.Do(customerID, func() (interface{}, error) {
		usage, err := c.usage.Get(ctx, customerID)
		if err == nil {
			return usage, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.log.Warn("usage cache get failed", slog.Any("error", err))
		}

		usage, errGet := c.canon.Usage(ctx, customerID, c.now())
		if errGet != nil {
			return nil, errGet
		}

		go func() {
			setCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if errSet := c.usage.Set(setCtx, customerID, usage); errSet != nil {
				c.log.Warn("usage cache set failed", slog.Any("error", errSet))
			}
		}()

		return usage, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ledger.WeekUsage), nil
}

// guardCashier enforces that only the cashier who scanned the session may
// keep driving it. A session not yet claimed has no cashier to match.
func (c *Coordinator) guardCashier(s *domain.CheckoutSession, cashierID string) error {
	if s.CashierID != "" && s.CashierID != cashierID {
		return ErrWrongCashier
	}
	return nil
}

func (c *Coordinator) invalidateUsage(customerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.usage.Delete(ctx, customerID); err != nil {
		c.log.Warn("usage cache invalidation failed",
			slog.String("customer_id", customerID), slog.Any("error", err))
	}
}

type orderEventPayload struct {
	OrderID      string              `json:"orderId"`
	CheckoutCode string              `json:"checkoutCode"`
	CustomerID   string              `json:"customerId"`
	CashierID    string              `json:"cashierId"`
	Totals       domain.Totals       `json:"totals"`
	Cart         domain.CartSnapshot `json:"cartSnapshot"`
	PaymentRef   string              `json:"paymentRef,omitempty"`
	CompletedAt  time.Time           `json:"completedAt"`
}

func (c *Coordinator) writeOrderEvent(ctx context.Context, s domain.CheckoutSession) error {
	payload, err := json.Marshal(orderEventPayload{
		OrderID:      s.OrderID,
		CheckoutCode: s.CheckoutCode,
		CustomerID:   s.CustomerID,
		CashierID:    s.CashierID,
		Totals:       s.Totals,
		Cart:         s.Cart,
		PaymentRef:   s.PaymentRef,
		CompletedAt:  s.LastTransitionAt,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	return c.outbox.InsertOutboxEvent(ctx, s.CheckoutCode, publisher.EventTypeOrderCompleted, payload)
}
