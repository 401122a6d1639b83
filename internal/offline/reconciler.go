package offline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"

	"github.com/greenbasket/checkout/internal/ledger"
	"github.com/greenbasket/checkout/internal/metrics"
	"github.com/greenbasket/checkout/internal/repository"
)

// Queue is the durable backlog of offline-completed sessions, oldest
// first. Implemented by the repository.
type Queue interface {
	PendingOfflineSessions(ctx context.Context, limit int) ([]*repository.OfflineSession, error)
	MarkReconciled(ctx context.Context, id int64, conflict bool, finalDiscount decimal.Decimal) error
}

// RetryConfig bounds the retries for transient failures inside one replay.
type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// Reconciler replays offline-completed sessions into the canonical ledger
// once connectivity returns. Sessions replay strictly in completion order;
// a sale whose discount no longer fits the week's headroom keeps its
// purchase but loses the discount and is flagged for manual review.
type Reconciler struct {
	queue     Queue
	canonical ledger.Ledger
	tick      time.Duration
	batchSize int
	retryConf RetryConfig
	breaker   *gobreaker.CircuitBreaker[any]
	log       *slog.Logger
}

func NewReconciler(queue Queue, canonical ledger.Ledger, tick time.Duration, retryConf RetryConfig, log *slog.Logger) *Reconciler {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "canonical-ledger",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Reconciler{
		queue:     queue,
		canonical: canonical,
		tick:      tick,
		batchSize: 50,
		retryConf: retryConf,
		breaker:   breaker,
		log:       log,
	}
}

// WithBatchSize overrides how many pending sessions one drain cycle picks
// up.
func (r *Reconciler) WithBatchSize(n int) *Reconciler {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// Run drains the queue on a ticker until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// drain replays pending sessions oldest-first. It stops the cycle on the
// first session that cannot be replayed at all, preserving order for the
// next tick.
func (r *Reconciler) drain(ctx context.Context) {
	sessions, err := r.queue.PendingOfflineSessions(ctx, r.batchSize)
	if err != nil {
		r.log.Error("failed to fetch offline sessions", slog.Any("error", err))
		return
	}

	for _, s := range sessions {
		if e2 := r.replay(ctx, s); e2 != nil {
			if errors.Is(e2, gobreaker.ErrOpenState) {
				r.log.Warn("ledger breaker open, pausing reconciliation")
			} else {
				r.log.Error("failed to replay offline session",
					slog.String("checkout_code", s.CheckoutCode), slog.Any("error", e2))
			}
			return
		}
	}
}

// replay settles one offline sale against the canonical ledger.
func (r *Reconciler) replay(ctx context.Context, s *repository.OfflineSession) error {
	payload, err := Decode(s.Payload)
	if err != nil {
		// The queued record itself is bad. Flag it and move on; the
		// sale is preserved for manual review either way.
		r.log.Error("queued offline payload failed validation",
			slog.String("checkout_code", s.CheckoutCode), slog.Any("error", err))
		metrics.ReconciliationConflicts.Inc()
		return r.queue.MarkReconciled(ctx, s.ID, true, decimal.Zero)
	}

	discount := payload.Totals.DiscountAmount
	eligiblePurchase := payload.CartSnapshot.EligibleSubtotal()

	conflict := false
	var reservation *ledger.Reservation

	_, err = r.breaker.Execute(func() (any, error) {
		return nil, retry.Do(
			func() error {
				var reserveErr error
				reservation, conflict, reserveErr = r.reserveCanonical(ctx, s, discount, eligiblePurchase)
				return reserveErr
			},
			retry.Attempts(r.retryConf.Attempts),
			retry.Delay(r.retryConf.Delay),
			retry.MaxDelay(r.retryConf.MaxDelay),
			retry.LastErrorOnly(true),
		)
	})
	if err != nil {
		return err
	}

	if e2 := r.canonical.Commit(ctx, reservation.ID); e2 != nil {
		return e2
	}

	finalDiscount := reservation.Discount
	if conflict {
		metrics.ReconciliationConflicts.Inc()
		r.log.Warn("offline sale reconciled with conflict",
			slog.String("checkout_code", s.CheckoutCode),
			slog.String("customer_id", s.CustomerID),
			slog.String("estimated_discount", discount.String()),
			slog.String("honored_discount", finalDiscount.String()))
	}
	return r.queue.MarkReconciled(ctx, s.ID, conflict, finalDiscount)
}

// reserveCanonical mirrors the online lock path. When the week's headroom
// is already consumed, the sale is never reversed: the eligible purchase is
// clipped to what remains and the discount is zeroed retroactively.
func (r *Reconciler) reserveCanonical(ctx context.Context, s *repository.OfflineSession, discount, eligiblePurchase decimal.Decimal) (*ledger.Reservation, bool, error) {
	reservation, err := r.canonical.Reserve(ctx, s.CustomerID, discount, eligiblePurchase, s.CompletedAt)
	if err == nil {
		return reservation, false, nil
	}

	var capErr *ledger.CapExceededError
	if !errors.As(err, &capErr) {
		return nil, false, err
	}

	clippedPurchase := decimal.Min(eligiblePurchase, capErr.RemainingPurchase)
	for {
		reservation, err = r.canonical.Reserve(ctx, s.CustomerID, decimal.Zero, clippedPurchase, s.CompletedAt)
		if err == nil {
			return reservation, true, nil
		}
		if !errors.As(err, &capErr) {
			return nil, false, err
		}
		clippedPurchase = decimal.Min(clippedPurchase, capErr.RemainingPurchase)
	}
}
