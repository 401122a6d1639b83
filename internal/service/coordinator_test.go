package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenbasket/checkout/internal/broker"
	"github.com/greenbasket/checkout/internal/domain"
	"github.com/greenbasket/checkout/internal/ledger"
	"github.com/greenbasket/checkout/internal/offline"
	"github.com/greenbasket/checkout/internal/publisher"
	"github.com/greenbasket/checkout/internal/session"
)

var testCaps = ledger.Caps{
	MaxDiscount:         decimal.NewFromInt(125),
	MaxEligiblePurchase: decimal.NewFromInt(2500),
}

var testPolicy = session.DiscountPolicy{
	Rate: decimal.RequireFromString("0.05"),
	Caps: testCaps,
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testCart() domain.CartSnapshot {
	return domain.CartSnapshot{
		Items: []domain.CartSnapshotItem{
			{ProductID: "p-1", Name: "Milk", Quantity: 2, UnitPrice: dec("1.50"), EligibleForDiscount: true},
			{ProductID: "p-2", Name: "Olive Oil", Quantity: 1, UnitPrice: dec("97.00"), EligibleForDiscount: true},
		},
		CapturedAt: time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC),
	}
}

type fixture struct {
	coordinator *Coordinator
	canon       *ledger.MemoryLedger
	cache       *MockUsageCache
	outbox      *MockOutbox
	queue       *MockOfflineQueue
}

func setup(t *testing.T) *fixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	canon := ledger.NewMemoryLedger(testCaps)
	machine := session.NewMachine(canon, testPolicy)
	registry := session.NewRegistry(machine, 15*time.Minute, 30*time.Second, time.Second, log)
	t.Cleanup(func() { _ = registry.Close() })

	usageCache := NewMockUsageCache()
	outbox := &MockOutbox{}
	queue := &MockOfflineQueue{}

	coordinator := NewCoordinator(
		registry,
		machine,
		broker.New(time.Minute, log),
		canon,
		testPolicy,
		usageCache,
		outbox,
		queue,
		log,
	)

	return &fixture{
		coordinator: coordinator,
		canon:       canon,
		cache:       usageCache,
		outbox:      outbox,
		queue:       queue,
	}
}

func TestCoordinator_CreateSessionRejectsEmptyCart(t *testing.T) {
	f := setup(t)

	_, err := f.coordinator.CreateSession(context.Background(), "cust-1", domain.CartSnapshot{})
	assert.Error(t, err)
}

func TestCoordinator_FullCheckoutFlow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.coordinator.CreateSession(ctx, "cust-1", testCart())
	require.NoError(t, err)

	// Customer device joins and sees the snapshot first.
	sub, err := f.coordinator.Join(s.CheckoutCode, broker.RoleCustomer)
	require.NoError(t, err)
	defer sub.Leave()
	assert.Equal(t, broker.EventState, (<-sub.Events()).Type)

	require.NoError(t, f.coordinator.Scan(s.CheckoutCode, "cash-1", "Dana"))
	assert.Equal(t, broker.EventScanned, (<-sub.Events()).Type)

	require.NoError(t, f.coordinator.Lock(ctx, s.CheckoutCode, "cash-1", nil))
	assert.Equal(t, broker.EventLocked, (<-sub.Events()).Type)

	require.NoError(t, f.coordinator.MarkPaid(s.CheckoutCode, "cash-1", "pay-1"))
	assert.Equal(t, broker.EventPaid, (<-sub.Events()).Type)

	orderID, err := f.coordinator.Complete(ctx, s.CheckoutCode, "cash-1")
	require.NoError(t, err)
	require.NotEmpty(t, orderID)
	assert.Equal(t, broker.EventComplete, (<-sub.Events()).Type)

	// One order event, carrying the frozen totals.
	require.Equal(t, 1, f.outbox.Count())
	assert.Equal(t, publisher.EventTypeOrderCompleted, f.outbox.Writes[0].EventType)
	assert.Equal(t, s.CheckoutCode, f.outbox.Writes[0].AggregateID)

	var event struct {
		OrderID string        `json:"orderId"`
		Totals  domain.Totals `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(f.outbox.Writes[0].Payload, &event))
	assert.Equal(t, orderID, event.OrderID)
	assert.True(t, event.Totals.DiscountAmount.Equal(dec("5")))
	assert.True(t, event.Totals.FinalAmount.Equal(dec("95")))

	// The committed usage is visible in the ledger.
	usage, err := f.canon.Usage(ctx, "cust-1", time.Now())
	require.NoError(t, err)
	assert.True(t, usage.DiscountUsed.Equal(dec("5")))
}

func TestCoordinator_WrongCashierRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.coordinator.CreateSession(ctx, "cust-1", testCart())
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Scan(s.CheckoutCode, "cash-1", "Dana"))

	err = f.coordinator.Lock(ctx, s.CheckoutCode, "cash-2", nil)
	assert.ErrorIs(t, err, ErrWrongCashier)

	// The rightful cashier still can.
	assert.NoError(t, f.coordinator.Lock(ctx, s.CheckoutCode, "cash-1", nil))
}

func TestCoordinator_CompleteIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.coordinator.CreateSession(ctx, "cust-1", testCart())
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Scan(s.CheckoutCode, "cash-1", "Dana"))
	require.NoError(t, f.coordinator.Lock(ctx, s.CheckoutCode, "cash-1", nil))
	require.NoError(t, f.coordinator.MarkPaid(s.CheckoutCode, "cash-1", "pay-1"))

	orderID, err := f.coordinator.Complete(ctx, s.CheckoutCode, "cash-1")
	require.NoError(t, err)

	// A duplicate complete after the terminal event is a no-op: same
	// order id back, nothing new in the outbox.
	again, err := f.coordinator.Complete(ctx, s.CheckoutCode, "cash-1")
	require.NoError(t, err)
	assert.Equal(t, orderID, again)
	assert.Equal(t, 1, f.outbox.Count())

	// A different cashier cannot claim the order id either.
	_, err = f.coordinator.Complete(ctx, s.CheckoutCode, "cash-2")
	assert.ErrorIs(t, err, ErrWrongCashier)
}

func TestCoordinator_CancelReleasesHeadroom(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.coordinator.CreateSession(ctx, "cust-1", testCart())
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Scan(s.CheckoutCode, "cash-1", "Dana"))
	require.NoError(t, f.coordinator.Lock(ctx, s.CheckoutCode, "cash-1", nil))

	require.NoError(t, f.coordinator.Cancel(ctx, s.CheckoutCode, "cash-1", domain.ReasonPaymentDeclined))

	usage, err := f.canon.Usage(ctx, "cust-1", time.Now())
	require.NoError(t, err)
	assert.True(t, usage.DiscountUsed.IsZero())
	assert.Equal(t, 0, f.outbox.Count())
}

func TestCoordinator_JoinUnknownSession(t *testing.T) {
	f := setup(t)

	_, err := f.coordinator.Join("CHK-DEADBEEF", broker.RoleCustomer)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestCoordinator_SubmitOfflineSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	completedAt := time.Now().Add(-time.Hour)
	payload, err := offline.Encode(&offline.Payload{
		CheckoutCode: "CHK-0FF11NE0",
		User:         offline.IdentitySnapshot{UserID: "cust-1", UserName: "Alex Kim"},
		CartSnapshot: testCart(),
		Totals: domain.Totals{
			BaseAmount:  dec("100"),
			FinalAmount: dec("100"),
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.SubmitOfflineSession(ctx, payload, completedAt))

	require.Equal(t, 1, f.queue.Count())
	assert.Equal(t, "CHK-0FF11NE0", f.queue.Enqueued[0].CheckoutCode)
	assert.Equal(t, "cust-1", f.queue.Enqueued[0].CustomerID)
}

func TestCoordinator_SubmitOfflineSessionFailsClosed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.coordinator.SubmitOfflineSession(ctx, []byte("garbage"), time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, offline.ErrMalformedPayload)
	assert.Equal(t, 0, f.queue.Count())
}

func TestCoordinator_SubmitOfflineSessionRejectsFutureCompletion(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	payload, err := offline.Encode(&offline.Payload{
		CheckoutCode: "CHK-0FF11NE0",
		User:         offline.IdentitySnapshot{UserID: "cust-1"},
		CartSnapshot: testCart(),
		Totals: domain.Totals{
			BaseAmount:  dec("100"),
			FinalAmount: dec("100"),
		},
	})
	require.NoError(t, err)

	err = f.coordinator.SubmitOfflineSession(ctx, payload, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, offline.ErrMalformedPayload)
	assert.Equal(t, 0, f.queue.Count())
}

func TestCoordinator_UsageReadsThroughCache(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cached := &ledger.WeekUsage{
		CustomerID:   "cust-1",
		DiscountUsed: dec("42"),
	}
	f.cache.Seed("cust-1", cached)

	usage, err := f.coordinator.Usage(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, usage.DiscountUsed.Equal(dec("42")))
}

func TestCoordinator_UsageFallsBackToLedgerOnMiss(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	usage, err := f.coordinator.Usage(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, usage.DiscountUsed.IsZero())
	assert.Equal(t, "cust-1", usage.CustomerID)
}

func TestCoordinator_BuildOfflinePayloadRoundTrips(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	data, err := f.coordinator.BuildOfflinePayload(ctx, offline.IdentitySnapshot{
		UserID:   "cust-1",
		UserName: "Alex Kim",
	}, testCart())
	require.NoError(t, err)

	decoded, err := offline.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "cust-1", decoded.User.UserID)
	assert.True(t, decoded.Totals.BaseAmount.Equal(dec("100")))
	// The estimate applies the full rate when the cached week is empty.
	assert.True(t, decoded.Totals.DiscountAmount.Equal(dec("5")))
	assert.True(t, decoded.Totals.FinalAmount.Equal(dec("95")))
}
