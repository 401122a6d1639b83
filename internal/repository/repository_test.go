package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/greenbasket/checkout/internal/ledger"
)

var testCaps = ledger.Caps{
	MaxDiscount:         decimal.NewFromInt(125),
	MaxEligiblePurchase: decimal.NewFromInt(2500),
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func setupTestDB(t *testing.T) (*Repository, func()) {
	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	creds := &Credentials{
		Host:              host,
		Port:              port.Int(),
		User:              "testuser",
		Password:          "testpass",
		DBName:            "testdb",
		MigrationsDirPath: "./migrations",
	}

	repo, err := NewRepository(creds, testCaps)
	require.NoError(t, err)

	err = repo.RunMigrations(creds)
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}

	return repo, cleanup
}

func TestReserve_WithinCaps(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	at := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)

	res, err := repo.Reserve(ctx, "cust-1", dec("5"), dec("100"), at)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateHeld, res.State)
	assert.NotEmpty(t, res.ID)

	usage, err := repo.Usage(ctx, "cust-1", at)
	require.NoError(t, err)
	assert.True(t, usage.DiscountUsed.Equal(dec("5")))
	assert.True(t, usage.EligiblePurchaseUsed.Equal(dec("100")))
}

func TestReserve_ExceedsCapReportsHeadroom(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	at := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)

	_, err := repo.Reserve(ctx, "cust-1", dec("120"), dec("2400"), at)
	require.NoError(t, err)

	_, err = repo.Reserve(ctx, "cust-1", dec("10"), dec("200"), at)
	require.Error(t, err)

	var capErr *ledger.CapExceededError
	require.ErrorAs(t, err, &capErr)
	assert.True(t, capErr.RemainingDiscount.Equal(dec("5")))
	assert.True(t, capErr.RemainingPurchase.Equal(dec("100")))
}

func TestReserve_ConcurrentNeverExceedsCap(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	at := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)

	// 40 concurrent reservations of 5 against the 125 cap: exactly 25 fit.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Reserve(ctx, "cust-1", dec("5"), dec("50"), at)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, succeeded)

	usage, err := repo.Usage(ctx, "cust-1", at)
	require.NoError(t, err)
	assert.True(t, usage.DiscountUsed.Equal(dec("125")))
}

func TestCommitAndRelease_Lifecycle(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	at := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)

	res, err := repo.Reserve(ctx, "cust-1", dec("5"), dec("100"), at)
	require.NoError(t, err)

	require.NoError(t, repo.Commit(ctx, res.ID))
	require.NoError(t, repo.Commit(ctx, res.ID)) // idempotent

	err = repo.Release(ctx, res.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestRelease_ReturnsHeadroom(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	at := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)

	res, err := repo.Reserve(ctx, "cust-1", dec("125"), dec("2500"), at)
	require.NoError(t, err)

	_, err = repo.Reserve(ctx, "cust-1", dec("1"), dec("1"), at)
	require.Error(t, err)

	require.NoError(t, repo.Release(ctx, res.ID))
	require.NoError(t, repo.Release(ctx, res.ID)) // idempotent

	_, err = repo.Reserve(ctx, "cust-1", dec("1"), dec("1"), at)
	assert.NoError(t, err)
}

func TestCommit_UnknownReservation(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	err := repo.Commit(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ledger.ErrReservationNotFound)
}

func TestUsage_EmptyWeekIsZeroValued(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	at := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	usage, err := repo.Usage(context.Background(), "cust-never-seen", at)

	require.NoError(t, err)
	assert.True(t, usage.DiscountUsed.IsZero())
	assert.True(t, usage.EligiblePurchaseUsed.IsZero())
	assert.Equal(t, ledger.WeekStart(at), usage.WeekStart)
}

func TestUsage_WeeksAreIndependent(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	thisWeek := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	nextWeek := thisWeek.AddDate(0, 0, 7)

	_, err := repo.Reserve(ctx, "cust-1", dec("125"), dec("2500"), thisWeek)
	require.NoError(t, err)

	res, err := repo.Reserve(ctx, "cust-1", dec("125"), dec("2500"), nextWeek)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateHeld, res.State)
}

func TestOfflineQueue_EnqueueIsIdempotent(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	completedAt := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	payload := []byte(`{"checkoutCode":"CHK-AB12CD34"}`)

	require.NoError(t, repo.EnqueueOfflineSession(ctx, "CHK-AB12CD34", "cust-1", payload, completedAt))
	// The cashier device retries after a dropped response.
	require.NoError(t, repo.EnqueueOfflineSession(ctx, "CHK-AB12CD34", "cust-1", payload, completedAt))

	pending, err := repo.PendingOfflineSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "CHK-AB12CD34", pending[0].CheckoutCode)
}

func TestOfflineQueue_PendingOrderedByCompletion(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)

	// Enqueued out of order; replay order follows completion time.
	require.NoError(t, repo.EnqueueOfflineSession(ctx, "CHK-SECOND00", "cust-1", []byte("{}"), base.Add(time.Hour)))
	require.NoError(t, repo.EnqueueOfflineSession(ctx, "CHK-FIRST000", "cust-1", []byte("{}"), base))

	pending, err := repo.PendingOfflineSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "CHK-FIRST000", pending[0].CheckoutCode)
	assert.Equal(t, "CHK-SECOND00", pending[1].CheckoutCode)
}

func TestOfflineQueue_MarkReconciledRemovesFromPending(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	completedAt := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.EnqueueOfflineSession(ctx, "CHK-AB12CD34", "cust-1", []byte("{}"), completedAt))

	pending, err := repo.PendingOfflineSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.MarkReconciled(ctx, pending[0].ID, true, decimal.Zero))

	pending, err = repo.PendingOfflineSessions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutbox_InsertAndProcess(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, repo.InsertOutboxEvent(ctx, "CHK-AB12CD34", "checkout.order_completed", []byte(`{"orderId":"o-1"}`)))

	events, err := repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "CHK-AB12CD34", events[0].AggregateID)
	assert.Equal(t, "checkout.order_completed", events[0].EventType)

	require.NoError(t, repo.MarkEventAsProcessed(ctx, events[0].ID))

	events, err = repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReserve_WeekDerivedInStoreZone(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	manila, err := time.LoadLocation("Asia/Manila")
	require.NoError(t, err)
	repo = repo.WithLocation(manila)

	ctx := context.Background()

	// Sunday 18:00 UTC is Monday 02:00 in the store zone. The driver
	// hands timestamps back in UTC, so this is exactly the shape an
	// offline CompletedAt arrives in at reconciliation.
	instant := time.Date(2026, 1, 4, 18, 0, 0, 0, time.UTC)
	_, err = repo.Reserve(ctx, "cust-1", dec("5"), dec("100"), instant)
	require.NoError(t, err)

	// The same instant expressed in the store zone reads the same entry.
	usage, err := repo.Usage(ctx, "cust-1", instant.In(manila))
	require.NoError(t, err)
	assert.True(t, usage.DiscountUsed.Equal(dec("5")))
	assert.True(t, usage.WeekStart.Equal(time.Date(2026, 1, 5, 0, 0, 0, 0, manila)))

	// The previous store-local week stays untouched.
	prior, err := repo.Usage(ctx, "cust-1", time.Date(2026, 1, 4, 12, 0, 0, 0, manila))
	require.NoError(t, err)
	assert.True(t, prior.DiscountUsed.IsZero())
}
