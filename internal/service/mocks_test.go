package service

import (
	"context"
	"sync"
	"time"

	"github.com/greenbasket/checkout/internal/cache"
	"github.com/greenbasket/checkout/internal/ledger"
)

// MockUsageCache implements cache.UsageCache over a map.
type MockUsageCache struct {
	mu      sync.Mutex
	entries map[string]*ledger.WeekUsage
	GetErr  error
	Gets    int
	Sets    int
	Deletes int
}

func NewMockUsageCache() *MockUsageCache {
	return &MockUsageCache{entries: make(map[string]*ledger.WeekUsage)}
}

func (m *MockUsageCache) Get(_ context.Context, customerID string) (*ledger.WeekUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gets++
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	usage, exists := m.entries[customerID]
	if !exists {
		return nil, cache.ErrCacheMiss
	}
	return usage, nil
}

func (m *MockUsageCache) Set(_ context.Context, customerID string, usage *ledger.WeekUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sets++
	m.entries[customerID] = usage
	return nil
}

func (m *MockUsageCache) Delete(_ context.Context, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes++
	delete(m.entries, customerID)
	return nil
}

func (m *MockUsageCache) Seed(customerID string, usage *ledger.WeekUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[customerID] = usage
}

type outboxWrite struct {
	AggregateID string
	EventType   string
	Payload     []byte
}

// MockOutbox captures completed-order events.
type MockOutbox struct {
	mu        sync.Mutex
	Writes    []outboxWrite
	InsertErr error
}

func (m *MockOutbox) InsertOutboxEvent(_ context.Context, aggregateID, eventType string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.Writes = append(m.Writes, outboxWrite{AggregateID: aggregateID, EventType: eventType, Payload: payload})
	return nil
}

func (m *MockOutbox) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Writes)
}

type enqueuedSession struct {
	CheckoutCode string
	CustomerID   string
	Payload      []byte
	CompletedAt  time.Time
}

// MockOfflineQueue captures offline submissions.
type MockOfflineQueue struct {
	mu         sync.Mutex
	Enqueued   []enqueuedSession
	EnqueueErr error
}

func (m *MockOfflineQueue) EnqueueOfflineSession(_ context.Context, checkoutCode, customerID string, payload []byte, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnqueueErr != nil {
		return m.EnqueueErr
	}
	m.Enqueued = append(m.Enqueued, enqueuedSession{
		CheckoutCode: checkoutCode,
		CustomerID:   customerID,
		Payload:      payload,
		CompletedAt:  completedAt,
	})
	return nil
}

func (m *MockOfflineQueue) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Enqueued)
}
