package publisher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/greenbasket/checkout/internal/repository"
)

// MockOutbox returns each queued event once, then nothing.
type MockOutbox struct {
	mu           sync.Mutex
	Events       []*repository.OutboxEvent
	ProcessedIDs []int64
	FetchErr     error
}

func (m *MockOutbox) GetUnprocessedEvents(context.Context, int) ([]*repository.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	if len(m.Events) > 0 {
		ev := []*repository.OutboxEvent{m.Events[0]}
		m.Events = m.Events[1:]
		return ev, nil
	}
	return nil, nil
}

func (m *MockOutbox) MarkEventAsProcessed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProcessedIDs = append(m.ProcessedIDs, id)
	return nil
}

func (m *MockOutbox) Processed() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.ProcessedIDs...)
}

func setupKafka(t *testing.T) (string, func()) {
	ctx := context.Background()

	kafkaContainer, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err)

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	cleanup := func() {
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	}

	return brokers[0], cleanup
}

func createTopic(t *testing.T, brokerAddr, topic string) {
	conn, err := kafkaGo.Dial("tcp", brokerAddr)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafkaGo.Dial("tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	require.NoError(t, err)
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafkaGo.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		t.Logf("topic creation error (may already exist): %v", err)
	}
}

func TestOutboxPoller_PublishesEventsToKafka(t *testing.T) {
	brokerAddr, cleanup := setupKafka(t)
	defer cleanup()

	createTopic(t, brokerAddr, "checkout.orders")
	time.Sleep(5 * time.Second)

	outbox := &MockOutbox{
		Events: []*repository.OutboxEvent{
			{
				ID:          1,
				AggregateID: "CHK-AB12CD34",
				EventType:   EventTypeOrderCompleted,
				Payload:     []byte(`{"orderId":"order-1","checkoutCode":"CHK-AB12CD34"}`),
			},
		},
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	poller := NewOutboxPoller(outbox, "checkout.orders", log, brokerAddr)
	defer poller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go poller.Run(ctx)

	reader := kafkaGo.NewReader(kafkaGo.ReaderConfig{
		Brokers:  []string{brokerAddr},
		Topic:    "checkout.orders",
		GroupID:  "test-consumer",
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	msg, err := reader.ReadMessage(ctx)
	require.NoError(t, err)

	assert.Equal(t, "CHK-AB12CD34", string(msg.Key))
	assert.Contains(t, string(msg.Value), "order-1")
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, EventTypeOrderCompleted, string(msg.Headers[0].Value))

	// The event was marked processed after the successful write.
	assert.Eventually(t, func() bool {
		ids := outbox.Processed()
		return len(ids) == 1 && ids[0] == int64(1)
	}, 10*time.Second, 100*time.Millisecond)
}

func TestProcessUnpublishedEvents_FetchErrorDoesNotMark(t *testing.T) {
	outbox := &MockOutbox{FetchErr: fmt.Errorf("db down")}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	poller := NewOutboxPoller(outbox, "checkout.orders", log, "localhost:0")
	defer poller.Close()

	poller.processUnpublishedEvents(context.Background())

	assert.Empty(t, outbox.Processed())
}
