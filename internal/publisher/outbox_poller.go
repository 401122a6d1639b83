package publisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/greenbasket/checkout/internal/repository"
)

// Event types carried on the checkout-completed topic
const (
	EventTypeOrderCompleted        = "checkout.order_completed"
	EventTypeReconciliationFlagged = "checkout.reconciliation_flagged"
)

// Outbox is the slice of the repository the poller needs.
type Outbox interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*repository.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}

// OutboxPoller drains the durable outbox into kafka so the order-creation
// collaborator and the review dashboard receive every completed checkout
// exactly once from their point of view (at-least-once on the wire, keyed
// by checkout code for ordering).
type OutboxPoller struct {
	tick   time.Duration
	outbox Outbox
	writer *kafka.Writer
	log    *slog.Logger
}

func NewOutboxPoller(outbox Outbox, topic string, log *slog.Logger, brokers ...string) *OutboxPoller {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return &OutboxPoller{
		tick:   time.Second,
		outbox: outbox,
		writer: w,
		log:    log,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.outbox.GetUnprocessedEvents(ctx, 100)
	if err != nil {
		p.log.Error("failed to fetch outbox events", slog.Any("error", err))
		return
	}

	for _, event := range events {
		errPublish := p.publishToKafka(ctx, event)
		if errPublish != nil {
			p.log.Error("failed to publish outbox event",
				slog.Int64("id", event.ID), slog.Any("error", errPublish))
			continue
		}

		errMark := p.outbox.MarkEventAsProcessed(ctx, event.ID)
		if errMark != nil {
			p.log.Error("failed to mark outbox event processed",
				slog.Int64("id", event.ID), slog.Any("error", errMark))
			continue
		}
	}
}

func (p *OutboxPoller) publishToKafka(ctx context.Context, event *repository.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateID), // checkout code, for per-session ordering
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}
