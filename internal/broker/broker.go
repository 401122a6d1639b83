package broker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Role identifies what a subscriber may do on a checkout topic. Exactly
// one party holds the cashier role; everyone else is read-only.
type Role string

const (
	RoleCashier  Role = "cashier"
	RoleCustomer Role = "customer"
)

// Errors returned by the broker
var (
	ErrTopicClosed  = errors.New("checkout channel is closed")
	ErrReadOnlyRole = errors.New("mutations require the cashier role")
)

const (
	// subscriberBuffer bounds each subscriber's event queue. A subscriber
	// that falls this far behind loses frames and must re-join for a
	// fresh snapshot.
	subscriberBuffer = 16

	// DefaultGracePeriod is how long a topic keeps serving joined
	// subscribers after its terminal event before teardown.
	DefaultGracePeriod = 30 * time.Second
)

// Subscription is one connection's view of a checkout topic.
type Subscription struct {
	Code   string
	Role   Role
	events chan Event

	once  sync.Once
	topic *topic
}

// Events delivers this subscriber's frames in publish order. The channel
// is closed when the topic tears down or the subscriber leaves.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Leave detaches the subscription. The session itself is unaffected:
// only explicit cancel or TTL expiry ends a session.
func (s *Subscription) Leave() {
	s.once.Do(func() {
		s.topic.detach(s)
	})
}

type topic struct {
	mu     sync.Mutex
	code   string
	subs   map[*Subscription]struct{}
	sealed bool // terminal event delivered; no further mutations
	down   bool // torn down; no further joins

	// pending counts in-flight Requests, guarded by the broker mutex. A
	// topic nobody joined and nobody is mutating gets dropped again, so a
	// stale QR scanned over and over cannot grow the topic map.
	pending int
}

// Broker multiplexes one session's transitions to its subscribers. One
// addressable topic per checkout code with an explicit bounded subscriber
// list; requests for a topic are serialized so subscribers observe a
// consistent total order of transitions.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	grace  time.Duration
	log    *slog.Logger
}

func New(grace time.Duration, log *slog.Logger) *Broker {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Broker{
		topics: make(map[string]*topic),
		grace:  grace,
		log:    log,
	}
}

// Join subscribes a connection to a checkout topic under the given role.
// The snapshot event is delivered first, before anything published later,
// which is what makes reconnection idempotent.
func (b *Broker) Join(code string, role Role, snapshot Event) (*Subscription, error) {
	t := b.topicFor(code)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return nil, ErrTopicClosed
	}

	sub := &Subscription{
		Code:   code,
		Role:   role,
		events: make(chan Event, subscriberBuffer),
		topic:  t,
	}
	sub.events <- snapshot
	t.subs[sub] = struct{}{}
	return sub, nil
}

// Request executes a mutation against a checkout topic. Only the cashier
// role may mutate; customer connections are read-only. mutate runs under
// the topic lock, so concurrent requests for the same checkout are
// serialized; on success the resulting event is broadcast to every
// subscriber, on failure only the requester learns about it (via the
// returned error).
func (b *Broker) Request(code string, role Role, mutate func() (Event, error)) error {
	if role != RoleCashier {
		return ErrReadOnlyRole
	}

	t := b.acquire(code)
	defer b.release(t)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return ErrTopicClosed
	}

	event, err := mutate()
	if err != nil {
		return err
	}
	b.broadcastLocked(t, event)
	return nil
}

// Publish broadcasts an event produced outside any subscription, such as a
// TTL auto-cancel from the registry sweeper. A code nobody is subscribed
// to has no topic and the publish is a no-op.
func (b *Broker) Publish(code string, event Event) {
	b.mu.Lock()
	t, exists := b.topics[code]
	b.mu.Unlock()
	if !exists {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return
	}
	b.broadcastLocked(t, event)
}

// broadcastLocked fans the event out and, if it is terminal, stops
// accepting mutations and schedules teardown after the grace period.
// Callers hold t.mu.
func (b *Broker) broadcastLocked(t *topic, event Event) {
	for sub := range t.subs {
		select {
		case sub.events <- event:
		default:
			// Subscriber is not draining; it re-syncs from the next
			// join snapshot.
			b.log.Warn("dropping event for slow subscriber",
				slog.String("checkout_code", t.code),
				slog.String("event", string(event.Type)))
		}
	}

	if event.IsTerminal() {
		t.sealed = true
		go b.teardownAfterGrace(t)
	}
}

func (b *Broker) teardownAfterGrace(t *topic) {
	time.Sleep(b.grace)

	t.mu.Lock()
	t.down = true
	for sub := range t.subs {
		close(sub.events)
		delete(t.subs, sub)
	}
	t.mu.Unlock()

	b.mu.Lock()
	if b.topics[t.code] == t {
		delete(b.topics, t.code)
	}
	b.mu.Unlock()
}

func (b *Broker) topicFor(code string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topicForLocked(code)
}

func (b *Broker) topicForLocked(code string) *topic {
	t, exists := b.topics[code]
	if !exists {
		t = &topic{code: code, subs: make(map[*Subscription]struct{})}
		b.topics[code] = t
	}
	return t
}

// acquire pins a topic for the duration of one Request so a concurrent
// release cannot drop it mid-mutation.
func (b *Broker) acquire(code string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topicForLocked(code)
	t.pending++
	return t
}

// release unpins the topic and drops it when nothing keeps it alive: no
// in-flight requests, no subscribers, and no terminal event in flight.
func (b *Broker) release(t *topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t.pending--
	if t.pending > 0 || b.topics[t.code] != t {
		return
	}

	t.mu.Lock()
	idle := len(t.subs) == 0 && !t.sealed && !t.down
	t.mu.Unlock()
	if idle {
		delete(b.topics, t.code)
	}
}

func (t *topic) detach(s *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, member := t.subs[s]; member {
		delete(t.subs, s)
		close(s.events)
	}
}
