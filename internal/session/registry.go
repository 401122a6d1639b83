package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/greenbasket/checkout/internal/domain"
)

const (
	// DefaultIdleTTL is how long a session may sit without a transition
	// before it is auto-cancelled with reason TIMEOUT.
	DefaultIdleTTL = 15 * time.Minute

	// DefaultRetention is how long a terminal session stays readable
	// before it is garbage-collected.
	DefaultRetention = 30 * time.Second

	// DefaultSweepInterval is how often the background sweeper runs.
	DefaultSweepInterval = 5 * time.Second
)

type entry struct {
	mu      sync.Mutex
	session *domain.CheckoutSession
}

// Registry owns all live sessions. Every mutation goes through Do, which
// serializes access per checkout code. That serialization is what gives
// subscribers a consistent total order of transitions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	expired  map[string]time.Time // codes recently removed, for ErrSessionExpired

	machine    *Machine
	idleTTL    time.Duration
	retention  time.Duration
	sweepEvery time.Duration
	log        *slog.Logger
	now        func() time.Time

	// onExpire is invoked after the sweeper cancels an idle session, so
	// the broker can broadcast the terminal event.
	onExpire func(s domain.CheckoutSession)

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

func NewRegistry(machine *Machine, idleTTL, retention, sweepEvery time.Duration, log *slog.Logger) *Registry {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	r := &Registry{
		sessions:   make(map[string]*entry),
		expired:    make(map[string]time.Time),
		machine:    machine,
		idleTTL:    idleTTL,
		retention:  retention,
		sweepEvery: sweepEvery,
		log:        log,
		now:        time.Now,
		stopSweep:  make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweepLoop()

	return r
}

// SetOnExpire registers the TTL-expiry callback. Must be called before
// sessions start expiring; the coordinator wires it at startup.
func (r *Registry) SetOnExpire(fn func(s domain.CheckoutSession)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = fn
}

// Create allocates a new session and registers it under its checkout code.
func (r *Registry) Create(cart domain.CartSnapshot, customerID string) domain.CheckoutSession {
	s := r.machine.Create(cart, customerID)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.CheckoutCode] = &entry{session: s}
	return *s
}

// Do runs fn against the session for the given code while holding that
// session's lock. fn receives the live session and may mutate it through
// the machine. A copy of the session after fn is returned, so callers
// never hold a reference into the registry.
func (r *Registry) Do(code string, fn func(s *domain.CheckoutSession) error) (domain.CheckoutSession, error) {
	r.mu.RLock()
	e, exists := r.sessions[code]
	if !exists {
		_, wasExpired := r.expired[code]
		r.mu.RUnlock()
		if wasExpired {
			return domain.CheckoutSession{}, fmt.Errorf("session %s: %w", code, ErrSessionExpired)
		}
		return domain.CheckoutSession{}, fmt.Errorf("session %s: %w", code, ErrSessionNotFound)
	}
	r.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	err := fn(e.session)
	return *e.session, err
}

// Get returns a copy of the session for the given code.
func (r *Registry) Get(code string) (domain.CheckoutSession, error) {
	return r.Do(code, func(*domain.CheckoutSession) error { return nil })
}

// Len reports how many sessions are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops the background sweeper and waits for it to finish.
func (r *Registry) Close() error {
	close(r.stopSweep)
	r.wg.Wait()
	return nil
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopSweep:
			return
		}
	}
}

// sweep auto-cancels idle sessions and garbage-collects terminal ones past
// the retention window.
func (r *Registry) sweep() {
	now := r.now()

	r.mu.RLock()
	codes := make([]string, 0, len(r.sessions))
	for code := range r.sessions {
		codes = append(codes, code)
	}
	r.mu.RUnlock()

	for _, code := range codes {
		r.sweepOne(code, now)
	}

	// Drop stale tombstones so the expired map stays bounded.
	r.mu.Lock()
	for code, at := range r.expired {
		if now.Sub(at) > 24*time.Hour {
			delete(r.expired, code)
		}
	}
	r.mu.Unlock()
}

func (r *Registry) sweepOne(code string, now time.Time) {
	r.mu.RLock()
	e, exists := r.sessions[code]
	r.mu.RUnlock()
	if !exists {
		return
	}

	e.mu.Lock()
	s := e.session
	var expiredCopy *domain.CheckoutSession

	switch {
	case s.Status.IsTerminal():
		if now.Sub(s.LastTransitionAt) > r.retention {
			r.remove(code, now)
		}
	case now.Sub(s.LastTransitionAt) > r.idleTTL:
		if err := r.machine.Cancel(context.Background(), s, domain.ReasonTimeout); err != nil {
			r.log.Error("failed to cancel idle session",
				slog.String("checkout_code", code), slog.Any("error", err))
		} else {
			r.log.Info("idle session cancelled",
				slog.String("checkout_code", code),
				slog.String("customer_id", s.CustomerID))
			c := *s
			expiredCopy = &c
		}
	}
	e.mu.Unlock()

	if expiredCopy != nil {
		r.mu.RLock()
		notify := r.onExpire
		r.mu.RUnlock()
		if notify != nil {
			notify(*expiredCopy)
		}
	}
}

func (r *Registry) remove(code string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, code)
	r.expired[code] = now
}
