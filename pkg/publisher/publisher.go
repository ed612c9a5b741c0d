// Package publisher fans task status transitions out to subscribed
// observers without coupling the scheduler to any transport. Non-terminal
// ticks are best-effort: a slow subscriber drops them. Terminal updates are
// retried until delivered or the subscription closes, so push and poll
// converge on the same final state.
package publisher

import (
	"sync"
	"time"

	"github.com/soundprediction/go-graphops/pkg/types"
)

const (
	subscriberBuffer    = 16
	terminalRetryPeriod = 100 * time.Millisecond
	terminalRetryLimit  = 30 * time.Second
)

// Subscription is one observer's feed of updates for a scope.
type Subscription struct {
	scope types.Scope
	ch    chan types.StatusUpdate

	mu     sync.Mutex
	closed bool

	unregister func()
	once       sync.Once
}

// Updates is the channel updates arrive on. It is closed when the
// subscription ends.
func (s *Subscription) Updates() <-chan types.StatusUpdate {
	return s.ch
}

// Close ends the subscription and closes the updates channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.unregister()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// trySend attempts a non-blocking delivery. The second return reports that
// the subscription is closed and retries are pointless.
func (s *Subscription) trySend(update types.StatusUpdate) (delivered, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, true
	}
	select {
	case s.ch <- update:
		return true, false
	default:
		return false, false
	}
}

// Publisher fans out task updates to per-scope subscribers.
type Publisher struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// New creates an empty publisher.
func New() *Publisher {
	return &Publisher{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers an observer for one scope's updates.
func (p *Publisher) Subscribe(scope types.Scope) *Subscription {
	sub := &Subscription{
		scope: scope,
		ch:    make(chan types.StatusUpdate, subscriberBuffer),
	}
	sub.unregister = func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if set, ok := p.subs[scope.Key()]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(p.subs, scope.Key())
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.subs[scope.Key()]
	if !ok {
		set = make(map[*Subscription]struct{})
		p.subs[scope.Key()] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish delivers one update to every subscriber of its scope.
func (p *Publisher) Publish(update types.StatusUpdate) {
	p.mu.Lock()
	targets := make([]*Subscription, 0, len(p.subs[update.Scope.Key()]))
	for sub := range p.subs[update.Scope.Key()] {
		targets = append(targets, sub)
	}
	p.mu.Unlock()

	for _, sub := range targets {
		if update.Terminal() {
			go deliverTerminal(sub, update)
			continue
		}
		// Best-effort tick; a full buffer drops it and the subscriber
		// converges via the next tick or the guaranteed terminal update.
		sub.trySend(update)
	}
}

// deliverTerminal retries delivery of a terminal update until it lands, the
// subscription closes, or the retry budget runs out (at which point the
// subscriber converges via poll).
func deliverTerminal(sub *Subscription, update types.StatusUpdate) {
	deadline := time.NewTimer(terminalRetryLimit)
	defer deadline.Stop()
	ticker := time.NewTicker(terminalRetryPeriod)
	defer ticker.Stop()

	for {
		if delivered, closed := sub.trySend(update); delivered || closed {
			return
		}
		select {
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}
