package events

import (
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

// Bus fans published events out to subscriptions. Publishing never blocks
// on subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives the events matching its account and type filters.
type Subscription struct {
	bus     *Bus
	account string
	types   map[reflect.Type]struct{}
	queue   *queuedChannel[Event]
}

// Subscribe registers a subscription. An empty accountID receives events
// for every account; process-wide events reach every subscription. When
// ofType is non-empty only events of those concrete types are delivered.
func (b *Bus) Subscribe(accountID string, ofType ...Event) *Subscription {
	types := make(map[reflect.Type]struct{}, len(ofType))
	for _, t := range ofType {
		types[reflect.TypeOf(t)] = struct{}{}
	}

	sub := &Subscription{
		bus:     b,
		account: accountID,
		types:   types,
		queue:   newQueuedChannel[Event](1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.queue.closeAndDiscard()
		return sub
	}
	b.subs[sub] = struct{}{}

	return sub
}

// Publish delivers ev to every matching subscription.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	delivered := 0
	for sub := range b.subs {
		if sub.wants(ev) && sub.queue.enqueue(ev) {
			delivered++
		}
	}

	logrus.WithFields(logrus.Fields{
		"event":       reflect.TypeOf(ev).Name(),
		"account":     ev.Account(),
		"subscribers": delivered,
	}).Trace("Published event")
}

// Close ends every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for sub := range subs {
		sub.queue.closeAndDiscard()
	}
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.queue.channel()
}

// Close unregisters the subscription and discards undelivered events.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.queue.closeAndDiscard()
}

func (s *Subscription) wants(ev Event) bool {
	if acct := ev.Account(); acct != "" && s.account != "" && acct != s.account {
		return false
	}
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[reflect.TypeOf(ev)]
	return ok
}
