package manager

import (
	"fmt"
	"sync"

	"github.com/srg/blemgr/pkg/stack"
)

// Handler processes one event. A returned error is advisory: it is logged and never stops
// delivery to the remaining subscribers.
type Handler func(ev stack.Event) error

// Typed adapts a handler for a concrete event type. Any other payload type is an error.
func Typed[E stack.Event](fn func(E) error) Handler {
	return func(ev stack.Event) error {
		e, ok := ev.(E)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", ev, ev.Code())
		}
		return fn(e)
	}
}

// Subscriber is a callback table for one event category. Slots left nil are skipped.
// Handlers may be installed while the subscriber is registered.
type Subscriber struct {
	name     string
	category Category

	mu       sync.RWMutex
	handlers []Handler
}

// NewSubscriber creates an empty callback table for category c. A subscriber for an unknown
// category accepts no handlers and cannot be registered.
func NewSubscriber(name string, c Category) *Subscriber {
	return &Subscriber{
		name:     name,
		category: c,
		handlers: make([]Handler, kindCount(c)),
	}
}

func (s *Subscriber) Name() string       { return s.name }
func (s *Subscriber) Category() Category { return s.category }

// On installs h for code, which must belong to the subscriber's category.
func (s *Subscriber) On(code stack.EventCode, h Handler) error {
	c, idx, ok := Classify(code)
	if !ok || c != s.category {
		return fmt.Errorf("event %s does not belong to category %s", code, s.category)
	}
	s.mu.Lock()
	s.handlers[idx] = h
	s.mu.Unlock()
	return nil
}

// MustOn is like On but panics on a category mismatch.
func (s *Subscriber) MustOn(code stack.EventCode, h Handler) *Subscriber {
	if err := s.On(code, h); err != nil {
		panic(err)
	}
	return s
}

func (s *Subscriber) handler(idx int) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.handlers) {
		return nil
	}
	return s.handlers[idx]
}

// registry holds fixed-capacity subscriber arrays per category. Unregistering compacts the
// array, so slot order is registration order.
type registry struct {
	tables [categoryCount][]*Subscriber
	counts [categoryCount]int
}

func newRegistry(limits [categoryCount]int) *registry {
	r := &registry{}
	for c, n := range limits {
		r.tables[c] = make([]*Subscriber, n)
	}
	return r
}

// register adds sub to its category table. It is idempotent and reports false when the
// table is full or the category is unknown.
func (r *registry) register(sub *Subscriber) bool {
	c := sub.category
	if !c.valid() {
		return false
	}
	for _, s := range r.tables[c][:r.counts[c]] {
		if s == sub {
			return true
		}
	}
	if r.counts[c] == len(r.tables[c]) {
		return false
	}
	r.tables[c][r.counts[c]] = sub
	r.counts[c]++
	return true
}

func (r *registry) unregister(sub *Subscriber) bool {
	c := sub.category
	if !c.valid() {
		return false
	}
	n := r.counts[c]
	for i, s := range r.tables[c][:n] {
		if s != sub {
			continue
		}
		copy(r.tables[c][i:], r.tables[c][i+1:n])
		r.tables[c][n-1] = nil
		r.counts[c]--
		return true
	}
	return false
}

// subscribers returns a copy of the registered subscribers of c in registration order.
func (r *registry) subscribers(c Category) []*Subscriber {
	if !c.valid() {
		return nil
	}
	out := make([]*Subscriber, r.counts[c])
	copy(out, r.tables[c][:r.counts[c]])
	return out
}

func (r *registry) count(c Category) int {
	if !c.valid() {
		return 0
	}
	return r.counts[c]
}

func (r *registry) limit(c Category) int {
	if !c.valid() {
		return 0
	}
	return len(r.tables[c])
}
