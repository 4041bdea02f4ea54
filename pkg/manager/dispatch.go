package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/pkg/stack"
)

// Poll waits up to the configured event timeout for one event and dispatches it.
// It reports false with a nil error when no event arrived.
func (m *Manager) Poll(ctx context.Context) (bool, error) {
	ev, err := m.stack.NextEvent(ctx, m.cfg.EventTimeout)
	if errors.Is(err, stack.ErrNoEvent) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.Dispatch(ev)
	return true, nil
}

// Run pumps events until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := m.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("event pump: %w", err)
		}
	}
}

// Dispatch delivers ev to every subscriber of its category in registration order, then
// delivers any notification the manager synthesized while handling it.
func (m *Manager) Dispatch(ev stack.Event) {
	m.dispatch(ev, nil)

	for {
		m.mu.Lock()
		if len(m.outbox) == 0 {
			m.mu.Unlock()
			return
		}
		next := m.outbox[0]
		m.outbox = m.outbox[1:]
		m.mu.Unlock()

		m.dispatch(next, m.gapSub)
	}
}

func (m *Manager) dispatch(ev stack.Event, skip *Subscriber) {
	code := ev.Code()
	cat, idx, ok := Classify(code)
	if !ok {
		m.logger.WithField("event", code).Debug("Unknown event dropped")
		return
	}

	m.mu.RLock()
	subs := m.registry.subscribers(cat)
	m.mu.RUnlock()

	log := m.logger.WithFields(logrus.Fields{"event": code, "category": cat})
	log.Debug("Dispatching event")

	for i, sub := range subs {
		if sub == skip {
			continue
		}
		h := sub.handler(idx)
		if h == nil {
			continue
		}
		if err := h(ev); err != nil {
			log.WithFields(logrus.Fields{
				"subscriber": sub.name,
				"slot":       i,
			}).WithError(err).Warn("Subscriber handler reported an error")
		}
	}
}
