package manager

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/pkg/bondstore"
	"github.com/srg/blemgr/pkg/config"
	"github.com/srg/blemgr/pkg/stack"
)

// Manager is the BLE manager context.
type Manager struct {
	cfg     *config.Config
	stack   stack.Stack
	logger  *logrus.Logger
	bonds   bondstore.Store
	passkey PasskeyProvider
	keys    KeyGenerator

	mu       sync.RWMutex
	table    *Table
	registry *registry
	pending  pendingRequest
	target   stack.Address
	outbox   []stack.Event

	scan     *hashmap.Map[string, *stack.Advertisement]
	scanning bool

	gapSub  *Subscriber
	gattSub *Subscriber
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger; a nil logger keeps the default.
func WithLogger(l *logrus.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(m *Manager) {
		if cfg != nil {
			m.cfg = cfg
		}
	}
}

// WithBondStore persists bonds to s instead of process memory.
func WithBondStore(s bondstore.Store) Option {
	return func(m *Manager) {
		if s != nil {
			m.bonds = s
		}
	}
}

// WithPasskeyProvider sets where passkeys come from when the peer displays one.
func WithPasskeyProvider(p PasskeyProvider) Option {
	return func(m *Manager) {
		if p != nil {
			m.passkey = p
		}
	}
}

// WithKeyGenerator overrides local LTK generation.
func WithKeyGenerator(g KeyGenerator) Option {
	return func(m *Manager) {
		if g != nil {
			m.keys = g
		}
	}
}

// New creates a manager bound to st and registers the manager's own subscribers.
func New(st stack.Stack, opts ...Option) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("stack cannot be nil")
	}

	m := &Manager{
		cfg:    config.DefaultConfig(),
		stack:  st,
		logger: logrus.New(),
		keys:   hkdfKeyGenerator{},
		scan:   hashmap.New[string, *stack.Advertisement](),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if m.bonds == nil {
		m.bonds = bondstore.NewMemoryStore(m.cfg.BondStore.Capacity)
	}
	if m.passkey == nil {
		m.passkey = StaticPasskey(m.cfg.Pairing.Passkey)
	}

	m.table = NewTable(m.cfg.MaxDeviceConnections)
	m.registry = newRegistry(subscriberLimits(m.cfg.Subscribers))

	m.gapSub = m.newGAPSubscriber()
	m.gattSub = m.newGATTServerSubscriber()
	if !m.Register(m.gapSub) || !m.Register(m.gattSub) {
		return nil, fmt.Errorf("registering manager subscribers: %w", ErrCapacityExceeded)
	}
	return m, nil
}

func subscriberLimits(l config.SubscriberLimits) [categoryCount]int {
	return [categoryCount]int{
		CategoryGAP:        l.GAP,
		CategoryGATTClient: l.GATTClient,
		CategoryGATTServer: l.GATTServer,
		CategoryL2CAP:      l.L2CAP,
		CategoryHTPT:       l.HTPT,
		CategoryDTM:        l.DTM,
		CategoryCustom:     l.Custom,
	}
}

// Init restores bonded peers from the bond store.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoreBonds()
}

// Register adds sub to its category table. Registering the same subscriber twice is a no-op.
// It returns false, and logs a warning, when the table is full.
func (m *Manager) Register(sub *Subscriber) bool {
	if sub == nil {
		return false
	}

	if !sub.category.valid() {
		m.logger.WithFields(logrus.Fields{
			"category":   sub.category,
			"subscriber": sub.name,
		}).Warn("Unknown subscriber category, registration rejected")
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registry.register(sub) {
		m.logger.WithFields(logrus.Fields{
			"category":   sub.category,
			"subscriber": sub.name,
			"limit":      m.registry.limit(sub.category),
		}).Warn("Subscriber table full, registration rejected")
		return false
	}
	m.logger.WithFields(logrus.Fields{
		"category":   sub.category,
		"subscriber": sub.name,
	}).Debug("Subscriber registered")
	return true
}

// Unregister removes sub. Unknown subscribers are ignored.
func (m *Manager) Unregister(sub *Subscriber) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registry.unregister(sub) {
		m.logger.WithFields(logrus.Fields{
			"category":   sub.category,
			"subscriber": sub.name,
		}).Debug("Subscriber unregistered")
	}
}

// Subscribers returns the number of subscribers registered for c.
func (m *Manager) Subscribers(c Category) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry.count(c)
}

// Connection returns a copy of the live record for h.
func (m *Manager) Connection(h stack.Handle) (RecordView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ref, ok := m.table.lookup(h)
	if !ok {
		return RecordView{}, false
	}
	return RecordView{Ref: ref, Record: *rec}, true
}

// Lookup resolves a reference obtained from Connection or Connections.
func (m *Manager) Lookup(ref ConnRef) (RecordView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.table.Get(ref)
	if err != nil {
		return RecordView{}, err
	}
	return RecordView{Ref: ref, Record: *rec}, nil
}

// Connections returns a copy of every record in the table.
func (m *Manager) Connections() []RecordView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.Snapshot()
}

// Connect starts an outbound connection. A link to addr that comes up afterwards is recorded
// with the central role.
func (m *Manager) Connect(addr stack.Address) error {
	m.mu.Lock()
	m.target = addr
	m.mu.Unlock()

	if err := m.stack.Connect(addr); err != nil {
		m.mu.Lock()
		m.target = stack.Address{}
		m.mu.Unlock()
		return &stack.CommandError{Command: "connect", Handle: stack.InvalidHandle, Err: err}
	}
	m.logger.WithField("peer", addr).Info("Connecting")
	return nil
}

// Disconnect terminates the link h.
func (m *Manager) Disconnect(h stack.Handle, reason stack.DisconnectReason) error {
	if err := m.stack.Disconnect(h, reason); err != nil {
		return &stack.CommandError{Command: "disconnect", Handle: h, Err: err}
	}
	return nil
}

// Scan clears previous results and starts scanning.
func (m *Manager) Scan() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scan = hashmap.New[string, *stack.Advertisement]()
	if err := m.stack.ScanStart(); err != nil {
		return &stack.CommandError{Command: "scan start", Handle: stack.InvalidHandle, Err: err}
	}
	m.scanning = true
	m.logger.Info("Scanning started")
	return nil
}

// ScanResults returns the decoded advertisements of the last scan ordered by address.
func (m *Manager) ScanResults() []*stack.Advertisement {
	m.mu.RLock()
	scan := m.scan
	m.mu.RUnlock()

	results := make([]*stack.Advertisement, 0, scan.Len())
	scan.Range(func(_ string, a *stack.Advertisement) bool {
		results = append(results, a)
		return true
	})
	sort.Slice(results, func(i, j int) bool {
		return results[i].Addr().String() < results[j].Addr().String()
	})
	return results
}

// RemoveBonds deletes every bond from the store and forgets bonds of released records.
func (m *Manager) RemoveBonds() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeBonds()
}

// disconnect issues a local disconnect and logs a failure.
func (m *Manager) disconnect(h stack.Handle, reason stack.DisconnectReason) {
	log := m.logger.WithFields(logrus.Fields{"handle": h, "reason": reason})
	if err := m.stack.Disconnect(h, reason); err != nil {
		log.WithError(err).Error("Disconnect request failed")
		return
	}
	log.Info("Disconnecting")
}

// emit queues a synthesized event for delivery after the current dispatch. Caller holds mu.
func (m *Manager) emit(ev stack.Event) {
	m.outbox = append(m.outbox, ev)
}

func (m *Manager) transition(rec *Record, to State) error {
	from := rec.State
	if err := m.table.Transition(rec, to); err != nil {
		m.logger.WithFields(logrus.Fields{
			"handle": rec.Handle,
			"peer":   rec.PeerAddr,
		}).WithError(err).Error("Rejected state change")
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"handle": rec.Handle,
		"from":   from,
		"to":     to,
	}).Debug("State changed")
	return nil
}
