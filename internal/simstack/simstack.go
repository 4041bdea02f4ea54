// Package simstack is an in-process stand-in for the BLE radio stack. Events are injected into
// an overlapped ring buffer (the oldest event is dropped when it is full, like a controller
// FIFO) and every command the manager issues is recorded for inspection.
package simstack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/pkg/stack"
)

// Command names as recorded by the simulator.
const (
	CmdConnect                = "connect"
	CmdDisconnect             = "disconnect"
	CmdScanStart              = "scan_start"
	CmdScanStop               = "scan_stop"
	CmdSlaveSecurityRequest   = "slave_security_request"
	CmdAuthenticate           = "authenticate"
	CmdEncryptionStart        = "encryption_start"
	CmdEncryptionRequestReply = "encryption_request_reply"
	CmdPairKeyReply           = "pair_key_reply"
	CmdResolveRandomAddress   = "resolve_random_address"
	CmdConnParamUpdateReply   = "conn_param_update_reply"
)

// DefaultQueueSize is the event ring capacity used when none is given.
const DefaultQueueSize uint32 = 256

// ErrRejected is returned by commands scheduled to fail with FailNext.
var ErrRejected = errors.New("command rejected by stack")

// Command is one recorded command primitive. Only the fields relevant to Name are set.
type Command struct {
	Name     string
	Handle   stack.Handle
	Reason   stack.DisconnectReason
	Peers    []stack.Address
	MITM     bool
	Bond     bool
	Features stack.PairFeatures
	LTK      stack.LTK
	Auth     stack.AuthLevel
	KeyFound bool
	KeyType  stack.PairKeyType
	Key      []byte
	IRKs     []stack.Key
	Accept   bool
}

// Stack is the simulated stack.
type Stack struct {
	events  mpmc.RichOverlappedRingBuffer[stack.Event]
	notify  chan struct{}
	dropped atomic.Uint32
	logger  *logrus.Logger

	mu       sync.Mutex
	commands []Command
	failures map[string]int
	params   [stack.ParamMaxSize]byte
}

var _ stack.Stack = (*Stack)(nil)

// New creates a simulator whose event queue holds size events.
func New(size uint32, logger *logrus.Logger) *Stack {
	if size == 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{
		events:   mpmc.NewOverlappedRingBuffer[stack.Event](size),
		notify:   make(chan struct{}, 1),
		logger:   logger,
		failures: make(map[string]int),
	}
}

// Inject queues events for delivery. It is safe to call from any goroutine.
func (s *Stack) Inject(events ...stack.Event) error {
	for _, ev := range events {
		overwrites, err := s.events.EnqueueM(ev)
		if err != nil {
			return fmt.Errorf("queueing %s: %w", ev.Code(), err)
		}
		if overwrites > 0 {
			s.dropped.Add(overwrites)
			s.logger.WithField("dropped", overwrites).Warn("Event queue overflow, oldest events dropped")
		}
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// InjectRaw queues an event the manager does not interpret.
func (s *Stack) InjectRaw(code stack.EventCode, params []byte) error {
	if len(params) > stack.ParamMaxSize {
		return fmt.Errorf("%s params exceed %d bytes", code, stack.ParamMaxSize)
	}
	return s.Inject(&stack.RawEvent{Kind: code, Params: append([]byte(nil), params...)})
}

// Dropped returns how many events were lost to queue overflow.
func (s *Stack) Dropped() uint32 { return s.dropped.Load() }

// Pending reports whether events are waiting.
func (s *Stack) Pending() bool { return !s.events.IsEmpty() }

func (s *Stack) NextEvent(ctx context.Context, timeout time.Duration) (stack.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if !s.events.IsEmpty() {
			ev, err := s.events.Dequeue()
			if err == nil && ev != nil {
				return s.deliver(ev), nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, stack.ErrNoEvent
		case <-s.notify:
		}
	}
}

// deliver copies raw parameters into the shared buffer, which the next raw event overwrites.
func (s *Stack) deliver(ev stack.Event) stack.Event {
	raw, ok := ev.(*stack.RawEvent)
	if !ok {
		return ev
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(s.params[:], raw.Params)
	return &stack.RawEvent{Kind: raw.Kind, Params: s.params[:n]}
}

// FailNext makes the next n invocations of the named command fail with ErrRejected.
func (s *Stack) FailNext(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name] += n
}

// Commands returns a copy of the recorded commands.
func (s *Stack) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// CommandsNamed returns the recorded commands with the given name.
func (s *Stack) CommandsNamed(name string) []Command {
	var out []Command
	for _, c := range s.Commands() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// ResetCommands clears the command log.
func (s *Stack) ResetCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

func (s *Stack) record(c Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, c)
	if s.failures[c.Name] > 0 {
		s.failures[c.Name]--
		s.logger.WithFields(logrus.Fields{"command": c.Name, "handle": c.Handle}).Debug("Simulated command failure")
		return ErrRejected
	}
	s.logger.WithFields(logrus.Fields{"command": c.Name, "handle": c.Handle}).Debug("Command issued")
	return nil
}

func (s *Stack) Connect(peers ...stack.Address) error {
	return s.record(Command{Name: CmdConnect, Handle: stack.InvalidHandle, Peers: peers})
}

func (s *Stack) Disconnect(h stack.Handle, reason stack.DisconnectReason) error {
	return s.record(Command{Name: CmdDisconnect, Handle: h, Reason: reason})
}

func (s *Stack) ScanStart() error {
	return s.record(Command{Name: CmdScanStart, Handle: stack.InvalidHandle})
}

func (s *Stack) ScanStop() error {
	return s.record(Command{Name: CmdScanStop, Handle: stack.InvalidHandle})
}

func (s *Stack) SendSlaveSecurityRequest(h stack.Handle, mitm, bond bool) error {
	return s.record(Command{Name: CmdSlaveSecurityRequest, Handle: h, MITM: mitm, Bond: bond})
}

func (s *Stack) Authenticate(h stack.Handle, features stack.PairFeatures, local stack.LTK) error {
	return s.record(Command{Name: CmdAuthenticate, Handle: h, Features: features, LTK: local})
}

func (s *Stack) EncryptionStart(h stack.Handle, key stack.LTK, auth stack.AuthLevel) error {
	return s.record(Command{Name: CmdEncryptionStart, Handle: h, LTK: key, Auth: auth})
}

func (s *Stack) EncryptionRequestReply(h stack.Handle, auth stack.AuthLevel, keyFound bool, key stack.LTK) error {
	return s.record(Command{Name: CmdEncryptionRequestReply, Handle: h, Auth: auth, KeyFound: keyFound, LTK: key})
}

func (s *Stack) PairKeyReply(h stack.Handle, typ stack.PairKeyType, key []byte) error {
	return s.record(Command{Name: CmdPairKeyReply, Handle: h, KeyType: typ, Key: append([]byte(nil), key...)})
}

func (s *Stack) ResolveRandomAddress(addr stack.Address, irks []stack.Key) error {
	return s.record(Command{
		Name:   CmdResolveRandomAddress,
		Handle: stack.InvalidHandle,
		Peers:  []stack.Address{addr},
		IRKs:   append([]stack.Key(nil), irks...),
	})
}

func (s *Stack) ConnParamUpdateReply(h stack.Handle, accept bool, _, _ uint16) error {
	return s.record(Command{Name: CmdConnParamUpdateReply, Handle: h, Accept: accept})
}
