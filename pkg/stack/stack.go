package stack

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoEvent is returned by NextEvent when the timeout elapses without an event.
var ErrNoEvent = errors.New("no event")

// CommandError wraps the failure of a stack command primitive.
type CommandError struct {
	Command string
	Handle  Handle
	Err     error
}

func (e *CommandError) Error() string {
	if e.Handle == InvalidHandle {
		return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s on handle %d failed: %v", e.Command, e.Handle, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// EventSource delivers the serialized event stream.
type EventSource interface {
	// NextEvent blocks for at most timeout and returns ErrNoEvent when nothing arrived.
	NextEvent(ctx context.Context, timeout time.Duration) (Event, error)
}

// Commands are the primitives the manager issues to the stack.
type Commands interface {
	Connect(peers ...Address) error
	Disconnect(h Handle, reason DisconnectReason) error
	ScanStart() error
	ScanStop() error
	SendSlaveSecurityRequest(h Handle, mitm, bond bool) error
	Authenticate(h Handle, features PairFeatures, local LTK) error
	EncryptionStart(h Handle, key LTK, auth AuthLevel) error
	EncryptionRequestReply(h Handle, auth AuthLevel, keyFound bool, key LTK) error
	PairKeyReply(h Handle, typ PairKeyType, key []byte) error
	ResolveRandomAddress(addr Address, irks []Key) error
	ConnParamUpdateReply(h Handle, accept bool, ceMin, ceMax uint16) error
}

// Stack is the full contract of the radio stack.
type Stack interface {
	EventSource
	Commands
}
