package manager

import (
	"context"
	"errors"

	"github.com/srg/blemgr/pkg/stack"
)

// ErrPasskeyTimeout is returned by a PasskeyProvider when the user did not answer in time.
var ErrPasskeyTimeout = errors.New("passkey entry timed out")

// PasskeyProvider supplies the passkey typed by the user when the peer displays one.
type PasskeyProvider interface {
	EnterPasskey(ctx context.Context, h stack.Handle) (string, error)
}

// StaticPasskey answers every entry request with the same passkey.
type StaticPasskey string

func (p StaticPasskey) EnterPasskey(context.Context, stack.Handle) (string, error) {
	return string(p), nil
}
