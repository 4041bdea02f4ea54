package manager

import (
	"fmt"

	"github.com/srg/blemgr/pkg/stack"
)

type pendingKind uint8

const (
	pendingIdle pendingKind = iota
	pendingAwaitingResolution
)

// pendingRequest is the single outstanding address resolution. While it is outstanding, at
// most one further event (an encryption request or another resolvable connection) is parked
// and replayed once the resolution completes.
type pendingRequest struct {
	kind     pendingKind
	conn     stack.Connected
	deferred stack.Event
}

func (p *pendingRequest) awaiting() bool { return p.kind == pendingAwaitingResolution }

func (p *pendingRequest) begin(conn stack.Connected) {
	*p = pendingRequest{kind: pendingAwaitingResolution, conn: conn}
}

// park stores ev for replay, failing with ErrPendingBusy if the slot is taken.
func (p *pendingRequest) park(ev stack.Event) error {
	if !p.awaiting() {
		return fmt.Errorf("no resolution in progress")
	}
	if p.deferred != nil {
		return fmt.Errorf("%s parked behind %s: %w", ev.Code(), p.deferred.Code(), ErrPendingBusy)
	}
	p.deferred = ev
	return nil
}

// finish resets the slot and hands back the connection under resolution and any parked event.
func (p *pendingRequest) finish() (stack.Connected, stack.Event) {
	conn, deferred := p.conn, p.deferred
	*p = pendingRequest{}
	return conn, deferred
}
