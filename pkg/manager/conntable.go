package manager

import (
	"fmt"

	"github.com/srg/blemgr/pkg/stack"
)

// BondInfo is the bonding material learned from a peer.
type BondInfo struct {
	Status   stack.Status
	Auth     stack.AuthLevel
	PeerLTK  stack.LTK
	PeerCSRK stack.Key
	PeerIRK  stack.Key
}

func freshBond() BondInfo {
	return BondInfo{Status: stack.StatusInvalidParam}
}

// Valid reports whether a pairing or encryption completed successfully with this peer.
func (b BondInfo) Valid() bool { return b.Status == stack.StatusSuccess }

// Record is one entry of the connection table.
type Record struct {
	Handle   stack.Handle
	PeerAddr stack.Address
	Role     stack.Role
	State    State
	Bond     BondInfo
	LocalLTK stack.LTK
}

func freshRecord() Record {
	return Record{Handle: stack.InvalidHandle, Bond: freshBond()}
}

// ConnRef is a generation-tagged reference to a table slot. It goes stale once the slot is
// handed to a different peer.
type ConnRef struct {
	slot int
	gen  uint32
}

// Valid reports whether the reference was ever issued; the zero value is not.
func (r ConnRef) Valid() bool { return r.gen != 0 }

func (r ConnRef) String() string { return fmt.Sprintf("%d#%d", r.slot, r.gen) }

type slot struct {
	rec      Record
	gen      uint32
	used     bool
	released uint64
}

// Table is the fixed-size connection table.
type Table struct {
	slots []slot
	seq   uint64
}

// NewTable allocates a table with room for capacity connections.
func NewTable(capacity int) *Table {
	t := &Table{slots: make([]slot, capacity)}
	for i := range t.slots {
		t.slots[i].rec = freshRecord()
	}
	return t
}

func (t *Table) Capacity() int { return len(t.slots) }

// Live counts records in a connected, pairing or encryption state.
func (t *Table) Live() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].used && t.slots[i].rec.State.Live() {
			n++
		}
	}
	return n
}

// Get resolves a reference, failing with ErrStaleRef when the slot was reassigned.
func (t *Table) Get(ref ConnRef) (*Record, error) {
	if ref.slot < 0 || ref.slot >= len(t.slots) || !ref.Valid() {
		return nil, fmt.Errorf("ref %s: %w", ref, ErrStaleRef)
	}
	s := &t.slots[ref.slot]
	if s.gen != ref.gen {
		return nil, fmt.Errorf("ref %s: %w", ref, ErrStaleRef)
	}
	return &s.rec, nil
}

// FindOrAllocate returns the record already known for addr, or claims a free slot for it.
// The boolean reports whether an existing record was reused. Fails with a CapacityError
// when every slot holds a live link.
func (t *Table) FindOrAllocate(addr stack.Address, h stack.Handle) (*Record, ConnRef, bool, error) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.used && s.rec.PeerAddr.Equal(addr) {
			s.rec.Handle = h
			return &s.rec, ConnRef{slot: i, gen: s.gen}, true, nil
		}
	}

	rec, ref, err := t.allocate()
	if err != nil {
		return nil, ConnRef{}, false, err
	}
	rec.PeerAddr = addr
	rec.Handle = h
	return rec, ref, false, nil
}

// Adopt attaches a new link to an existing record, as after a resolved private address.
func (t *Table) Adopt(ref ConnRef, addr stack.Address, h stack.Handle) (*Record, error) {
	rec, err := t.Get(ref)
	if err != nil {
		return nil, err
	}
	rec.PeerAddr = addr
	rec.Handle = h
	return rec, nil
}

// Allocate claims a free slot without an address match.
func (t *Table) Allocate(addr stack.Address, h stack.Handle) (*Record, ConnRef, error) {
	rec, ref, err := t.allocate()
	if err != nil {
		return nil, ConnRef{}, err
	}
	rec.PeerAddr = addr
	rec.Handle = h
	return rec, ref, nil
}

// allocate picks a never-used slot first, then the oldest released slot without a bond,
// then the oldest released slot overall. Reusing a slot bumps its generation.
func (t *Table) allocate() (*Record, ConnRef, error) {
	if t.Live() >= len(t.slots) {
		return nil, ConnRef{}, &CapacityError{Resource: "connection table", Limit: len(t.slots)}
	}

	victim := -1
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used {
			victim = i
			break
		}
		if s.rec.State.Live() {
			continue
		}
		if victim < 0 || t.better(i, victim) {
			victim = i
		}
	}

	s := &t.slots[victim]
	s.used = true
	s.gen++
	s.released = 0
	s.rec = freshRecord()
	return &s.rec, ConnRef{slot: victim, gen: s.gen}, nil
}

// better reports whether slot i is a better reclamation victim than slot j.
func (t *Table) better(i, j int) bool {
	a, b := &t.slots[i], &t.slots[j]
	if a.rec.Bond.Valid() != b.rec.Bond.Valid() {
		return !a.rec.Bond.Valid()
	}
	return a.released < b.released
}

// lookup finds the live record for h.
func (t *Table) lookup(h stack.Handle) (*Record, ConnRef, bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.used && s.rec.State.Live() && s.rec.Handle == h {
			return &s.rec, ConnRef{slot: i, gen: s.gen}, true
		}
	}
	return nil, ConnRef{}, false
}

// lookupReleased finds the most recently released record that last carried h.
func (t *Table) lookupReleased(h stack.Handle) (*Record, bool) {
	var found *slot
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used || s.rec.State.Live() || s.rec.Handle != h {
			continue
		}
		if found == nil || s.released > found.released {
			found = s
		}
	}
	if found == nil {
		return nil, false
	}
	return &found.rec, true
}

// FindByIRK returns the record bonded with the given identity resolving key.
func (t *Table) FindByIRK(irk stack.Key) (*Record, ConnRef, bool) {
	if irk.IsZero() {
		return nil, ConnRef{}, false
	}
	for i := range t.slots {
		s := &t.slots[i]
		if s.used && s.rec.Bond.PeerIRK == irk {
			return &s.rec, ConnRef{slot: i, gen: s.gen}, true
		}
	}
	return nil, ConnRef{}, false
}

// IRKs returns the identity resolving keys of every bonded record.
func (t *Table) IRKs() []stack.Key {
	var keys []stack.Key
	for i := range t.slots {
		s := &t.slots[i]
		if s.used && !s.rec.Bond.PeerIRK.IsZero() {
			keys = append(keys, s.rec.Bond.PeerIRK)
		}
	}
	return keys
}

// RoleOf returns the role of the live link h.
func (t *Table) RoleOf(h stack.Handle) (stack.Role, error) {
	rec, _, ok := t.lookup(h)
	if !ok {
		return stack.RoleNone, fmt.Errorf("handle %d: %w", h, ErrNotFound)
	}
	return rec.Role, nil
}

// DisconnectedRoleOf returns the role a released link h had.
func (t *Table) DisconnectedRoleOf(h stack.Handle) (stack.Role, error) {
	rec, ok := t.lookupReleased(h)
	if !ok {
		return stack.RoleNone, fmt.Errorf("released handle %d: %w", h, ErrNotFound)
	}
	return rec.Role, nil
}

// StateMatches reports whether some record carrying h is in state s.
func (t *Table) StateMatches(h stack.Handle, s State) bool {
	for i := range t.slots {
		sl := &t.slots[i]
		if sl.used && sl.rec.Handle == h && sl.rec.State == s {
			return true
		}
	}
	return false
}

// Transition moves rec to state to, refusing changes outside the transition table.
func (t *Table) Transition(rec *Record, to State) error {
	if !CanTransition(rec.State, to) {
		return &TransitionError{From: rec.State, To: to}
	}
	rec.State = to
	return nil
}

// Release applies disconnect bookkeeping to the live link h and returns the state it was in.
//
// Paired or encrypted records keep their bond and become disconnected, unless the bond was
// negotiated without bonding, in which case the record is wiped. Records that never completed
// security go idle; their bond is dropped when the link failed authentication.
func (t *Table) Release(h stack.Handle, reason stack.DisconnectReason) (State, error) {
	rec, ref, ok := t.lookup(h)
	if !ok {
		return StateIdle, fmt.Errorf("handle %d: %w", h, ErrNotFound)
	}
	prev := rec.State

	switch prev {
	case StatePaired, StateEncryptionCompleted:
		if rec.Bond.Auth == stack.AuthNoMITMNoBond {
			role := rec.Role
			*rec = freshRecord()
			rec.Handle = h
			rec.Role = role
			rec.State = StateIdle
		} else {
			rec.State = StateDisconnected
		}
	default:
		if reason == stack.ReasonInsufficientAuthentication || prev == StateEncryptionFailed {
			rec.Bond = freshBond()
			rec.LocalLTK = stack.LTK{}
		}
		rec.State = StateIdle
	}

	t.seq++
	t.slots[ref.slot].released = t.seq
	return prev, nil
}

// Restore seeds a slot with a previously bonded peer in the disconnected state.
func (t *Table) Restore(rec Record) (ConnRef, error) {
	r, ref, err := t.allocate()
	if err != nil {
		return ConnRef{}, err
	}
	*r = rec
	r.Handle = stack.InvalidHandle
	r.State = StateDisconnected
	t.seq++
	t.slots[ref.slot].released = t.seq
	return ref, nil
}

// RecordView is a read-only copy of a record with its reference.
type RecordView struct {
	Ref ConnRef
	Record
}

// Snapshot copies every slot that was ever used.
func (t *Table) Snapshot() []RecordView {
	views := make([]RecordView, 0, len(t.slots))
	for i := range t.slots {
		s := &t.slots[i]
		if s.used {
			views = append(views, RecordView{Ref: ConnRef{slot: i, gen: s.gen}, Record: s.rec})
		}
	}
	return views
}

// ForgetReleased wipes the bonds of every record without a live link and returns how many
// records were affected.
func (t *Table) ForgetReleased() int {
	n := 0
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used || s.rec.State.Live() || !s.rec.Bond.Valid() {
			continue
		}
		h, role := s.rec.Handle, s.rec.Role
		s.rec = freshRecord()
		s.rec.Handle = h
		s.rec.Role = role
		n++
	}
	return n
}
