package bondstore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/srg/blemgr/pkg/stack"
)

var (
	ErrNotFound = errors.New("bond item not found")
	ErrNoSpace  = errors.New("bond store has no free space")
)

// GroupBonding is the item group holding per-peer bonding records.
const GroupBonding uint8 = 0x01

// ItemID identifies an item as a (group, sub-id) pair.
type ItemID uint16

// MakeItemID builds an item id from a group and a sub-id.
func MakeItemID(group, sub uint8) ItemID {
	return ItemID(group)<<8 | ItemID(sub)
}

func (id ItemID) Group() uint8 { return uint8(id >> 8) }
func (id ItemID) Sub() uint8   { return uint8(id) }

func (id ItemID) String() string {
	return fmt.Sprintf("%02x:%02x", id.Group(), id.Sub())
}

// Record is the bonding information kept for one peer.
type Record struct {
	PeerAddr stack.Address
	Auth     stack.AuthLevel
	PeerLTK  stack.LTK
	PeerCSRK stack.Key
	PeerIRK  stack.Key
	LocalLTK stack.LTK
}

// Store is the persistent bonding storage contract.
type Store interface {
	Write(id ItemID, rec Record) error
	Read(id ItemID) (Record, error)
	// List returns the ids of every item in group, in ascending order.
	List(group uint8) ([]ItemID, error)
	Delete(id ItemID) error
	// Compact reclaims the slots held by overwritten and deleted items.
	Compact() error
}

// Usage reports slot accounting for diagnostics.
type Usage struct {
	Live     int
	Garbage  int
	Capacity int
}

func (u Usage) Free() int { return u.Capacity - u.Live - u.Garbage }

func sortIDs(ids []ItemID) []ItemID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
