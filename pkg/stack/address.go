package stack

import (
	"fmt"
	"net"
	"strings"

	"github.com/go-ble/ble"
)

// AddrType is the Bluetooth device address type.
type AddrType uint8

const (
	AddrPublic AddrType = iota
	AddrRandomStatic
	AddrRandomPrivateResolvable
	AddrRandomPrivateNonResolvable
)

func (t AddrType) String() string {
	switch t {
	case AddrPublic:
		return "public"
	case AddrRandomStatic:
		return "random-static"
	case AddrRandomPrivateResolvable:
		return "random-resolvable"
	case AddrRandomPrivateNonResolvable:
		return "random-non-resolvable"
	default:
		return fmt.Sprintf("addr-type(%d)", uint8(t))
	}
}

// ParseAddrType is the inverse of AddrType.String. Underscores are accepted in place of dashes.
func ParseAddrType(s string) (AddrType, error) {
	s = strings.ReplaceAll(s, "_", "-")
	for t := AddrPublic; t <= AddrRandomPrivateNonResolvable; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown address type %q", s)
}

// Address is a typed 48-bit device address. Bytes are stored most significant first,
// in the same order they are printed.
type Address struct {
	Type  AddrType
	Bytes [6]byte
}

// Address is reported as the ble.Addr of decoded advertisements.
var _ ble.Addr = Address{}

// ParseAddress parses a colon separated address such as "AA:BB:CC:DD:EE:FF".
func ParseAddress(s string, t AddrType) (Address, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(hw) != 6 {
		return Address{}, fmt.Errorf("invalid address %q: expected 6 bytes, got %d", s, len(hw))
	}

	a := Address{Type: t}
	copy(a.Bytes[:], hw)
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string, t AddrType) Address {
	a, err := ParseAddress(s, t)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the address the way go-ble does: lower-case, colon separated.
func (a Address) String() string {
	b := a.Bytes
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

// IsResolvable reports whether the address is a resolvable private address.
func (a Address) IsResolvable() bool {
	return a.Type == AddrRandomPrivateResolvable
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Equal compares both the type and the address bytes.
func (a Address) Equal(o Address) bool {
	return a.Type == o.Type && a.Bytes == o.Bytes
}
