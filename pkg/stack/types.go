package stack

import (
	"fmt"
	"strings"
)

// Handle identifies a live link inside the stack.
type Handle uint16

// InvalidHandle marks a record that has no link.
const InvalidHandle Handle = 0xFFFF

// Role is the local role on a link.
type Role uint8

const (
	RoleNone Role = iota
	RoleCentral
	RolePeripheral
)

func (r Role) String() string {
	switch r {
	case RoleCentral:
		return "central"
	case RolePeripheral:
		return "peripheral"
	default:
		return "none"
	}
}

// Status is the completion status reported by stack events.
type Status uint8

const (
	StatusSuccess      Status = 0x00
	StatusFailure      Status = 0x01
	StatusInvalidParam Status = 0xCF
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusInvalidParam:
		return "invalid"
	default:
		return fmt.Sprintf("status(0x%02x)", uint8(s))
	}
}

// AuthLevel is the security level negotiated for a link.
type AuthLevel uint8

const (
	AuthNoMITMNoBond AuthLevel = 0x00
	AuthNoMITMBond   AuthLevel = 0x01
	AuthMITMNoBond   AuthLevel = 0x04
	AuthMITMBond     AuthLevel = 0x05
)

// Bonded reports whether the bond bit is set.
func (a AuthLevel) Bonded() bool { return a&AuthNoMITMBond != 0 }

// MITM reports whether man-in-the-middle protection is set.
func (a AuthLevel) MITM() bool { return a&AuthMITMNoBond != 0 }

func (a AuthLevel) String() string {
	switch a {
	case AuthNoMITMNoBond:
		return "no-mitm-no-bond"
	case AuthNoMITMBond:
		return "no-mitm-bond"
	case AuthMITMNoBond:
		return "mitm-no-bond"
	case AuthMITMBond:
		return "mitm-bond"
	default:
		return fmt.Sprintf("auth(0x%02x)", uint8(a))
	}
}

// ParseAuthLevel is the inverse of AuthLevel.String. Underscores are accepted in place of dashes.
func ParseAuthLevel(s string) (AuthLevel, error) {
	s = strings.ReplaceAll(s, "_", "-")
	for _, a := range []AuthLevel{AuthNoMITMNoBond, AuthNoMITMBond, AuthMITMNoBond, AuthMITMBond} {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown auth level %q", s)
}

// DisconnectReason is the HCI reason code carried by disconnect commands and events.
type DisconnectReason uint8

const (
	ReasonAuthFailure           DisconnectReason = 0x05
	ReasonSupervisionTimeout    DisconnectReason = 0x08
	ReasonTerminatedByUser      DisconnectReason = 0x13
	ReasonRemoteLowResources    DisconnectReason = 0x14
	ReasonRemotePowerOff        DisconnectReason = 0x15
	ReasonTerminatedByLocalHost DisconnectReason = 0x16
)

// ReasonInsufficientAuthentication shares its value with ReasonAuthFailure.
const ReasonInsufficientAuthentication = ReasonAuthFailure

func (r DisconnectReason) String() string {
	switch r {
	case ReasonAuthFailure:
		return "authentication failure"
	case ReasonSupervisionTimeout:
		return "supervision timeout"
	case ReasonTerminatedByUser:
		return "terminated by user"
	case ReasonRemoteLowResources:
		return "remote low resources"
	case ReasonRemotePowerOff:
		return "remote power off"
	case ReasonTerminatedByLocalHost:
		return "terminated by local host"
	default:
		return fmt.Sprintf("reason(0x%02x)", uint8(r))
	}
}

// Key is a 128-bit key (IRK, CSRK or LTK value).
type Key [16]byte

func (k Key) IsZero() bool { return k == Key{} }

// LTK is a long-term key with its diversifier and random number.
type LTK struct {
	Key     Key
	EDiv    uint16
	Rand    [8]byte
	KeySize uint8
}

// Matches reports whether an encryption request's EDIV and Rand select this key.
func (l LTK) Matches(ediv uint16, rand [8]byte) bool {
	return l.EDiv == ediv && l.Rand == rand
}

// IOCapability is the SMP input/output capability.
type IOCapability uint8

const (
	IODisplayOnly IOCapability = iota
	IODisplayYesNo
	IOKeyboardOnly
	IONoInputNoOutput
	IOKeyboardDisplay
)

func (c IOCapability) String() string {
	switch c {
	case IODisplayOnly:
		return "display_only"
	case IODisplayYesNo:
		return "display_yes_no"
	case IOKeyboardOnly:
		return "keyboard_only"
	case IONoInputNoOutput:
		return "no_input_no_output"
	case IOKeyboardDisplay:
		return "keyboard_display"
	default:
		return fmt.Sprintf("io(%d)", uint8(c))
	}
}

// ParseIOCapability is the inverse of IOCapability.String.
func ParseIOCapability(s string) (IOCapability, error) {
	for c := IODisplayOnly; c <= IOKeyboardDisplay; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown io capability %q", s)
}

// KeyDist is the set of keys distributed during pairing.
type KeyDist uint8

const (
	KeyDistEnc  KeyDist = 1 << iota // LTK, EDIV, Rand
	KeyDistID                       // IRK, identity address
	KeyDistSign                     // CSRK
)

// PairFeatures are the local pairing parameters passed to Authenticate.
type PairFeatures struct {
	DesiredAuth   AuthLevel
	Bond          bool
	MITM          bool
	IOCapability  IOCapability
	OOB           bool
	InitiatorKeys KeyDist
	ResponderKeys KeyDist
	MinKeySize    uint8
	MaxKeySize    uint8
}

// PairKeyType selects the kind of key material requested during pairing.
type PairKeyType uint8

const (
	PairKeyPasskey PairKeyType = iota
	PairKeyOOB
)

// PasskeyRole says whether the local side displays or enters the passkey.
type PasskeyRole uint8

const (
	PasskeyDisplay PasskeyRole = iota
	PasskeyEntry
)
