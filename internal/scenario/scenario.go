// Package scenario loads scripted event sequences and replays them against a manager running
// on the simulated stack.
package scenario

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/srg/blemgr/pkg/stack"
	"gopkg.in/yaml.v3"
)

// Step actions that call the manager instead of injecting an event.
const (
	ActionConnect     = "connect"
	ActionDisconnect  = "disconnect"
	ActionScan        = "scan"
	ActionRemoveBonds = "remove_bonds"
)

// Scenario is a named list of steps.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one scenario line. Exactly one of Event, Action and Expect is set; the remaining
// fields are the parameters of that event or action.
type Step struct {
	Event  string       `yaml:"event,omitempty"`
	Action string       `yaml:"action,omitempty"`
	Expect *Expectation `yaml:"expect,omitempty"`

	Handle      uint16 `yaml:"handle,omitempty"`
	Peer        string `yaml:"peer,omitempty"`
	AddrType    string `yaml:"addr_type,omitempty"`
	Status      uint8  `yaml:"status,omitempty"`
	Reason      uint8  `yaml:"reason,omitempty"`
	Auth        string `yaml:"auth,omitempty"`
	Bond        bool   `yaml:"bond,omitempty"`
	MITM        bool   `yaml:"mitm,omitempty"`
	IRK         string `yaml:"irk,omitempty"`
	EDiv        uint16 `yaml:"ediv,omitempty"`
	Rand        string `yaml:"rand,omitempty"`
	RSSI        int8   `yaml:"rssi,omitempty"`
	Connectable bool   `yaml:"connectable,omitempty"`
	Data        string `yaml:"data,omitempty"`
	MTU         uint16 `yaml:"mtu,omitempty"`
	PasskeyRole string `yaml:"passkey_role,omitempty"`
	OOB         bool   `yaml:"oob,omitempty"`
	// LocalKeyOf fills EDiv and Rand of an encryption request from the local key of the
	// record currently carrying this handle.
	LocalKeyOf *uint16 `yaml:"local_key_of,omitempty"`
}

// Expectation checks the record of a handle once every earlier step was dispatched.
type Expectation struct {
	Handle uint16 `yaml:"handle"`
	State  string `yaml:"state,omitempty"`
	Role   string `yaml:"role,omitempty"`
	Bonded *bool  `yaml:"bonded,omitempty"`
	// Released checks the record the handle had before it disconnected.
	Released bool `yaml:"released,omitempty"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file %s: %w", path, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes a scenario and checks every step.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("scenario has no steps")
	}

	for i, st := range sc.Steps {
		set := 0
		for _, present := range []bool{st.Event != "", st.Action != "", st.Expect != nil} {
			if present {
				set++
			}
		}
		if set != 1 {
			return nil, fmt.Errorf("step %d: exactly one of event, action or expect is required", i+1)
		}

		switch {
		case st.Event != "":
			if _, err := st.BuildEvent(); err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			}
		case st.Action != "":
			if err := st.checkAction(); err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			}
		}
	}
	return &sc, nil
}

func (st Step) checkAction() error {
	switch st.Action {
	case ActionConnect:
		_, err := st.address()
		return err
	case ActionDisconnect, ActionScan, ActionRemoveBonds:
		return nil
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
}

// BuildEvent converts an event step into the typed event the stack would deliver. Event names
// are the snake_case event code names; codes without a typed payload become raw events
// carrying Data.
func (st Step) BuildEvent() (stack.Event, error) {
	code, ok := stack.ParseEventCode(st.Event)
	if !ok {
		return nil, fmt.Errorf("unknown event %q", st.Event)
	}
	h := stack.Handle(st.Handle)
	status := stack.Status(st.Status)

	switch code {
	case stack.EventConnected:
		addr, err := st.address()
		if err != nil {
			return nil, err
		}
		return &stack.Connected{Handle: h, PeerAddr: addr, Status: status}, nil

	case stack.EventDisconnected:
		return &stack.Disconnected{Handle: h, Reason: stack.DisconnectReason(st.Reason)}, nil

	case stack.EventPairRequest:
		return &stack.PairRequest{Handle: h}, nil

	case stack.EventSlaveSecRequest:
		return &stack.SlaveSecRequest{Handle: h, Bond: st.Bond, MITM: st.MITM}, nil

	case stack.EventPairKeyRequest:
		req := &stack.PairKeyRequest{Handle: h}
		if st.OOB {
			req.Type = stack.PairKeyOOB
		}
		switch st.PasskeyRole {
		case "", "display":
			req.PasskeyRole = stack.PasskeyDisplay
		case "entry":
			req.PasskeyRole = stack.PasskeyEntry
		default:
			return nil, fmt.Errorf("passkey_role must be display or entry, got %q", st.PasskeyRole)
		}
		return req, nil

	case stack.EventPairDone:
		auth, err := st.auth()
		if err != nil {
			return nil, err
		}
		irk, err := parseKey(st.IRK)
		if err != nil {
			return nil, fmt.Errorf("irk: %w", err)
		}
		return &stack.PairDone{
			Handle:  h,
			Status:  status,
			Auth:    auth,
			PeerLTK: stack.LTK{Key: stack.Key{0x01}, EDiv: st.EDiv, KeySize: 16},
			PeerIRK: irk,
		}, nil

	case stack.EventEncryptionRequest:
		var rnd [8]byte
		if err := parseHex(st.Rand, rnd[:]); err != nil {
			return nil, fmt.Errorf("rand: %w", err)
		}
		return &stack.EncryptionRequest{Handle: h, EDiv: st.EDiv, Rand: rnd}, nil

	case stack.EventEncryptionStatusChanged:
		auth, err := st.auth()
		if err != nil {
			return nil, err
		}
		return &stack.EncryptionStatusChanged{Handle: h, Status: status, Auth: auth}, nil

	case stack.EventResolvRandAddrStatus:
		addr, err := st.address()
		if err != nil {
			return nil, err
		}
		irk, err := parseKey(st.IRK)
		if err != nil {
			return nil, fmt.Errorf("irk: %w", err)
		}
		return &stack.ResolvRandAddrStatus{Status: status, Addr: addr, IRK: irk}, nil

	case stack.EventScanInfo:
		addr, err := st.address()
		if err != nil {
			return nil, err
		}
		data, err := hex.DecodeString(st.Data)
		if err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
		return &stack.ScanInfo{Addr: addr, RSSI: st.RSSI, Connectable: st.Connectable, AdvData: data}, nil

	case stack.EventScanReport:
		return &stack.ScanReport{Status: status}, nil

	case stack.EventConnParamUpdateRequest:
		return &stack.ConnParamUpdateRequest{Handle: h}, nil

	case stack.EventMTUChangedIndication:
		return &stack.MTUChanged{Handle: h, MTU: st.MTU}, nil

	case stack.EventMTUChangedCmdComplete, stack.EventCharacteristicWriteCmdComplete:
		return &stack.CmdComplete{Kind: code, Handle: h, Status: status}, nil
	}

	data, err := hex.DecodeString(st.Data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if len(data) > stack.ParamMaxSize {
		return nil, fmt.Errorf("data exceeds %d bytes", stack.ParamMaxSize)
	}
	return &stack.RawEvent{Kind: code, Params: data}, nil
}

func (st Step) address() (stack.Address, error) {
	if st.Peer == "" {
		return stack.Address{}, fmt.Errorf("peer is required for %s%s", st.Event, st.Action)
	}
	typ := stack.AddrPublic
	if st.AddrType != "" {
		t, err := stack.ParseAddrType(st.AddrType)
		if err != nil {
			return stack.Address{}, err
		}
		typ = t
	}
	return stack.ParseAddress(st.Peer, typ)
}

func (st Step) auth() (stack.AuthLevel, error) {
	if st.Auth == "" {
		return stack.AuthNoMITMNoBond, nil
	}
	return stack.ParseAuthLevel(st.Auth)
}

func parseKey(s string) (stack.Key, error) {
	var k stack.Key
	err := parseHex(s, k[:])
	return k, err
}

// parseHex decodes s into dst. An empty string leaves dst zeroed.
func parseHex(s string, dst []byte) error {
	if s == "" {
		return nil
	}
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
