package testutils

import "github.com/srg/blemgr/pkg/stack"

// Event constructors keep scenario tests readable.

func Connected(h stack.Handle, addr stack.Address) *stack.Connected {
	return &stack.Connected{Handle: h, PeerAddr: addr, Status: stack.StatusSuccess}
}

func Disconnected(h stack.Handle, reason stack.DisconnectReason) *stack.Disconnected {
	return &stack.Disconnected{Handle: h, Reason: reason}
}

func PairRequest(h stack.Handle) *stack.PairRequest {
	return &stack.PairRequest{Handle: h}
}

// PairSucceeded reports a successful bonding pairing that distributed irk.
func PairSucceeded(h stack.Handle, auth stack.AuthLevel, irk stack.Key) *stack.PairDone {
	return &stack.PairDone{
		Handle:   h,
		Status:   stack.StatusSuccess,
		Auth:     auth,
		PeerLTK:  stack.LTK{Key: stack.Key{0xaa, byte(h)}, EDiv: 0x0101, KeySize: 16},
		PeerCSRK: stack.Key{0xcc, byte(h)},
		PeerIRK:  irk,
	}
}

func PairFailed(h stack.Handle) *stack.PairDone {
	return &stack.PairDone{Handle: h, Status: stack.StatusFailure}
}

func EncryptionRequest(h stack.Handle, key stack.LTK) *stack.EncryptionRequest {
	return &stack.EncryptionRequest{Handle: h, EDiv: key.EDiv, Rand: key.Rand}
}

func EncryptionStatus(h stack.Handle, status stack.Status, auth stack.AuthLevel) *stack.EncryptionStatusChanged {
	return &stack.EncryptionStatusChanged{Handle: h, Status: status, Auth: auth}
}

func Resolved(addr stack.Address, irk stack.Key) *stack.ResolvRandAddrStatus {
	return &stack.ResolvRandAddrStatus{Status: stack.StatusSuccess, Addr: addr, IRK: irk}
}

func Unresolved(addr stack.Address) *stack.ResolvRandAddrStatus {
	return &stack.ResolvRandAddrStatus{Status: stack.StatusFailure, Addr: addr}
}
