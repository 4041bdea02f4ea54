package stack

// ParamMaxSize is the capacity of the parameter buffer the stack reuses between events.
const ParamMaxSize = 512

// Event is a single event delivered by the stack.
type Event interface {
	Code() EventCode
}

// RawEvent carries an event the manager does not interpret. Params aliases a buffer owned by
// the stack and is only valid while the event is being dispatched; subscribers that need the
// bytes afterwards must copy them.
type RawEvent struct {
	Kind   EventCode
	Params []byte
}

func (e *RawEvent) Code() EventCode { return e.Kind }

// Connected reports a new link.
type Connected struct {
	Handle   Handle
	PeerAddr Address
	Status   Status
}

func (*Connected) Code() EventCode { return EventConnected }

// Disconnected reports a link teardown.
type Disconnected struct {
	Handle Handle
	Reason DisconnectReason
}

func (*Disconnected) Code() EventCode { return EventDisconnected }

// ConnParamUpdateRequest is a peer request to change connection parameters.
type ConnParamUpdateRequest struct {
	Handle             Handle
	IntervalMin        uint16
	IntervalMax        uint16
	Latency            uint16
	SupervisionTimeout uint16
}

func (*ConnParamUpdateRequest) Code() EventCode { return EventConnParamUpdateRequest }

// ConnParamUpdateDone reports the negotiated connection parameters.
type ConnParamUpdateDone struct {
	Handle             Handle
	Status             Status
	Interval           uint16
	Latency            uint16
	SupervisionTimeout uint16
}

func (*ConnParamUpdateDone) Code() EventCode { return EventConnParamUpdateDone }

// PairRequest is a pairing request initiated by the peer.
type PairRequest struct {
	Handle Handle
}

func (*PairRequest) Code() EventCode { return EventPairRequest }

// SlaveSecRequest is a security request sent by a peripheral to the local central.
type SlaveSecRequest struct {
	Handle Handle
	Bond   bool
	MITM   bool
}

func (*SlaveSecRequest) Code() EventCode { return EventSlaveSecRequest }

// PairKeyRequest asks the host for a passkey or out-of-band data.
type PairKeyRequest struct {
	Handle      Handle
	Type        PairKeyType
	PasskeyRole PasskeyRole
}

func (*PairKeyRequest) Code() EventCode { return EventPairKeyRequest }

// PairDone reports the end of a pairing procedure along with the peer's distributed keys.
type PairDone struct {
	Handle   Handle
	Status   Status
	Auth     AuthLevel
	PeerLTK  LTK
	PeerCSRK Key
	PeerIRK  Key
}

func (*PairDone) Code() EventCode { return EventPairDone }

// EncryptionRequest is a peer asking the local side for the LTK selected by EDiv and Rand.
type EncryptionRequest struct {
	Handle Handle
	EDiv   uint16
	Rand   [8]byte
}

func (*EncryptionRequest) Code() EventCode { return EventEncryptionRequest }

// EncryptionStatusChanged reports the outcome of link encryption.
type EncryptionStatusChanged struct {
	Handle Handle
	Status Status
	Auth   AuthLevel
}

func (*EncryptionStatusChanged) Code() EventCode { return EventEncryptionStatusChanged }

// ResolvRandAddrStatus is the response to ResolveRandomAddress. IRK is the key that
// resolved the address when Status is success.
type ResolvRandAddrStatus struct {
	Status Status
	Addr   Address
	IRK    Key
}

func (*ResolvRandAddrStatus) Code() EventCode { return EventResolvRandAddrStatus }

// ScanInfo is a single advertising report collected while scanning.
type ScanInfo struct {
	Addr        Address
	RSSI        int8
	Connectable bool
	AdvData     []byte
}

func (*ScanInfo) Code() EventCode { return EventScanInfo }

// ScanReport ends a scan procedure.
type ScanReport struct {
	Status Status
}

func (*ScanReport) Code() EventCode { return EventScanReport }

// MTUChanged is the MTU change indication.
type MTUChanged struct {
	Handle Handle
	MTU    uint16
}

func (*MTUChanged) Code() EventCode { return EventMTUChangedIndication }

// CmdComplete reports completion of a command that has no dedicated payload, such as
// EventMTUChangedCmdComplete or EventCharacteristicWriteCmdComplete.
type CmdComplete struct {
	Kind   EventCode
	Handle Handle
	Status Status
}

func (e *CmdComplete) Code() EventCode { return e.Kind }
