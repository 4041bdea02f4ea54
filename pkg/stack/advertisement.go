package stack

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/adv"
)

// AD types checked before decoding.
const (
	adSomeUUID16     = 0x02
	adAllUUID16      = 0x03
	adSomeUUID32     = 0x04
	adAllUUID32      = 0x05
	adSomeUUID128    = 0x06
	adAllUUID128     = 0x07
	adTxPower        = 0x0a
	adSolicitUUID16  = 0x14
	adSolicitUUID128 = 0x15
	adServiceData16  = 0x16
	adSolicitUUID32  = 0x1f
	adServiceData32  = 0x20
	adServiceData128 = 0x21
)

// uuidWidth is the element size the decoder uses for each UUID list type. The 32-bit
// solicitation list is read in 128-bit elements by adv.Packet.
var uuidWidth = map[byte]int{
	adSomeUUID16: 2, adAllUUID16: 2,
	adSomeUUID32: 4, adAllUUID32: 4,
	adSomeUUID128: 16, adAllUUID128: 16,
	adSolicitUUID16: 2, adSolicitUUID128: 16, adSolicitUUID32: 16,
}

var serviceDataWidth = map[byte]int{
	adServiceData16: 2, adServiceData32: 4, adServiceData128: 16,
}

// TxPowerUnknown is reported when a scan report carries no Tx power field.
const TxPowerUnknown = 127

// Advertisement is a decoded scan report.
type Advertisement struct {
	addr        Address
	rssi        int8
	connectable bool

	name        string
	mfgData     []byte
	services    []ble.UUID
	serviceData []ble.ServiceData
	solicited   []ble.UUID
	txPower     int
}

var _ ble.Advertisement = (*Advertisement)(nil)

// ParseAdvertisement decodes the AD structures of info. Truncated structures and UUID lists
// that do not split into whole UUIDs are reported as errors.
func ParseAdvertisement(info *ScanInfo) (*Advertisement, error) {
	if err := checkADStructures(info.AdvData); err != nil {
		return nil, fmt.Errorf("malformed advertising data from %s: %w", info.Addr, err)
	}

	p := adv.NewRawPacket(info.AdvData)
	a := &Advertisement{
		addr:        info.Addr,
		rssi:        info.RSSI,
		connectable: info.Connectable,
		name:        p.LocalName(),
		mfgData:     append([]byte(nil), p.ManufacturerData()...),
		services:    p.UUIDs(),
		serviceData: p.ServiceData(),
		solicited:   p.ServiceSol(),
		txPower:     TxPowerUnknown,
	}
	if b := p.Field(adTxPower); len(b) == 1 {
		a.txPower = int(int8(b[0]))
	}
	return a, nil
}

// checkADStructures walks length-type-value structures. A zero length ends the significant
// part of the data.
func checkADStructures(data []byte) error {
	for off := 0; off < len(data); {
		l := int(data[off])
		if l == 0 {
			return nil
		}
		if off+1+l > len(data) {
			return fmt.Errorf("AD structure at offset %d overruns the data", off)
		}
		typ, n := data[off+1], l-1
		if w, ok := uuidWidth[typ]; ok && n%w != 0 {
			return fmt.Errorf("AD type 0x%02x: %d bytes is not a list of %d-byte UUIDs", typ, n, w)
		}
		if w, ok := serviceDataWidth[typ]; ok && n < w {
			return fmt.Errorf("AD type 0x%02x: %d bytes is shorter than its %d-byte UUID", typ, n, w)
		}
		off += 1 + l
	}
	return nil
}

// Address returns the typed advertiser address.
func (a *Advertisement) Address() Address { return a.addr }

func (a *Advertisement) LocalName() string              { return a.name }
func (a *Advertisement) ManufacturerData() []byte       { return a.mfgData }
func (a *Advertisement) ServiceData() []ble.ServiceData { return a.serviceData }
func (a *Advertisement) Services() []ble.UUID           { return a.services }
func (a *Advertisement) OverflowService() []ble.UUID    { return nil }
func (a *Advertisement) TxPowerLevel() int              { return a.txPower }
func (a *Advertisement) Connectable() bool              { return a.connectable }
func (a *Advertisement) SolicitedService() []ble.UUID   { return a.solicited }
func (a *Advertisement) RSSI() int                      { return int(a.rssi) }
func (a *Advertisement) Addr() ble.Addr                 { return a.addr }
