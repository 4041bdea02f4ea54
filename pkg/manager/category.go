package manager

import (
	"fmt"

	"github.com/srg/blemgr/pkg/stack"
)

// Category groups event codes that share a subscriber table.
type Category uint8

const (
	CategoryGAP Category = iota
	CategoryGATTClient
	CategoryGATTServer
	CategoryL2CAP
	CategoryHTPT
	CategoryDTM
	CategoryCustom

	categoryCount
)

func (c Category) String() string {
	switch c {
	case CategoryGAP:
		return "gap"
	case CategoryGATTClient:
		return "gatt-client"
	case CategoryGATTServer:
		return "gatt-server"
	case CategoryL2CAP:
		return "l2cap"
	case CategoryHTPT:
		return "htpt"
	case CategoryDTM:
		return "dtm"
	case CategoryCustom:
		return "custom"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

type codeRange struct {
	first, last stack.EventCode
}

// categoryRanges is the offset table mapping each category to its contiguous code range.
var categoryRanges = [categoryCount]codeRange{
	CategoryGAP:        {stack.EventUndefined, stack.EventConChannelMapInd},
	CategoryGATTClient: {stack.EventPrimaryServiceFound, stack.EventIndicationReceived},
	CategoryGATTServer: {stack.EventNotificationConfirmed, stack.EventReadAuthorizeRequest},
	CategoryL2CAP:      {stack.EventLECBConnRequest, stack.EventLECBDataReceived},
	CategoryHTPT:       {stack.EventHTPTCreateDBConfirm, stack.EventHTPTMeasIntervalChangeRequest},
	CategoryDTM:        {stack.EventLETestStatus, stack.EventLEPacketReport},
	CategoryCustom:     {stack.EventCustom, stack.EventDeviceReady},
}

// Classify maps an event code to its category and its index within that category's table.
func Classify(code stack.EventCode) (Category, int, bool) {
	for c, r := range categoryRanges {
		if code >= r.first && code <= r.last {
			return Category(c), int(code - r.first), true
		}
	}
	return 0, 0, false
}

func (c Category) valid() bool { return c < categoryCount }

// kindCount is the number of event codes in c, zero for an unknown category.
func kindCount(c Category) int {
	if !c.valid() {
		return 0
	}
	r := categoryRanges[c]
	return int(r.last-r.first) + 1
}
