package stack

import "fmt"

// EventCode enumerates every event the stack can deliver. Codes are grouped in contiguous
// ranges per category; the ordering is part of the contract.
type EventCode uint16

// GAP events.
const (
	EventUndefined EventCode = iota
	EventScanInfo
	EventScanReport
	EventAdvReport
	EventRandAddrChanged
	EventConnected
	EventDisconnected
	EventConnParamUpdateDone
	EventConnParamUpdateRequest
	EventPairDone
	EventPairRequest
	EventSlaveSecRequest
	EventPairKeyRequest
	EventEncryptionRequest
	EventEncryptionStatusChanged
	EventResolvRandAddrStatus
	EventSignCountersInd
	EventPeerAttInfoInd
	EventConChannelMapInd
)

// GATT client events.
const (
	EventPrimaryServiceFound EventCode = iota + EventConChannelMapInd + 1
	EventIncludedServiceFound
	EventCharacteristicFound
	EventDescriptorFound
	EventDiscoveryComplete
	EventCharacteristicReadByUUIDResponse
	EventCharacteristicReadMultipleResponse
	EventCharacteristicWriteResponse
	EventNotificationReceived
	EventIndicationReceived
)

// GATT server events.
const (
	EventNotificationConfirmed EventCode = iota + EventIndicationReceived + 1
	EventIndicationConfirmed
	EventCharacteristicChanged
	EventCharacteristicConfigurationChanged
	EventServiceChangedIndicationSent
	EventWriteAuthorizeRequest
	EventMTUChangedIndication
	EventMTUChangedCmdComplete
	EventCharacteristicWriteCmdComplete
	EventReadAuthorizeRequest
)

// L2CAP LE credit based channel events.
const (
	EventLECBConnRequest EventCode = iota + EventReadAuthorizeRequest + 1
	EventLECBConnected
	EventLECBDisconnected
	EventLECBAddCreditInd
	EventLECBSendResponse
	EventLECBDataReceived
)

// Health thermometer profile events.
const (
	EventHTPTCreateDBConfirm EventCode = iota + EventLECBDataReceived + 1
	EventHTPTErrorInd
	EventHTPTDisableInd
	EventHTPTTempSendConfirm
	EventHTPTMeasIntervalChangeInd
	EventHTPTConfigIndNtfInd
	EventHTPTEnableResponse
	EventHTPTMeasIntervalUpdateResponse
	EventHTPTMeasIntervalChangeRequest
)

// Direct test mode events.
const (
	EventLETestStatus EventCode = iota + EventHTPTMeasIntervalChangeRequest + 1
	EventLEPacketReport
)

// Application defined events.
const (
	EventCustom EventCode = iota + EventLEPacketReport + 1
	EventDeviceReady

	// EventCodeCount is one past the last valid code.
	EventCodeCount
)

var eventNames = [EventCodeCount]string{
	EventUndefined:                          "undefined",
	EventScanInfo:                           "scan_info",
	EventScanReport:                         "scan_report",
	EventAdvReport:                          "adv_report",
	EventRandAddrChanged:                    "rand_addr_changed",
	EventConnected:                          "connected",
	EventDisconnected:                       "disconnected",
	EventConnParamUpdateDone:                "conn_param_update_done",
	EventConnParamUpdateRequest:             "conn_param_update_request",
	EventPairDone:                           "pair_done",
	EventPairRequest:                        "pair_request",
	EventSlaveSecRequest:                    "slave_sec_request",
	EventPairKeyRequest:                     "pair_key_request",
	EventEncryptionRequest:                  "encryption_request",
	EventEncryptionStatusChanged:            "encryption_status_changed",
	EventResolvRandAddrStatus:               "resolv_rand_addr_status",
	EventSignCountersInd:                    "sign_counters_ind",
	EventPeerAttInfoInd:                     "peer_att_info_ind",
	EventConChannelMapInd:                   "con_channel_map_ind",
	EventPrimaryServiceFound:                "primary_service_found",
	EventIncludedServiceFound:               "included_service_found",
	EventCharacteristicFound:                "characteristic_found",
	EventDescriptorFound:                    "descriptor_found",
	EventDiscoveryComplete:                  "discovery_complete",
	EventCharacteristicReadByUUIDResponse:   "characteristic_read_by_uuid_response",
	EventCharacteristicReadMultipleResponse: "characteristic_read_multiple_response",
	EventCharacteristicWriteResponse:        "characteristic_write_response",
	EventNotificationReceived:               "notification_received",
	EventIndicationReceived:                 "indication_received",
	EventNotificationConfirmed:              "notification_confirmed",
	EventIndicationConfirmed:                "indication_confirmed",
	EventCharacteristicChanged:              "characteristic_changed",
	EventCharacteristicConfigurationChanged: "characteristic_configuration_changed",
	EventServiceChangedIndicationSent:       "service_changed_indication_sent",
	EventWriteAuthorizeRequest:              "write_authorize_request",
	EventMTUChangedIndication:               "mtu_changed_indication",
	EventMTUChangedCmdComplete:              "mtu_changed_cmd_complete",
	EventCharacteristicWriteCmdComplete:     "characteristic_write_cmd_complete",
	EventReadAuthorizeRequest:               "read_authorize_request",
	EventLECBConnRequest:                    "lecb_conn_request",
	EventLECBConnected:                      "lecb_connected",
	EventLECBDisconnected:                   "lecb_disconnected",
	EventLECBAddCreditInd:                   "lecb_add_credit_ind",
	EventLECBSendResponse:                   "lecb_send_response",
	EventLECBDataReceived:                   "lecb_data_received",
	EventHTPTCreateDBConfirm:                "htpt_create_db_confirm",
	EventHTPTErrorInd:                       "htpt_error_ind",
	EventHTPTDisableInd:                     "htpt_disable_ind",
	EventHTPTTempSendConfirm:                "htpt_temp_send_confirm",
	EventHTPTMeasIntervalChangeInd:          "htpt_meas_interval_change_ind",
	EventHTPTConfigIndNtfInd:                "htpt_config_ind_ntf_ind",
	EventHTPTEnableResponse:                 "htpt_enable_response",
	EventHTPTMeasIntervalUpdateResponse:     "htpt_meas_interval_update_response",
	EventHTPTMeasIntervalChangeRequest:      "htpt_meas_interval_change_request",
	EventLETestStatus:                       "le_test_status",
	EventLEPacketReport:                     "le_packet_report",
	EventCustom:                             "custom",
	EventDeviceReady:                        "device_ready",
}

func (c EventCode) String() string {
	if c < EventCodeCount {
		return eventNames[c]
	}
	return fmt.Sprintf("event(%d)", uint16(c))
}

// ParseEventCode looks up a code by its String name.
func ParseEventCode(name string) (EventCode, bool) {
	for c, n := range eventNames {
		if n == name {
			return EventCode(c), true
		}
	}
	return 0, false
}
