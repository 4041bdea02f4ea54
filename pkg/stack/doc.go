// Package stack defines the contract between the BLE manager and the radio stack beneath it.
//
// The stack delivers a single serialized stream of events through [EventSource] and accepts
// the command primitives listed on [Commands]. Events the manager interprets are delivered as
// typed values (for example [Connected] or [EncryptionRequest]); every other event arrives as a
// [RawEvent] whose parameter bytes alias a buffer owned by the stack.
package stack
