// Package manager is the BLE manager core: it demultiplexes the stack's serialized event
// stream to per-category subscribers and runs the connection/security state machine over a
// fixed-size connection table.
//
// A [Manager] owns all of its state; there are no package-level tables. It registers its own
// GAP and GATT server subscribers first, so the connection table is already updated when
// profile subscribers observe an event. Handlers run synchronously on the goroutine that calls
// [Manager.Poll], [Manager.Run] or [Manager.Dispatch] and must not block.
//
// Query methods such as [Manager.RoleOf] are safe to call from other goroutines and from
// inside subscriber handlers.
package manager
