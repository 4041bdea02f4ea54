// Package bondstore persists bonding information across restarts.
//
// A [Store] behaves like a small log-structured NVM: every write consumes a slot, and
// overwritten or deleted items keep their slot until [Store.Compact] reclaims it. Writes fail
// with [ErrNoSpace] once the capacity is used up, which callers answer by compacting and
// retrying once.
package bondstore
