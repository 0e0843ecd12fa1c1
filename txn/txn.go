// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package txn implements a table of outstanding request transactions with
// tick-based expiry.
//
// Each entry is identified by a 32-bit ID drawn from an incrementing counter,
// and carries an opaque value supplied by the caller. Entries that are not
// claimed within a fixed number of aging ticks are expired.
package txn

import (
	"cmp"
	"slices"
)

// DefaultLife is the default number of aging ticks an entry survives.
const DefaultLife = 10

// An Entry is a single outstanding transaction.
type Entry struct {
	ID   uint32 // unique among live entries; never zero
	Life int    // remaining aging ticks
	Data any    // caller-supplied value, returned on lookup or expiry
}

// A Table tracks live transaction entries. A zero Table is not ready for use;
// call New to construct one. A Table is not safe for concurrent use.
type Table struct {
	life  int
	live  map[uint32]*Entry
	nexto uint32 // the last ID issued
}

// New constructs an empty table whose entries survive life aging ticks.
// If life <= 0, DefaultLife is used.
func New(life int) *Table {
	if life <= 0 {
		life = DefaultLife
	}
	return &Table{life: life, live: make(map[uint32]*Entry)}
}

// Insert adds a new entry carrying data and returns it. The ID counter wraps
// after 2^32 insertions; if the next ID is still held by a live entry, that
// entry is removed and returned as stale so the caller can account for it.
func (t *Table) Insert(data any) (e, stale *Entry) {
	t.nexto++
	if t.nexto == 0 {
		t.nexto++ // ID 0 is reserved
	}
	id := t.nexto
	if old, ok := t.live[id]; ok {
		delete(t.live, id)
		stale = old
	}
	e = &Entry{ID: id, Life: t.life, Data: data}
	t.live[id] = e
	return e, stale
}

// Lookup returns the live entry with the given ID, if any.
func (t *Table) Lookup(id uint32) (*Entry, bool) {
	e, ok := t.live[id]
	return e, ok
}

// Delete removes e from the table. It is a no-op if e is nil or not live.
func (t *Table) Delete(e *Entry) {
	if e == nil {
		return
	}
	if cur, ok := t.live[e.ID]; ok && cur == e {
		delete(t.live, e.ID)
	}
}

// Age decrements the remaining life of every live entry, and removes and
// returns those whose life has reached zero, in ID order.
func (t *Table) Age() []*Entry {
	var expired []*Entry
	for id, e := range t.live {
		e.Life--
		if e.Life <= 0 {
			delete(t.live, id)
			expired = append(expired, e)
		}
	}
	slices.SortFunc(expired, func(a, b *Entry) int { return cmp.Compare(a.ID, b.ID) })
	return expired
}

// Len reports the number of live entries.
func (t *Table) Len() int { return len(t.live) }

// Clear removes all live entries. The ID counter is not reset.
func (t *Table) Clear() { clear(t.live) }
