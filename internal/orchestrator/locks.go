package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// lockTable serializes state transitions per contact. Entries are
// reference counted and released when the last holder unlocks, so the
// table stays proportional to in-flight work, not total contacts.
type lockTable struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[uuid.UUID]*lockEntry)}
}

// Lock acquires the contact's mutex and returns the release function.
func (t *lockTable) Lock(contactID uuid.UUID) func() {
	t.mu.Lock()
	entry, ok := t.entries[contactID]
	if !ok {
		entry = &lockEntry{}
		t.entries[contactID] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		t.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(t.entries, contactID)
		}
		t.mu.Unlock()
	}
}
