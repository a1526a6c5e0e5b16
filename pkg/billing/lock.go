package billing

import (
	"sync"

	"github.com/google/uuid"
)

// keyedMutex serializes work per subscription. The scheduler and the webhook
// processor both mutate subscription state; holding the tenant's lock around
// reads-then-writes keeps their transitions from interleaving. Entries are
// reference-counted so the map does not grow with tenant count forever.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[uuid.UUID]*lockEntry)}
}

func (k *keyedMutex) lock(id uuid.UUID) {
	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &lockEntry{}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *keyedMutex) unlock(id uuid.UUID) {
	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		k.mu.Unlock()
		panic("billing: unlock of unheld subscription lock")
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, id)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
