package fsdebounce

import "sync"

// pendingEntry is the record kept per path in the operationsBuffer. It
// mirrors PendingEntry from the design: dominant is the single queued
// operation that will be emitted at timer expiry, renameFrom is the
// pre-rename path carried across rename pairings (it appears in the emitted
// event only when dominant is Rename), and timerID is the currently armed
// firing id.
type pendingEntry struct {
	dominant    Op
	hasDominant bool

	renameFrom    string
	hasRenameFrom bool

	timerID  uint64
	hasTimer bool
}

// operationsBuffer is the shared mapping from path to its pending coalesced
// operation. It's the single point of contention between the ingest side
// (Debounce.Event) and the timer worker (watchTimer): one mutex, small
// methods that do one thing while holding it.
type operationsBuffer struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newOperationsBuffer() *operationsBuffer {
	return &operationsBuffer{entries: make(map[string]*pendingEntry)}
}

// mutate runs f while holding the lock, handing it the entry for path
// (creating one first if it doesn't exist) plus whether it already existed.
// If f returns true the entry is deleted afterwards instead of kept. It's
// the single mutation point transition handling goes through, so every
// read-modify-write of an entry is atomic.
func (b *operationsBuffer) mutate(path string, f func(e *pendingEntry, existed bool) (drop bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[path]
	if !ok {
		e = &pendingEntry{}
		b.entries[path] = e
	}
	if f(e, ok) {
		delete(b.entries, path)
	}
}

// setTimer records the id of the timer most recently armed for path. Kept
// separate from mutate so rearming (cancel old id, then schedule a new one)
// never needs to call into the timer while holding the buffer lock.
func (b *operationsBuffer) setTimer(path string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[path]; ok {
		e.timerID, e.hasTimer = id, true
	}
}

// peek returns a copy of the entry for path, if any, without mutating it.
func (b *operationsBuffer) peek(path string) (pendingEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[path]
	if !ok {
		return pendingEntry{}, false
	}
	return *e, true
}

func (b *operationsBuffer) delete(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, path)
}

// remove atomically deletes and returns the entry for path, used both by
// the timer drain (invariant: the slot is gone before the event is emitted)
// and by rename-pair reconciliation (removing the source entry).
func (b *operationsBuffer) remove(path string) (pendingEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[path]
	if !ok {
		return pendingEntry{}, false
	}
	delete(b.entries, path)
	return *e, true
}

func (b *operationsBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
