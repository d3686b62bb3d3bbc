package fsdebounce

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDelay = 30 * time.Millisecond

func newTestDebounce(t *testing.T, exists func(string) bool) (*Debounce, chan DebouncedEvent) {
	t.Helper()
	out := make(chan DebouncedEvent, 32)
	d, err := New(Config{Delay: testDelay, Mode: ModeDebounced}, out, zerolog.Nop())
	require.NoError(t, err)
	if exists != nil {
		d.exists = exists
	}
	t.Cleanup(d.Close)
	return d, out
}

func alwaysExists(string) bool  { return true }
func neverExists(string) bool   { return false }
func existsExcept(missing string) func(string) bool {
	return func(p string) bool { return p != missing }
}

// Scenario 1: simple write. An immediate NoticeWrite, then one Write
// after the quiet period even though two raw writes arrived.
func TestDebounce_SimpleWrite(t *testing.T) {
	d, out := newTestDebounce(t, alwaysExists)

	d.Event(RawEvent{Name: "/a", Op: Write})
	notice := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, NoticeWrite, notice.Kind)
	assert.Equal(t, "/a", notice.Name)

	d.Event(RawEvent{Name: "/a", Op: Write})

	final := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, EvWrite, final.Kind)
	assert.Equal(t, "/a", final.Name)
}

// Scenario 2: create then remove within the quiet window collapses to
// nothing.
func TestDebounce_CreateRemoveCollapse(t *testing.T) {
	d, out := newTestDebounce(t, alwaysExists)

	d.Event(RawEvent{Name: "/a", Op: Create})
	d.Event(RawEvent{Name: "/a", Op: Remove})

	select {
	case e := <-out:
		t.Fatalf("expected no output, got %v", e)
	case <-time.After(3 * testDelay):
	}
	assert.Equal(t, 0, d.buffer.len())
}

// Scenario 3: create, write, chmod coalesce into a single Create with no
// notices at all.
func TestDebounce_CreateWriteChmodCoalesce(t *testing.T) {
	d, out := newTestDebounce(t, alwaysExists)

	d.Event(RawEvent{Name: "/a", Op: Create})
	d.Event(RawEvent{Name: "/a", Op: Write})
	d.Event(RawEvent{Name: "/a", Op: Chmod})

	select {
	case e := <-out:
		t.Fatalf("expected no notice before the final event, got %v", e)
	case <-time.After(testDelay / 2):
	}

	final := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, EvCreate, final.Kind)
	assert.Equal(t, "/a", final.Name)
}

// Scenario 4: a matched rename pair produces an immediate NoticeRemove
// for the source, then a single Rename(from, to).
func TestDebounce_RenamePair(t *testing.T) {
	d, out := newTestDebounce(t, alwaysExists)

	d.Event(RawEvent{Name: "/a", Op: Rename, Cookie: 7})
	notice := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, NoticeRemove, notice.Kind)
	assert.Equal(t, "/a", notice.Name)

	d.Event(RawEvent{Name: "/b", Op: Rename, Cookie: 7})

	final := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, EvRename, final.Kind)
	assert.Equal(t, "/a", final.From)
	assert.Equal(t, "/b", final.Name)
}

// Scenario 5: a rename whose second half never arrives, broken by an
// unrelated event, with the source vanished from disk: the rename's
// first half sends one NoticeRemove, the pending WRITE then promotes to
// REMOVE without a second notice, and the new path proceeds normally.
func TestDebounce_PartialRenameSourceVanished(t *testing.T) {
	d, out := newTestDebounce(t, existsExcept("/a"))

	d.Event(RawEvent{Name: "/a", Op: Write})
	n1 := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, NoticeWrite, n1.Kind)

	d.Event(RawEvent{Name: "/a", Op: Rename, Cookie: 3})
	d.Event(RawEvent{Name: "/c", Op: Create})

	n2 := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, NoticeRemove, n2.Kind)
	assert.Equal(t, "/a", n2.Name)

	finals := collect(t, out, 2, time.Second)
	kinds := map[string]Kind{}
	for _, e := range finals {
		kinds[e.Name] = e.Kind
	}
	assert.Equal(t, EvRemove, kinds["/a"])
	assert.Equal(t, EvCreate, kinds["/c"])
}

// Scenario 5b: a rename broken by a subsequent event on the source
// path itself, where the source path still exists (moved in from
// outside the watched tree): promotes to CREATE (fresh) or WRITE
// (chained).
func TestDebounce_PartialRenameSourceStillExists(t *testing.T) {
	d, out := newTestDebounce(t, alwaysExists)

	d.Event(RawEvent{Name: "/a", Op: Rename, Cookie: 1})
	notice := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, NoticeRemove, notice.Kind)

	// Not the matching second half: a different op with no cookie.
	d.Event(RawEvent{Name: "/a", Op: Chmod})

	final := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, EvCreate, final.Kind, "a rename broken by the source reappearing is a creation")
	assert.Equal(t, "/a", final.Name)
}

// Scenario 6: a chained rename a->b->d preserves the original source
// across the chain and emits exactly one NoticeRemove per leg.
func TestDebounce_ChainedRename(t *testing.T) {
	d, out := newTestDebounce(t, alwaysExists)

	d.Event(RawEvent{Name: "/a", Op: Rename, Cookie: 1})
	n1 := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, NoticeRemove, n1.Kind)
	assert.Equal(t, "/a", n1.Name)

	d.Event(RawEvent{Name: "/b", Op: Rename, Cookie: 1})
	d.Event(RawEvent{Name: "/b", Op: Rename, Cookie: 2})
	n2 := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, NoticeRemove, n2.Kind)
	assert.Equal(t, "/b", n2.Name)

	d.Event(RawEvent{Name: "/d", Op: Rename, Cookie: 2})

	final := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, EvRename, final.Kind)
	assert.Equal(t, "/a", final.From, "the original source must survive the chain")
	assert.Equal(t, "/d", final.Name)
}

// Redundancy filtering: a fresh path that sees Create and Remove bits
// in a single event is disambiguated by a single existence check.
func TestDebounce_CreateAndRemoveSameEvent_MissingKeepsRemove(t *testing.T) {
	d, out := newTestDebounce(t, neverExists)
	d.Event(RawEvent{Name: "/a", Op: Create | Remove})

	n := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, NoticeRemove, n.Kind)

	final := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, EvRemove, final.Kind)
}

func TestDebounce_CreateAndRemoveSameEvent_ExistsKeepsCreate(t *testing.T) {
	d, out := newTestDebounce(t, alwaysExists)
	d.Event(RawEvent{Name: "/a", Op: Create | Remove})

	final := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, EvCreate, final.Kind)
}

// Idempotence: delivering the same raw event twice produces the same
// output as delivering it once.
func TestDebounce_DuplicateEventIsIdempotent(t *testing.T) {
	d, out := newTestDebounce(t, alwaysExists)
	d.Event(RawEvent{Name: "/a", Op: Create})
	d.Event(RawEvent{Name: "/a", Op: Create})

	final := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, EvCreate, final.Kind)

	select {
	case e := <-out:
		t.Fatalf("expected exactly one event, got extra %v", e)
	case <-time.After(2 * testDelay):
	}
}

// A backend error is forwarded immediately and doesn't touch the buffer.
func TestDebounce_ErrorForwardedImmediately(t *testing.T) {
	d, out := newTestDebounce(t, alwaysExists)
	d.Event(RawEvent{Name: "/a", Err: assertErr{"boom"}})

	e := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, EvError, e.Kind)
	assert.Equal(t, "/a", e.Name)
	assert.Equal(t, 0, d.buffer.len())
}

// A rescan raw event is forwarded immediately and never queued.
func TestDebounce_RescanForwardedImmediately(t *testing.T) {
	d, out := newTestDebounce(t, alwaysExists)
	d.Event(RawEvent{Op: Rescan})

	e := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, EvRescan, e.Kind)
	assert.Equal(t, 0, d.buffer.len())
}

// A raw event with no path and a non-rescan op is silently dropped.
func TestDebounce_NoPathNonRescanIgnored(t *testing.T) {
	d, out := newTestDebounce(t, alwaysExists)
	d.Event(RawEvent{Op: Write})

	select {
	case e := <-out:
		t.Fatalf("expected no output, got %v", e)
	case <-time.After(2 * testDelay):
	}
	assert.Equal(t, 0, d.buffer.len())
}

func TestDebounce_RawMode(t *testing.T) {
	out := make(chan DebouncedEvent, 8)
	d, err := New(Config{Delay: testDelay, Mode: ModeRaw}, out, zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	d.Event(RawEvent{Name: "/a", Op: Create | Write})
	evs := collect(t, out, 2, time.Second)
	assert.Equal(t, EvCreate, evs[0].Kind)
	assert.Equal(t, EvWrite, evs[1].Kind)
}

func TestDebounce_DebouncedTxMode(t *testing.T) {
	out := make(chan DebouncedEvent, 8)
	d, err := New(Config{Delay: testDelay, Mode: ModeDebouncedTx}, out, zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	d.Event(RawEvent{Name: "/a", Op: Write})
	n := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, NoticeWrite, n.Kind)

	// A second write before any Create must not notice again.
	d.Event(RawEvent{Name: "/a", Op: Write})
	select {
	case e := <-out:
		t.Fatalf("expected no repeat notice, got %v", e)
	case <-time.After(2 * testDelay):
	}

	d.Event(RawEvent{Name: "/a", Op: Remove})
	n2 := collect(t, out, 1, time.Second)[0]
	assert.Equal(t, NoticeRemove, n2.Kind)
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{Delay: 0}.validate())
	assert.NoError(t, Config{Delay: time.Millisecond}.validate())
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
