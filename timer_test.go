package fsdebounce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan DebouncedEvent, n int, within time.Duration) []DebouncedEvent {
	t.Helper()
	var out []DebouncedEvent
	deadline := time.After(within)
	for len(out) < n {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d: %v", n, len(out), out)
		}
	}
	return out
}

func TestWatchTimer_FiresAfterDelay(t *testing.T) {
	buf := newOperationsBuffer()
	out := make(chan DebouncedEvent, 4)
	tm := newWatchTimer(20*time.Millisecond, buf, func(e DebouncedEvent) { out <- e })
	defer tm.stop()

	buf.mutate("/a", func(e *pendingEntry, existed bool) bool {
		e.dominant, e.hasDominant = Write, true
		return false
	})
	id := tm.schedule("/a")
	buf.setTimer("/a", id)

	evs := collect(t, out, 1, time.Second)
	assert.Equal(t, EvWrite, evs[0].Kind)
	assert.Equal(t, "/a", evs[0].Name)

	_, ok := buf.peek("/a")
	assert.False(t, ok, "buffer slot should be drained on fire")
}

func TestWatchTimer_IgnoreSuppressesFiring(t *testing.T) {
	buf := newOperationsBuffer()
	out := make(chan DebouncedEvent, 4)
	tm := newWatchTimer(15*time.Millisecond, buf, func(e DebouncedEvent) { out <- e })
	defer tm.stop()

	buf.mutate("/a", func(e *pendingEntry, existed bool) bool {
		e.dominant, e.hasDominant = Write, true
		return false
	})
	id := tm.schedule("/a")
	buf.setTimer("/a", id)
	tm.ignore(id)

	select {
	case e := <-out:
		t.Fatalf("expected no firing for cancelled id, got %v", e)
	case <-time.After(80 * time.Millisecond):
	}
	_, ok := buf.peek("/a")
	assert.True(t, ok, "a cancelled firing must not touch the buffer")
}

func TestWatchTimer_OrdersByDeadlineThenID(t *testing.T) {
	buf := newOperationsBuffer()
	out := make(chan DebouncedEvent, 4)
	tm := newWatchTimer(30*time.Millisecond, buf, func(e DebouncedEvent) { out <- e })
	defer tm.stop()

	for _, p := range []string{"/a", "/b", "/c"} {
		p := p
		buf.mutate(p, func(e *pendingEntry, existed bool) bool {
			e.dominant, e.hasDominant = Create, true
			return false
		})
		id := tm.schedule(p)
		buf.setTimer(p, id)
	}

	evs := collect(t, out, 3, time.Second)
	require.Len(t, evs, 3)
	assert.Equal(t, []string{"/a", "/b", "/c"}, []string{evs[0].Name, evs[1].Name, evs[2].Name})
}

func TestDrainEvent_RenameWithoutSourceIsCreate(t *testing.T) {
	e := drainEvent("/b", pendingEntry{dominant: Rename, hasDominant: true})
	assert.Equal(t, EvCreate, e.Kind)
	assert.Equal(t, "/b", e.Name)
}

func TestDrainEvent_RenameWithSource(t *testing.T) {
	e := drainEvent("/b", pendingEntry{dominant: Rename, hasDominant: true, renameFrom: "/a", hasRenameFrom: true})
	assert.Equal(t, EvRename, e.Kind)
	assert.Equal(t, "/a", e.From)
	assert.Equal(t, "/b", e.Name)
}
