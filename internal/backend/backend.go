// Package backend supplies the raw filesystem producers the core
// (package fsdebounce) is decoupled from: it turns OS-specific
// notifications into fsdebounce.RawEvent values on a channel. The core
// treats every Backend the same way regardless of platform.
package backend

import "github.com/fsnotify/fsdebounce"

// Backend watches a set of paths and reports raw, uncoalesced events.
// Implementations must be safe for Add/Remove to be called while Events
// is being drained.
type Backend interface {
	// Add starts watching path. If recursive is true, every
	// subdirectory found by a single directory walk at call time is
	// added too; directories created later under a recursive watch are
	// picked up as they're observed (best-effort, backend-dependent).
	Add(path string, recursive bool) error

	// Remove stops watching path. It is not an error to remove a path
	// that was never added.
	Remove(path string) error

	// Events returns the channel raw events are delivered on. It is
	// closed after Close returns.
	Events() <-chan fsdebounce.RawEvent

	// Close stops the backend's worker and closes the Events channel.
	// Safe to call more than once.
	Close() error
}
