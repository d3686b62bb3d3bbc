// Package fsdebounce coalesces a noisy stream of raw filesystem events
// into a quieter, semantically meaningful stream: bursts of
// create/write/chmod/rename/remove notifications on a single path
// collapse into one event per quiet period, rename halves are paired by
// their backend-supplied cookie, and NoticeWrite/NoticeRemove hints fire
// immediately so consumers can stop reading files that are about to
// change or disappear.
//
// fsdebounce is backend-agnostic: callers feed it RawEvent values from
// whatever notification source they have (see internal/backend for the
// inotify and polling backends this repository ships) and read
// DebouncedEvent values off the channel passed to New.
package fsdebounce
