//go:build !linux

package backend

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fsnotify/fsdebounce"
)

// pollInterval is the portable fallback's own "quiet period" for
// noticing changes, not to be confused with fsdebounce's coalescing
// delay.
const pollInterval = 200 * time.Millisecond

// pollBackend is the portable fallback Backend for platforms with no
// native watch mechanism. Where an AIX-style poller might collapse a
// detected rename into a single Create event for the destination, this
// backend emits two Rename fsdebounce.RawEvents (source, then
// destination) sharing a locally-minted cookie, since
// fsdebounce.Debounce does its own rename correlation and needs both
// halves, the same contract the Linux backend honors.
type pollBackend struct {
	id  string
	log zerolog.Logger

	mu        sync.Mutex
	watches   map[string]bool // path -> recursive
	files     map[string]os.FileInfo
	closeOnce sync.Once
	closed    bool

	events chan fsdebounce.RawEvent
	stop   chan struct{}
	done   chan struct{}

	nextCookie atomic.Uint32
}

// New starts a ticker-driven poller. It's the Backend used on every
// platform this repo doesn't have a native backend for.
func New(log zerolog.Logger) (Backend, error) {
	id := uuid.NewString()
	b := &pollBackend{
		id:      id,
		log:     log.With().Str("component", "backend.poll").Str("instance", id).Logger(),
		watches: make(map[string]bool),
		files:   make(map[string]os.FileInfo),
		events:  make(chan fsdebounce.RawEvent),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.run()
	return b, nil
}

func (b *pollBackend) Events() <-chan fsdebounce.RawEvent { return b.events }

func (b *pollBackend) Add(path string, recursive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	list, err := b.list(path, recursive)
	if err != nil {
		return err
	}
	for k, v := range list {
		b.files[k] = v
	}
	b.watches[path] = recursive
	b.log.Debug().Str("path", path).Bool("recursive", recursive).Msg("watch added")
	return nil
}

func (b *pollBackend) Remove(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watches, path)
	delete(b.files, path)
	for p := range b.files {
		if filepath.Dir(p) == path {
			delete(b.files, p)
		}
	}
	return nil
}

func (b *pollBackend) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.stop)
		<-b.done
	})
	return nil
}

func (b *pollBackend) list(root string, recursive bool) (map[string]os.FileInfo, error) {
	out := make(map[string]os.FileInfo)
	stat, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	out[root] = stat
	if !stat.IsDir() {
		return out, nil
	}
	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			out[filepath.Join(root, e.Name())] = info
		}
		return out, nil
	}
	err = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		out[p] = info
		return nil
	})
	return out, err
}

func (b *pollBackend) snapshot() map[string]os.FileInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := make(map[string]os.FileInfo)
	for root, recursive := range b.watches {
		list, err := b.list(root, recursive)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			b.sendRaw(fsdebounce.RawEvent{Err: err})
			continue
		}
		for k, v := range list {
			cur[k] = v
		}
	}
	return cur
}

func (b *pollBackend) sendRaw(ev fsdebounce.RawEvent) bool {
	select {
	case <-b.stop:
		return false
	case b.events <- ev:
		return true
	}
}

// run is the polling loop: diff successive snapshots and emit the
// implied events in order: writes/chmods, correlated rename pairs, then
// the remaining creates and removes.
func (b *pollBackend) run() {
	defer func() {
		close(b.events)
		close(b.done)
	}()

	b.mu.Lock()
	b.files = b.snapshotLocked()
	b.mu.Unlock()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}

		cur := b.snapshot()
		if !b.diff(cur) {
			return
		}
		b.mu.Lock()
		b.files = cur
		b.mu.Unlock()
	}
}

func (b *pollBackend) snapshotLocked() map[string]os.FileInfo {
	cur := make(map[string]os.FileInfo)
	for root, recursive := range b.watches {
		list, err := b.list(root, recursive)
		if err != nil {
			continue
		}
		for k, v := range list {
			cur[k] = v
		}
	}
	return cur
}

func (b *pollBackend) diff(cur map[string]os.FileInfo) bool {
	b.mu.Lock()
	prev := b.files
	b.mu.Unlock()

	removes := make(map[string]os.FileInfo)
	for path, info := range prev {
		if _, ok := cur[path]; !ok {
			removes[path] = info
		}
	}

	creates := make(map[string]os.FileInfo)
	for path, info := range cur {
		old, ok := prev[path]
		if !ok {
			creates[path] = info
			continue
		}
		if !info.IsDir() && old.ModTime() != info.ModTime() {
			if !b.sendRaw(fsdebounce.RawEvent{Name: path, Op: fsdebounce.Write}) {
				return false
			}
		}
		if old.Mode() != info.Mode() {
			if !b.sendRaw(fsdebounce.RawEvent{Name: path, Op: fsdebounce.Chmod}) {
				return false
			}
		}
	}

	for srcPath, srcInfo := range removes {
		for dstPath, dstInfo := range creates {
			if os.SameFile(srcInfo, dstInfo) && srcInfo.IsDir() == dstInfo.IsDir() {
				cookie := b.nextCookie.Add(1)
				if !b.sendRaw(fsdebounce.RawEvent{Name: srcPath, Op: fsdebounce.Rename, Cookie: cookie}) {
					return false
				}
				if !b.sendRaw(fsdebounce.RawEvent{Name: dstPath, Op: fsdebounce.Rename, Cookie: cookie}) {
					return false
				}
				delete(removes, srcPath)
				delete(creates, dstPath)
				break
			}
		}
	}

	for path := range creates {
		if !b.sendRaw(fsdebounce.RawEvent{Name: path, Op: fsdebounce.Create}) {
			return false
		}
	}
	for path := range removes {
		if !b.sendRaw(fsdebounce.RawEvent{Name: path, Op: fsdebounce.Remove}) {
			return false
		}
	}
	return true
}
