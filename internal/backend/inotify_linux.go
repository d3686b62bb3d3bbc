//go:build linux && !appengine

package backend

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/fsnotify/fsdebounce"
)

// watch records a single inotify watch descriptor.
type watch struct {
	wd      uint32
	path    string
	flags   uint32
	recurse bool
}

// watches is the path<->wd bookkeeping inotifyBackend needs: a small
// mutex-guarded pair of maps, without any withOpts/AddWith machinery
// this repo's Backend interface doesn't need.
type watches struct {
	mu   sync.RWMutex
	wd   map[uint32]*watch
	path map[string]uint32
}

func newWatches() *watches {
	return &watches{wd: make(map[uint32]*watch), path: make(map[string]uint32)}
}

func (w *watches) add(ww *watch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wd[ww.wd] = ww
	w.path[ww.path] = ww.wd
}

func (w *watches) remove(wd uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ww, ok := w.wd[wd]; ok {
		delete(w.path, ww.path)
		delete(w.wd, wd)
	}
}

func (w *watches) removePath(path string) (uint32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wd, ok := w.path[path]
	if !ok {
		return 0, false
	}
	delete(w.path, path)
	delete(w.wd, wd)
	return wd, true
}

func (w *watches) byWd(wd uint32) *watch {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.wd[wd]
}

// inotifyBackend is the Linux Backend. It deliberately reports both
// halves of a rename (IN_MOVED_FROM and IN_MOVED_TO) as fsdebounce.Rename
// with the kernel's cookie attached, rather than pre-correlating them
// the way a higher-level watcher might: correlation is
// fsdebounce.Debounce's job, so the backend must not do it twice.
type inotifyBackend struct {
	id  string
	log zerolog.Logger

	fd   int
	file *os.File

	watches *watches

	events chan fsdebounce.RawEvent

	closeOnce sync.Once
	done      chan struct{}
	doneResp  chan struct{}
}

// New opens an inotify file descriptor and starts the read loop.
func New(log zerolog.Logger) (Backend, error) {
	fd, errno := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if fd == -1 {
		return nil, fmt.Errorf("backend: inotify_init1: %w", errno)
	}

	id := uuid.NewString()
	b := &inotifyBackend{
		id:       id,
		log:      log.With().Str("component", "backend.inotify").Str("instance", id).Logger(),
		fd:       fd,
		file:     os.NewFile(uintptr(fd), ""),
		watches:  newWatches(),
		events:   make(chan fsdebounce.RawEvent),
		done:     make(chan struct{}),
		doneResp: make(chan struct{}),
	}
	go b.run()
	return b, nil
}

func (b *inotifyBackend) Events() <-chan fsdebounce.RawEvent { return b.events }

func (b *inotifyBackend) Add(path string, recursive bool) error {
	if b.isClosed() {
		return fmt.Errorf("backend: closed")
	}
	if !recursive {
		return b.addOne(path, recursive)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return b.addOne(p, true)
	})
}

func (b *inotifyBackend) addOne(path string, recurse bool) error {
	const mask = unix.IN_CREATE | unix.IN_MODIFY | unix.IN_DELETE | unix.IN_DELETE_SELF |
		unix.IN_MOVED_TO | unix.IN_MOVED_FROM | unix.IN_MOVE_SELF | unix.IN_ATTRIB

	wd, err := unix.InotifyAddWatch(b.fd, path, mask)
	if wd == -1 {
		return fmt.Errorf("backend: add %q: %w", path, err)
	}
	b.watches.add(&watch{wd: uint32(wd), path: path, flags: mask, recurse: recurse})
	b.log.Debug().Str("path", path).Bool("recursive", recurse).Msg("watch added")
	return nil
}

func (b *inotifyBackend) Remove(path string) error {
	if b.isClosed() {
		return nil
	}
	wd, ok := b.watches.removePath(path)
	if !ok {
		return nil
	}
	_, err := unix.InotifyRmWatch(b.fd, wd)
	return err
}

func (b *inotifyBackend) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *inotifyBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.file.Close()
		<-b.doneResp
	})
	return err
}

func (b *inotifyBackend) sendRaw(ev fsdebounce.RawEvent) bool {
	select {
	case <-b.done:
		return false
	case b.events <- ev:
		return true
	}
}

// run reads raw inotify_event structs off the fd and translates them
// into fsdebounce.RawEvent, the same buffer-walking shape as the
// teacher's readEvents but emitting the core's own wire type.
func (b *inotifyBackend) run() {
	defer func() {
		close(b.doneResp)
		close(b.events)
	}()

	var buf [unix.SizeofInotifyEvent * 4096]byte
	for {
		if b.isClosed() {
			return
		}

		n, err := b.file.Read(buf[:])
		switch {
		case errors.Unwrap(err) == os.ErrClosed:
			return
		case err != nil:
			if !b.sendRaw(fsdebounce.RawEvent{Err: fmt.Errorf("backend: read: %w", err)}) {
				return
			}
			continue
		}
		if n < unix.SizeofInotifyEvent {
			if !b.sendRaw(fsdebounce.RawEvent{Err: io.ErrUnexpectedEOF}) {
				return
			}
			continue
		}

		var offset uint32
		for offset <= uint32(n-unix.SizeofInotifyEvent) {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			mask := uint32(raw.Mask)
			nameLen := uint32(raw.Len)
			next := func() { offset += unix.SizeofInotifyEvent + nameLen }

			if mask&unix.IN_Q_OVERFLOW != 0 {
				if !b.sendRaw(fsdebounce.RawEvent{Op: fsdebounce.Rescan}) {
					return
				}
			}
			if mask&unix.IN_IGNORED != 0 {
				next()
				continue
			}

			ww := b.watches.byWd(uint32(raw.Wd))
			var name string
			if ww != nil {
				name = ww.path
			}
			if nameLen > 0 {
				bytes := (*[unix.PathMax]byte)(unsafe.Pointer(&buf[offset+unix.SizeofInotifyEvent]))[:nameLen:nameLen]
				name = filepath.Join(name, strings.TrimRight(string(bytes), "\x00"))
			}

			if ww != nil && mask&unix.IN_DELETE_SELF != 0 {
				b.watches.remove(ww.wd)
			}
			if ww != nil && mask&unix.IN_MOVE_SELF != 0 && !ww.recurse {
				b.watches.remove(ww.wd)
			}

			op, cookie := b.toOp(mask, raw.Cookie)
			if op != 0 {
				if !b.sendRaw(fsdebounce.RawEvent{Name: name, Op: op, Cookie: cookie}) {
					return
				}
			}

			// New directory created under a recursive watch: start
			// watching it too.
			if ww != nil && ww.recurse && mask&unix.IN_ISDIR != 0 && mask&unix.IN_CREATE != 0 {
				if err := b.addOne(name, true); err != nil {
					b.log.Warn().Err(err).Str("path", name).Msg("failed to add watch for new subdirectory")
				}
			}

			next()
		}
	}
}

// toOp maps an inotify mask to this package's Op bits. Both halves of a
// rename map to Rename with the cookie preserved; see the type doc.
func (b *inotifyBackend) toOp(mask, cookie uint32) (fsdebounce.Op, uint32) {
	var op fsdebounce.Op
	if mask&unix.IN_CREATE != 0 {
		op |= fsdebounce.Create
	}
	if mask&(unix.IN_DELETE|unix.IN_DELETE_SELF) != 0 {
		op |= fsdebounce.Remove
	}
	if mask&unix.IN_MODIFY != 0 {
		op |= fsdebounce.Write
	}
	if mask&unix.IN_ATTRIB != 0 {
		op |= fsdebounce.Chmod
	}
	if mask&(unix.IN_MOVED_FROM|unix.IN_MOVED_TO|unix.IN_MOVE_SELF) != 0 {
		op |= fsdebounce.Rename
		return op, cookie
	}
	return op, 0
}
