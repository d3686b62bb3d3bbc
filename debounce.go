package fsdebounce

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mode selects how a Debounce's output channel behaves, per §6: Raw forwards
// events unchanged, Debounced does the full coalescing this package exists
// for, and DebouncedTx is a degenerate forwarder (notices and rescans only)
// for consumers that coalesce themselves.
type Mode int

const (
	ModeDebounced Mode = iota
	ModeRaw
	ModeDebouncedTx
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeDebouncedTx:
		return "debounced-tx"
	default:
		return "debounced"
	}
}

// Config is the caller-facing knob set: the quiet period and the output
// mode. No other state is persisted; the core is purely in-memory.
type Config struct {
	Delay time.Duration
	Mode  Mode
}

func (c Config) validate() error {
	if c.Delay <= 0 {
		return fmt.Errorf("fsdebounce: delay must be > 0, got %s", c.Delay)
	}
	return nil
}

// eventSink is the tagged-variant dispatch the design notes describe: one
// ingest operation per RawEvent whose behavior depends on the configured
// Mode, without every caller needing a type switch.
type eventSink interface {
	ingest(RawEvent)
}

// Debounce is the coalescer: it receives raw events, applies the
// state-transition rules, manages rename pairing, emits immediate notices,
// and (re)arms the WatchTimer. A Debounce must be created with New.
type Debounce struct {
	id  string
	cfg Config
	log zerolog.Logger

	out    chan<- DebouncedEvent
	closed chan struct{}
	once   sync.Once

	exists func(string) bool

	buffer *operationsBuffer
	timer  *watchTimer

	renameMu     sync.Mutex
	renamePath   string
	hasRenameSrc bool
	renameCookie uint32

	txMu    sync.Mutex
	txState map[string]*txEntry

	sink eventSink
}

type txEntry struct {
	noticedWrite  bool
	noticedRemove bool
}

// New creates a Debounce in the given mode, emitting onto out. Close must
// be called to stop the timer worker; it does not close out.
func New(cfg Config, out chan<- DebouncedEvent, log zerolog.Logger) (*Debounce, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	d := &Debounce{
		id:      id,
		cfg:     cfg,
		log:     log.With().Str("component", "debounce").Str("instance", id).Logger(),
		out:     out,
		closed:  make(chan struct{}),
		exists:  pathExists,
		buffer:  newOperationsBuffer(),
		txState: make(map[string]*txEntry),
	}

	switch cfg.Mode {
	case ModeRaw:
		d.sink = rawSink{d: d}
	case ModeDebouncedTx:
		d.sink = debouncedTxSink{d: d}
	default:
		d.timer = newWatchTimer(cfg.Delay, d.buffer, d.send)
		d.sink = debouncedSink{d: d}
	}
	return d, nil
}

// Close stops the timer worker (if any) and makes further sends no-ops.
// Pending entries are abandoned without flushing; drain explicitly before
// calling Close if that's required.
func (d *Debounce) Close() {
	d.once.Do(func() {
		close(d.closed)
		if d.timer != nil {
			d.timer.stop()
		}
	})
}

// Event ingests one raw event. Synchronous: it may mutate the buffer, emit
// immediate notices, and (re)arm the timer before returning.
func (d *Debounce) Event(ev RawEvent) {
	if ev.Err != nil {
		d.send(DebouncedEvent{Kind: EvError, Name: ev.Name, Err: ev.Err})
		return
	}
	d.sink.ingest(ev)
}

// send delivers e to the output channel, or drops it silently if the
// consumer has called Close. Emissions become no-ops after shutdown,
// per §7, rather than risking a send on a channel the caller may have
// closed from the other end.
func (d *Debounce) send(e DebouncedEvent) {
	select {
	case <-d.closed:
		return
	default:
	}
	select {
	case d.out <- e:
	case <-d.closed:
	}
}

func (d *Debounce) logImpossible(path string, incoming string, dom Op) {
	d.log.Warn().
		Str("path", path).
		Str("incoming", incoming).
		Str("dominant", dom.String()).
		Msg("fsdebounce: impossible state transition, skipping")
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ---- Debounced mode -------------------------------------------------

type debouncedSink struct{ d *Debounce }

func (s debouncedSink) ingest(ev RawEvent) { s.d.eventDebounced(ev) }

// eventDebounced is the full coalescer of §4.2.
func (d *Debounce) eventDebounced(ev RawEvent) {
	if ev.Op.Has(Rescan) {
		d.send(DebouncedEvent{Kind: EvRescan})
		return
	}

	d.renameMu.Lock()
	renameOpen := d.hasRenameSrc
	openPath := d.renamePath
	openCookie := d.renameCookie
	d.renameMu.Unlock()

	if renameOpen {
		if ev.Name != "" && ev.Op.Has(Rename) && ev.Cookie != 0 && ev.Cookie == openCookie {
			d.completeRename(openPath, ev.Name)
			return
		}
		d.reconcilePartialRename(openPath)
	}

	// A raw event with no path and a non-rescan op is silently ignored;
	// the reference source does the same (see Open Questions). It still
	// breaks an open rename pair above, since reconciliation only needs
	// the existing state, not this event's path.
	if ev.Name == "" {
		return
	}

	op := d.filterRedundant(ev.Name, ev.Op)
	for _, bit := range [...]Op{Create, Write, Chmod, Rename, Remove} {
		if op.Has(bit) {
			d.transition(ev.Name, bit, ev.Cookie)
		}
	}
}

// filterRedundant implements the redundancy filtering rules: bits that a
// still-pending entry already makes moot are cleared before dispatch, and a
// single event carrying both Create and Remove against a fresh path is
// disambiguated with one existence check.
func (d *Debounce) filterRedundant(path string, op Op) Op {
	entry, existed := d.buffer.peek(path)
	if !existed {
		if op.Has(Create) && op.Has(Remove) {
			if d.exists(path) {
				op &^= Remove
			} else {
				op &^= Create
			}
		}
		return op
	}

	prev := entry.dominant
	switch prev {
	case Create, Write, Chmod, Rename:
		op &^= Create
	case Remove:
		op &^= Remove
	}
	if prev == Rename && op&^Rename != 0 {
		op &^= Rename
	}
	return op
}

// applyAndRearm mutates the entry for path with f, then cancels whatever
// timer it had and arms a fresh one. The cancel-then-schedule sequence
// invariant (1) requires.
func (d *Debounce) applyAndRearm(path string, f func(e *pendingEntry, existed bool)) {
	var oldID uint64
	var hadTimer bool
	d.buffer.mutate(path, func(e *pendingEntry, existed bool) bool {
		hadTimer, oldID = e.hasTimer, e.timerID
		f(e, existed)
		return false
	})
	if hadTimer {
		d.timer.ignore(oldID)
	}
	newID := d.timer.schedule(path)
	d.buffer.setTimer(path, newID)
}

// dropEntry cancels path's timer (if any) and discards its buffer slot
// without emitting anything: the Create-then-Remove collapse.
func (d *Debounce) dropEntry(path string) {
	e, ok := d.buffer.remove(path)
	if ok && e.hasTimer {
		d.timer.ignore(e.timerID)
	}
	d.renameMu.Lock()
	if d.hasRenameSrc && d.renamePath == path {
		d.hasRenameSrc = false
		d.renamePath = ""
	}
	d.renameMu.Unlock()
}

// transition applies the per-bit table of §4.2 to the entry at path.
func (d *Debounce) transition(path string, bit Op, cookie uint32) {
	switch bit {
	case Create:
		d.transitionCreate(path)
	case Write:
		d.transitionWrite(path)
	case Chmod:
		d.transitionChmod(path)
	case Rename:
		d.transitionRename(path, cookie)
	case Remove:
		d.transitionRemove(path)
	}
}

func (d *Debounce) transitionCreate(path string) {
	impossible := false
	d.applyAndRearm(path, func(e *pendingEntry, existed bool) {
		if !existed {
			e.dominant, e.hasDominant = Create, true
			return
		}
		if e.dominant == Remove {
			e.dominant = Write
			return
		}
		impossible = true
	})
	if impossible {
		entry, _ := d.buffer.peek(path)
		d.logImpossible(path, "CREATE", entry.dominant)
	}
}

func (d *Debounce) transitionWrite(path string) {
	notice := false
	impossible := false
	d.applyAndRearm(path, func(e *pendingEntry, existed bool) {
		if !existed {
			e.dominant, e.hasDominant = Write, true
			notice = true
			return
		}
		switch e.dominant {
		case Create, Write:
			// keep
		case Chmod, Rename:
			e.dominant = Write
			notice = true
		case Remove:
			impossible = true
		}
	})
	if impossible {
		entry, _ := d.buffer.peek(path)
		d.logImpossible(path, "WRITE", entry.dominant)
		return
	}
	if notice {
		d.send(DebouncedEvent{Kind: NoticeWrite, Name: path})
	}
}

func (d *Debounce) transitionChmod(path string) {
	impossible := false
	d.applyAndRearm(path, func(e *pendingEntry, existed bool) {
		if !existed {
			e.dominant, e.hasDominant = Chmod, true
			return
		}
		switch e.dominant {
		case Create, Write, Chmod:
			// keep
		case Rename:
			e.dominant = Chmod
		case Remove:
			impossible = true
		}
	})
	if impossible {
		entry, _ := d.buffer.peek(path)
		d.logImpossible(path, "CHMOD", entry.dominant)
	}
}

// transitionRename applies the RENAME column and, unless the transition was
// impossible, (re)establishes this path as the open rename source. See
// DESIGN.md for why this happens regardless of the resulting dominant
// (the per-bit table and the second-half merge step are authoritative over
// the summary invariant that the source's dominant is always Rename).
func (d *Debounce) transitionRename(path string, cookie uint32) {
	notice := false
	impossible := false
	d.applyAndRearm(path, func(e *pendingEntry, existed bool) {
		if !existed {
			e.dominant, e.hasDominant = Rename, true
			notice = true
			return
		}
		switch e.dominant {
		case Create:
			// keep CREATE, no notice: never externally visible yet.
		case Write, Chmod:
			notice = true
		case Rename:
			// This path is being established as a *new* pending-rename
			// source. Any redelivery of the still-open pairing is
			// already intercepted as a second-half completion above
			// (eventDebounced), so reaching here with dom already
			// RENAME means a previous pairing just closed and a fresh
			// one is opening on the same path (a chained rename), which
			// deserves its own notice, same as the first hop.
			notice = true
		case Remove:
			impossible = true
		}
	})
	if impossible {
		entry, _ := d.buffer.peek(path)
		d.logImpossible(path, "RENAME", entry.dominant)
		return
	}

	d.renameMu.Lock()
	d.renamePath, d.hasRenameSrc, d.renameCookie = path, true, cookie
	d.renameMu.Unlock()

	if notice {
		d.send(DebouncedEvent{Kind: NoticeRemove, Name: path})
	}
}

func (d *Debounce) transitionRemove(path string) {
	entry, existed := d.buffer.peek(path)
	if existed && entry.dominant == Create {
		d.dropEntry(path)
		return
	}
	if existed && entry.dominant == Remove {
		return // no-op: already terminal, don't even rearm.
	}

	notice := false
	d.applyAndRearm(path, func(e *pendingEntry, existed bool) {
		if !existed {
			e.dominant, e.hasDominant = Remove, true
			notice = true
			return
		}
		switch e.dominant {
		case Write, Chmod:
			e.dominant = Remove
			notice = true
		case Rename:
			e.dominant = Remove
		}
	})
	if notice {
		d.send(DebouncedEvent{Kind: NoticeRemove, Name: path})
	}
}

// completeRename is the "second half": src is removed from the buffer and
// merged into (a possibly fresh) entry at dest.
func (d *Debounce) completeRename(src, dest string) {
	d.renameMu.Lock()
	d.hasRenameSrc = false
	d.renamePath = ""
	d.renameMu.Unlock()

	srcEntry, ok := d.buffer.remove(src)
	if !ok {
		return
	}
	if srcEntry.hasTimer {
		d.timer.ignore(srcEntry.timerID)
	}

	useFrom, hasFrom := srcEntry.renameFrom, srcEntry.hasRenameFrom
	if !hasFrom {
		useFrom, hasFrom = src, true
	}

	switch srcEntry.dominant {
	case Create:
		d.mergeIntoDest(dest, Create, "", false)
	case Write, Chmod, Rename:
		d.mergeIntoDest(dest, srcEntry.dominant, useFrom, hasFrom)
	case Remove:
		d.logImpossible(dest, "RENAME second-half merge", Remove)
	}
}

func (d *Debounce) mergeIntoDest(path string, dominant Op, renameFrom string, hasFrom bool) {
	d.applyAndRearm(path, func(e *pendingEntry, existed bool) {
		e.dominant, e.hasDominant = dominant, true
		e.renameFrom, e.hasRenameFrom = renameFrom, hasFrom
	})
}

// reconcilePartialRename handles a broken rename pair: the open source
// never saw its matching second half before some other event intervened.
func (d *Debounce) reconcilePartialRename(src string) {
	d.renameMu.Lock()
	d.hasRenameSrc = false
	d.renamePath = ""
	d.renameMu.Unlock()

	entry, ok := d.buffer.peek(src)
	if !ok {
		return
	}

	if d.exists(src) {
		dominant := Create
		if entry.hasRenameFrom {
			dominant = Write
		}
		d.applyAndRearm(src, func(e *pendingEntry, existed bool) {
			e.dominant, e.hasDominant = dominant, true
			e.renameFrom, e.hasRenameFrom = "", false
		})
		return
	}

	switch entry.dominant {
	case Create:
		d.dropEntry(src)
	case Write, Chmod:
		// The rename's first half already sent NoticeRemove for this
		// WRITE/CHMOD entry, so the promotion is silent.
		d.applyAndRearm(src, func(e *pendingEntry, existed bool) {
			e.dominant, e.hasDominant = Remove, true
			e.renameFrom, e.hasRenameFrom = "", false
		})
	case Rename:
		d.applyAndRearm(src, func(e *pendingEntry, existed bool) {
			e.dominant, e.hasDominant = Remove, true
			e.renameFrom, e.hasRenameFrom = "", false
		})
	}
}

// ---- Raw mode ---------------------------------------------------------

// rawSink forwards every bit of a raw event unchanged: no coalescing, no
// rename pairing, no notices.
type rawSink struct{ d *Debounce }

func (s rawSink) ingest(ev RawEvent) {
	if ev.Op.Has(Rescan) {
		s.d.send(DebouncedEvent{Kind: EvRescan})
		return
	}
	for _, bit := range [...]struct {
		op   Op
		kind Kind
	}{
		{Create, EvCreate},
		{Write, EvWrite},
		{Chmod, EvChmod},
		{Rename, EvRename},
		{Remove, EvRemove},
	} {
		if ev.Op.Has(bit.op) {
			s.d.send(DebouncedEvent{Kind: bit.kind, Name: ev.Name})
		}
	}
}

// ---- DebouncedTx mode ---------------------------------------------------

// debouncedTxSink is the degenerate forwarder: notices and rescans only, no
// coalesced queue, for a consumer that does its own coalescing.
type debouncedTxSink struct{ d *Debounce }

func (s debouncedTxSink) ingest(ev RawEvent) { s.d.eventTx(ev) }

func (d *Debounce) eventTx(ev RawEvent) {
	if ev.Op.Has(Rescan) {
		d.send(DebouncedEvent{Kind: EvRescan})
		return
	}
	if ev.Name == "" {
		return
	}

	d.txMu.Lock()
	e, ok := d.txState[ev.Name]
	if !ok {
		e = &txEntry{}
		d.txState[ev.Name] = e
	}
	if ev.Op.Has(Create) {
		e.noticedWrite, e.noticedRemove = false, false
	}
	fireWrite := ev.Op.Has(Write) && !e.noticedWrite && !e.noticedRemove
	fireRemove := (ev.Op.Has(Remove) || ev.Op.Has(Rename)) && !e.noticedRemove
	if fireWrite {
		e.noticedWrite = true
	}
	if fireRemove {
		e.noticedRemove = true
	}
	d.txMu.Unlock()

	if fireWrite {
		d.send(DebouncedEvent{Kind: NoticeWrite, Name: ev.Name})
	}
	if fireRemove {
		d.send(DebouncedEvent{Kind: NoticeRemove, Name: ev.Name})
	}
}
