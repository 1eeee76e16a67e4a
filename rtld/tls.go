package rtld

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoTLS reports a TLS module id that was never registered.
var ErrNoTLS = errors.New("rtld: no TLS module with this id")

// TLSIndex is the argument block the compiler emits for __tls_get_addr. Its
// two-word layout must not change.
type TLSIndex struct {
	Module uintptr
	Offset uintptr
}

// Thread control block layout (tcbhead_t): the thread pointer points at the
// TCB, whose second word holds the DTV pointer.
const dtvSlot = ptrSize

// Each DTV entry is {val, toFree}. The stored DTV pointer addresses entry 0,
// which holds the generation; entry -1 holds the number of module slots and
// module id i lives in entry i.
const (
	dtvEntrySize = 2 * ptrSize
	dtvSurplus   = 14
)

// TLS owns the process TLS directory and per-thread TCB/DTV storage. One
// RWMutex covers both: thread setup and teardown take it shared, directory
// mutation takes it exclusively.
type TLS struct {
	mu    sync.RWMutex
	log   *zap.Logger
	alloc Allocator
	fatal func(string, ...zap.Field)

	tcbSize     uintptr
	byID        map[uintptr]*TLSDesc
	statics     []*TLSDesc
	nextID      uintptr
	generation  uintptr
	staticSize  uintptr
	staticAlign uintptr

	// tcbs maps a TCB we allocated to the base of its backing block.
	tcbs sync.Map
}

func newTLS(cfg *Config, fatal func(string, ...zap.Field)) *TLS {
	return &TLS{
		log:         cfg.Logger,
		alloc:       cfg.Allocator,
		fatal:       fatal,
		tcbSize:     cfg.TCBSize,
		byID:        make(map[uintptr]*TLSDesc),
		staticAlign: 1,
	}
}

// StaticLayout computes the static TLS area for descs laid out below the
// thread pointer, plus the thread descriptor overhead. The size is at least
// the sum of every block rounded up to its alignment; the alignment is the
// largest one required.
func StaticLayout(descs []*TLSDesc, overhead uintptr) (size, align uintptr) {
	tlsSize, align := layout(descs, false)
	return alignUp(tlsSize, align) + overhead, align
}

func layout(descs []*TLSDesc, assign bool) (size, align uintptr) {
	align = 1
	for _, d := range descs {
		a := d.Align
		if a == 0 {
			a = 1
		}
		size += alignUp(d.Size, a)
		size = alignUp(size, a)
		if assign {
			d.Offset = size
			d.Static = true
		}
		if a > align {
			align = a
		}
	}
	return size, align
}

// Register assigns TLS module ids to every module with a TLS segment that has
// none yet. With static set, their blocks also join the static area that
// tcbInit materializes for new threads; otherwise they are only reachable
// through the slow path.
func (t *TLS) Register(modules []*Module, static bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for _, m := range modules {
		if m == nil || m.TLS == nil || m.TLS.ID != 0 {
			continue
		}
		t.nextID++
		m.TLS.ID = t.nextID
		m.TLS.name = m.Name
		t.byID[m.TLS.ID] = m.TLS
		if static {
			t.statics = append(t.statics, m.TLS)
		}
		changed = true
		t.log.Debug("tls register",
			zap.String("file", m.Name),
			zap.Uintptr("id", m.TLS.ID),
			zap.Uintptr("size", m.TLS.Size),
			zap.Bool("static", static))
	}
	if !changed {
		return
	}
	t.generation++
	if static {
		t.staticSize, t.staticAlign = layout(t.statics, true)
	}
}

// StaticInfo reports what _dl_get_tls_static_info returns: the total size of a
// thread's static TLS area including the thread descriptor, and its alignment.
func (t *TLS) StaticInfo() (size, align uintptr) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return alignUp(t.staticSize, t.staticAlign) + t.tcbSize, t.staticAlign
}

// Lookup returns the registered descriptor for a module id.
func (t *TLS) Lookup(id uintptr) (*TLSDesc, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("module id %d: %w", id, ErrNoTLS)
	}
	return d, nil
}

// Generation counts directory changes.
func (t *TLS) Generation() uintptr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}
