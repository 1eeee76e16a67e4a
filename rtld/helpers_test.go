package rtld

import (
	"debug/elf"
	"testing"
	"unsafe"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

type invocation struct {
	fn   uintptr
	argc int
	argv uintptr
	envp uintptr
	fini bool
}

type recordingInvoker struct {
	calls []invocation
}

func (r *recordingInvoker) CallInit(fn uintptr, argc int, argv, envp uintptr) {
	r.calls = append(r.calls, invocation{fn: fn, argc: argc, argv: argv, envp: envp})
}

func (r *recordingInvoker) CallFini(fn uintptr) {
	r.calls = append(r.calls, invocation{fn: fn, fini: true})
}

func (r *recordingInvoker) fns() []uintptr {
	out := make([]uintptr, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.fn)
	}
	return out
}

type redirect struct {
	target, replacement, sizeHint uintptr
}

type recordingPatcher struct {
	fail      map[uintptr]bool
	redirects []redirect
}

func (p *recordingPatcher) Redirect(target, replacement, sizeHint uintptr) bool {
	p.redirects = append(p.redirects, redirect{target, replacement, sizeHint})
	return !p.fail[target]
}

// fakeSymbols maps module name -> symbol name -> symbol.
type fakeSymbols map[string]map[string]elf.Symbol

func (f fakeSymbols) LookupLocal(m *Module, name string) (elf.Symbol, bool) {
	sym, ok := f[m.Name][name]
	return sym, ok
}

// panicLogger turns fatal log entries into panics so tests can observe them.
func panicLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.WrapOptions(zap.WithFatalHook(zapcore.WriteThenPanic)))
}

func requireFatal(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a fatal error")
		}
	}()
	fn()
}

func newTestRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = panicLogger(t)
	}
	if cfg.Allocator == nil {
		cfg.Allocator = NewHeapAllocator()
	}
	if cfg.Invoker == nil {
		cfg.Invoker = &recordingInvoker{}
	}
	if cfg.Patcher == nil {
		cfg.Patcher = &recordingPatcher{}
	}
	if cfg.Symbols == nil {
		cfg.Symbols = fakeSymbols{}
	}
	if cfg.TCBSize == 0 {
		cfg.TCBSize = 256
	}
	rt, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt
}

// arrays keeps function-pointer arrays referenced by module dynamic tags
// alive for the duration of a test.
type arrays struct {
	keep [][]uintptr
}

func (a *arrays) addr(fns []uintptr) uint64 {
	arr := append([]uintptr(nil), fns...)
	a.keep = append(a.keep, arr)
	return uint64(uintptr(unsafe.Pointer(&arr[0])))
}

type lifecycleFns struct {
	init      uintptr
	initArray []uintptr
	fini      uintptr
	finiArray []uintptr
}

func (a *arrays) module(name string, fns lifecycleFns) *Module {
	dyn := make(map[elf.DynTag]uint64)
	if fns.init != 0 {
		dyn[elf.DT_INIT] = uint64(fns.init)
	}
	if fns.fini != 0 {
		dyn[elf.DT_FINI] = uint64(fns.fini)
	}
	if len(fns.initArray) > 0 {
		dyn[elf.DT_INIT_ARRAY] = a.addr(fns.initArray)
		dyn[elf.DT_INIT_ARRAYSZ] = uint64(uintptr(len(fns.initArray)) * ptrSize)
	}
	if len(fns.finiArray) > 0 {
		dyn[elf.DT_FINI_ARRAY] = a.addr(fns.finiArray)
		dyn[elf.DT_FINI_ARRAYSZ] = uint64(uintptr(len(fns.finiArray)) * ptrSize)
	}
	return NewModule(name, 0, dyn)
}

func moduleNamesOf(modules []*Module) []string {
	return moduleNames(modules)
}
