package drow_test

import (
	"debug/elf"
	"errors"
	"os"
	"slices"
	"testing"
	"unsafe"

	drow "github.com/jtracey/drow-loader"
	"github.com/jtracey/drow-loader/rtld"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

type event struct {
	kind string
	fn   uintptr
}

type recorder struct {
	events []event
}

func (r *recorder) CallInit(fn uintptr, argc int, argv, envp uintptr) {
	r.events = append(r.events, event{"init", fn})
}

func (r *recorder) CallFini(fn uintptr) {
	r.events = append(r.events, event{"fini", fn})
}

func (r *recorder) Redirect(target, replacement, sizeHint uintptr) bool {
	r.events = append(r.events, event{"patch", target})
	return true
}

type symbols map[string]uintptr

func (s symbols) LookupLocal(m *rtld.Module, name string) (elf.Symbol, bool) {
	if name != "__libc_dlsym" {
		return elf.Symbol{}, false
	}
	v, ok := s[m.Name]
	return elf.Symbol{Name: name, Value: uint64(v)}, ok
}

type fixture struct {
	keep [][]uintptr
}

func (f *fixture) module(name string, initFn, finiFn uintptr) *rtld.Module {
	initArr := []uintptr{initFn}
	finiArr := []uintptr{finiFn}
	f.keep = append(f.keep, initArr, finiArr)
	return rtld.NewModule(name, 0, map[elf.DynTag]uint64{
		elf.DT_INIT_ARRAY:   uint64(uintptr(unsafe.Pointer(&initArr[0]))),
		elf.DT_INIT_ARRAYSZ: uint64(unsafe.Sizeof(uintptr(0))),
		elf.DT_FINI_ARRAY:   uint64(uintptr(unsafe.Pointer(&finiArr[0]))),
		elf.DT_FINI_ARRAYSZ: uint64(unsafe.Sizeof(uintptr(0))),
	})
}

func newLoader(t *testing.T, rec *recorder) *drow.Loader {
	t.Helper()
	loader, err := drow.New(rtld.Config{
		Logger:        zaptest.NewLogger(t, zaptest.WrapOptions(zap.WithFatalHook(zapcore.WriteThenPanic))),
		Allocator:     rtld.NewHeapAllocator(),
		Invoker:       rec,
		Patcher:       rec,
		Symbols:       symbols{"libc.so.6": 0x4000},
		ThreadPointer: func() uintptr { return 0 },
		Hooks:         rtld.Hooks{Dlsym: 0xd0},
		TCBSize:       0x100,
		StackEnd:      0x7ffc1000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return loader
}

func TestLoaderStartupAndShutdown(t *testing.T) {
	var fx fixture
	rec := &recorder{}
	loader := newLoader(t, rec)

	exe := fx.module("prog", 0xe1, 0xe2)
	exe.IsExecutable = true
	libc := fx.module("libc.so.6", 0xc1, 0xc2)
	libfoo := fx.module("libfoo.so", 0xf1, 0xf2)
	exe.Deps = []*rtld.Module{libfoo, libc}
	libfoo.Deps = []*rtld.Module{libc}

	ctx, err := drow.CaptureExecContext(loader.Runtime().Allocator())
	if err != nil {
		t.Fatalf("CaptureExecContext: %v", err)
	}
	state := loader.Runtime().State
	if !state.IsStartingUp() {
		t.Fatalf("runtime not starting up before Start")
	}
	if err := loader.Start([]*rtld.Module{exe, libfoo, libc}, ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if state.IsStartingUp() || state.Argv != ctx.Argv {
		t.Fatalf("process state not published after Start")
	}
	if libfoo.Context != ctx {
		t.Fatalf("module context not set")
	}
	ro, _ := state.RTLDGlobalRO()
	if got := *(*int32)(unsafe.Pointer(ro + 0x18)); int(got) != os.Getpagesize() {
		t.Fatalf("_rtld_global_ro page size = %d, want %d", got, os.Getpagesize())
	}
	if got := *(*int32)(unsafe.Pointer(ro + 0x38)); got != 100 {
		t.Fatalf("_rtld_global_ro clock tick = %d, want 100", got)
	}
	if state.StackEnd != 0x7ffc1000 {
		t.Fatalf("__libc_stack_end = %#x after Start", state.StackEnd)
	}
	if rtld.Installed() != loader.Runtime() {
		t.Fatalf("runtime not installed for the C entry points")
	}

	want := []event{
		{"patch", 0x4000},
		{"init", 0xc1},
		{"init", 0xf1},
	}
	if !slices.Equal(rec.events, want) {
		t.Fatalf("startup events = %v, want %v", rec.events, want)
	}
	if err := loader.Start(nil, ctx); err == nil {
		t.Fatalf("second Start succeeded")
	}

	rec.events = nil
	if err := loader.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if want := []event{{"fini", 0xe2}, {"fini", 0xf2}, {"fini", 0xc2}}; !slices.Equal(rec.events, want) {
		t.Fatalf("shutdown events = %v, want %v", rec.events, want)
	}
	if err := loader.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := loader.Load(nil); !errors.Is(err, drow.ErrLoaderClosed) {
		t.Fatalf("Load after Close = %v, want ErrLoaderClosed", err)
	}
	if err := loader.Unload(nil); !errors.Is(err, drow.ErrLoaderClosed) {
		t.Fatalf("Unload after Close = %v, want ErrLoaderClosed", err)
	}
}

func TestLoaderLoadUnload(t *testing.T) {
	var fx fixture
	rec := &recorder{}
	loader := newLoader(t, rec)

	libc := fx.module("libc.so.6", 0xc1, 0xc2)
	if err := loader.Start([]*rtld.Module{libc}, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	plugin := fx.module("plugin.so", 0xa1, 0xa2)
	plugin.Deps = []*rtld.Module{libc}
	plugin.TLS = &rtld.TLSDesc{Size: 16, Align: 16}

	rec.events = nil
	if err := loader.Load([]*rtld.Module{plugin}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := []event{{"init", 0xa1}}; !slices.Equal(rec.events, want) {
		t.Fatalf("load events = %v, want %v", rec.events, want)
	}
	if plugin.TLS.ID == 0 || plugin.TLS.Static {
		t.Fatalf("late module TLS = %+v, want a dynamic registration", *plugin.TLS)
	}

	rec.events = nil
	if err := loader.Unload([]*rtld.Module{plugin}); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if want := []event{{"fini", 0xa2}, {"fini", 0xc2}}; !slices.Equal(rec.events, want) {
		t.Fatalf("unload events = %v, want %v", rec.events, want)
	}

	rec.events = nil
	if err := loader.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatalf("Close re-ran destructors: %v", rec.events)
	}
}
