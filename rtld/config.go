package rtld

import (
	"debug/elf"
	"errors"
	"runtime"

	"go.uber.org/zap"
)

// ErrUnsupported reports a platform without a native invoker, patcher or
// thread pointer.
var ErrUnsupported = errors.New("rtld: unsupported os/architecture")

// Invoker calls foreign module entry points. Constructors receive
// (argc, argv, envp); destructors receive nothing.
type Invoker interface {
	CallInit(fn uintptr, argc int, argv, envp uintptr)
	CallFini(fn uintptr)
}

// CodePatcher rewrites the code at target so that it jumps to replacement.
// sizeHint bounds how many bytes at target may be overwritten.
type CodePatcher interface {
	Redirect(target, replacement, sizeHint uintptr) bool
}

// SymbolFinder looks a symbol up in one module only, never in its
// dependencies.
type SymbolFinder interface {
	LookupLocal(m *Module, name string) (elf.Symbol, bool)
}

// Hooks are the replacement entry points the C library's internal loader
// calls are redirected to. A zero hook leaves that entry point alone.
type Hooks struct {
	DlAddr     uintptr
	DlopenMode uintptr
	Dlclose    uintptr
	Dlsym      uintptr
}

type Config struct {
	Logger        *zap.Logger
	Allocator     Allocator
	Invoker       Invoker
	Patcher       CodePatcher
	Symbols       SymbolFinder
	ThreadPointer func() uintptr
	Hooks         Hooks

	// TCBSize is the thread descriptor placed above the static TLS area and
	// counted in the size reported to the thread library.
	TCBSize uintptr

	RTLDGlobalSize   uintptr
	RTLDGlobalROSize uintptr
	PageSizeOffset   uintptr
	ClkTckOffset     uintptr

	// ClockTick is stored in _rtld_global_ro at startup (sysconf(_SC_CLK_TCK)).
	ClockTick int
	// StackEnd is published as __libc_stack_end. Zero reads the start of the
	// main stack from /proc/self/stat.
	StackEnd uintptr
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = Logger()
	}
	if cfg.Allocator == nil {
		cfg.Allocator = defaultAllocator()
	}
	if cfg.Invoker == nil {
		cfg.Invoker = defaultInvoker()
	}
	if cfg.Patcher == nil {
		cfg.Patcher = defaultPatcher()
	}
	if cfg.Symbols == nil {
		cfg.Symbols = NewELFSymbols()
	}
	if cfg.ThreadPointer == nil {
		cfg.ThreadPointer = defaultThreadPointer()
	}
	if cfg.TCBSize == 0 {
		cfg.TCBSize = defaultTCBSize()
	}
	if cfg.RTLDGlobalSize == 0 {
		cfg.RTLDGlobalSize = 4096
	}
	if cfg.RTLDGlobalROSize == 0 {
		cfg.RTLDGlobalROSize = 1024
	}
	if cfg.ClockTick == 0 {
		// USER_HZ on every linux architecture
		cfg.ClockTick = 100
	}
	if cfg.PageSizeOffset == 0 && cfg.ClkTckOffset == 0 {
		cfg.PageSizeOffset = 0x18
		cfg.ClkTckOffset = 0x38
	}
	return cfg
}

// defaultTCBSize approximates sizeof(struct pthread) for the C library.
func defaultTCBSize() uintptr {
	if runtime.GOARCH == "386" {
		return 1216
	}
	return 2304
}
