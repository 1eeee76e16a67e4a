package rtld

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Runtime is the process-wide loader state: ABI globals, the TLS directory,
// the lifecycle manager and the interceptor. There is one per process and it
// is never torn down.
type Runtime struct {
	log           *zap.Logger
	alloc         Allocator
	threadPointer func() uintptr
	clockTick     int
	stackEnd      uintptr

	State       *ProcessState
	TLS         *TLS
	Lifecycle   *Lifecycle
	Interceptor *Interceptor

	mu      sync.RWMutex
	modules ModuleList
}

func New(cfg Config) (*Runtime, error) {
	cfg = cfg.withDefaults()

	r := &Runtime{
		log:           cfg.Logger,
		alloc:         cfg.Allocator,
		threadPointer: cfg.ThreadPointer,
		clockTick:     cfg.ClockTick,
		stackEnd:      cfg.StackEnd,
	}
	state, err := newProcessState(&cfg)
	if err != nil {
		return nil, err
	}
	r.State = state
	r.TLS = newTLS(&cfg, r.fatal)
	r.Lifecycle = &Lifecycle{
		log:     cfg.Logger,
		invoker: cfg.Invoker,
		state:   state,
		fatal:   r.fatal,
	}
	r.Interceptor = newInterceptor(&cfg, r.fatal)
	return r, nil
}

// fatal logs at fatal level. Unless the logger was built with a different
// fatal hook, this ends the process.
func (r *Runtime) fatal(msg string, fields ...zap.Field) {
	r.log.Fatal(msg, fields...)
}

// InitProcess publishes the process globals the C library reads during
// startup: page size and clock tick in _rtld_global_ro and __libc_stack_end.
// It must run before any module code.
func (r *Runtime) InitProcess() error {
	if err := r.State.Initialize(r.clockTick); err != nil {
		return fmt.Errorf("initialize _rtld_global_ro: %w", err)
	}
	end := r.stackEnd
	if end == 0 {
		var err error
		if end, err = MainStackEnd(); err != nil {
			r.log.Warn("main stack end unknown", zap.Error(err))
		}
	}
	r.State.SetStackEnd(end)
	r.log.Debug("process initialized",
		zap.Int("clktck", r.clockTick),
		zap.Uintptr("stack_end", end))
	return nil
}

// Allocator returns the allocator backing loader memory.
func (r *Runtime) Allocator() Allocator {
	return r.alloc
}

// SetModules replaces the module set used for address lookups.
func (r *Runtime) SetModules(modules []*Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = append(ModuleList(nil), modules...)
}

// AddModules appends to the module set used for address lookups.
func (r *Runtime) AddModules(modules []*Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = append(r.modules, modules...)
}

// Modules returns a snapshot of the module set.
func (r *Runtime) Modules() ModuleList {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(ModuleList(nil), r.modules...)
}
