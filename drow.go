package drow

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jtracey/drow-loader/rtld"
)

var ErrLoaderClosed = errors.New("drow: loader is closed")

// Loader sequences the loader core over a module set. Its lock is what keeps
// lifecycle passes from overlapping: at most one load, unload or shutdown runs
// at a time.
type Loader struct {
	mu      sync.RWMutex
	rt      *rtld.Runtime
	modules []*rtld.Module
	started bool
	closed  bool
}

// New creates the process runtime.
func New(cfg rtld.Config) (*Loader, error) {
	rt, err := rtld.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("drow: create runtime: %w", err)
	}
	return &Loader{rt: rt}, nil
}

// Runtime exposes the underlying loader core.
func (loader *Loader) Runtime() *rtld.Runtime {
	return loader.rt
}

// Start runs the startup sequence for the initial module set: the process
// globals and the execution context are published, static TLS is laid out, the C library is patched and
// constructors run. The starting-up flag flips last, just before the caller
// jumps to the program entry point.
func (loader *Loader) Start(modules []*rtld.Module, ctx *rtld.ExecContext) error {
	loader.mu.Lock()
	defer loader.mu.Unlock()

	if loader.closed {
		return ErrLoaderClosed
	}
	if loader.started {
		return errors.New("drow: already started")
	}
	loader.started = true

	if err := loader.rt.InitProcess(); err != nil {
		return fmt.Errorf("drow: %w", err)
	}
	loader.rt.Install()

	state := loader.rt.State
	state.SetContext(ctx)
	for _, m := range modules {
		if m.Context == nil {
			m.Context = ctx
		}
	}

	loader.modules = append(loader.modules, modules...)
	loader.rt.SetModules(loader.modules)
	loader.rt.TLS.Register(modules, true)
	loader.rt.Interceptor.PatchAll(modules)
	loader.rt.Lifecycle.RunConstructors(modules)
	state.StartupFinished()
	return nil
}

// Load brings modules loaded after startup to life. Their TLS blocks are
// allocated lazily on first access from each thread.
func (loader *Loader) Load(modules []*rtld.Module) error {
	loader.mu.Lock()
	defer loader.mu.Unlock()

	if loader.closed {
		return ErrLoaderClosed
	}
	for _, m := range modules {
		if m.Context == nil {
			m.Context = loader.rt.State.Context
		}
	}
	loader.modules = append(loader.modules, modules...)
	loader.rt.AddModules(modules)
	loader.rt.TLS.Register(modules, false)
	loader.rt.Interceptor.PatchAll(modules)
	loader.rt.Lifecycle.RunConstructors(modules)
	return nil
}

// Unload runs the destructors of modules and everything they depend on that
// is still initialized.
func (loader *Loader) Unload(modules []*rtld.Module) error {
	loader.mu.Lock()
	defer loader.mu.Unlock()

	if loader.closed {
		return ErrLoaderClosed
	}
	loader.rt.Lifecycle.RunDestructors(modules)
	return nil
}

// Close runs the destructors of every known module.
func (loader *Loader) Close() error {
	loader.mu.Lock()
	defer loader.mu.Unlock()

	if loader.closed {
		return nil
	}
	loader.closed = true
	loader.rt.Lifecycle.RunDestructors(loader.modules)
	return nil
}

// CaptureExecContext builds the execution context from this process's
// arguments and environment.
func CaptureExecContext(alloc rtld.Allocator) (*rtld.ExecContext, error) {
	ctx, err := rtld.NewExecContext(os.Args, os.Environ(), alloc)
	if err != nil {
		return nil, fmt.Errorf("drow: capture exec context: %w", err)
	}
	return ctx, nil
}
