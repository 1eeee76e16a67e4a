package rtld

import (
	"debug/elf"

	"go.uber.org/zap"
)

// Lifecycle runs module constructors and destructors in dependency order.
// Callers serialize lifecycle passes; the per-module flags are not locked.
type Lifecycle struct {
	log     *zap.Logger
	invoker Invoker
	state   *ProcessState
	fatal   func(string, ...zap.Field)
}

// RunConstructors initializes modules so that every dependency runs before
// its dependents. Each module is initialized at most once.
func (l *Lifecycle) RunConstructors(modules []*Module) {
	for _, m := range InitOrder(modules) {
		l.callInit(m)
	}
}

// RunDestructors finalizes initialized modules, dependents first.
func (l *Lifecycle) RunDestructors(modules []*Module) {
	for _, m := range FiniOrder(modules) {
		l.callFini(m)
	}
}

func (l *Lifecycle) callInit(m *Module) {
	l.log.Debug("call init", zap.String("file", m.Name))
	if m.initCalled {
		return
	}
	// Set before running anything so a constructor that reloads this module
	// does not recurse into it.
	m.initCalled = true

	// The executable's constructors are run by the libc startup code linked
	// into it.
	if m.IsExecutable {
		return
	}

	argc, argv, envp := l.args(m)
	if fn := m.DynamicPtr(elf.DT_INIT); fn != 0 {
		l.invoke(m).CallInit(fn, argc, argv, envp)
	}
	for _, fn := range functionArray(m, elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ) {
		l.invoke(m).CallInit(fn, argc, argv, envp)
	}
}

func (l *Lifecycle) callFini(m *Module) {
	l.log.Debug("call fini", zap.String("file", m.Name))
	if !m.initCalled || m.finiCalled {
		return
	}
	m.finiCalled = true

	for _, fn := range functionArray(m, elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ) {
		l.invoke(m).CallFini(fn)
	}
	if fn := m.DynamicPtr(elf.DT_FINI); fn != 0 {
		l.invoke(m).CallFini(fn)
	}
}

func (l *Lifecycle) args(m *Module) (int, uintptr, uintptr) {
	ctx := m.Context
	if ctx == nil && l.state != nil {
		ctx = l.state.Context
	}
	if ctx == nil {
		return 0, 0, 0
	}
	return ctx.Argc, ctx.Argv, ctx.Envp
}

func (l *Lifecycle) invoke(m *Module) Invoker {
	if l.invoker == nil {
		l.fatal("no foreign call support in this build", zap.String("file", m.Name))
	}
	return l.invoker
}

// functionArray reads the function pointers of a DT_*_ARRAY tag. Entries are
// already relocated to absolute addresses.
func functionArray(m *Module, arrayTag, sizeTag elf.DynTag) []uintptr {
	arr := m.DynamicPtr(arrayTag)
	if arr == 0 {
		return nil
	}
	n := uintptr(m.DynamicVal(sizeTag)) / ptrSize
	fns := make([]uintptr, 0, n)
	for i := uintptr(0); i < n; i++ {
		fns = append(fns, loadWord(arr+i*ptrSize))
	}
	return fns
}
