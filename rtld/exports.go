package rtld

import (
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

var installed atomic.Pointer[Runtime]

// Install makes r the runtime the C entry points forward to.
func (r *Runtime) Install() {
	installed.Store(r)
}

// Installed returns the runtime behind the C entry points, or nil.
func Installed() *Runtime {
	return installed.Load()
}

// TLSGetAddr implements __tls_get_addr for the calling thread.
func (r *Runtime) TLSGetAddr(ti *TLSIndex) uintptr {
	if r.threadPointer == nil {
		r.fatal("no thread pointer access in this build")
		return 0
	}
	tcb := r.threadPointer()
	if addr := r.TLS.GetAddrFast(tcb, ti.Module, ti.Offset); addr != 0 {
		return addr
	}
	return r.TLS.GetAddrSlow(tcb, ti.Module, ti.Offset)
}

// GetTLSStaticInfo implements _dl_get_tls_static_info. The thread library
// calls it from its constructor to size new thread stacks, so the static
// layout must be final before constructors run.
func (r *Runtime) GetTLSStaticInfo(sizep, alignp *uintptr) {
	*sizep, *alignp = r.TLS.StaticInfo()
}

// AllocateTLSInit implements _dl_allocate_tls_init.
func (r *Runtime) AllocateTLSInit(tcb uintptr) uintptr {
	return r.TLS.InitTCB(tcb)
}

// AllocateTLS implements _dl_allocate_tls.
func (r *Runtime) AllocateTLS(mem uintptr) uintptr {
	return r.TLS.AllocateTCB(mem)
}

// DeallocateTLS implements _dl_deallocate_tls.
func (r *Runtime) DeallocateTLS(tcb uintptr, deallocTCB bool) {
	r.TLS.DeallocateTCB(tcb, deallocTCB)
}

// MakeStackExecutable implements _dl_make_stack_executable. It always
// succeeds.
func (r *Runtime) MakeStackExecutable(stackEndp *uintptr) int {
	_ = stackEndp
	return 0
}

// FindDSOForObject implements _dl_find_dso_for_object.
func (r *Runtime) FindDSOForObject(addr uintptr) *Module {
	m := r.Modules().FindByAddr(addr)
	r.log.Debug("find dso for object", zap.Uintptr("addr", addr), zap.Bool("found", m != nil))
	return m
}

type ExportKind int

const (
	ExportFunc ExportKind = iota
	ExportData
)

func (k ExportKind) String() string {
	if k == ExportData {
		return "data"
	}
	return "func"
}

// Export binds an ABI name to its implementation. Functions carry the Go
// function value and, when built with cgo, the address of the C entry point
// that forwards to the installed runtime. Data carries the address of the
// backing storage.
type Export struct {
	Name string
	Kind ExportKind
	Func any
	Addr uintptr
}

// Exports lists every symbol the C library expects the dynamic loader to
// define.
func (r *Runtime) Exports() []Export {
	s := r.State
	rtldGlobal, _ := s.RTLDGlobal()
	rtldGlobalRO, _ := s.RTLDGlobalRO()
	entry := entryPoints()
	exports := []Export{
		{Name: "__tls_get_addr", Kind: ExportFunc, Func: r.TLSGetAddr},
		{Name: "_dl_get_tls_static_info", Kind: ExportFunc, Func: r.GetTLSStaticInfo},
		{Name: "_dl_allocate_tls_init", Kind: ExportFunc, Func: r.AllocateTLSInit},
		{Name: "_dl_allocate_tls", Kind: ExportFunc, Func: r.AllocateTLS},
		{Name: "_dl_deallocate_tls", Kind: ExportFunc, Func: r.DeallocateTLS},
		{Name: "_dl_make_stack_executable", Kind: ExportFunc, Func: r.MakeStackExecutable},
		{Name: "_dl_find_dso_for_object", Kind: ExportFunc, Func: r.FindDSOForObject},
		{Name: "__tunable_set_val", Kind: ExportFunc, Func: s.TunableSetVal},
		{Name: "__libc_stack_end", Kind: ExportData, Addr: uintptr(unsafe.Pointer(&s.StackEnd))},
		{Name: "_dl_starting_up", Kind: ExportData, Addr: uintptr(unsafe.Pointer(&s.StartingUp))},
		{Name: "__libc_enable_secure", Kind: ExportData, Addr: uintptr(unsafe.Pointer(&s.EnableSecure))},
		{Name: "_dl_argv", Kind: ExportData, Addr: uintptr(unsafe.Pointer(&s.Argv))},
		{Name: "_rtld_global", Kind: ExportData, Addr: rtldGlobal},
		{Name: "_rtld_global_ro", Kind: ExportData, Addr: rtldGlobalRO},
	}
	for i := range exports {
		if exports[i].Kind == ExportFunc {
			exports[i].Addr = entry[exports[i].Name]
		}
	}
	return exports
}

// LookupExport finds an export by ABI name.
func (r *Runtime) LookupExport(name string) (Export, bool) {
	for _, e := range r.Exports() {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}
