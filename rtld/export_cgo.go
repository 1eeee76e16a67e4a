//go:build linux && cgo && (386 || amd64)

package rtld

/*
#include <stdbool.h>
#include <stddef.h>
#include <stdint.h>

typedef struct {
	uintptr_t module;
	uintptr_t offset;
} drow_tls_index;

extern uintptr_t drow_tls_get_addr(drow_tls_index *ti);
extern void drow_get_tls_static_info(size_t *sizep, size_t *alignp);
extern uintptr_t drow_allocate_tls_init(uintptr_t tcb);
extern uintptr_t drow_allocate_tls(uintptr_t mem);
extern void drow_deallocate_tls(uintptr_t tcb, bool dealloc_tcb);
extern int drow_make_stack_executable(uintptr_t *stack_endp);
extern uintptr_t drow_find_dso_for_object(uintptr_t addr);
extern void drow_tunable_set_val(int32_t id, void *valp, uintptr_t callback);
*/
import "C"

import "unsafe"

// The entry points carry a drow_ prefix: defining the glibc names here would
// interpose on the system loader for every program linking this package. The
// export table maps the ABI names to these addresses.

//export drow_tls_get_addr
func drow_tls_get_addr(ti *C.drow_tls_index) C.uintptr_t {
	r := Installed()
	if r == nil || ti == nil {
		return 0
	}
	return C.uintptr_t(r.TLSGetAddr((*TLSIndex)(unsafe.Pointer(ti))))
}

//export drow_get_tls_static_info
func drow_get_tls_static_info(sizep, alignp *C.size_t) {
	r := Installed()
	if r == nil {
		return
	}
	var size, align uintptr
	r.GetTLSStaticInfo(&size, &align)
	*sizep, *alignp = C.size_t(size), C.size_t(align)
}

//export drow_allocate_tls_init
func drow_allocate_tls_init(tcb C.uintptr_t) C.uintptr_t {
	r := Installed()
	if r == nil {
		return 0
	}
	return C.uintptr_t(r.AllocateTLSInit(uintptr(tcb)))
}

//export drow_allocate_tls
func drow_allocate_tls(mem C.uintptr_t) C.uintptr_t {
	r := Installed()
	if r == nil {
		return 0
	}
	return C.uintptr_t(r.AllocateTLS(uintptr(mem)))
}

//export drow_deallocate_tls
func drow_deallocate_tls(tcb C.uintptr_t, deallocTCB C.bool) {
	if r := Installed(); r != nil {
		r.DeallocateTLS(uintptr(tcb), bool(deallocTCB))
	}
}

//export drow_make_stack_executable
func drow_make_stack_executable(stackEndp *C.uintptr_t) C.int {
	return 0
}

// drow_find_dso_for_object returns the start of the containing mapping as an
// opaque handle, or zero.
//
//export drow_find_dso_for_object
func drow_find_dso_for_object(addr C.uintptr_t) C.uintptr_t {
	r := Installed()
	if r == nil {
		return 0
	}
	m := r.FindDSOForObject(uintptr(addr))
	if m == nil {
		return 0
	}
	return C.uintptr_t(m.MapStart)
}

//export drow_tunable_set_val
func drow_tunable_set_val(id C.int32_t, valp unsafe.Pointer, callback C.uintptr_t) {
	if r := Installed(); r != nil {
		r.State.TunableSetVal(int32(id), valp, uintptr(callback))
	}
}

func entryPoints() map[string]uintptr {
	return map[string]uintptr{
		"__tls_get_addr":            uintptr(unsafe.Pointer(C.drow_tls_get_addr)),
		"_dl_get_tls_static_info":   uintptr(unsafe.Pointer(C.drow_get_tls_static_info)),
		"_dl_allocate_tls_init":     uintptr(unsafe.Pointer(C.drow_allocate_tls_init)),
		"_dl_allocate_tls":          uintptr(unsafe.Pointer(C.drow_allocate_tls)),
		"_dl_deallocate_tls":        uintptr(unsafe.Pointer(C.drow_deallocate_tls)),
		"_dl_make_stack_executable": uintptr(unsafe.Pointer(C.drow_make_stack_executable)),
		"_dl_find_dso_for_object":   uintptr(unsafe.Pointer(C.drow_find_dso_for_object)),
		"__tunable_set_val":         uintptr(unsafe.Pointer(C.drow_tunable_set_val)),
	}
}
