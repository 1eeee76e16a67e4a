//go:build linux && cgo && (386 || amd64)

package rtld

/*
#include <stdint.h>

typedef void (*drow_init_fn)(int, char **, char **);
typedef void (*drow_fini_fn)(void);

static void drow_call_init(uintptr_t fn, int argc, uintptr_t argv, uintptr_t envp) {
	((drow_init_fn)fn)(argc, (char **)argv, (char **)envp);
}

static void drow_call_fini(uintptr_t fn) {
	((drow_fini_fn)fn)();
}

static uintptr_t drow_call_entry(uintptr_t fn, uintptr_t a, uintptr_t b) {
	return ((uintptr_t (*)(uintptr_t, uintptr_t))fn)(a, b);
}

static uintptr_t drow_thread_pointer(void) {
	uintptr_t tp;
#if defined(__x86_64__)
	__asm__ ("mov %%fs:0, %0" : "=r" (tp));
#else
	__asm__ ("mov %%gs:0, %0" : "=r" (tp));
#endif
	return tp;
}
*/
import "C"

type cgoInvoker struct{}

func (cgoInvoker) CallInit(fn uintptr, argc int, argv, envp uintptr) {
	C.drow_call_init(C.uintptr_t(fn), C.int(argc), C.uintptr_t(argv), C.uintptr_t(envp))
}

func (cgoInvoker) CallFini(fn uintptr) {
	C.drow_call_fini(C.uintptr_t(fn))
}

// callEntry calls a C entry point taking up to two word-sized arguments, the
// way foreign code reaches the loader.
func callEntry(fn, a, b uintptr) uintptr {
	return uintptr(C.drow_call_entry(C.uintptr_t(fn), C.uintptr_t(a), C.uintptr_t(b)))
}

func defaultInvoker() Invoker {
	return cgoInvoker{}
}

// The cgo call runs on the calling OS thread, so %fs (%gs on 386) is that
// thread's TCB.
func defaultThreadPointer() func() uintptr {
	return func() uintptr {
		return uintptr(C.drow_thread_pointer())
	}
}
