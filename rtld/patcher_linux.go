//go:build linux && (386 || amd64)

package rtld

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mprotectPatcher overwrites the start of a function with a jump. The pages are
// made writable for the copy and returned to read+exec afterwards.
type mprotectPatcher struct {
	pageSize uintptr
}

func defaultPatcher() CodePatcher {
	return mprotectPatcher{pageSize: uintptr(unix.Getpagesize())}
}

func (p mprotectPatcher) Redirect(target, replacement, sizeHint uintptr) bool {
	if target == 0 || replacement == 0 {
		return false
	}
	code := trampoline(target, replacement)
	if sizeHint < uintptr(len(code)) {
		return false
	}

	start := alignDown(target, p.pageSize)
	end := alignUp(target+uintptr(len(code)), p.pageSize)
	pages := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return false
	}
	copy(bytesAt(target, uintptr(len(code))), code)
	return unix.Mprotect(pages, unix.PROT_READ|unix.PROT_EXEC) == nil
}
