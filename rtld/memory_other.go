//go:build !linux

package rtld

import "os"

func defaultAllocator() Allocator {
	return NewHeapAllocator()
}

func pageSize() uintptr {
	return uintptr(os.Getpagesize())
}
