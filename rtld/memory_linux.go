package rtld

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapAllocator serves each allocation from its own anonymous private mapping,
// keeping loader data out of the Go heap.
type MmapAllocator struct {
	mu       sync.Mutex
	mappings map[uintptr][]byte
	pageSize uintptr
}

func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{
		mappings: make(map[uintptr][]byte),
		pageSize: uintptr(unix.Getpagesize()),
	}
}

func (a *MmapAllocator) Alloc(size, align uintptr) (uintptr, error) {
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %#x is not a power of two", align)
	}
	length := alignUp(size, a.pageSize)
	if length == 0 {
		length = a.pageSize
	}
	if align > a.pageSize {
		length += align
	}
	if length > uintptr(math.MaxInt) {
		return 0, fmt.Errorf("allocation of %#x bytes is too large", size)
	}
	mapping, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("mmap %#x bytes: %w", length, err)
	}
	addr := alignUp(uintptr(unsafe.Pointer(&mapping[0])), align)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.mappings[addr] = mapping
	return addr, nil
}

func (a *MmapAllocator) Free(addr uintptr) error {
	a.mu.Lock()
	mapping, ok := a.mappings[addr]
	delete(a.mappings, addr)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("free %#x: %w", addr, errUnknownBlock)
	}
	if err := unix.Munmap(mapping); err != nil {
		return fmt.Errorf("munmap %#x: %w", addr, err)
	}
	return nil
}

func defaultAllocator() Allocator {
	return NewMmapAllocator()
}

func pageSize() uintptr {
	return uintptr(unix.Getpagesize())
}
