package rtld

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

// Allocator hands out zeroed, fixed-address memory for thread control blocks,
// DTVs, TLS blocks and C string arenas. Addresses must stay valid until freed.
type Allocator interface {
	Alloc(size, align uintptr) (uintptr, error)
	Free(addr uintptr) error
}

var errUnknownBlock = errors.New("address was not returned by this allocator")

// HeapAllocator backs allocations with Go byte slices. The Go collector does not
// move heap objects, so addresses stay stable for as long as the slice is held.
type HeapAllocator struct {
	mu     sync.Mutex
	blocks map[uintptr][]byte
}

func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{blocks: make(map[uintptr][]byte)}
}

func (h *HeapAllocator) Alloc(size, align uintptr) (uintptr, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %#x is not a power of two", align)
	}
	buf := make([]byte, size+align)
	addr := alignUp(uintptr(unsafe.Pointer(&buf[0])), align)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocks[addr] = buf
	return addr, nil
}

func (h *HeapAllocator) Free(addr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.blocks[addr]; !ok {
		return fmt.Errorf("free %#x: %w", addr, errUnknownBlock)
	}
	delete(h.blocks, addr)
	return nil
}

// Live reports the number of outstanding allocations.
func (h *HeapAllocator) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.blocks)
}

func alignDown(v, a uintptr) uintptr {
	if a == 0 {
		return v
	}
	return v &^ (a - 1)
}

func alignUp(v, a uintptr) uintptr {
	if a == 0 {
		return v
	}
	return (v + (a - 1)) &^ (a - 1)
}

func loadWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func storeWord(addr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = v
}

func bytesAt(addr, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func copyMem(dst, src, n uintptr) {
	if n == 0 {
		return
	}
	copy(bytesAt(dst, n), bytesAt(src, n))
}

func zeroMem(dst, n uintptr) {
	clear(bytesAt(dst, n))
}
