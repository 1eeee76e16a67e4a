package rtld

import (
	"debug/elf"
	"slices"
	"testing"
	"unsafe"
)

func TestModuleReadsMappedDynamic(t *testing.T) {
	dyn := []uintptr{
		uintptr(elf.DT_NEEDED), 1,
		uintptr(elf.DT_INIT), 0x1100,
		uintptr(elf.DT_FINI_ARRAY), 0x2200,
		uintptr(elf.DT_FINI_ARRAYSZ), 2 * ptrSize,
		uintptr(elf.DT_INIT), 0x9999,
		uintptr(elf.DT_NULL), 0,
		uintptr(elf.DT_FINI), 0x3300,
	}
	m := &Module{
		Name:        "libmapped.so",
		LoadBase:    0x40000,
		DynamicAddr: uintptr(unsafe.Pointer(&dyn[0])),
	}

	if got := m.DynamicPtr(elf.DT_INIT); got != 0x41100 {
		t.Fatalf("DT_INIT = %#x, want 0x41100", got)
	}
	if got := m.DynamicVal(elf.DT_FINI_ARRAYSZ); got != uint64(2*ptrSize) {
		t.Fatalf("DT_FINI_ARRAYSZ = %d", got)
	}
	if got := m.DynamicPtr(elf.DT_FINI); got != 0 {
		t.Fatalf("tag past DT_NULL was read: %#x", got)
	}
	if got := m.DynamicVal(elf.DT_NEEDED); got != 0 {
		t.Fatalf("DT_NEEDED recorded as a value: %d", got)
	}
}

func TestModuleWithoutDynamic(t *testing.T) {
	m := &Module{Name: "static"}
	if m.DynamicPtr(elf.DT_INIT_ARRAY) != 0 || m.DynamicVal(elf.DT_INIT_ARRAYSZ) != 0 {
		t.Fatalf("module without .dynamic reported tags")
	}
	if fns := functionArray(m, elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ); len(fns) != 0 {
		t.Fatalf("functionArray = %#x", fns)
	}
}

func TestModuleListFindByName(t *testing.T) {
	libc := &Module{Name: "libc-2.31.so", soname: "libc.so.6"}
	libm := &Module{Name: "libm.so.6"}
	list := ModuleList{nil, libc, libm}

	if list.FindByName("libc.so.6") != libc || list.FindByName("libc-2.31.so") != libc {
		t.Fatalf("libc not found by soname and file name")
	}
	if list.FindByName("libm.so.6") != libm {
		t.Fatalf("libm not found")
	}
	if list.FindByName("libz.so.1") != nil {
		t.Fatalf("found a module that is not in the list")
	}
	if libm.Soname() != "libm.so.6" || libc.Soname() != "libc.so.6" {
		t.Fatalf("Soname = %q, %q", libm.Soname(), libc.Soname())
	}
}

func TestLinkDeps(t *testing.T) {
	exe := &Module{Name: "prog", needed: []string{"liba.so", "libc.so.6"}}
	a := &Module{Name: "liba.so", needed: []string{"libc.so.6", "libmissing.so"}}
	libc := &Module{Name: "libc-2.31.so", soname: "libc.so.6"}
	loose := &Module{Name: "plugin.so"}

	missing := LinkDeps([]*Module{exe, a, libc, loose})
	if !slices.Equal(missing, []string{"libmissing.so"}) {
		t.Fatalf("missing = %v", missing)
	}
	if !slices.Equal(exe.Deps, []*Module{a, libc}) || !slices.Equal(a.Deps, []*Module{libc}) {
		t.Fatalf("deps not linked: prog=%v liba=%v", moduleNames(exe.Deps), moduleNames(a.Deps))
	}
	if exe.Depth != 0 || a.Depth != 1 || libc.Depth != 1 || loose.Depth != 0 {
		t.Fatalf("depths = %d %d %d %d", exe.Depth, a.Depth, libc.Depth, loose.Depth)
	}
	if got := moduleNames(InitOrder([]*Module{exe})); !slices.Equal(got, []string{"libc-2.31.so", "liba.so", "prog"}) {
		t.Fatalf("InitOrder = %v", got)
	}
}

func TestHeapAllocator(t *testing.T) {
	h := NewHeapAllocator()
	addr, err := h.Alloc(100, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr%64 != 0 {
		t.Fatalf("addr %#x not 64-aligned", addr)
	}
	for i, b := range bytesAt(addr, 100) {
		if b != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
	if _, err := h.Alloc(8, 3); err == nil {
		t.Fatalf("accepted a non power of two alignment")
	}
	if err := h.Free(addr); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := h.Free(addr); err == nil {
		t.Fatalf("double free not reported")
	}
}
