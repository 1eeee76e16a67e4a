package rtld

import (
	"debug/elf"
	"sync"
	"unsafe"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// TLSDesc describes the PT_TLS segment of a module and, once registered, its
// place in the process TLS directory.
type TLSDesc struct {
	// ID is the module id used to index a thread's DTV. Zero until registered.
	ID uintptr
	// Size is the in-memory size of the block (p_memsz).
	Size uintptr
	// Align is the required alignment (p_align).
	Align uintptr
	// InitImage points at the initialization image and InitSize is its length
	// (p_filesz). Bytes past InitSize up to Size are zero-filled.
	InitImage uintptr
	InitSize  uintptr
	// Offset is the distance below the thread pointer of this module's block in
	// the static TLS area. Valid only when Static is set.
	Offset uintptr
	Static bool

	name string
}

// Module is a loaded shared object as seen by the loader core. Modules are
// created and destroyed by the module registry; the core only reads them and
// flips the lifecycle flags.
type Module struct {
	Name string
	// Path is the on-disk file backing the mapping, used for local symbol
	// lookups.
	Path string
	// LoadBase is the difference between run-time and link-time addresses.
	LoadBase uintptr
	// MapStart and MapEnd bound the module's mapped address range.
	MapStart uintptr
	MapEnd   uintptr
	// DynamicAddr is the run-time address of the mapped .dynamic section. It is
	// read lazily the first time a dynamic tag is needed.
	DynamicAddr uintptr

	Deps         []*Module
	Depth        int
	IsExecutable bool
	Context      *ExecContext
	TLS          *TLSDesc

	dynOnce  sync.Once
	dynamic  map[elf.DynTag]uint64
	needed   []string
	soname   string
	tlsImage []byte

	initCalled bool
	finiCalled bool
	patched    bool
}

// NewModule returns a module whose dynamic tags are already known.
func NewModule(name string, loadBase uintptr, dynamic map[elf.DynTag]uint64) *Module {
	m := &Module{Name: name, LoadBase: loadBase}
	if dynamic != nil {
		m.dynamic = make(map[elf.DynTag]uint64, len(dynamic))
		for tag, v := range dynamic {
			m.dynamic[tag] = v
		}
		m.dynOnce.Do(func() {})
	}
	return m
}

func (m *Module) InitCalled() bool { return m.initCalled }
func (m *Module) FiniCalled() bool { return m.finiCalled }
func (m *Module) Patched() bool    { return m.patched }

// Needed returns the DT_NEEDED names recorded for the module.
func (m *Module) Needed() []string { return append([]string(nil), m.needed...) }

// Soname returns DT_SONAME, or the module name when the object has none.
func (m *Module) Soname() string {
	if m.soname != "" {
		return m.soname
	}
	return m.Name
}

// DynamicVal returns the raw d_val of tag, or zero when absent.
func (m *Module) DynamicVal(tag elf.DynTag) uint64 {
	m.dynOnce.Do(m.readDynamic)
	return m.dynamic[tag]
}

// DynamicPtr returns the run-time address designated by the d_ptr of tag, or
// zero when absent.
func (m *Module) DynamicPtr(tag elf.DynTag) uintptr {
	v := m.DynamicVal(tag)
	if v == 0 {
		return 0
	}
	return m.LoadBase + uintptr(v)
}

// Contains reports whether addr falls within the module's mapping.
func (m *Module) Contains(addr uintptr) bool {
	return m.MapStart <= addr && addr < m.MapEnd
}

func (m *Module) readDynamic() {
	m.dynamic = make(map[elf.DynTag]uint64)
	if m.DynamicAddr == 0 {
		return
	}
	for p := m.DynamicAddr; ; p += 2 * ptrSize {
		tag := elf.DynTag(int64(intptr(loadWord(p))))
		if tag == elf.DT_NULL {
			return
		}
		val := uint64(loadWord(p + ptrSize))
		switch tag {
		case elf.DT_NEEDED:
			// string table offsets; names come from the file
		default:
			if _, ok := m.dynamic[tag]; !ok {
				m.dynamic[tag] = val
			}
		}
	}
}

// intptr sign-extends a machine word so that 32-bit d_tag values compare
// correctly against elf.DynTag.
func intptr(v uintptr) int64 {
	if ptrSize == 4 {
		return int64(int32(uint32(v)))
	}
	return int64(v)
}

// ModuleList is the ordered set of modules known to the registry.
type ModuleList []*Module

// FindByAddr returns the module whose mapping contains addr.
func (l ModuleList) FindByAddr(addr uintptr) *Module {
	for _, m := range l {
		if m != nil && m.Contains(addr) {
			return m
		}
	}
	return nil
}

// FindByName matches a DT_NEEDED style name against soname or file name.
func (l ModuleList) FindByName(name string) *Module {
	for _, m := range l {
		if m == nil {
			continue
		}
		if m.soname == name || m.Name == name {
			return m
		}
	}
	return nil
}
