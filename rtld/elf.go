package rtld

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"unsafe"
)

var lifecycleTags = []elf.DynTag{
	elf.DT_INIT, elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ,
	elf.DT_FINI, elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ,
}

// ModuleFromFile reads the loader metadata of an ELF object: lifecycle tags,
// DT_NEEDED, DT_SONAME and the PT_TLS segment with its initialization image.
// The module is not mapped; LoadBase and the map range are left for the
// caller.
func ModuleFromFile(path string) (*Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	m := &Module{
		Name:    filepath.Base(path),
		Path:    path,
		dynamic: make(map[elf.DynTag]uint64),
	}
	m.dynOnce.Do(func() {})

	for _, tag := range lifecycleTags {
		vals, err := f.DynValue(tag)
		if err != nil {
			return nil, fmt.Errorf("read %s of %s: %w", tag, path, err)
		}
		if len(vals) > 0 {
			m.dynamic[tag] = vals[0]
		}
	}
	if m.needed, err = f.ImportedLibraries(); err != nil {
		return nil, fmt.Errorf("read DT_NEEDED of %s: %w", path, err)
	}
	if names, err := f.DynString(elf.DT_SONAME); err == nil && len(names) > 0 {
		m.soname = names[0]
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_TLS {
			continue
		}
		if err := m.readTLS(prog); err != nil {
			return nil, fmt.Errorf("read PT_TLS of %s: %w", path, err)
		}
	}
	m.IsExecutable = isMainImage(f)
	return m, nil
}

// isMainImage reports whether f is a program rather than a shared library.
// PT_INTERP does not tell them apart: libc.so.6 carries one so it can be run
// directly.
func isMainImage(f *elf.File) bool {
	if f.Type == elf.ET_EXEC {
		return true
	}
	flags, err := f.DynValue(elf.DT_FLAGS_1)
	if err != nil || len(flags) == 0 {
		return false
	}
	return flags[0]&uint64(elf.DF_1_PIE) != 0
}

func (m *Module) readTLS(prog *elf.Prog) error {
	if prog.Filesz > prog.Memsz {
		return errors.New("file size exceeds memory size")
	}
	m.TLS = &TLSDesc{
		Size:     uintptr(prog.Memsz),
		Align:    uintptr(prog.Align),
		InitSize: uintptr(prog.Filesz),
	}
	if prog.Filesz == 0 {
		return nil
	}
	m.tlsImage = make([]byte, prog.Filesz)
	if _, err := io.ReadFull(prog.Open(), m.tlsImage); err != nil {
		return err
	}
	m.TLS.InitImage = uintptr(unsafe.Pointer(&m.tlsImage[0]))
	return nil
}

// LinkDeps resolves each module's DT_NEEDED names against the set, appending
// the matches to Deps, and assigns breadth-first depths from modules[0].
// Names with no match are returned.
func LinkDeps(modules []*Module) []string {
	list := ModuleList(modules)
	var missing []string
	for _, m := range modules {
		for _, name := range m.needed {
			dep := list.FindByName(name)
			if dep == nil {
				missing = append(missing, name)
				continue
			}
			m.Deps = append(m.Deps, dep)
		}
	}

	for _, m := range modules {
		m.Depth = -1
	}
	if len(modules) > 0 {
		modules[0].Depth = 0
		queue := []*Module{modules[0]}
		for len(queue) > 0 {
			m := queue[0]
			queue = queue[1:]
			for _, dep := range m.Deps {
				if dep.Depth < 0 {
					dep.Depth = m.Depth + 1
					queue = append(queue, dep)
				}
			}
		}
	}
	for _, m := range modules {
		if m.Depth < 0 {
			m.Depth = 0
		}
	}
	return missing
}

// ELFSymbols looks symbols up in the module's backing file, caching the
// parsed tables per path.
type ELFSymbols struct {
	mu    sync.Mutex
	cache map[string][]elf.Symbol
}

func NewELFSymbols() *ELFSymbols {
	return &ELFSymbols{cache: make(map[string][]elf.Symbol)}
}

func (s *ELFSymbols) LookupLocal(m *Module, name string) (elf.Symbol, bool) {
	if m == nil || m.Path == "" {
		return elf.Symbol{}, false
	}

	s.mu.Lock()
	syms, ok := s.cache[m.Path]
	s.mu.Unlock()
	if !ok {
		var err error
		if syms, err = readSymbols(m.Path); err != nil {
			return elf.Symbol{}, false
		}
		s.mu.Lock()
		s.cache[m.Path] = syms
		s.mu.Unlock()
	}
	return matchSymbol(syms, name)
}

func readSymbols(path string) ([]elf.Symbol, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	var syms []elf.Symbol
	if dyn, err := f.DynamicSymbols(); err == nil {
		syms = append(syms, dyn...)
	}
	if static, err := f.Symbols(); err == nil {
		syms = append(syms, static...)
	}
	return syms, nil
}

func matchSymbol(symbols []elf.Symbol, want string) (elf.Symbol, bool) {
	for _, s := range symbols {
		if s.Value == 0 || s.Section == elf.SHN_UNDEF {
			continue
		}
		if s.Name == want || strings.HasPrefix(s.Name, want+"@") {
			return s, true
		}
	}
	return elf.Symbol{}, false
}

// ValidateMachine reports whether the object at path was built for the
// running architecture.
func ValidateMachine(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	machine, err := currentELFMachine()
	if err != nil {
		return err
	}
	if f.Machine != machine {
		return fmt.Errorf("foreign platform (provided: %s, expected: %s)", f.Machine, machine)
	}
	return nil
}

func currentELFMachine() (elf.Machine, error) {
	switch runtime.GOARCH {
	case "386":
		return elf.EM_386, nil
	case "amd64":
		return elf.EM_X86_64, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupported, runtime.GOARCH)
	}
}
