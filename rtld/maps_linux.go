package rtld

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type procMapEntry struct {
	start  uintptr
	end    uintptr
	offset uintptr
	perms  string
	path   string
}

// DiscoverMapped builds a module for every ELF object mapped into the current
// process, with LoadBase and map range taken from /proc/self/maps and
// dependencies linked by DT_NEEDED. Only the object backing /proc/self/exe is
// marked as the executable. Objects that cannot be parsed are
// skipped.
func DiscoverMapped() (ModuleList, error) {
	entries, err := readProcMaps()
	if err != nil {
		return nil, err
	}

	var (
		order  []string
		ranges = make(map[string]*procMapEntry)
	)
	for _, e := range entries {
		r, ok := ranges[e.path]
		if !ok {
			e := e
			ranges[e.path] = &e
			order = append(order, e.path)
			continue
		}
		if e.start < r.start {
			r.start, r.offset = e.start, e.offset
		}
		if e.end > r.end {
			r.end = e.end
		}
	}

	exe, _ := os.Executable()

	var modules ModuleList
	for _, path := range order {
		r := ranges[path]
		m, err := ModuleFromFile(path)
		if err != nil {
			continue
		}
		m.MapStart, m.MapEnd = r.start, r.end
		if exe != "" {
			// PIE programs linked without DF_1_PIE look like libraries.
			m.IsExecutable = path == exe
		}
		if base, err := loadBase(path, r); err == nil {
			m.LoadBase = base
		}
		modules = append(modules, m)
	}
	LinkDeps(modules)
	return modules, nil
}

// loadBase derives the load bias from the lowest mapping of the object: the
// segment holding that file offset was linked at some vaddr, and the
// difference to where it was mapped is the bias.
func loadBase(path string, r *procMapEntry) (uintptr, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if f.Type == elf.ET_EXEC {
		return 0, nil
	}
	page := pageSize()
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		off := alignDown(uintptr(prog.Off), page)
		if r.offset < off || r.offset >= uintptr(prog.Off+prog.Filesz) {
			continue
		}
		vaddr := alignDown(uintptr(prog.Vaddr), page) + (r.offset - off)
		return r.start - vaddr, nil
	}
	if r.start < r.offset {
		return 0, fmt.Errorf("invalid mapping base for %s", path)
	}
	return r.start - r.offset, nil
}

func readProcMaps() ([]procMapEntry, error) {
	raw, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("read /proc/self/maps: %w", err)
	}

	lines := strings.Split(string(raw), "\n")
	entries := make([]procMapEntry, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, startErr := strconv.ParseUint(rangeParts[0], 16, 64)
		end, endErr := strconv.ParseUint(rangeParts[1], 16, 64)
		offset, offsetErr := strconv.ParseUint(fields[2], 16, 64)
		if startErr != nil || endErr != nil || offsetErr != nil {
			continue
		}

		path := strings.TrimSuffix(strings.Join(fields[5:], " "), " (deleted)")
		if !strings.HasPrefix(path, "/") {
			continue
		}
		entries = append(entries, procMapEntry{
			start:  uintptr(start),
			end:    uintptr(end),
			offset: uintptr(offset),
			perms:  fields[1],
			path:   path,
		})
	}
	return entries, nil
}

// MainStackEnd returns the start of the main thread's stack (the address
// above argv and envp) from /proc/self/stat, which is what the kernel hands
// the program as its stack end.
func MainStackEnd() (uintptr, error) {
	raw, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, fmt.Errorf("read /proc/self/stat: %w", err)
	}
	return parseStartStack(string(raw))
}

// parseStartStack extracts field 28 (startstack). The command name in field 2
// may contain spaces, so fields are counted after its closing parenthesis.
func parseStartStack(stat string) (uintptr, error) {
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return 0, errors.New("malformed /proc/self/stat")
	}
	fields := strings.Fields(stat[i+1:])
	const startStack = 28 - 3
	if len(fields) <= startStack {
		return 0, errors.New("/proc/self/stat has no startstack field")
	}
	v, err := strconv.ParseUint(fields[startStack], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse startstack: %w", err)
	}
	return uintptr(v), nil
}
