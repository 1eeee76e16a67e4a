package rtld

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"
)

// ExecContext is the (argc, argv, envp) triple captured at process start and
// handed to every constructor. The argv and envp vectors live in allocator
// memory so foreign code can keep pointers into them.
type ExecContext struct {
	Argc int
	Argv uintptr
	Envp uintptr

	args []string
	env  []string
}

// NewExecContext lays out args and env as NULL-terminated C vectors of
// NUL-terminated strings in a single allocation.
func NewExecContext(args, env []string, alloc Allocator) (*ExecContext, error) {
	size := uintptr(len(args)+len(env)+2) * ptrSize
	for _, s := range append(append([]string(nil), args...), env...) {
		if strings.ContainsRune(s, '\x00') {
			return nil, fmt.Errorf("exec context string %q: contains NUL", s)
		}
		size += uintptr(len(s)) + 1
	}
	base, err := alloc.Alloc(size, ptrSize)
	if err != nil {
		return nil, fmt.Errorf("allocate exec context: %w", err)
	}

	strs := base + uintptr(len(args)+len(env)+2)*ptrSize
	vec := base
	put := func(list []string) {
		for _, s := range list {
			storeWord(vec, strs)
			vec += ptrSize
			copy(bytesAt(strs, uintptr(len(s))), s)
			strs += uintptr(len(s))
			*(*byte)(unsafe.Pointer(strs)) = 0
			strs++
		}
		storeWord(vec, 0)
		vec += ptrSize
	}
	put(args)
	envp := vec
	put(env)

	return &ExecContext{
		Argc: len(args),
		Argv: base,
		Envp: envp,
		args: append([]string(nil), args...),
		env:  append([]string(nil), env...),
	}, nil
}

func (c *ExecContext) Args() []string { return append([]string(nil), c.args...) }
func (c *ExecContext) Env() []string  { return append([]string(nil), c.env...) }

// ProcessState holds the process-wide values the C library expects to find in
// the dynamic loader. Fields are read by foreign code through the addresses
// published in the export table, so the struct must not be copied. It is set
// up before any module code runs and lives for the rest of the process.
type ProcessState struct {
	// StackEnd is __libc_stack_end: the end of the kernel-allocated main stack.
	StackEnd uintptr
	// StartingUp is _dl_starting_up: 0 while constructors run, 1 just before
	// the program entry point is called.
	StartingUp int32
	// EnableSecure is __libc_enable_secure. Secure mode is off by default.
	EnableSecure int32
	// Argv is _dl_argv.
	Argv uintptr

	Context *ExecContext

	rtldGlobal     uintptr
	rtldGlobalSize uintptr
	rtldGlobalRO   uintptr
	rtldROSize     uintptr
	pageSizeOff    uintptr
	clkTckOff      uintptr
}

var errOffsetOutOfRange = errors.New("offset outside _rtld_global_ro")

func newProcessState(cfg *Config) (*ProcessState, error) {
	s := &ProcessState{
		rtldGlobalSize: cfg.RTLDGlobalSize,
		rtldROSize:     cfg.RTLDGlobalROSize,
		pageSizeOff:    cfg.PageSizeOffset,
		clkTckOff:      cfg.ClkTckOffset,
	}
	var err error
	if s.rtldGlobal, err = cfg.Allocator.Alloc(cfg.RTLDGlobalSize, 64); err != nil {
		return nil, fmt.Errorf("allocate _rtld_global: %w", err)
	}
	if s.rtldGlobalRO, err = cfg.Allocator.Alloc(cfg.RTLDGlobalROSize, 64); err != nil {
		return nil, fmt.Errorf("allocate _rtld_global_ro: %w", err)
	}
	return s, nil
}

// SetContext records the execution context and publishes its argv as _dl_argv.
func (s *ProcessState) SetContext(ctx *ExecContext) {
	s.Context = ctx
	if ctx != nil {
		s.Argv = ctx.Argv
	}
}

func (s *ProcessState) SetStackEnd(addr uintptr) {
	s.StackEnd = addr
}

// StartupFinished flips _dl_starting_up just before the program entry point.
func (s *ProcessState) StartupFinished() {
	atomic.StoreInt32(&s.StartingUp, 1)
}

func (s *ProcessState) IsStartingUp() bool {
	return atomic.LoadInt32(&s.StartingUp) == 0
}

// Initialize stores the page size and clock tick into _rtld_global_ro where
// the C library reads them.
func (s *ProcessState) Initialize(clktck int) error {
	if err := s.putInt32RO(s.pageSizeOff, int32(pageSize())); err != nil {
		return fmt.Errorf("store page size: %w", err)
	}
	if err := s.putInt32RO(s.clkTckOff, int32(clktck)); err != nil {
		return fmt.Errorf("store clock tick: %w", err)
	}
	return nil
}

func (s *ProcessState) putInt32RO(off uintptr, v int32) error {
	if off+4 > s.rtldROSize {
		return fmt.Errorf("%#x: %w", off, errOffsetOutOfRange)
	}
	*(*int32)(unsafe.Pointer(s.rtldGlobalRO + off)) = v
	return nil
}

// RTLDGlobal returns the address and size of the opaque _rtld_global block.
func (s *ProcessState) RTLDGlobal() (uintptr, uintptr) { return s.rtldGlobal, s.rtldGlobalSize }

// RTLDGlobalRO returns the address and size of the opaque _rtld_global_ro block.
func (s *ProcessState) RTLDGlobalRO() (uintptr, uintptr) { return s.rtldGlobalRO, s.rtldROSize }

// TunableSetVal is the __tunable_set_val stub. Tunables are accepted and
// ignored.
func (s *ProcessState) TunableSetVal(id int32, valp unsafe.Pointer, callback uintptr) {
	_, _, _ = id, valp, callback
}
