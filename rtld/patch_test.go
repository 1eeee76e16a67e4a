package rtld

import (
	"debug/elf"
	"slices"
	"testing"
)

func libcSymbols() fakeSymbols {
	return fakeSymbols{
		"libc.so.6": {
			"_dl_addr":           {Name: "_dl_addr", Value: 0x1000, Size: 0x200},
			"__libc_dlopen_mode": {Name: "__libc_dlopen_mode", Value: 0x2000, Size: 0x80},
			"__libc_dlclose":     {Name: "__libc_dlclose", Value: 0x3000, Size: 0x40},
			"__libc_dlsym":       {Name: "__libc_dlsym", Value: 0x4000, Size: 0x60},
		},
		"libpartial.so": {
			"__libc_dlclose": {Name: "__libc_dlclose", Value: 0x500, Size: 0x30},
		},
	}
}

var testHooks = Hooks{DlAddr: 0xa0, DlopenMode: 0xb0, Dlclose: 0xc0, Dlsym: 0xd0}

func TestPatchRedirectsWithSizeHints(t *testing.T) {
	p := &recordingPatcher{}
	rt := newTestRuntime(t, Config{Patcher: p, Symbols: libcSymbols(), Hooks: testHooks})

	libc := &Module{Name: "libc.so.6", LoadBase: 0x7f0000000000}
	rt.Interceptor.Patch(libc)

	base := libc.LoadBase
	want := []redirect{
		{target: base + 0x1000, replacement: 0xa0, sizeHint: 0x1000},
		{target: base + 0x2000, replacement: 0xb0, sizeHint: 0x80},
		{target: base + 0x3000, replacement: 0xc0, sizeHint: 0x40},
		{target: base + 0x4000, replacement: 0xd0, sizeHint: 0x4000},
	}
	if !slices.Equal(p.redirects, want) {
		t.Fatalf("redirects = %+v, want %+v", p.redirects, want)
	}
	if !libc.Patched() {
		t.Fatalf("module not marked patched")
	}

	rt.Interceptor.Patch(libc)
	if len(p.redirects) != 4 {
		t.Fatalf("second patch rewrote code again")
	}
}

func TestPatchSkipsMissingSymbols(t *testing.T) {
	p := &recordingPatcher{}
	rt := newTestRuntime(t, Config{Patcher: p, Symbols: libcSymbols(), Hooks: testHooks})

	rt.Interceptor.PatchAll([]*Module{{Name: "libm.so.6"}, {Name: "libpartial.so"}})

	want := []redirect{{target: 0x500, replacement: 0xc0, sizeHint: 0x30}}
	if !slices.Equal(p.redirects, want) {
		t.Fatalf("redirects = %+v, want %+v", p.redirects, want)
	}
}

func TestPatchSkipsUnsetHooks(t *testing.T) {
	p := &recordingPatcher{}
	rt := newTestRuntime(t, Config{Patcher: p, Symbols: libcSymbols(), Hooks: Hooks{Dlsym: 0xd0}})

	rt.Interceptor.Patch(&Module{Name: "libc.so.6"})
	if len(p.redirects) != 1 || p.redirects[0].replacement != 0xd0 {
		t.Fatalf("redirects = %+v, want only __libc_dlsym", p.redirects)
	}
}

func TestPatchFailureIsFatal(t *testing.T) {
	p := &recordingPatcher{fail: map[uintptr]bool{0x3000: true}}
	rt := newTestRuntime(t, Config{Patcher: p, Symbols: libcSymbols(), Hooks: testHooks})

	libc := &Module{Name: "libc.so.6"}
	requireFatal(t, func() { rt.Interceptor.Patch(libc) })
	if !libc.Patched() {
		t.Fatalf("failed module must stay marked patched")
	}

	n := len(p.redirects)
	rt.Interceptor.Patch(libc)
	if len(p.redirects) != n {
		t.Fatalf("failed module was patched again")
	}
}

func TestPatchAllIteratesGivenOrder(t *testing.T) {
	p := &recordingPatcher{}
	syms := fakeSymbols{
		"deep.so":    {"_dl_addr": {Name: "_dl_addr", Value: 0x10}},
		"shallow.so": {"_dl_addr": {Name: "_dl_addr", Value: 0x20}},
	}
	rt := newTestRuntime(t, Config{Patcher: p, Symbols: syms, Hooks: testHooks})

	deep := &Module{Name: "deep.so", Depth: 3}
	shallow := &Module{Name: "shallow.so", Depth: 0}
	rt.Interceptor.PatchAll([]*Module{shallow, nil, deep})

	if len(p.redirects) != 2 || p.redirects[0].target != 0x20 || p.redirects[1].target != 0x10 {
		t.Fatalf("redirects = %+v, want shallow.so then deep.so", p.redirects)
	}
}

func TestPlanDoesNotPatch(t *testing.T) {
	p := &recordingPatcher{}
	rt := newTestRuntime(t, Config{Patcher: p, Symbols: libcSymbols(), Hooks: testHooks})

	libc := &Module{Name: "libc.so.6"}
	plan := rt.Interceptor.Plan(libc)
	if len(plan) != 4 || len(p.redirects) != 0 || libc.Patched() {
		t.Fatalf("Plan = %+v, redirects = %d, patched = %v", plan, len(p.redirects), libc.Patched())
	}
	if got := rt.Interceptor.Symbols(); !slices.Equal(got, []string{"_dl_addr", "__libc_dlopen_mode", "__libc_dlclose", "__libc_dlsym"}) {
		t.Fatalf("Symbols = %v", got)
	}
}

func TestMatchSymbol(t *testing.T) {
	syms := []elf.Symbol{
		{Name: "_dl_addr", Section: elf.SHN_UNDEF, Value: 0},
		{Name: "__libc_dlsym@@GLIBC_PRIVATE", Section: 12, Value: 0x4000},
		{Name: "_dl_addr", Section: 12, Value: 0x1000},
	}
	if s, ok := matchSymbol(syms, "_dl_addr"); !ok || s.Value != 0x1000 {
		t.Fatalf("matchSymbol(_dl_addr) = %+v, %v", s, ok)
	}
	if s, ok := matchSymbol(syms, "__libc_dlsym"); !ok || s.Value != 0x4000 {
		t.Fatalf("matchSymbol(__libc_dlsym) = %+v, %v", s, ok)
	}
	if _, ok := matchSymbol(syms, "__libc_dlclose"); ok {
		t.Fatalf("matchSymbol found an absent symbol")
	}
}
