package rtld

import (
	"slices"

	"go.uber.org/zap"
)

// sizeHint selects which symbol field is handed to the code patcher as the
// size bound for an entry point.
type sizeHint int

const (
	hintValue sizeHint = iota
	hintSize
)

type interception struct {
	symbol      string
	replacement uintptr
	hint        sizeHint
}

// Interception is an entry point found in a module, ready to be redirected.
type Interception struct {
	Symbol      string
	Target      uintptr
	Replacement uintptr
	SizeHint    uintptr
}

// Interceptor redirects the C library's internal loader entry points into the
// replacements listed in Hooks.
type Interceptor struct {
	log     *zap.Logger
	patcher CodePatcher
	symbols SymbolFinder
	table   []interception
	fatal   func(string, ...zap.Field)
}

func newInterceptor(cfg *Config, fatal func(string, ...zap.Field)) *Interceptor {
	return &Interceptor{
		log:     cfg.Logger,
		patcher: cfg.Patcher,
		symbols: cfg.Symbols,
		fatal:   fatal,
		// _dl_addr and __libc_dlsym pass st_value as the size bound, the
		// other two pass st_size. Kept as the C library's loader does it.
		table: []interception{
			{symbol: "_dl_addr", replacement: cfg.Hooks.DlAddr, hint: hintValue},
			{symbol: "__libc_dlopen_mode", replacement: cfg.Hooks.DlopenMode, hint: hintSize},
			{symbol: "__libc_dlclose", replacement: cfg.Hooks.Dlclose, hint: hintSize},
			{symbol: "__libc_dlsym", replacement: cfg.Hooks.Dlsym, hint: hintValue},
		},
	}
}

// Symbols lists the intercepted entry point names in table order.
func (i *Interceptor) Symbols() []string {
	names := make([]string, 0, len(i.table))
	for _, e := range i.table {
		names = append(names, e.symbol)
	}
	return names
}

// Plan lists the intercepted entry points that m defines, without touching
// the module.
func (i *Interceptor) Plan(m *Module) []Interception {
	var out []Interception
	for _, e := range i.table {
		sym, ok := i.symbols.LookupLocal(m, e.symbol)
		if !ok {
			continue
		}
		hint := uintptr(sym.Value)
		if e.hint == hintSize {
			hint = uintptr(sym.Size)
		}
		out = append(out, Interception{
			Symbol:      e.symbol,
			Target:      m.LoadBase + uintptr(sym.Value),
			Replacement: e.replacement,
			SizeHint:    hint,
		})
	}
	return out
}

// Patch redirects every intercepted entry point m defines. It runs once per
// module; a patcher failure is fatal.
func (i *Interceptor) Patch(m *Module) {
	i.log.Debug("patch", zap.String("file", m.Name))
	if m.patched {
		return
	}
	// Set first so a failed rewrite is never retried.
	m.patched = true

	for _, p := range i.Plan(m) {
		if p.Replacement == 0 {
			i.log.Debug("no replacement configured", zap.String("symbol", p.Symbol))
			continue
		}
		if i.patcher == nil || !i.patcher.Redirect(p.Target, p.Replacement, p.SizeHint) {
			i.fatal("Unable to intercept "+p.Symbol+". Check your selinux config.",
				zap.String("file", m.Name),
				zap.Uintptr("target", p.Target))
		}
	}
}

// PatchAll patches every module in the order given. The depth-sorted order is
// only traced.
func (i *Interceptor) PatchAll(modules []*Module) {
	sorted := SortByIncreasingDepth(modules)
	slices.Reverse(sorted)
	if ce := i.log.Check(zap.DebugLevel, "patch all"); ce != nil {
		ce.Write(zap.Strings("by_depth", moduleNames(sorted)))
	}
	for _, m := range modules {
		if m != nil {
			i.Patch(m)
		}
	}
}

func moduleNames(modules []*Module) []string {
	names := make([]string, 0, len(modules))
	for _, m := range modules {
		names = append(names, m.Name)
	}
	return names
}
