package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	drow "github.com/jtracey/drow-loader"
	"github.com/jtracey/drow-loader/rtld"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	debug       bool
	tcbSize     uint64
	execArgs    string
	execEnv     string
	inspectSelf bool
)

var rootCmd = &cobra.Command{
	Use:          "drow-loader",
	Short:        "Inspect and exercise the dynamic loader core against ELF objects",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !debug {
			return nil
		}
		logger, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		rtld.SetLogger(logger)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [shared object...]",
	Short: "Print dependency order, static TLS layout and intercepted entry points",
	RunE: func(cmd *cobra.Command, args []string) error {
		modules, err := loadModules(args)
		if err != nil {
			return err
		}
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		ctx, err := execContext(rt)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "fini order: %s\n", names(rtld.FiniOrder(modules)))
		fmt.Fprintf(out, "init order: %s\n", names(rtld.InitOrder(modules)))
		fmt.Fprintf(out, "constructor arguments: argc=%d argv=%q\n", ctx.Argc, ctx.Args())

		rt.TLS.Register(modules, true)
		printTLS(out, rt, modules)

		fmt.Fprintln(out, "interceptions:")
		for _, m := range modules {
			for _, p := range rt.Interceptor.Plan(m) {
				fmt.Fprintf(out, "  %s %s target=%#x size-hint=%#x\n", m.Name, p.Symbol, p.Target, p.SizeHint)
			}
		}
		return nil
	},
}

var exportsCmd = &cobra.Command{
	Use:   "exports",
	Short: "List the symbols the loader defines for the C library",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		ctx, err := execContext(rt)
		if err != nil {
			return err
		}
		rt.State.SetContext(ctx)

		out := cmd.OutOrStdout()
		for _, e := range rt.Exports() {
			if e.Addr != 0 {
				fmt.Fprintf(out, "%-28s %s %#x\n", e.Name, e.Kind, e.Addr)
				continue
			}
			fmt.Fprintf(out, "%-28s %s\n", e.Name, e.Kind)
		}
		return nil
	},
}

var threadCmd = &cobra.Command{
	Use:   "thread <shared object...>",
	Short: "Allocate a thread control block and resolve every module's TLS block",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modules, err := loadModules(args)
		if err != nil {
			return err
		}
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		rt.TLS.Register(modules, true)

		tcb := rt.AllocateTLS(0)
		if tcb == 0 {
			return fmt.Errorf("allocate thread control block")
		}
		defer rt.DeallocateTLS(tcb, true)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tcb: %#x\n", tcb)
		for _, m := range modules {
			if m.TLS == nil {
				continue
			}
			block, err := rt.TLS.ThreadBlock(tcb, m.TLS.ID)
			if err != nil {
				return err
			}
			preview := block
			if len(preview) > 16 {
				preview = preview[:16]
			}
			fmt.Fprintf(out, "  [%d] %s block=%#x init=% x\n", m.TLS.ID, m.Name, rt.TLS.GetAddrFast(tcb, m.TLS.ID, 0), preview)
		}
		return nil
	},
}

var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle",
	Short: "Trace startup and shutdown over the objects mapped into this process without running their code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Function arrays are read from memory, so only mapped objects qualify.
		modules, err := rtld.DiscoverMapped()
		if err != nil {
			return fmt.Errorf("discover mapped objects: %w", err)
		}
		out := cmd.OutOrStdout()
		tracer := &callTracer{out: out}
		loader, err := drow.New(rtld.Config{
			TCBSize: uintptr(tcbSize),
			Invoker: tracer,
			Patcher: tracer,
			// Non-zero so every entry point found is reported.
			Hooks: rtld.Hooks{DlAddr: 1, DlopenMode: 1, Dlclose: 1, Dlsym: 1},
		})
		if err != nil {
			return err
		}
		ctx, err := execContext(loader.Runtime())
		if err != nil {
			return err
		}

		fmt.Fprintln(out, "startup:")
		if err := loader.Start(modules, ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "shutdown:")
		return loader.Close()
	},
}

// callTracer stands in for the foreign call and code patching layers and
// prints what would have happened.
type callTracer struct {
	out io.Writer
}

func (c *callTracer) CallInit(fn uintptr, argc int, argv, envp uintptr) {
	fmt.Fprintf(c.out, "  init %#x argc=%d argv=%#x envp=%#x\n", fn, argc, argv, envp)
}

func (c *callTracer) CallFini(fn uintptr) {
	fmt.Fprintf(c.out, "  fini %#x\n", fn)
}

func (c *callTracer) Redirect(target, replacement, sizeHint uintptr) bool {
	fmt.Fprintf(c.out, "  redirect %#x size-hint=%#x\n", target, sizeHint)
	return true
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log loader activity to stderr")
	rootCmd.PersistentFlags().Uint64Var(&tcbSize, "tcb-size", 0, "Thread descriptor size added to the static TLS area (0 selects the platform default)")
	rootCmd.PersistentFlags().StringVar(&execArgs, "args", "", "Shell-quoted argument vector handed to constructors (defaults to this process's)")
	rootCmd.PersistentFlags().StringVar(&execEnv, "env", "", "Shell-quoted NAME=VALUE list handed to constructors (defaults to this process's)")
	inspectCmd.Flags().BoolVar(&inspectSelf, "self", false, "Inspect the objects mapped into this process instead of files")

	rootCmd.AddCommand(inspectCmd, exportsCmd, threadCmd, lifecycleCmd)
}

func newRuntime() (*rtld.Runtime, error) {
	rt, err := rtld.New(rtld.Config{TCBSize: uintptr(tcbSize)})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return rt, nil
}

func loadModules(paths []string) ([]*rtld.Module, error) {
	if inspectSelf {
		modules, err := rtld.DiscoverMapped()
		if err != nil {
			return nil, fmt.Errorf("discover mapped objects: %w", err)
		}
		return modules, nil
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no shared objects given")
	}

	modules := make([]*rtld.Module, 0, len(paths))
	for _, path := range paths {
		m, err := rtld.ModuleFromFile(path)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	if missing := rtld.LinkDeps(modules); len(missing) > 0 && debug {
		rtld.Logger().Debug("unresolved DT_NEEDED", zap.Strings("names", missing))
	}
	return modules, nil
}

func execContext(rt *rtld.Runtime) (*rtld.ExecContext, error) {
	args, env := os.Args, os.Environ()
	var err error
	if execArgs != "" {
		if args, err = shellquote.Split(execArgs); err != nil {
			return nil, fmt.Errorf("parse --args: %w", err)
		}
	}
	if execEnv != "" {
		if env, err = shellquote.Split(execEnv); err != nil {
			return nil, fmt.Errorf("parse --env: %w", err)
		}
	}
	return rtld.NewExecContext(args, env, rt.Allocator())
}

func printTLS(out io.Writer, rt *rtld.Runtime, modules []*rtld.Module) {
	size, align := rt.TLS.StaticInfo()
	fmt.Fprintf(out, "static tls: size=%#x align=%#x\n", size, align)
	for _, m := range modules {
		if m.TLS == nil {
			continue
		}
		fmt.Fprintf(out, "  [%d] %s offset=%#x size=%#x align=%#x\n", m.TLS.ID, m.Name, m.TLS.Offset, m.TLS.Size, m.TLS.Align)
	}
}

func names(modules []*rtld.Module) string {
	out := make([]string, 0, len(modules))
	for _, m := range modules {
		out = append(out, m.Name)
	}
	return strings.Join(out, " ")
}
