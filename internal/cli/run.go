package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cryguy/napi"
	"github.com/cryguy/napi/addon/brotli"
	"github.com/cryguy/napi/addon/sqlite"
	"github.com/cryguy/napi/addon/wasm"
	"github.com/cryguy/napi/internal/inspector"
	"github.com/cryguy/napi/internal/jsmodules"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	PoolSize int
	Inspect  string
	SQLite   string
	Wasm     string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <script.js>",
		Short: "Run a script",
		Long: `Bundle a script with its imports, evaluate it, and keep the event loop
running until every queued piece of async work has completed.

Example:
  napi-run run ./main.js
  napi-run run --sqlite ./app.db --pool-size 8 ./main.js
  napi-run run --wasm ./math.wasm --inspect 127.0.0.1:9229 ./main.js`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.PoolSize, "pool-size", 0, "worker pool size (overrides config)")
	cmd.Flags().StringVar(&opts.Inspect, "inspect", "", "serve async hook events on this address")
	cmd.Flags().StringVar(&opts.SQLite, "sqlite", "", "SQLite database exposed as the sqlite global")
	cmd.Flags().StringVar(&opts.Wasm, "wasm", "", "WebAssembly module exposed as the wasm global")
	return cmd
}

// resolveConfig layers config file, environment and flags.
func resolveConfig(cmd *cobra.Command, opts *RunOptions) (napi.Config, error) {
	cfg := napi.DefaultConfig()
	if opts.ConfigPath != "" {
		loaded, err := napi.LoadConfig(opts.ConfigPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	} else if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("pool-size") {
		cfg.PoolSize = opts.PoolSize
	}
	if opts.Inspect != "" {
		cfg.InspectAddr = opts.Inspect
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	return cfg, cfg.Validate()
}

// newLogger builds a zap logger writing to stderr at level.
func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = lvl
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func runScript(cmd *cobra.Command, opts *RunOptions, path string) error {
	cfg, err := resolveConfig(cmd, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return WrapExitError(ExitCommandError, "configuring logging", err)
	}
	defer func() { _ = logger.Sync() }()

	src, err := jsmodules.Bundle(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading script", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sqlite.DB
	if opts.SQLite != "" {
		db, err = sqlite.Open(opts.SQLite)
		if err != nil {
			return WrapExitError(ExitCommandError, "opening database", err)
		}
		defer db.Close()
	}
	var mod *wasm.Module
	if opts.Wasm != "" {
		wasmBytes, err := os.ReadFile(opts.Wasm)
		if err != nil {
			return WrapExitError(ExitCommandError, "reading wasm module", err)
		}
		mod, err = wasm.Load(ctx, wasmBytes, 0)
		if err != nil {
			return WrapExitError(ExitCommandError, "loading wasm module", err)
		}
		defer mod.Close(context.Background())
	}

	env, err := napi.NewEnv(cfg, napi.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "creating environment", err)
	}
	defer env.Close()

	if err := setupGlobals(env, cmd.OutOrStdout(), cmd.ErrOrStderr(), db, mod); err != nil {
		return WrapExitError(ExitCommandError, "installing globals", err)
	}

	if cfg.InspectAddr != "" {
		insp := inspector.New(env.ID(), logger.Named("inspector"))
		addr, err := insp.Listen(cfg.InspectAddr, cfg.InspectMaxClients)
		if err != nil {
			return WrapExitError(ExitCommandError, "starting inspector", err)
		}
		defer insp.Close()
		if _, st := napi.AddAsyncHooks(env, insp.Hooks()); st != napi.StatusOK {
			return WrapExitError(ExitCommandError, "registering inspector hooks", fmt.Errorf("%s", st))
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "inspector listening on ws://%s\n", addr)
	}

	err = env.Run(ctx, func(env *napi.Env) error {
		if _, st := napi.RunScript(env, src); st != napi.StatusOK {
			info, _ := napi.GetLastErrorInfo(env)
			return fmt.Errorf("%s: %s", st, info.Message)
		}
		return nil
	})
	// Restore default signal handling so a second interrupt ends a slow
	// shutdown.
	stop()
	if err != nil {
		return WrapExitError(ExitFailure, "script failed", err)
	}
	return nil
}

// setupGlobals installs console and the addons.
func setupGlobals(env *napi.Env, stdout, stderr io.Writer, db *sqlite.DB, mod *wasm.Module) error {
	if err := setupConsole(env, stdout, stderr); err != nil {
		return err
	}
	if err := brotli.Setup(env, 0); err != nil {
		return err
	}
	if db != nil {
		if err := sqlite.Setup(env, db); err != nil {
			return err
		}
	}
	if mod != nil {
		if err := wasm.Setup(env, mod); err != nil {
			return err
		}
	}
	return nil
}

const consoleJS = `
(function() {
	function fmt(args) {
		return Array.prototype.map.call(args, function(a) {
			if (typeof a === "string") return a;
			try { return JSON.stringify(a); } catch (e) { return String(a); }
		}).join(" ");
	}
	globalThis.console = {
		log: function() { __console_write(false, fmt(arguments)); },
		info: function() { __console_write(false, fmt(arguments)); },
		warn: function() { __console_write(true, fmt(arguments)); },
		error: function() { __console_write(true, fmt(arguments)); },
	};
})();
`

func setupConsole(env *napi.Env, stdout, stderr io.Writer) error {
	rt := env.Runtime()
	if err := rt.RegisterFunc("__console_write", func(toStderr bool, line string) {
		w := stdout
		if toStderr {
			w = stderr
		}
		fmt.Fprintln(w, strings.TrimRight(line, "\n"))
	}); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}
