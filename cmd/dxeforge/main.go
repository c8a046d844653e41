package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mblsha/dxeforge/internal/builder"
	"github.com/mblsha/dxeforge/internal/config"
	"github.com/mblsha/dxeforge/internal/logging"
	"github.com/mblsha/dxeforge/internal/orchestrator"
	"github.com/mblsha/dxeforge/internal/target"
)

var (
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

const (
	featureEnableDebugger = "enable_debugger"
	featureBuildDebugger  = "build_debugger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp(os.Stdout, os.Stderr).execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

type options struct {
	configPath    string
	manifest      string
	targetDir     string
	cargo         string
	verbose       bool
	dryRun        bool
	debugger      bool
	buildDebugger bool
}

type app struct {
	opts   options
	cfg    config.Config
	logger *zap.Logger

	stdout io.Writer
	stderr io.Writer
	// runner replaces the cargo process runner; nil means OSRunner.
	runner builder.Runner
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, logger: zap.NewNop()}
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	err := root.ExecuteContext(ctx)
	_ = a.logger.Sync()
	if err == nil {
		return 0
	}
	var se *orchestrator.StageError
	if errors.As(err, &se) {
		fmt.Fprintln(a.stderr, colError.Sprintf("stage=%s: %v", se.Stage, se.Err))
	} else {
		fmt.Fprintln(a.stderr, colError.Sprintf("error: %v", err))
	}
	return orchestrator.ExitCode(err)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dxeforge",
		Short:         "Build the QEMU DXE core with optional local crate overrides",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.opts.configPath, "config", "", "config file (default <workspace>/"+config.DefaultFileName+")")
	pf.StringVar(&a.opts.manifest, "manifest", "", "workspace manifest (default <workspace>/Cargo.toml)")
	pf.StringVar(&a.opts.targetDir, "target-dir", "", "cargo target directory (default <workspace>/target)")
	pf.StringVar(&a.opts.cargo, "cargo", "", "cargo executable")
	pf.BoolVarP(&a.opts.verbose, "verbose", "v", false, "debug logging on stderr")
	pf.BoolVar(&a.opts.dryRun, "dry-run", false, "patch and restore the manifest but only print the cargo command")
	pf.BoolVar(&a.opts.debugger, "debugger", false, "enable the debugger ("+featureEnableDebugger+" feature)")
	pf.BoolVar(&a.opts.buildDebugger, "build-debugger", false, "build with debugger support ("+featureBuildDebugger+" feature)")

	for _, td := range target.All() {
		root.AddCommand(a.buildCmd(td))
	}
	root.AddCommand(a.restoreCmd(), a.targetsCmd(), a.historyCmd())
	return root
}

// setup layers CLI flags over the loaded config and builds the logger.
func (a *app) setup() error {
	logger, err := logging.NewWithWriter(a.opts.verbose, a.stderr)
	if err != nil {
		return err
	}
	a.logger = logger

	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return err
	}
	if a.opts.manifest != "" {
		cfg.ManifestPath = a.opts.manifest
	}
	if a.opts.targetDir != "" {
		cfg.TargetDir = a.opts.targetDir
	}
	if a.opts.cargo != "" {
		cfg.CargoBin = a.opts.cargo
	}
	if a.opts.debugger {
		cfg.ExtraFeatures = append(cfg.ExtraFeatures, featureEnableDebugger)
	}
	if a.opts.buildDebugger {
		cfg.ExtraFeatures = append(cfg.ExtraFeatures, featureBuildDebugger)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	logger.Debug("config loaded",
		zap.String("workspace", cfg.WorkspaceDir),
		zap.String("manifest", cfg.Manifest()),
		zap.String("target_root", cfg.TargetRoot()),
		zap.Bool("bootstrap", cfg.BootstrapEnabled()))
	return nil
}

func (a *app) buildCmd(td target.Descriptor) *cobra.Command {
	return &cobra.Command{
		Use:   td.Name() + " [local-path...]",
		Short: fmt.Sprintf("Build %s for %s (%s)", td.BinaryName(), td.Triple(), td.Profile()),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBuild(cmd.Context(), td, args)
		},
	}
}

func (a *app) newBuilder() builder.Builder {
	cb := builder.NewCargoBuilder(a.cfg, a.runner, a.logger.Named("cargo"))
	cb.Console = a.stdout
	if !a.opts.dryRun {
		return cb
	}
	return &builder.FakeBuilder{
		TargetRoot:  a.cfg.TargetRoot(),
		Console:     a.stdout,
		CommandLine: cb.CommandLine,
	}
}
