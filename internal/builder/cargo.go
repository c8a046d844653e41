package builder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mblsha/dxeforge/internal/config"
	"github.com/mblsha/dxeforge/internal/diagnostics"
	"github.com/mblsha/dxeforge/internal/target"
)

var buildStdArgs = []string{
	"-Zbuild-std=core,compiler_builtins,alloc",
	"-Zbuild-std-features=compiler-builtins-mem",
}

type CargoBuilder struct {
	CargoBin       string
	WorkspaceDir   string
	TargetRoot     string
	BootstrapValue string
	ExtraFeatures  []string
	TailLines      int

	// Console receives cargo output as it is produced, in addition to the capture
	// used for diagnostics.
	Console io.Writer
	Runner  Runner
	Logger  *zap.Logger
}

func NewCargoBuilder(cfg config.Config, runner Runner, logger *zap.Logger) *CargoBuilder {
	if runner == nil {
		runner = OSRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CargoBuilder{
		CargoBin:       cfg.CargoBin,
		WorkspaceDir:   cfg.WorkspaceDir,
		TargetRoot:     cfg.TargetRoot(),
		BootstrapValue: cfg.BootstrapValue,
		ExtraFeatures:  cfg.ExtraFeatures,
		TailLines:      cfg.LogTailLines,
		Runner:         runner,
		Logger:         logger,
	}
}

func (b *CargoBuilder) Build(ctx context.Context, t target.Descriptor) (Result, error) {
	if !t.Valid() {
		return Result{ExitCode: -1}, fmt.Errorf("invalid target %q", t.Name())
	}
	if err := b.Preflight(); err != nil {
		return Result{ExitCode: -1}, err
	}
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runner := b.Runner
	if runner == nil {
		runner = OSRunner{}
	}

	spec := buildCargoCommand(b.CargoBin, b.WorkspaceDir, b.TargetRoot, t, b.ExtraFeatures)
	logger.Info("invoking cargo",
		zap.String("target", t.String()),
		zap.String("dir", spec.Dir),
		zap.Strings("args", spec.Args))

	var console bytes.Buffer
	out := io.Writer(&console)
	if b.Console != nil {
		out = io.MultiWriter(&console, b.Console)
	}

	start := time.Now()
	exitCode, runErr := runner.Run(ctx, spec, out, out)
	res := Result{ExitCode: exitCode, Duration: time.Since(start)}

	raw := console.Bytes()
	failed := runErr != nil || exitCode != 0
	res.Diagnostics = diagnostics.BuildReport(raw).Diagnostics
	res.LogExcerpt = diagnostics.Excerpt(raw, b.TailLines, failed, fmt.Sprintf("cargo exited %d", exitCode))

	if failed {
		err := runErr
		if err == nil {
			err = fmt.Errorf("cargo exited %d", exitCode)
		}
		return res, &ToolchainError{Target: t, ExitCode: exitCode, Err: err}
	}

	path := t.ArtifactPath(b.TargetRoot)
	fi, err := os.Stat(path)
	if err != nil {
		return res, &ArtifactNotFoundError{Target: t, Path: path, Err: err}
	}
	if fi.Size() == 0 {
		return res, &ArtifactNotFoundError{Target: t, Path: path, Err: errEmptyArtifact}
	}
	res.Success = true
	res.ArtifactPath = path
	logger.Info("cargo build finished",
		zap.String("artifact", path),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func buildCargoCommand(cargoBin, workspaceDir, targetRoot string, t target.Descriptor, extraFeatures []string) CommandSpec {
	args := []string{
		"build",
		"--target", t.Triple(),
		"--bin", t.BinaryName(),
		"--features", t.Feature(),
	}
	if t.Profile() == target.ProfileRelease {
		args = append(args, "--release")
	}
	args = append(args, buildStdArgs...)

	seen := map[string]struct{}{t.Feature(): {}}
	for _, f := range extraFeatures {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		args = append(args, "--features", f)
	}

	return CommandSpec{
		Name: cargoBin,
		Args: args,
		Dir:  workspaceDir,
		Env: []string{
			config.BootstrapEnvVar + "=" + config.BootstrapRequiredValue,
			"CARGO_TARGET_DIR=" + targetRoot,
		},
	}
}

// CommandLine renders the cargo invocation for t as a shell-like string.
func (b *CargoBuilder) CommandLine(t target.Descriptor) string {
	spec := buildCargoCommand(b.CargoBin, b.WorkspaceDir, b.TargetRoot, t, b.ExtraFeatures)
	return strings.Join(append(append(append([]string{}, spec.Env...), spec.Name), spec.Args...), " ")
}

// Preflight reports a missing bootstrap flag without running anything.
func (b *CargoBuilder) Preflight() error {
	if b.BootstrapValue != config.BootstrapRequiredValue {
		return &BootstrapError{Value: b.BootstrapValue}
	}
	return nil
}
