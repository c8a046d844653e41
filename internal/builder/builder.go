package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/mblsha/dxeforge/internal/job"
	"github.com/mblsha/dxeforge/internal/target"
)

var ErrBootstrapUnset = errors.New("RUSTC_BOOTSTRAP=1 is required for -Z build-std")

// BootstrapError is returned before cargo runs when the bootstrap flag is missing.
type BootstrapError struct {
	Value string
}

func (e *BootstrapError) Error() string {
	if e.Value == "" {
		return ErrBootstrapUnset.Error() + " (unset)"
	}
	return fmt.Sprintf("%s (got %q)", ErrBootstrapUnset, e.Value)
}

func (e *BootstrapError) Unwrap() error { return ErrBootstrapUnset }

// ToolchainError means cargo could not be started or exited non-zero.
type ToolchainError struct {
	Target   target.Descriptor
	ExitCode int
	Err      error
}

func (e *ToolchainError) Error() string {
	return fmt.Sprintf("cargo build for %s failed (exit %d): %v", e.Target, e.ExitCode, e.Err)
}

func (e *ToolchainError) Unwrap() error { return e.Err }

// ArtifactNotFoundError means cargo reported success but the binary is missing or empty.
type ArtifactNotFoundError struct {
	Target target.Descriptor
	Path   string
	Err    error
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact for %s not found at %s: %v", e.Target, e.Path, e.Err)
}

func (e *ArtifactNotFoundError) Unwrap() error { return e.Err }

var errEmptyArtifact = errors.New("artifact is empty")

type Result struct {
	Success      bool
	ArtifactPath string
	LogExcerpt   string
	ExitCode     int
	Duration     time.Duration
	Diagnostics  []job.Diagnostic
}

type Builder interface {
	Build(ctx context.Context, t target.Descriptor) (Result, error)
}

type CommandSpec struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
}

type Runner interface {
	Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), err
	}
	return -1, err
}
