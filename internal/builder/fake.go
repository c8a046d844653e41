package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mblsha/dxeforge/internal/target"
)

// FakeBuilder is intended for tests and --dry-run. It never runs cargo.
type FakeBuilder struct {
	mu sync.Mutex

	Calls []target.Descriptor

	// TargetRoot is where artifacts would land.
	TargetRoot string
	// WriteArtifact writes a placeholder binary at the artifact path.
	WriteArtifact bool
	// Console, when set, receives the command that would have run.
	Console     io.Writer
	CommandLine func(target.Descriptor) string

	FailTargets map[string]error
	// OnBuild runs while the build is "in progress", e.g. to inspect the manifest.
	OnBuild func(ctx context.Context, t target.Descriptor) error
	BlockCh <-chan struct{}
}

func (b *FakeBuilder) Build(ctx context.Context, t target.Descriptor) (Result, error) {
	b.mu.Lock()
	b.Calls = append(b.Calls, t)
	b.mu.Unlock()

	if b.Console != nil && b.CommandLine != nil {
		fmt.Fprintln(b.Console, b.CommandLine(t))
	}
	if b.OnBuild != nil {
		if err := b.OnBuild(ctx, t); err != nil {
			return Result{ExitCode: 101}, &ToolchainError{Target: t, ExitCode: 101, Err: err}
		}
	}
	if b.BlockCh != nil {
		select {
		case <-ctx.Done():
			return Result{ExitCode: -1}, &ToolchainError{Target: t, ExitCode: -1, Err: ctx.Err()}
		case <-b.BlockCh:
		}
	}
	if b.FailTargets != nil {
		if err, ok := b.FailTargets[t.Name()]; ok {
			return Result{ExitCode: 101, LogExcerpt: "fake build failed\n"}, &ToolchainError{Target: t, ExitCode: 101, Err: err}
		}
	}

	path := t.ArtifactPath(b.TargetRoot)
	if b.WriteArtifact {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Result{ExitCode: 1}, err
		}
		if err := os.WriteFile(path, []byte("fake-efi"), 0o644); err != nil {
			return Result{ExitCode: 1}, err
		}
	}
	return Result{Success: true, ArtifactPath: path, LogExcerpt: fmt.Sprintf("fake build of %s\n", t)}, nil
}

func (b *FakeBuilder) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}
