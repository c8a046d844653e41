package builder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/mblsha/dxeforge/internal/config"
	"github.com/mblsha/dxeforge/internal/target"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCargoCommand_PerTarget(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"q35-debug", []string{"build", "--target", "x86_64-unknown-uefi", "--bin", "q35_dxe_core", "--features", "x64",
			"-Zbuild-std=core,compiler_builtins,alloc", "-Zbuild-std-features=compiler-builtins-mem"}},
		{"q35-release", []string{"build", "--target", "x86_64-unknown-uefi", "--bin", "q35_dxe_core", "--features", "x64", "--release",
			"-Zbuild-std=core,compiler_builtins,alloc", "-Zbuild-std-features=compiler-builtins-mem"}},
		{"sbsa-debug", []string{"build", "--target", "aarch64-unknown-uefi", "--bin", "sbsa_dxe_core", "--features", "aarch64",
			"-Zbuild-std=core,compiler_builtins,alloc", "-Zbuild-std-features=compiler-builtins-mem"}},
		{"sbsa-release", []string{"build", "--target", "aarch64-unknown-uefi", "--bin", "sbsa_dxe_core", "--features", "aarch64", "--release",
			"-Zbuild-std=core,compiler_builtins,alloc", "-Zbuild-std-features=compiler-builtins-mem"}},
	}
	for _, tc := range cases {
		td, err := target.Parse(tc.name)
		if err != nil {
			t.Fatal(err)
		}
		spec := buildCargoCommand("cargo", "/ws", "/ws/target", td, nil)
		if diff := cmp.Diff(tc.args, spec.Args); diff != "" {
			t.Fatalf("%s args mismatch (-want +got):\n%s", tc.name, diff)
		}
		if spec.Name != "cargo" || spec.Dir != "/ws" {
			t.Fatalf("unexpected spec %+v", spec)
		}
		wantEnv := []string{"RUSTC_BOOTSTRAP=1", "CARGO_TARGET_DIR=/ws/target"}
		if diff := cmp.Diff(wantEnv, spec.Env); diff != "" {
			t.Fatalf("env mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestCargoCommand_ExtraFeaturesDeduplicated(t *testing.T) {
	td, _ := target.Parse("q35-debug")
	spec := buildCargoCommand("cargo", "/ws", "/t", td, []string{"enable_debugger", "x64", "", "build_debugger", "enable_debugger"})
	tail := spec.Args[len(spec.Args)-4:]
	if diff := cmp.Diff([]string{"--features", "enable_debugger", "--features", "build_debugger"}, tail); diff != "" {
		t.Fatalf("feature args mismatch (-want +got):\n%s", diff)
	}
}

func TestCargoBuilder_Success(t *testing.T) {
	runner := &recordingRunner{}
	cb := newTestBuilder(t, runner)
	td, _ := target.Parse("sbsa-release")
	want := filepath.Join(cb.TargetRoot, "aarch64-unknown-uefi", "release", "sbsa_dxe_core.efi")
	runner.hook = func(spec CommandSpec) error {
		return writeArtifact(want)
	}
	runner.output = "   Compiling sbsa_dxe_core v0.1.0\n    Finished `release` profile\n"

	var console bytes.Buffer
	cb.Console = &console
	res, err := cb.Build(context.Background(), td)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if !res.Success || res.ArtifactPath != want {
		t.Fatalf("unexpected result %+v", res)
	}
	if console.String() != runner.output {
		t.Fatalf("console not tee'd: %q", console.String())
	}
	if !strings.Contains(res.LogExcerpt, "Finished") {
		t.Fatalf("expected tail in excerpt: %q", res.LogExcerpt)
	}
	if runner.calls != 1 {
		t.Fatalf("expected one cargo invocation, got %d", runner.calls)
	}
}

func TestCargoBuilder_BootstrapUnsetFailsFast(t *testing.T) {
	for _, value := range []string{"", "0", "yes"} {
		runner := &recordingRunner{}
		cb := newTestBuilder(t, runner)
		cb.BootstrapValue = value
		td, _ := target.Parse("q35-debug")

		res, err := cb.Build(context.Background(), td)
		var be *BootstrapError
		if !errors.As(err, &be) || !errors.Is(err, ErrBootstrapUnset) {
			t.Fatalf("value %q: expected bootstrap error, got %v", value, err)
		}
		if runner.calls != 0 {
			t.Fatalf("cargo must not run without the bootstrap flag")
		}
		if res.Success || res.ArtifactPath != "" {
			t.Fatalf("unexpected result %+v", res)
		}
	}
}

func TestCargoBuilder_NonZeroExitIsToolchainError(t *testing.T) {
	runner := &recordingRunner{exitCode: 101, err: errors.New("exit status 101")}
	cb := newTestBuilder(t, runner)
	td, _ := target.Parse("q35-debug")
	// A stale artifact from an earlier build must not be reported.
	if err := writeArtifact(td.ArtifactPath(cb.TargetRoot)); err != nil {
		t.Fatal(err)
	}
	runner.output = "error[E0425]: cannot find function `init_gic` in this scope\n   --> src/lib.rs:412:9\n"

	res, err := cb.Build(context.Background(), td)
	var te *ToolchainError
	if !errors.As(err, &te) {
		t.Fatalf("expected toolchain error, got %v", err)
	}
	if te.ExitCode != 101 || te.Target != td {
		t.Fatalf("unexpected error fields %+v", te)
	}
	if res.Success || res.ArtifactPath != "" {
		t.Fatalf("failed build must not report an artifact: %+v", res)
	}
	if !strings.HasPrefix(res.LogExcerpt, "failure: kind=compile summary=[E0425]") {
		t.Fatalf("unexpected excerpt %q", res.LogExcerpt)
	}
	if len(res.Diagnostics) != 1 || res.Diagnostics[0].Line != 412 {
		t.Fatalf("unexpected diagnostics %+v", res.Diagnostics)
	}
}

func TestCargoBuilder_ZeroExitWithoutArtifact(t *testing.T) {
	cb := newTestBuilder(t, &recordingRunner{})
	td, _ := target.Parse("q35-release")
	_, err := cb.Build(context.Background(), td)
	var ae *ArtifactNotFoundError
	if !errors.As(err, &ae) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing artifact, got %v", err)
	}

	path := td.ArtifactPath(cb.TargetRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = cb.Build(context.Background(), td)
	if !errors.As(err, &ae) || ae.Path != path {
		t.Fatalf("expected empty artifact error, got %v", err)
	}
}

func TestNewCargoBuilder_FromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.WorkspaceDir = "/src/patina-qemu"
	cfg.BootstrapValue = "1"
	cfg.ExtraFeatures = []string{"enable_debugger"}
	cb := NewCargoBuilder(cfg, nil, nil)
	if cb.TargetRoot != filepath.Join("/src/patina-qemu", "target") {
		t.Fatalf("unexpected target root %s", cb.TargetRoot)
	}
	if _, ok := cb.Runner.(OSRunner); !ok {
		t.Fatalf("expected OSRunner default")
	}
	td, _ := target.Parse("q35-debug")
	line := cb.CommandLine(td)
	if !strings.HasPrefix(line, "RUSTC_BOOTSTRAP=1 CARGO_TARGET_DIR=/src/patina-qemu/target cargo build") ||
		!strings.HasSuffix(line, "--features enable_debugger") {
		t.Fatalf("unexpected command line %q", line)
	}
}

func TestOSRunner_PassesEnvAndExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	var out bytes.Buffer
	code, err := OSRunner{}.Run(context.Background(), CommandSpec{
		Name: "/bin/sh",
		Args: []string{"-c", `echo "$DXEFORGE_PROBE"; exit 3`},
		Dir:  t.TempDir(),
		Env:  []string{"DXEFORGE_PROBE=hello"},
	}, &out, &out)
	if err == nil || code != 3 {
		t.Fatalf("expected exit 3, got %d (%v)", code, err)
	}
	if out.String() != "hello\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestOSRunner_Cancelled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, err := OSRunner{}.Run(ctx, CommandSpec{Name: "/bin/sh", Args: []string{"-c", "sleep 5"}}, io.Discard, io.Discard)
	if !errors.Is(err, context.Canceled) || code != -1 {
		t.Fatalf("expected cancellation, got %d (%v)", code, err)
	}
}

func TestFakeBuilder_DryRunDoesNotWrite(t *testing.T) {
	root := t.TempDir()
	var console bytes.Buffer
	fb := &FakeBuilder{
		TargetRoot:  root,
		Console:     &console,
		CommandLine: func(d target.Descriptor) string { return "cargo build --bin " + d.BinaryName() },
	}
	td, _ := target.Parse("sbsa-debug")
	res, err := fb.Build(context.Background(), td)
	if err != nil || !res.Success {
		t.Fatalf("unexpected %+v %v", res, err)
	}
	if _, err := os.Stat(res.ArtifactPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("dry run must not write artifacts")
	}
	if console.String() != "cargo build --bin sbsa_dxe_core\n" || fb.CallCount() != 1 {
		t.Fatalf("unexpected console %q", console.String())
	}
}

func newTestBuilder(t *testing.T, runner Runner) *CargoBuilder {
	t.Helper()
	root := t.TempDir()
	return &CargoBuilder{
		CargoBin:       "cargo",
		WorkspaceDir:   root,
		TargetRoot:     filepath.Join(root, "target"),
		BootstrapValue: "1",
		TailLines:      20,
		Runner:         runner,
	}
}

func writeArtifact(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("MZ"), 0o644)
}

type recordingRunner struct {
	spec     CommandSpec
	calls    int
	exitCode int
	err      error
	output   string
	hook     func(spec CommandSpec) error
}

func (r *recordingRunner) Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error) {
	_ = ctx
	r.spec = spec
	r.calls++
	if r.output != "" {
		_, _ = io.WriteString(stdout, r.output)
	}
	if r.hook != nil {
		if err := r.hook(spec); err != nil {
			return 1, err
		}
	}
	return r.exitCode, r.err
}
