package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleManifest = `[package]
name = "qemu_dxe_core"
version = "0.1.0"
edition = "2021"

[[bin]]
name = "q35_dxe_core"
path = "bin/q35_dxe_core.rs"

[dependencies]
log = "0.4"
patina_dxe_core = { version = "8.3.0" }
patina_adv_logger = { version = "1", features = ["component"], default-features = false }
qemu_resources = { path = "." }

[dependencies.patina_stacktrace]
version = "2.0"
optional = true

[features]
x64 = []
aarch64 = []
`

func TestLoad_ParsesDependenciesInOrder(t *testing.T) {
	m, err := Load([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []Dependency{
		{Name: "log", VersionSpec: "0.4"},
		{Name: "patina_dxe_core", VersionSpec: "8.3.0"},
		{Name: "patina_adv_logger", VersionSpec: "1", Attrs: map[string]string{
			"default-features": "false",
			"features":         `["component"]`,
		}},
		{Name: "qemu_resources", Attrs: map[string]string{"path": "."}},
		{Name: "patina_stacktrace", VersionSpec: "2.0", Attrs: map[string]string{"optional": "true"}},
	}
	if diff := cmp.Diff(want, m.Dependencies()); diff != "" {
		t.Fatalf("dependencies mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_SerializeRoundTrip(t *testing.T) {
	inputs := []string{
		sampleManifest,
		"",
		"[workspace]\nmembers = [\"a\"]\n\n[workspace.dependencies]\nlog = \"0.4\"   # trailing comment\n",
		"[dependencies]\nlog=\"0.4\"", // no trailing newline
	}
	for _, in := range inputs {
		m, err := Load([]byte(in))
		if err != nil {
			t.Fatalf("load %q: %v", in, err)
		}
		if got := string(m.Serialize()); got != in {
			t.Fatalf("round trip mismatch:\nwant %q\ngot  %q", in, got)
		}
	}
}

func TestLoad_MalformedIsParseError(t *testing.T) {
	for _, in := range []string{
		"[dependencies\nlog = \"0.4\"\n",
		"[dependencies]\nlog = 4\n",
		"[dependencies]\nlog = { version = 4 }\n",
	} {
		_, err := Load([]byte(in))
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("expected ParseError for %q, got %v", in, err)
		}
	}
}

func TestLoad_RejectsLeftoverOverrides(t *testing.T) {
	in := "[dependencies]\nlog = \"0.4\"\n\n" + OverrideMarker + "\n[patch.crates-io]\nlog = { path = \"/x\" }\n"
	_, err := Load([]byte(in))
	if !errors.Is(err, ErrLeftoverOverrides) {
		t.Fatalf("expected leftover override error, got %v", err)
	}
}

func TestLoadFile_AttachesSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Cargo.toml")
	if err := os.WriteFile(path, []byte("[dependencies\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path)
	var perr *ParseError
	if !errors.As(err, &perr) || perr.Source != path {
		t.Fatalf("expected ParseError with source %s, got %v", path, err)
	}

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil || errors.As(err, &perr) {
		t.Fatalf("expected plain read error, got %v", err)
	}
}

func TestApplyOverrides_AppendsSectionWithoutMutatingOriginal(t *testing.T) {
	m, err := Load([]byte(sampleManifest))
	if err != nil {
		t.Fatal(err)
	}
	patched, err := m.ApplyOverrides([]Override{
		{Name: "patina_dxe_core", LocalPath: "/src/patina/core"},
		{Name: "patina_adv_logger", LocalPath: `/src/odd "dir"`},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if string(m.Serialize()) != sampleManifest {
		t.Fatalf("original manifest mutated")
	}
	if len(m.Overrides()) != 0 {
		t.Fatalf("original gained overrides: %v", m.Overrides())
	}

	want := sampleManifest + "\n" + OverrideMarker + "\n[patch.crates-io]\n" +
		"patina_dxe_core = { path = \"/src/patina/core\" }\n" +
		"patina_adv_logger = { path = \"/src/odd \\\"dir\\\"\" }\n"
	if got := string(patched.Serialize()); got != want {
		t.Fatalf("patched manifest mismatch:\nwant %q\ngot  %q", want, got)
	}
	if len(patched.Overrides()) != 2 {
		t.Fatalf("expected 2 overrides, got %v", patched.Overrides())
	}
}

func TestApplyOverrides_InsertsUnderExistingTable(t *testing.T) {
	in := "[dependencies]\nlog = \"0.4\"\n\n[patch.crates-io]\nserde = { path = \"../serde\" }\n\n[features]\nx64 = []\n"
	m, err := Load([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	patched, err := m.ApplyOverrides([]Override{{Name: "log", LocalPath: "/src/log"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := "[dependencies]\nlog = \"0.4\"\n\n[patch.crates-io]\n" + OverrideMarker + "\nlog = { path = \"/src/log\" }\nserde = { path = \"../serde\" }\n\n[features]\nx64 = []\n"
	if got := string(patched.Serialize()); got != want {
		t.Fatalf("patched manifest mismatch:\nwant %q\ngot  %q", want, got)
	}

	_, err = m.ApplyOverrides([]Override{{Name: "serde", LocalPath: "/src/serde"}})
	var cerr *ConflictError
	if !errors.As(err, &cerr) || cerr.Name != "serde" {
		t.Fatalf("expected conflict for serde, got %v", err)
	}
}

func TestApplyOverrides_CustomTable(t *testing.T) {
	m, err := Load([]byte("[dependencies]\nlog = \"0.4\"\n"), WithOverrideTable("patch.patina-fw"))
	if err != nil {
		t.Fatal(err)
	}
	patched, err := m.ApplyOverrides([]Override{{Name: "log", LocalPath: "/l"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(patched.Serialize()), "[patch.patina-fw]\nlog = { path = \"/l\" }\n") {
		t.Fatalf("unexpected patched output:\n%s", patched.Serialize())
	}
}

func TestApplyOverrides_EmptyIsNoop(t *testing.T) {
	m, err := Load([]byte(sampleManifest))
	if err != nil {
		t.Fatal(err)
	}
	same, err := m.ApplyOverrides(nil)
	if err != nil || same != m {
		t.Fatalf("expected receiver back, got %p err=%v", same, err)
	}
}

func TestReadDescriptor(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadDescriptor(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}

	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, DescriptorName), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("[package]\nname = \"patina_dxe_core\"\nversion = \"8.3.0\"\n")
	d, err := ReadDescriptor(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if d.Name != "patina_dxe_core" || d.Version != "8.3.0" {
		t.Fatalf("unexpected descriptor %+v", d)
	}

	write("[package]\nname = \"member\"\nversion.workspace = true\n")
	d, err = ReadDescriptor(dir)
	if err != nil || d.Version != "workspace" {
		t.Fatalf("expected inherited version, got %+v err=%v", d, err)
	}

	write("[workspace]\nmembers = [\"core\"]\n")
	if _, err := ReadDescriptor(dir); !errors.Is(err, ErrNoPackage) {
		t.Fatalf("expected ErrNoPackage, got %v", err)
	}

	write("[package\n")
	var perr *ParseError
	if _, err := ReadDescriptor(dir); !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}
