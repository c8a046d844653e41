package target

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Platform string

const (
	PlatformQ35  Platform = "q35"
	PlatformSBSA Platform = "sbsa"
)

type Arch string

const (
	ArchX64     Arch = "x64"
	ArchAArch64 Arch = "aarch64"
)

type Profile string

const (
	ProfileDebug   Profile = "debug"
	ProfileRelease Profile = "release"
)

const ArtifactExt = ".efi"

// platformArch is the fixed board/CPU pairing. Callers never pick an arch.
var platformArch = map[Platform]Arch{
	PlatformQ35:  ArchX64,
	PlatformSBSA: ArchAArch64,
}

var archTriple = map[Arch]string{
	ArchX64:     "x86_64-unknown-uefi",
	ArchAArch64: "aarch64-unknown-uefi",
}

// Descriptor identifies one build output. The zero value is invalid; use New or Parse.
type Descriptor struct {
	platform Platform
	arch     Arch
	profile  Profile
}

func New(p Platform, prof Profile) (Descriptor, error) {
	arch, ok := platformArch[p]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown platform %q", p)
	}
	if prof != ProfileDebug && prof != ProfileRelease {
		return Descriptor{}, fmt.Errorf("unknown profile %q", prof)
	}
	return Descriptor{platform: p, arch: arch, profile: prof}, nil
}

// Parse accepts a command name such as "q35-debug" or "sbsa-release".
func Parse(name string) (Descriptor, error) {
	raw := strings.ToLower(strings.TrimSpace(name))
	plat, prof, ok := strings.Cut(raw, "-")
	if !ok {
		return Descriptor{}, fmt.Errorf("invalid target %q: expected <platform>-<profile>", name)
	}
	d, err := New(Platform(plat), Profile(prof))
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid target %q: %w", name, err)
	}
	return d, nil
}

// All returns every supported target in command order.
func All() []Descriptor {
	out := make([]Descriptor, 0, 4)
	for _, p := range []Platform{PlatformQ35, PlatformSBSA} {
		for _, prof := range []Profile{ProfileDebug, ProfileRelease} {
			d, _ := New(p, prof)
			out = append(out, d)
		}
	}
	return out
}

func (d Descriptor) Platform() Platform { return d.platform }
func (d Descriptor) Arch() Arch         { return d.arch }
func (d Descriptor) Profile() Profile   { return d.profile }

func (d Descriptor) Valid() bool {
	return d.platform != "" && platformArch[d.platform] == d.arch && d.profile != ""
}

// Name is the CLI command name for the descriptor.
func (d Descriptor) Name() string {
	return string(d.platform) + "-" + string(d.profile)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%s/%s", d.platform, d.arch, d.profile)
}

func (d Descriptor) Triple() string {
	return archTriple[d.arch]
}

// Feature is the cargo feature selecting the arch-specific binary.
func (d Descriptor) Feature() string {
	return string(d.arch)
}

// BinaryName is the cargo bin target, e.g. q35_dxe_core.
func (d Descriptor) BinaryName() string {
	return string(d.platform) + "_dxe_core"
}

// ArtifactPath is <targetRoot>/<triple>/<profile>/<platform>_dxe_core.efi.
func (d Descriptor) ArtifactPath(targetRoot string) string {
	return filepath.Join(targetRoot, d.Triple(), string(d.profile), d.BinaryName()+ArtifactExt)
}
