package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

var ErrNoPackage = errors.New("descriptor declares no [package] name")

// Descriptor is the subset of a crate's Cargo.toml needed to identify it.
type Descriptor struct {
	Path    string
	Name    string
	Version string
}

type rawDescriptor struct {
	Package *struct {
		Name    any `toml:"name"`
		Version any `toml:"version"`
	} `toml:"package"`
}

// ReadDescriptor parses <dir>/Cargo.toml. A virtual workspace manifest has no
// package of its own and yields ErrNoPackage.
func ReadDescriptor(dir string) (Descriptor, error) {
	path := filepath.Join(dir, DescriptorName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}
	return ParseDescriptor(path, raw)
}

func ParseDescriptor(path string, raw []byte) (Descriptor, error) {
	var rd rawDescriptor
	if _, err := toml.Decode(string(raw), &rd); err != nil {
		return Descriptor{}, &ParseError{Source: path, Err: err}
	}
	if rd.Package == nil {
		return Descriptor{}, ErrNoPackage
	}
	name, ok := rd.Package.Name.(string)
	if !ok || strings.TrimSpace(name) == "" {
		return Descriptor{}, ErrNoPackage
	}
	d := Descriptor{Path: path, Name: strings.TrimSpace(name)}
	switch v := rd.Package.Version.(type) {
	case string:
		d.Version = v
	case map[string]any:
		if inherited, _ := v["workspace"].(bool); inherited {
			d.Version = "workspace"
		}
	case nil:
	default:
		return Descriptor{}, &ParseError{Source: path, Err: fmt.Errorf("package.version has unsupported type %T", v)}
	}
	return d, nil
}
