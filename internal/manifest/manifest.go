package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultOverrideTable = "patch.crates-io"
	DescriptorName       = "Cargo.toml"

	// OverrideMarker precedes every override section dxeforge writes. A persisted
	// manifest carrying it was left behind by an interrupted build.
	OverrideMarker = "# dxeforge: local overrides, restored after build"
)

// dependencyTables are read in this order; the first occurrence of a name wins.
var dependencyTables = [][]string{
	{"workspace", "dependencies"},
	{"dependencies"},
	{"build-dependencies"},
}

type Dependency struct {
	Name        string
	VersionSpec string
	Attrs       map[string]string
}

type Override struct {
	Name      string
	LocalPath string
}

// Manifest is an immutable view of a Cargo manifest. The persisted bytes are kept
// verbatim so an unpatched manifest serializes to exactly what was loaded.
type Manifest struct {
	raw           []byte
	doc           map[string]any
	deps          []Dependency
	overrides     []Override
	overrideTable string
}

type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("parse manifest: %v", e.Err)
	}
	return fmt.Sprintf("parse manifest %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ConflictError reports an override for a package the manifest already patches.
type ConflictError struct {
	Name  string
	Table string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("package %q already has an entry in [%s]", e.Name, e.Table)
}

var ErrLeftoverOverrides = errors.New("manifest carries dxeforge overrides from an interrupted build (run `dxeforge restore`)")

type Option func(*Manifest)

// WithOverrideTable sets the dotted table name override entries are written to.
func WithOverrideTable(table string) Option {
	return func(m *Manifest) {
		if strings.TrimSpace(table) != "" {
			m.overrideTable = strings.TrimSpace(table)
		}
	}
}

func Load(raw []byte, opts ...Option) (*Manifest, error) {
	m := &Manifest{
		raw:           append([]byte(nil), raw...),
		overrideTable: DefaultOverrideTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	if bytes.Contains(raw, []byte(OverrideMarker)) {
		return nil, &ParseError{Err: ErrLeftoverOverrides}
	}

	var doc map[string]any
	md, err := toml.Decode(string(raw), &doc)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	m.doc = doc

	seen := map[string]struct{}{}
	for _, key := range md.Keys() {
		for _, table := range dependencyTables {
			if len(key) != len(table)+1 || !hasPrefix(key, table) {
				continue
			}
			name := key[len(table)]
			if _, dup := seen[name]; dup {
				continue
			}
			dep, err := parseDependency(name, lookup(doc, key...))
			if err != nil {
				return nil, &ParseError{Err: fmt.Errorf("[%s] %w", strings.Join(table, "."), err)}
			}
			seen[name] = struct{}{}
			m.deps = append(m.deps, dep)
		}
	}
	return m, nil
}

func LoadFile(path string, opts ...Option) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Load(raw, opts...)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Source = path
		}
		return nil, err
	}
	return m, nil
}

// Serialize returns the persisted form. For a manifest without overrides this is
// byte-identical to the loaded input.
func (m *Manifest) Serialize() []byte {
	return append([]byte(nil), m.raw...)
}

func (m *Manifest) Dependencies() []Dependency {
	out := make([]Dependency, len(m.deps))
	copy(out, m.deps)
	return out
}

func (m *Manifest) Dependency(name string) (Dependency, bool) {
	for _, d := range m.deps {
		if d.Name == name {
			return d, true
		}
	}
	return Dependency{}, false
}

func (m *Manifest) Overrides() []Override {
	out := make([]Override, len(m.overrides))
	copy(out, m.overrides)
	return out
}

func (m *Manifest) OverrideTable() string {
	return m.overrideTable
}

// ApplyOverrides returns a new manifest whose serialized form redirects each named
// package to its local path. The receiver is left untouched.
func (m *Manifest) ApplyOverrides(overrides []Override) (*Manifest, error) {
	if len(overrides) == 0 {
		return m, nil
	}
	tablePath := strings.Split(m.overrideTable, ".")
	existing, _ := lookup(m.doc, tablePath...).(map[string]any)
	for _, o := range overrides {
		if _, ok := existing[o.Name]; ok {
			return nil, &ConflictError{Name: o.Name, Table: m.overrideTable}
		}
	}

	var entries strings.Builder
	for _, o := range overrides {
		fmt.Fprintf(&entries, "%s = { path = %s }\n", tomlKey(o.Name), tomlString(filepath.ToSlash(o.LocalPath)))
	}

	header := "[" + m.overrideTable + "]"
	var out []byte
	if idx, ok := headerLineEnd(m.raw, header); ok {
		out = make([]byte, 0, len(m.raw)+entries.Len()+len(OverrideMarker)+2)
		out = append(out, m.raw[:idx]...)
		if idx > 0 && out[idx-1] != '\n' {
			out = append(out, '\n')
		}
		out = append(out, OverrideMarker+"\n"...)
		out = append(out, entries.String()...)
		out = append(out, m.raw[idx:]...)
	} else {
		out = append([]byte(nil), m.raw...)
		if len(out) > 0 && out[len(out)-1] != '\n' {
			out = append(out, '\n')
		}
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, OverrideMarker+"\n"+header+"\n"...)
		out = append(out, entries.String()...)
	}

	var check map[string]any
	if _, err := toml.Decode(string(out), &check); err != nil {
		return nil, fmt.Errorf("patched manifest is not valid TOML: %w", err)
	}

	next := &Manifest{
		raw:           out,
		doc:           m.doc,
		deps:          m.deps,
		overrides:     append(m.Overrides(), overrides...),
		overrideTable: m.overrideTable,
	}
	return next, nil
}

func parseDependency(name string, v any) (Dependency, error) {
	switch val := v.(type) {
	case string:
		return Dependency{Name: name, VersionSpec: val}, nil
	case map[string]any:
		dep := Dependency{Name: name}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if k == "version" {
				s, ok := val[k].(string)
				if !ok {
					return Dependency{}, fmt.Errorf("dependency %q: version must be a string", name)
				}
				dep.VersionSpec = s
				continue
			}
			if dep.Attrs == nil {
				dep.Attrs = map[string]string{}
			}
			dep.Attrs[k] = renderValue(val[k])
		}
		return dep, nil
	default:
		return Dependency{}, fmt.Errorf("dependency %q: unsupported value type %T", name, v)
	}
}

func renderValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				parts = append(parts, tomlString(s))
				continue
			}
			parts = append(parts, renderValue(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(val)
	}
}

func lookup(doc map[string]any, path ...string) any {
	var cur any = doc
	for _, p := range path {
		table, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = table[p]
		if !ok {
			return nil
		}
	}
	return cur
}

func hasPrefix(key toml.Key, prefix []string) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if key[i] != p {
			return false
		}
	}
	return true
}

// headerLineEnd returns the offset just past the line holding header.
func headerLineEnd(raw []byte, header string) (int, bool) {
	offset := 0
	for offset < len(raw) {
		next := len(raw)
		line := raw[offset:]
		if end := bytes.IndexByte(line, '\n'); end >= 0 {
			line = line[:end]
			next = offset + end + 1
		}
		if strings.TrimSpace(stripComment(string(line))) == header {
			return next, true
		}
		offset = next
	}
	return 0, false
}

func stripComment(line string) string {
	if i := strings.Index(line, "#"); i >= 0 {
		return line[:i]
	}
	return line
}

func tomlKey(k string) string {
	for _, r := range k {
		if !(r == '-' || r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return tomlString(k)
		}
	}
	return k
}

func tomlString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\u%04X`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
