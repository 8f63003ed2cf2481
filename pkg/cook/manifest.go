// Package cook turns a YAML manifest of packages into a container: the
// packages are resolved into raw tables, ordered by the optimizer, encoded as
// summary records and written with a container header listing them.
package cook

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/pkgload/pkg/pkgheader"
)

// ErrInvalidManifest wraps manifest validation failures.
var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest lists the packages of one container.
type Manifest struct {
	// Container names the output container.
	Container string `yaml:"container" validate:"required,excludesall=/"`
	// Compression is zstd (default) or none.
	Compression string        `yaml:"compression,omitempty" validate:"omitempty,oneof=zstd none"`
	Packages    []PackageSpec `yaml:"packages" validate:"required,min=1,dive"`
}

// PackageSpec describes one package.
type PackageSpec struct {
	Name string `yaml:"name" validate:"required,startswith=/"`
	// RedirectFrom names a package whose public exports this one replaces.
	RedirectFrom string       `yaml:"redirect_from,omitempty" validate:"omitempty,startswith=/"`
	Exports      []ExportSpec `yaml:"exports" validate:"dive"`
}

// ExportSpec describes one export. References use one of three forms:
//
//	Hero/Mesh                 export of the same package, by path
//	/Game/Props.Crate/Lid     export of another package
//	/Script/Engine.StaticMesh native object
type ExportSpec struct {
	Name string `yaml:"name" validate:"required,excludesall=/."`
	// Outer is the path of the enclosing export, empty for top-level exports.
	Outer    string `yaml:"outer,omitempty"`
	Class    string `yaml:"class,omitempty"`
	Super    string `yaml:"super,omitempty"`
	Template string `yaml:"template,omitempty"`
	Public   bool   `yaml:"public,omitempty"`
	// TypeDefinition marks exports other objects use as their class.
	TypeDefinition bool     `yaml:"type_definition,omitempty"`
	Filter         []string `yaml:"filter,omitempty" validate:"dive,oneof=editor_only not_for_client not_for_server"`

	// Data is the payload as text; DataBase64 as base64. At most one is set.
	Data       string   `yaml:"data,omitempty"`
	DataBase64 string   `yaml:"data_base64,omitempty" validate:"omitempty,base64"`
	Refs       []string `yaml:"refs,omitempty"`

	Preload PreloadSpec `yaml:"preload,omitempty"`
}

// PreloadSpec lists explicit load-order dependencies. Every entry of Refs
// is already a create-before-serialize dependency.
type PreloadSpec struct {
	CreateBeforeCreate       []string `yaml:"create_before_create,omitempty"`
	SerializeBeforeCreate    []string `yaml:"serialize_before_create,omitempty"`
	CreateBeforeSerialize    []string `yaml:"create_before_serialize,omitempty"`
	SerializeBeforeSerialize []string `yaml:"serialize_before_serialize,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Validate checks field constraints and package name uniqueness.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	seen := make(map[string]bool, len(m.Packages))
	for _, p := range m.Packages {
		key := strings.ToLower(p.Name)
		if seen[key] {
			return fmt.Errorf("%w: duplicate package %s", ErrInvalidManifest, p.Name)
		}
		seen[key] = true
		for _, e := range p.Exports {
			if e.Data != "" && e.DataBase64 != "" {
				return fmt.Errorf("%w: %s export %s sets both data and data_base64",
					ErrInvalidManifest, p.Name, e.Name)
			}
		}
	}
	return nil
}

func (e ExportSpec) payload() ([]byte, error) {
	if e.DataBase64 != "" {
		return base64.StdEncoding.DecodeString(e.DataBase64)
	}
	return []byte(e.Data), nil
}

func (e ExportSpec) filterFlags() pkgheader.FilterFlags {
	var f pkgheader.FilterFlags
	for _, s := range e.Filter {
		switch s {
		case "editor_only":
			f |= pkgheader.FilterEditorOnly
		case "not_for_client":
			f |= pkgheader.FilterNotForClient
		case "not_for_server":
			f |= pkgheader.FilterNotForServer
		}
	}
	return f
}

// ParseFilter converts filter names to flags.
func ParseFilter(names []string) (pkgheader.FilterFlags, error) {
	e := ExportSpec{Filter: names}
	for _, n := range names {
		switch n {
		case "editor_only", "not_for_client", "not_for_server":
		default:
			return 0, fmt.Errorf("unknown filter %q", n)
		}
	}
	return e.filterFlags(), nil
}
