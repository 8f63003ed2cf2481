package cook

import (
	"fmt"
	"strings"

	"github.com/marmos91/pkgload/pkg/object"
	"github.com/marmos91/pkgload/pkg/optimizer"
	"github.com/marmos91/pkgload/pkg/pkgheader"
)

// builder fills the name, import and export tables of one raw package.
type builder struct {
	spec    PackageSpec
	raw     optimizer.RawPackage
	names   map[string]int32
	imports map[string]pkgheader.Index
	exports map[string]pkgheader.Index
}

// RawPackage resolves the paths of spec into raw tables.
func RawPackage(spec PackageSpec) (optimizer.RawPackage, error) {
	b := &builder{
		spec:    spec,
		raw:     optimizer.RawPackage{Name: spec.Name, SourceName: spec.RedirectFrom},
		names:   make(map[string]int32),
		imports: make(map[string]pkgheader.Index),
		exports: make(map[string]pkgheader.Index),
	}
	b.name(spec.Name)

	// paths first, so references may point forward
	paths := make([]string, len(spec.Exports))
	for i, e := range spec.Exports {
		p := e.Name
		if e.Outer != "" {
			p = strings.Trim(e.Outer, "/") + "/" + e.Name
		}
		key := strings.ToLower(p)
		if _, dup := b.exports[key]; dup {
			return optimizer.RawPackage{}, fmt.Errorf("%w: %s: duplicate export %s", ErrInvalidManifest, spec.Name, p)
		}
		b.exports[key] = pkgheader.ExportIndex(i)
		paths[i] = p
	}

	b.raw.Exports = make([]optimizer.RawExport, len(spec.Exports))
	for i, e := range spec.Exports {
		raw, err := b.export(e)
		if err != nil {
			return optimizer.RawPackage{}, fmt.Errorf("%s: export %s: %w", spec.Name, paths[i], err)
		}
		b.raw.Exports[i] = raw
	}
	return b.raw, nil
}

func (b *builder) name(n string) int32 {
	if i, ok := b.names[n]; ok {
		return i
	}
	b.raw.Names = append(b.raw.Names, n)
	i := int32(len(b.raw.Names) - 1)
	b.names[n] = i
	return i
}

func (b *builder) export(e ExportSpec) (optimizer.RawExport, error) {
	data, err := e.payload()
	if err != nil {
		return optimizer.RawExport{}, fmt.Errorf("%w: data_base64: %w", ErrInvalidManifest, err)
	}
	raw := optimizer.RawExport{
		Name:   b.name(e.Name),
		Public: e.Public,
		Filter: e.filterFlags(),
		Data:   data,
	}
	if e.TypeDefinition {
		raw.ObjectFlags |= uint32(object.FlagClass)
	}
	if e.Outer != "" {
		x, ok := b.exports[strings.ToLower(strings.Trim(e.Outer, "/"))]
		if !ok {
			return raw, fmt.Errorf("%w: unknown outer %q", ErrInvalidManifest, e.Outer)
		}
		raw.Outer = x
	}
	for _, f := range []struct {
		path string
		dst  *pkgheader.Index
	}{{e.Class, &raw.Class}, {e.Super, &raw.Super}, {e.Template, &raw.Template}} {
		if f.path == "" {
			continue
		}
		if *f.dst, err = b.ref(f.path); err != nil {
			return raw, err
		}
	}

	for _, r := range e.Refs {
		x, err := b.ref(r)
		if err != nil {
			return raw, err
		}
		raw.Refs = append(raw.Refs, x)
		raw.Preload.CreateBeforeSerialize = append(raw.Preload.CreateBeforeSerialize, x)
	}
	for _, c := range []struct {
		paths []string
		dst   *[]pkgheader.Index
	}{
		{e.Preload.CreateBeforeCreate, &raw.Preload.CreateBeforeCreate},
		{e.Preload.SerializeBeforeCreate, &raw.Preload.SerializeBeforeCreate},
		{e.Preload.CreateBeforeSerialize, &raw.Preload.CreateBeforeSerialize},
		{e.Preload.SerializeBeforeSerialize, &raw.Preload.SerializeBeforeSerialize},
	} {
		for _, p := range c.paths {
			x, err := b.ref(p)
			if err != nil {
				return raw, err
			}
			*c.dst = append(*c.dst, x)
		}
	}
	return raw, nil
}

// ref resolves a reference to a local export or an import.
func (b *builder) ref(path string) (pkgheader.Index, error) {
	if !strings.HasPrefix(path, "/") {
		x, ok := b.exports[strings.ToLower(path)]
		if !ok {
			return pkgheader.NullIndex, fmt.Errorf("%w: unknown export %q", ErrInvalidManifest, path)
		}
		return x, nil
	}

	pkg, obj, _ := strings.Cut(path, ".")
	if strings.EqualFold(pkg, b.spec.Name) {
		if obj == "" {
			return pkgheader.NullIndex, fmt.Errorf("%w: package references itself", ErrInvalidManifest)
		}
		return b.ref(obj)
	}
	x := b.importOf(pkg, pkgheader.NullIndex, pkg)
	if obj == "" {
		return x, nil
	}
	key := pkg
	for _, seg := range strings.Split(obj, "/") {
		if seg == "" {
			return pkgheader.NullIndex, fmt.Errorf("%w: empty segment in %q", ErrInvalidManifest, path)
		}
		key += "/" + seg
		x = b.importOf(seg, x, key)
	}
	return x, nil
}

func (b *builder) importOf(name string, outer pkgheader.Index, key string) pkgheader.Index {
	key = strings.ToLower(key)
	if x, ok := b.imports[key]; ok {
		return x
	}
	b.raw.Imports = append(b.raw.Imports, optimizer.RawImport{Name: b.name(name), Outer: outer})
	x := pkgheader.ImportIndex(len(b.raw.Imports) - 1)
	b.imports[key] = x
	return x
}
