// Package optimizer turns raw per-package export and import tables into
// finalized summary records: resolved global references, create and
// serialize nodes per export, and bundles in a global load order that is a
// topological order of every dependency arc.
//
// Usage is streaming: CreatePackage each package as it arrives, optionally
// ProcessRedirect localized or override packages, Finalize batches of
// packages, then FlushDeferred once no more packages will come.
package optimizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/marmos91/pkgload/pkg/globalref"
	"github.com/marmos91/pkgload/pkg/object"
	"github.com/marmos91/pkgload/pkg/pkgheader"
	"github.com/marmos91/pkgload/pkg/pkgid"
)

var (
	// ErrMalformedName is returned when a name index is out of range.
	ErrMalformedName = errors.New("malformed name index")

	// ErrMalformedIndex is returned when an import, export or outer index
	// is out of range or the outer chain loops.
	ErrMalformedIndex = errors.New("malformed package index")

	// ErrExportHashCollision is returned when two public exports of one
	// package hash to the same value.
	ErrExportHashCollision = errors.New("public export hash collision")

	// ErrDependencyCycle is returned when the node graph cannot be ordered.
	ErrDependencyCycle = errors.New("dependency cycle between export nodes")

	// ErrDuplicatePackage is returned when a package is created twice.
	ErrDuplicatePackage = errors.New("package already created")

	// ErrNotFinalized is returned by Header before Finalize.
	ErrNotFinalized = errors.New("package not finalized")

	// ErrMissingImport is the cause of an ImportError.
	ErrMissingImport = errors.New("imported object never provided")
)

// ImportError reports an import whose target package or export never showed up.
type ImportError struct {
	Package string
	Import  string
	Err     error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("package %s: import %s: %v", e.Package, e.Import, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

// scriptPrefix marks imports of native objects.
const scriptPrefix = "/script/"

// RawImport is one row of the raw import table.
type RawImport struct {
	Name  int32
	Outer pkgheader.Index // NullIndex for a package, otherwise an import
}

// Preload lists the dependencies of one export per category.
type Preload struct {
	SerializeBeforeSerialize []pkgheader.Index
	CreateBeforeSerialize    []pkgheader.Index
	SerializeBeforeCreate    []pkgheader.Index
	CreateBeforeCreate       []pkgheader.Index
}

// RawExport is one row of the raw export table.
type RawExport struct {
	Name     int32
	Outer    pkgheader.Index // NullIndex or an export
	Class    pkgheader.Index
	Super    pkgheader.Index
	Template pkgheader.Index
	Public   bool

	ObjectFlags uint32
	Filter      pkgheader.FilterFlags

	// Refs and Data form the serialized payload.
	Refs []pkgheader.Index
	Data []byte

	Preload Preload
}

// RawPackage is the input of CreatePackage.
type RawPackage struct {
	Name string
	// SourceName names the package this one redirects, if any.
	SourceName string
	Names      []string
	Imports    []RawImport
	Exports    []RawExport
}

type nodeRef struct {
	export int
	cmd    pkgheader.Command
}

type internalArc struct {
	from, to nodeRef
}

// externalDep waits for a node of another package.
type externalDep struct {
	pkg     pkgid.ID
	hash    uint64
	cmd     pkgheader.Command
	to      nodeRef
	display string
}

type resolvedImport struct {
	ref      globalref.Ref
	fullPath string
	pkg      pkgid.ID // package of a package import, Invalid otherwise
	relPath  string
}

type export struct {
	raw       RawExport
	fullPath  string
	relPath   string
	classPath string
	hash      uint64
	// global is how other packages reach the export.
	global     globalref.Ref
	redirected bool
	bundle     [2]int
}

// Package is a created package tracked by the optimizer.
type Package struct {
	ID         pkgid.ID
	Name       string
	SourceName string

	names    []string
	imports  []resolvedImport
	exports  []export
	imported []pkgid.ID
	arcs     []internalArc
	external []externalDep
	byHash   map[uint64]int

	redirect   pkgid.ID
	unverified bool

	finalized  bool
	bundles    []bundle
	extArcs    map[pkgheader.ExternalArc]struct{}
	blob       []byte
	payloadOff []uint64
}

type bundle struct {
	loadOrder uint64
	entries   []nodeRef
}

// IsFinalized reports whether the package has bundles.
func (p *Package) IsFinalized() bool { return p.finalized }

// ImportedPackages returns the distinct packages imported, in first use order.
func (p *Package) ImportedPackages() []pkgid.ID { return p.imported }

// PublicExports maps each public export relative path to the reference other
// packages resolve it through.
func (p *Package) PublicExports() map[string]globalref.Ref {
	out := make(map[string]globalref.Ref)
	for _, e := range p.exports {
		if e.raw.Public {
			out[e.relPath] = e.global
		}
	}
	return out
}

// ExportPath returns the full path of export i.
func (p *Package) ExportPath(i int) string { return p.exports[i].fullPath }

// ImportRef returns the resolved reference of import i.
func (p *Package) ImportRef(i int) globalref.Ref { return p.imports[i].ref }

func (p *Package) name(i int32) (string, error) {
	if i < 0 || int(i) >= len(p.names) {
		return "", fmt.Errorf("%w: %d of %d in %s", ErrMalformedName, i, len(p.names), p.Name)
	}
	return p.names[i], nil
}

func (p *Package) resolveImports(raw []RawImport) error {
	p.imports = make([]resolvedImport, len(raw))
	done := make([]bool, len(raw))
	active := make([]bool, len(raw))
	seenPkg := make(map[pkgid.ID]bool)

	var resolve func(i int) error
	resolve = func(i int) error {
		if done[i] {
			return nil
		}
		if active[i] {
			return fmt.Errorf("%w: import %d outer chain loops in %s", ErrMalformedIndex, i, p.Name)
		}
		active[i] = true
		defer func() { active[i] = false }()

		imp := raw[i]
		n, err := p.name(imp.Name)
		if err != nil {
			return err
		}
		n = strings.ToLower(n)
		var r resolvedImport
		switch {
		case imp.Outer.IsNull():
			r.fullPath = n
			if !strings.HasPrefix(n, scriptPrefix) {
				r.pkg = pkgid.FromName(n)
			}
		case imp.Outer.IsImport():
			o := imp.Outer.Import()
			if o >= len(raw) {
				return fmt.Errorf("%w: import %d outer %s in %s", ErrMalformedIndex, i, imp.Outer, p.Name)
			}
			if err := resolve(o); err != nil {
				return err
			}
			outer := p.imports[o]
			r.fullPath = outer.fullPath + "/" + n
			r.pkg = outer.pkg
			if outer.relPath != "" {
				r.relPath = outer.relPath + "/" + n
			} else {
				r.relPath = n
			}
		default:
			return fmt.Errorf("%w: import %d has export outer in %s", ErrMalformedIndex, i, p.Name)
		}

		switch {
		case strings.HasPrefix(r.fullPath, scriptPrefix):
			r.ref = globalref.Native(pkgid.Hash(r.fullPath))
		case r.relPath != "":
			r.ref = globalref.PackageImport(r.pkg, pkgid.ObjectPathHash(r.relPath))
		}
		if r.pkg.IsValid() && !seenPkg[r.pkg] {
			seenPkg[r.pkg] = true
			p.imported = append(p.imported, r.pkg)
		}
		p.imports[i] = r
		done[i] = true
		return nil
	}
	for i := range raw {
		if err := resolve(i); err != nil {
			return err
		}
	}
	return nil
}

func (p *Package) resolveExports(raw []RawExport) error {
	p.exports = make([]export, len(raw))
	p.byHash = make(map[uint64]int)
	done := make([]bool, len(raw))
	active := make([]bool, len(raw))
	lowerName := strings.ToLower(p.Name)

	var resolve func(i int) error
	resolve = func(i int) error {
		if done[i] {
			return nil
		}
		if active[i] {
			return fmt.Errorf("%w: export %d outer chain loops in %s", ErrMalformedIndex, i, p.Name)
		}
		active[i] = true
		defer func() { active[i] = false }()

		e := raw[i]
		n, err := p.name(e.Name)
		if err != nil {
			return err
		}
		n = strings.ToLower(n)
		out := export{raw: e}
		switch {
		case e.Outer.IsNull():
			out.relPath = n
		case e.Outer.IsExport() && e.Outer.Export() < len(raw):
			if err := resolve(e.Outer.Export()); err != nil {
				return err
			}
			out.relPath = p.exports[e.Outer.Export()].relPath + "/" + n
		default:
			return fmt.Errorf("%w: export %d outer %s in %s", ErrMalformedIndex, i, e.Outer, p.Name)
		}
		out.fullPath = lowerName + "/" + out.relPath
		p.exports[i] = out
		done[i] = true
		return nil
	}
	for i := range raw {
		if err := resolve(i); err != nil {
			return err
		}
	}

	for i := range p.exports {
		e := &p.exports[i]
		for _, x := range []pkgheader.Index{e.raw.Class, e.raw.Super, e.raw.Template} {
			if err := p.checkIndex(x); err != nil {
				return fmt.Errorf("export %d: %w", i, err)
			}
		}
		e.classPath = p.indexPath(e.raw.Class)
		if !e.raw.Public {
			continue
		}
		e.hash = pkgid.ObjectPathHash(e.relPath)
		if prev, dup := p.byHash[e.hash]; dup {
			return fmt.Errorf("%w: %q and %q in %s", ErrExportHashCollision,
				p.exports[prev].relPath, e.relPath, p.Name)
		}
		p.byHash[e.hash] = i
		e.global = globalref.PackageImport(p.ID, e.hash)
	}
	return nil
}

func (p *Package) checkIndex(x pkgheader.Index) error {
	switch {
	case x.IsExport() && x.Export() >= len(p.exports):
		return fmt.Errorf("%w: %s of %d exports in %s", ErrMalformedIndex, x, len(p.exports), p.Name)
	case x.IsImport() && x.Import() >= len(p.imports):
		return fmt.Errorf("%w: %s of %d imports in %s", ErrMalformedIndex, x, len(p.imports), p.Name)
	}
	return nil
}

func (p *Package) indexPath(x pkgheader.Index) string {
	switch {
	case x.IsExport():
		return p.exports[x.Export()].fullPath
	case x.IsImport():
		return p.imports[x.Import()].fullPath
	}
	return ""
}

// ref converts a package index to the global reference stored in headers.
func (p *Package) ref(x pkgheader.Index) globalref.Ref {
	switch {
	case x.IsExport():
		return globalref.LocalExport(uint32(x.Export()))
	case x.IsImport():
		return p.imports[x.Import()].ref
	}
	return globalref.Null()
}

// isTypeDefinition reports whether export i defines a type with no owner.
func (p *Package) isTypeDefinition(i int) bool {
	e := p.exports[i].raw
	return e.ObjectFlags&uint32(object.FlagClass) != 0 && e.Outer.IsNull()
}
