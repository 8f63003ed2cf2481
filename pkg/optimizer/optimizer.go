package optimizer

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/pkgheader"
	"github.com/marmos91/pkgload/pkg/pkgid"
)

// Config configures an Optimizer.
type Config struct {
	// Exclude drops the preload arcs of exports carrying any of these
	// filter flags. The exports stay in their bundles; the loader skips them.
	Exclude pkgheader.FilterFlags

	// AllowMissingImports makes FlushDeferred tolerate imports whose target
	// never showed up.
	AllowMissingImports bool
}

type deferredRef struct {
	pkg *Package
	dep int
}

// Optimizer holds the packages of one cook. It is not safe for concurrent use.
type Optimizer struct {
	cfg       Config
	packages  map[pkgid.ID]*Package
	loadOrder uint64
	deferred  map[pkgid.ID][]deferredRef
	missing   []*ImportError
}

// New creates an optimizer.
func New(cfg Config) *Optimizer {
	return &Optimizer{
		cfg:      cfg,
		packages: make(map[pkgid.ID]*Package),
		deferred: make(map[pkgid.ID][]deferredRef),
	}
}

// AllowMissingImports changes the missing import policy of FlushDeferred.
func (o *Optimizer) AllowMissingImports(allow bool) { o.cfg.AllowMissingImports = allow }

// Package returns a created package.
func (o *Optimizer) Package(id pkgid.ID) (*Package, bool) {
	p, ok := o.packages[id]
	return p, ok
}

// LoadOrder returns the last global bundle index handed out.
func (o *Optimizer) LoadOrder() uint64 { return o.loadOrder }

// CreatePackage resolves the names, imports and exports of raw and builds
// the arcs of its nodes. Malformed input is fatal for the package.
func (o *Optimizer) CreatePackage(raw RawPackage) (*Package, error) {
	p := &Package{
		ID:         pkgid.FromName(raw.Name),
		Name:       raw.Name,
		SourceName: raw.SourceName,
		names:      raw.Names,
		extArcs:    make(map[pkgheader.ExternalArc]struct{}),
	}
	if _, dup := o.packages[p.ID]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePackage, raw.Name)
	}
	if err := p.resolveImports(raw.Imports); err != nil {
		return nil, err
	}
	if err := p.resolveExports(raw.Exports); err != nil {
		return nil, err
	}
	for i, e := range raw.Exports {
		for _, r := range e.Refs {
			if err := p.checkIndex(r); err != nil {
				return nil, fmt.Errorf("export %d payload: %w", i, err)
			}
		}
		p.payloadOff = append(p.payloadOff, uint64(len(p.blob)))
		p.blob = append(p.blob, pkgheader.EncodePayload(e.Refs, e.Data)...)
	}
	p.payloadOff = append(p.payloadOff, uint64(len(p.blob)))
	if err := o.buildArcs(p); err != nil {
		return nil, err
	}

	o.packages[p.ID] = p
	logger.Debug("package created", logger.KeyPackage, p.Name,
		logger.KeyCount, len(p.exports), "imports", len(p.imports), "arcs", len(p.arcs))
	return p, nil
}

func (o *Optimizer) excluded(p *Package, i int) bool {
	return p.exports[i].raw.Filter&o.cfg.Exclude != 0
}

func (o *Optimizer) buildArcs(p *Package) error {
	create, serialize := pkgheader.CommandCreate, pkgheader.CommandSerialize
	for i := range p.exports {
		p.arcs = append(p.arcs, internalArc{from: nodeRef{i, create}, to: nodeRef{i, serialize}})
		if o.excluded(p, i) {
			continue
		}
		raw := p.exports[i].raw
		// outer, class and super must exist before the export is created
		for _, x := range []pkgheader.Index{raw.Outer, raw.Class, raw.Super} {
			if x.IsExport() && x.Export() != i && !o.excluded(p, x.Export()) {
				p.arcs = append(p.arcs, internalArc{from: nodeRef{x.Export(), create}, to: nodeRef{i, create}})
			}
		}
		pre := raw.Preload
		categories := []struct {
			deps  []pkgheader.Index
			from  pkgheader.Command
			toCmd pkgheader.Command
		}{
			{pre.SerializeBeforeSerialize, serialize, serialize},
			{pre.CreateBeforeSerialize, create, serialize},
			{pre.SerializeBeforeCreate, serialize, create},
			{pre.CreateBeforeCreate, create, create},
		}
		for _, c := range categories {
			to := nodeRef{i, c.toCmd}
			for _, d := range c.deps {
				if err := p.checkIndex(d); err != nil {
					return fmt.Errorf("export %d preload: %w", i, err)
				}
				switch {
				case d.IsExport():
					from := nodeRef{d.Export(), c.from}
					if from == to || o.excluded(p, d.Export()) {
						continue
					}
					p.arcs = append(p.arcs, internalArc{from: from, to: to})
				case d.IsImport():
					imp := p.imports[d.Import()]
					pkg, hash, ok := imp.ref.PackageExport()
					if !ok || pkg == p.ID {
						continue
					}
					p.external = append(p.external, externalDep{
						pkg: pkg, hash: hash, cmd: c.from, to: to, display: imp.fullPath,
					})
				}
			}
		}
	}
	return nil
}

// packageOrder returns batch sorted by id, then reordered so that imported
// packages of the batch come first. Back edges of import cycles are ignored.
func packageOrder(batch []*Package) []*Package {
	sorted := append([]*Package(nil), batch...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	inBatch := make(map[pkgid.ID]*Package, len(sorted))
	for _, p := range sorted {
		inBatch[p.ID] = p
	}

	visited := make(map[pkgid.ID]bool, len(sorted))
	out := make([]*Package, 0, len(sorted))
	var visit func(p *Package)
	visit = func(p *Package) {
		if visited[p.ID] {
			return
		}
		visited[p.ID] = true
		deps := append([]pkgid.ID(nil), p.imported...)
		sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
		for _, d := range deps {
			if dp, ok := inBatch[d]; ok {
				visit(dp)
			}
		}
		out = append(out, p)
	}
	for _, p := range sorted {
		visit(p)
	}
	return out
}

// readySet orders ready nodes of one package by (export, Create first).
type readySet []int

func (r readySet) Len() int           { return len(r) }
func (r readySet) Less(i, j int) bool { return r[i] < r[j] }
func (r readySet) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
func (r *readySet) Push(x any)        { *r = append(*r, x.(int)) }
func (r *readySet) Pop() any {
	old := *r
	x := old[len(old)-1]
	*r = old[:len(old)-1]
	return x
}

func localNode(n nodeRef) int { return n.export*2 + int(n.cmd) }

// Finalize orders the nodes of batch into bundles and resolves the external
// dependencies whose source package is finalized. Dependencies on packages
// not finalized yet stay deferred until their source finalizes.
func (o *Optimizer) Finalize(batch []*Package) error {
	var todo []*Package
	for _, p := range batch {
		if !p.finalized {
			todo = append(todo, p)
		}
	}
	if len(todo) == 0 {
		return nil
	}
	order := packageOrder(todo)

	pos := make(map[pkgid.ID]int, len(order))
	base := make([]int, len(order)+1)
	for i, p := range order {
		pos[p.ID] = i
		base[i+1] = base[i] + 2*len(p.exports)
	}
	total := base[len(order)]
	indeg := make([]int, total)
	succ := make([][]int, total)
	link := func(from, to int) {
		succ[from] = append(succ[from], to)
		indeg[to]++
	}
	for i, p := range order {
		for _, a := range p.arcs {
			link(base[i]+localNode(a.from), base[i]+localNode(a.to))
		}
		for _, d := range p.external {
			j, ok := pos[d.pkg]
			if !ok {
				continue
			}
			src := order[j]
			if idx, ok := src.byHash[d.hash]; ok {
				link(base[j]+localNode(nodeRef{idx, d.cmd}), base[i]+localNode(d.to))
			}
		}
	}

	owner := func(node int) int {
		return sort.Search(len(order), func(i int) bool { return base[i+1] > node })
	}
	ready := make([]readySet, len(order))
	for n := 0; n < total; n++ {
		if indeg[n] == 0 {
			pi := owner(n)
			heap.Push(&ready[pi], n-base[pi])
		}
	}

	bundles := make([][]bundle, len(order))
	assign := make([][2]int, total/2)
	emitted, last := 0, -1
	loadOrder := o.loadOrder
	for emitted < total {
		pi := -1
		for i := range ready {
			if ready[i].Len() > 0 {
				pi = i
				break
			}
		}
		if pi < 0 {
			return fmt.Errorf("%w: %d of %d nodes unordered", ErrDependencyCycle, total-emitted, total)
		}
		if pi != last {
			loadOrder++
			bundles[pi] = append(bundles[pi], bundle{loadOrder: loadOrder})
			last = pi
		}
		for ready[pi].Len() > 0 {
			local := heap.Pop(&ready[pi]).(int)
			ref := nodeRef{export: local / 2, cmd: pkgheader.Command(local % 2)}
			b := &bundles[pi][len(bundles[pi])-1]
			b.entries = append(b.entries, ref)
			assign[(base[pi]+local)/2][ref.cmd] = len(bundles[pi]) - 1
			emitted++
			for _, s := range succ[base[pi]+local] {
				indeg[s]--
				if indeg[s] == 0 {
					si := owner(s)
					heap.Push(&ready[si], s-base[si])
				}
			}
		}
	}

	o.loadOrder = loadOrder
	for i, p := range order {
		p.bundles = bundles[i]
		for e := range p.exports {
			p.exports[e].bundle = assign[base[i]/2+e]
		}
		p.finalized = true
	}

	for _, p := range order {
		for di := range p.external {
			d := p.external[di]
			if src, ok := o.packages[d.pkg]; ok && src.finalized {
				o.resolveExternal(p, di, src)
			} else {
				o.deferred[d.pkg] = append(o.deferred[d.pkg], deferredRef{pkg: p, dep: di})
			}
		}
	}
	for _, src := range order {
		waiting := o.deferred[src.ID]
		delete(o.deferred, src.ID)
		for _, w := range waiting {
			o.resolveExternal(w.pkg, w.dep, src)
		}
	}

	logger.Debug("packages finalized", logger.KeyCount, len(order), "load_order", o.loadOrder)
	return nil
}

func (o *Optimizer) resolveExternal(p *Package, di int, src *Package) {
	d := p.external[di]
	idx, ok := src.byHash[d.hash]
	if !ok {
		o.missing = append(o.missing, &ImportError{Package: p.Name, Import: d.display, Err: ErrMissingImport})
		return
	}
	imported := -1
	for i, id := range p.imported {
		if id == d.pkg {
			imported = i
			break
		}
	}
	if imported < 0 {
		return
	}
	arc := pkgheader.ExternalArc{
		ImportedPackage: uint32(imported),
		FromBundle:      uint32(src.exports[idx].bundle[d.cmd]),
		ToBundle:        uint32(p.exports[d.to.export].bundle[d.to.cmd]),
	}
	p.extArcs[arc] = struct{}{}
}

// FlushDeferred ends the cook: every dependency still waiting for a package
// that never finalized is a missing import. Missing imports are an error
// unless AllowMissingImports is set, in which case their arcs are dropped.
func (o *Optimizer) FlushDeferred() error {
	for _, waiting := range o.deferred {
		for _, w := range waiting {
			d := w.pkg.external[w.dep]
			o.missing = append(o.missing, &ImportError{Package: w.pkg.Name, Import: d.display, Err: ErrMissingImport})
		}
	}
	o.deferred = make(map[pkgid.ID][]deferredRef)
	missing := o.missing
	o.missing = nil
	if len(missing) == 0 {
		return nil
	}

	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Package != missing[j].Package {
			return missing[i].Package < missing[j].Package
		}
		return missing[i].Import < missing[j].Import
	})
	if o.cfg.AllowMissingImports {
		for _, m := range missing {
			logger.Warn("missing import dropped", logger.KeyPackage, m.Package, logger.KeyImport, m.Import)
		}
		return nil
	}
	errs := make([]error, len(missing))
	for i, m := range missing {
		errs[i] = m
	}
	return errors.Join(errs...)
}
