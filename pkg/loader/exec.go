package loader

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/internal/telemetry"
	"github.com/marmos91/pkgload/pkg/globalref"
	"github.com/marmos91/pkgload/pkg/object"
	"github.com/marmos91/pkgload/pkg/pkgheader"
	"github.com/marmos91/pkgload/pkg/pkgid"
)

// runNode executes n and reports whether it finished. Only bundle process
// nodes stop early, when deadline passes between two entries.
func (l *Loader) runNode(n *node, deadline time.Time) bool {
	j := n.job
	l.observe(n, NodeStarted)

	done := true
	switch n.kind {
	case NodeProcessSummary:
		l.processSummary(j)
	case NodeSetupDependencies:
		l.setupDependencies(j)
	case NodeBundleProcess:
		done = l.processBundle(j, n.bundle, deadline)
	case NodeExportsDone:
		j.setState(StateExportsDone)
		l.reachPhase(j, phaseSerialized)
	case NodePostLoad:
		l.postLoad(j, n.bundle)
	case NodeDeferredPostLoad:
		l.deferredPostLoad(j, n.bundle)
	}

	if done {
		l.observe(n, NodeFinished)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.ObserveNode(n.kind.String())
		}
	}
	return done
}

func (l *Loader) observe(n *node, phase NodePhase) {
	if l.cfg.Observer == nil {
		return
	}
	l.cfg.Observer.ObserveNode(NodeEvent{Package: n.job.name, Kind: n.kind, Bundle: n.bundle, Phase: phase})
}

// processSummary decodes the summary and builds the bundle nodes. A job that
// failed before reaching here gets no bundles and runs straight to its end.
func (l *Loader) processSummary(j *job) {
	j.setState(StateProcessSummary)
	j.takeIO().Release()

	data, ioErr := j.ioData, j.ioErr
	j.ioData = nil
	if j.failed.Load() {
		return
	}
	if ioErr != nil {
		j.fail(ioErr)
		logger.WarnCtx(j.ctx, "summary read failed", logger.KeyPackage, j.name, logger.Err(ioErr))
		return
	}
	h, err := pkgheader.Decode(data)
	if err != nil {
		j.fail(err)
		logger.WarnCtx(j.ctx, "malformed summary", logger.KeyPackage, j.name, logger.Err(err))
		return
	}
	if !strings.EqualFold(h.Name(), j.name) {
		j.fail(fmt.Errorf("%w: %q", ErrNameMismatch, h.Name()))
		return
	}

	j.header = h
	j.objects = make([]*object.Object, len(h.Exports))
	j.bundles = make([]bundleNodes, len(h.Bundles))
	for i := range j.bundles {
		b := &j.bundles[i]
		b.process = newNode(j, NodeBundleProcess, i, threadLoading)
		b.postLoad = newNode(j, NodePostLoad, i, threadLoading)
		b.deferred = newNode(j, NodeDeferredPostLoad, i, threadMain)

		b.process.dependsOn(j.setupDeps)
		b.postLoad.dependsOn(b.process)
		// released when every dependency serialized
		b.postLoad.addBarrier()
		b.deferred.dependsOn(b.postLoad)
		if i > 0 {
			b.process.dependsOn(j.bundles[i-1].process)
			b.deferred.dependsOn(j.bundles[i-1].deferred)
		}
		j.exportsDone.dependsOn(b.process)
	}
	j.processLeft.Store(int32(len(j.bundles)))
	j.deferredLeft.Store(int32(len(j.bundles)))
	for i := range j.bundles {
		l.arm(j.bundles[i].process)
		l.arm(j.bundles[i].postLoad)
		l.arm(j.bundles[i].deferred)
	}

	j.span.SetAttributes(
		telemetry.ExportCount(len(h.Exports)),
		telemetry.BundleCount(len(h.Bundles)))
	logger.DebugCtx(j.ctx, "summary processed",
		logger.KeyPackage, j.name,
		logger.KeyCount, len(h.Exports),
		logger.KeyBundle, len(h.Bundles))
}

// setupDependencies links the bundles to the bundles of imported packages
// they wait for and takes a reference on every imported package.
func (l *Loader) setupDependencies(j *job) {
	j.setState(StateSetupDependencies)
	h := j.header
	if h == nil {
		j.setState(StateProcessExportBundles)
		return
	}

	for _, arc := range h.InternalArcs {
		if int(arc.FromBundle) == int(arc.ToBundle) {
			continue
		}
		j.bundles[arc.ToBundle].process.dependsOn(j.bundles[arc.FromBundle].process)
	}
	for _, arc := range h.ExternalArcs {
		imp := j.importJobs[h.ImportedPackages[arc.ImportedPackage]]
		if imp == nil || imp.header == nil {
			// loaded already, missing or failed
			continue
		}
		if int(arc.FromBundle) >= len(imp.bundles) {
			logger.WarnCtx(j.ctx, "external arc to unknown bundle",
				logger.KeyPackage, j.name,
				logger.KeyImport, imp.name,
				logger.KeyBundle, arc.FromBundle)
			continue
		}
		j.bundles[arc.ToBundle].process.dependsOn(imp.bundles[arc.FromBundle].process)
	}

	refs := make([]pkgid.ID, 0, len(h.ImportedPackages))
	for _, imp := range h.ImportedPackages {
		if _, err := l.registry.AddRef(imp); err == nil {
			refs = append(refs, imp)
		}
	}
	l.jobsMu.Lock()
	l.importRefs[j.id] = append(l.importRefs[j.id], refs...)
	l.jobsMu.Unlock()

	j.setState(StateProcessExportBundles)
}

// processBundle runs the entries of bundle bi from its cursor. Entries of a
// failed job are skipped so the bundle still completes.
func (l *Loader) processBundle(j *job, bi int, deadline time.Time) bool {
	h := j.header
	b := &j.bundles[bi]
	entries := h.BundleEntries(bi)
	ran := 0
	for b.cursor < len(entries) {
		if ran > 0 && !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		e := entries[b.cursor]
		b.cursor++
		ran++
		if j.failed.Load() {
			continue
		}
		switch e.Command {
		case pkgheader.CommandCreate:
			l.createExport(j, int(e.Export))
		case pkgheader.CommandSerialize:
			l.serializeExport(j, int(e.Export))
		}
	}
	if j.processLeft.Add(-1) == 0 {
		j.setState(StateWaitingForExternalReads)
	}
	return true
}

func (l *Loader) excluded(exp *pkgheader.Export) bool {
	return exp.Filter&l.cfg.Exclude != 0
}

// resolve finds the object ref points to. Null resolves to nil.
func (l *Loader) resolve(j *job, ref globalref.Ref) (*object.Object, bool) {
	switch ref.Kind() {
	case globalref.KindNull:
		return nil, true
	case globalref.KindLocalExport:
		idx, _ := ref.ExportIndex()
		if int(idx) >= len(j.objects) || j.objects[idx] == nil {
			return nil, false
		}
		return j.objects[idx], true
	default:
		return l.registry.FindExport(ref)
	}
}

func (l *Loader) createExport(j *job, i int) {
	h := j.header
	exp := &h.Exports[i]
	if l.excluded(exp) || j.objects[i] != nil {
		return
	}
	outer, ok := l.resolve(j, exp.Outer)
	if !ok {
		l.exportFailed(j, i, "outer not created")
		return
	}
	class, ok := l.resolve(j, exp.Class)
	if !ok {
		l.exportFailed(j, i, "class not found")
		return
	}
	super, ok := l.resolve(j, exp.Super)
	if !ok {
		l.exportFailed(j, i, "super not found")
		return
	}

	if exp.IsPublic() {
		existing, found := l.registry.FindExport(globalref.PackageImport(j.id, exp.PublicHash))
		if found && !existing.Has(object.FlagUnreachable) {
			j.objects[i] = existing
			return
		}
	}

	flags := object.FlagNeedsLoad | object.FlagNeedsPostLoad | object.Flags(exp.ObjectFlags)&object.FlagClass
	if exp.IsPublic() {
		flags |= object.FlagPublic
	}
	o := object.New(h.ExportName(i), outer, class, flags)
	o.Super = super
	o.Package = j.id
	o.ExportHash = exp.PublicHash
	l.objects.Add(o)
	j.objects[i] = o

	if exp.IsPublic() {
		if err := l.registry.AddPublicExport(j.id, exp.PublicHash, o); err != nil {
			j.fail(err)
			return
		}
		if exp.Flags&pkgheader.ExportRedirected != 0 && h.RedirectFrom.IsValid() {
			if err := l.registry.AddRedirectedExport(h.RedirectFrom, exp.PublicHash, o); err != nil {
				j.fail(err)
				return
			}
		}
	}
	if outer == nil && j.root == nil {
		j.root = o
		if err := l.registry.SetRoot(j.id, o); err != nil {
			j.fail(err)
		}
	}
}

func (l *Loader) serializeExport(j *job, i int) {
	o := j.objects[i]
	if o == nil || !o.Has(object.FlagNeedsLoad) {
		// filtered, failed or already in memory
		return
	}
	h := j.header
	data := h.ExportData(i)
	if uint64(len(data)) != h.Exports[i].SerialSize {
		l.exportFailed(j, i, "serial size mismatch")
		return
	}
	refs, raw, err := pkgheader.DecodePayload(data)
	if err != nil {
		l.exportFailed(j, i, err.Error())
		return
	}

	resolved := make([]*object.Object, len(refs))
	missing := 0
	for k, x := range refs {
		switch {
		case x.IsNull():
		case x.IsExport():
			if x.Export() >= len(j.objects) {
				l.exportFailed(j, i, "reference out of range")
				return
			}
			resolved[k] = j.objects[x.Export()]
		default:
			if x.Import() >= len(h.Imports) {
				l.exportFailed(j, i, "import out of range")
				return
			}
			ref := h.Imports[x.Import()]
			if ref.IsNull() {
				continue
			}
			target, ok := l.registry.FindExport(ref)
			if !ok {
				missing++
				logger.DebugCtx(j.ctx, "unresolved import",
					logger.KeyPackage, j.name,
					logger.KeyExport, i,
					logger.KeyImport, ref.String())
				continue
			}
			resolved[k] = target
		}
	}

	o.Data = bytes.Clone(raw)
	o.Refs = resolved
	o.Clear(object.FlagNeedsLoad)
	if missing > 0 {
		o.Set(object.FlagLoadFailed)
		logger.WarnCtx(j.ctx, "export has missing dependencies",
			logger.KeyPackage, j.name,
			logger.KeyObject, o.Path(),
			logger.KeyCount, missing)
	}
}

// exportFailed marks export i failed. The rest of the package keeps loading.
func (l *Loader) exportFailed(j *job, i int, reason string) {
	if o := j.objects[i]; o != nil {
		o.Set(object.FlagLoadFailed)
		o.Clear(object.FlagNeedsLoad | object.FlagNeedsPostLoad)
	}
	logger.WarnCtx(j.ctx, "export failed",
		logger.KeyPackage, j.name,
		logger.KeyExport, i,
		"reason", reason)
}

// behavior returns the class behavior of export i.
func (l *Loader) behavior(j *job, i int) (ClassBehavior, bool) {
	if len(l.cfg.Classes) == 0 {
		return ClassBehavior{}, false
	}
	hash, ok := j.header.Exports[i].Class.NativeHash()
	if !ok {
		return ClassBehavior{}, false
	}
	b, ok := l.cfg.Classes[hash]
	return b, ok
}

// bundleObjects calls fn for every live export serialized by bundle bi.
func (l *Loader) bundleObjects(j *job, bi int, fn func(i int, o *object.Object)) {
	for _, e := range j.header.BundleEntries(bi) {
		if e.Command != pkgheader.CommandSerialize {
			continue
		}
		i := int(e.Export)
		o := j.objects[i]
		if o == nil || o.Has(object.FlagLoadFailed) || o.Package != j.id {
			continue
		}
		fn(i, o)
	}
}

func (l *Loader) postLoad(j *job, bi int) {
	j.setState(StatePostLoad)
	l.bundleObjects(j, bi, func(i int, o *object.Object) {
		if !o.Has(object.FlagNeedsPostLoad) {
			return
		}
		b, ok := l.behavior(j, i)
		if ok && b.PostLoadOnMainThread {
			return
		}
		if ok && b.PostLoad != nil {
			l.runHook(j, o, "post_load", b.PostLoad)
		}
		o.Clear(object.FlagNeedsPostLoad)
	})
}

func (l *Loader) deferredPostLoad(j *job, bi int) {
	j.setState(StateDeferredPostLoad)
	l.bundleObjects(j, bi, func(i int, o *object.Object) {
		b, ok := l.behavior(j, i)
		if o.Has(object.FlagNeedsPostLoad) {
			if ok && b.PostLoad != nil {
				l.runHook(j, o, "post_load", b.PostLoad)
			}
			o.Clear(object.FlagNeedsPostLoad)
		}
		if ok && b.DeferredPostLoad != nil {
			l.runHook(j, o, "deferred_post_load", b.DeferredPostLoad)
		}
	})
	if j.deferredLeft.Add(-1) == 0 {
		j.setState(StateDeferredPostLoadDone)
		l.reachPhase(j, phaseLoaded)
	}
}

func (l *Loader) runHook(j *job, o *object.Object, name string, hook func(*object.Object) error) {
	if err := hook(o); err != nil {
		o.Set(object.FlagLoadFailed)
		logger.WarnCtx(j.ctx, "post-load hook failed",
			logger.KeyPackage, j.name,
			logger.KeyObject, o.Path(),
			logger.KeyOperation, name,
			logger.Err(err))
	}
}
