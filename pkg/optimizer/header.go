package optimizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/marmos91/pkgload/pkg/globalref"
	"github.com/marmos91/pkgload/pkg/pkgheader"
)

// Header returns the summary record of a finalized package. External arcs
// resolved by later Finalize calls are included, so call it after the last
// Finalize that may complete p's dependencies.
func (o *Optimizer) Header(p *Package) (*pkgheader.Header, error) {
	if !p.finalized {
		return nil, fmt.Errorf("%w: %s", ErrNotFinalized, p.Name)
	}

	h := &pkgheader.Header{
		Names:            append([]string(nil), p.names...),
		RedirectFrom:     p.redirect,
		ImportedPackages: append(p.imported[:0:0], p.imported...),
		Blob:             p.blob,
	}
	h.NameIndex = uint32(len(h.Names))
	for i, n := range h.Names {
		if strings.EqualFold(n, p.Name) {
			h.NameIndex = uint32(i)
			break
		}
	}
	if int(h.NameIndex) == len(h.Names) {
		h.Names = append(h.Names, p.Name)
	}
	if p.redirect.IsValid() {
		h.Flags |= pkgheader.FlagHasRedirect
		if p.unverified {
			h.Flags |= pkgheader.FlagUnverifiedRedirect
		}
	}

	h.Imports = make([]globalref.Ref, len(p.imports))
	for i, imp := range p.imports {
		h.Imports[i] = imp.ref
	}

	h.Exports = make([]pkgheader.Export, len(p.exports))
	for i, e := range p.exports {
		x := pkgheader.Export{
			Name:         uint32(e.raw.Name),
			Outer:        p.ref(e.raw.Outer),
			Class:        p.ref(e.raw.Class),
			Super:        p.ref(e.raw.Super),
			Template:     p.ref(e.raw.Template),
			SerialOffset: p.payloadOff[i],
			SerialSize:   p.payloadOff[i+1] - p.payloadOff[i],
			ObjectFlags:  e.raw.ObjectFlags,
			Filter:       e.raw.Filter,
		}
		if e.raw.Public {
			x.Flags |= pkgheader.ExportPublic
			x.PublicHash = e.hash
		}
		if e.redirected {
			x.Flags |= pkgheader.ExportRedirected
		}
		h.Exports[i] = x
	}

	for _, b := range p.bundles {
		h.Bundles = append(h.Bundles, pkgheader.Bundle{
			LoadOrder:  b.loadOrder,
			FirstEntry: uint32(len(h.Entries)),
			EntryCount: uint32(len(b.entries)),
		})
		for _, n := range b.entries {
			h.Entries = append(h.Entries, pkgheader.Entry{Export: uint32(n.export), Command: n.cmd})
		}
	}

	seen := make(map[pkgheader.InternalArc]struct{})
	for _, a := range p.arcs {
		arc := pkgheader.InternalArc{
			FromBundle: uint32(p.exports[a.from.export].bundle[a.from.cmd]),
			ToBundle:   uint32(p.exports[a.to.export].bundle[a.to.cmd]),
		}
		if arc.FromBundle == arc.ToBundle {
			continue
		}
		if _, dup := seen[arc]; dup {
			continue
		}
		seen[arc] = struct{}{}
		h.InternalArcs = append(h.InternalArcs, arc)
	}
	sort.Slice(h.InternalArcs, func(i, j int) bool {
		a, b := h.InternalArcs[i], h.InternalArcs[j]
		if a.ToBundle != b.ToBundle {
			return a.ToBundle < b.ToBundle
		}
		return a.FromBundle < b.FromBundle
	})

	for arc := range p.extArcs {
		h.ExternalArcs = append(h.ExternalArcs, arc)
	}
	sort.Slice(h.ExternalArcs, func(i, j int) bool {
		a, b := h.ExternalArcs[i], h.ExternalArcs[j]
		if a.ToBundle != b.ToBundle {
			return a.ToBundle < b.ToBundle
		}
		if a.ImportedPackage != b.ImportedPackage {
			return a.ImportedPackage < b.ImportedPackage
		}
		return a.FromBundle < b.FromBundle
	})
	return h, nil
}
