// Package pkgheader encodes the package summary record: the tables the
// runtime loader needs to create, link and order the exports of a package,
// followed by the export blob.
//
// Layout (little endian):
//
//	magic u32 | version u16 | reserved u16 | flags u32 | name index u32
//	summary size u32 | redirect source u64
//	8 x (offset u32, size u32) section table
//	sections ... | export blob
//
// Offsets are relative to the start of the record. The blob starts at the
// summary size.
package pkgheader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/marmos91/pkgload/pkg/globalref"
	"github.com/marmos91/pkgload/pkg/pkgid"
)

const (
	// Magic starts every summary record ("PKGS").
	Magic uint32 = 0x53474b50

	// Version is the current record version.
	Version uint16 = 1

	fixedSize       = 4 + 2 + 2 + 4 + 4 + 4 + 8 + numSections*8
	exportSize      = 4 + 4*globalref.EncodedSize + 8 + 8 + 8 + 4 + 1 + 1
	bundleSize      = 8 + 4 + 4
	entrySize       = 4 + 4
	internalArcSize = 4 + 4
	externalArcSize = 4 + 4 + 4
)

// ErrMalformed is returned when a record fails validation.
var ErrMalformed = errors.New("malformed package summary")

const (
	secNames = iota
	secImports
	secExports
	secBundles
	secEntries
	secInternalArcs
	secExternalArcs
	secImportedPackages
	numSections
)

// Flags describe the package as a whole.
type Flags uint32

const (
	// FlagHasRedirect is set when public exports also answer for RedirectFrom.
	FlagHasRedirect Flags = 1 << iota
	// FlagUnverifiedRedirect marks a redirect accepted without a full match.
	FlagUnverifiedRedirect
)

// FilterFlags exclude an export from some runtime targets.
type FilterFlags uint8

const (
	FilterNotForClient FilterFlags = 1 << iota
	FilterNotForServer
	FilterEditorOnly
)

// ExportFlags are per-export bits.
type ExportFlags uint8

const (
	ExportPublic ExportFlags = 1 << iota
	// ExportRedirected marks a public export registered under RedirectFrom too.
	ExportRedirected
)

// Command is the action of a bundle entry.
type Command uint32

const (
	CommandCreate Command = iota
	CommandSerialize
)

func (c Command) String() string {
	if c == CommandSerialize {
		return "serialize"
	}
	return "create"
}

// Export describes one object of the package.
type Export struct {
	// Name indexes the name table.
	Name uint32
	// Outer is Null or a LocalExport. Null means the package root.
	Outer    globalref.Ref
	Class    globalref.Ref
	Super    globalref.Ref
	Template globalref.Ref
	// PublicHash is set for public exports.
	PublicHash   uint64
	SerialOffset uint64
	SerialSize   uint64
	ObjectFlags  uint32
	Filter       FilterFlags
	Flags        ExportFlags
}

// IsPublic reports whether other packages may import the export.
func (e Export) IsPublic() bool { return e.Flags&ExportPublic != 0 }

// Bundle is an ordered range of the entry table.
type Bundle struct {
	LoadOrder  uint64
	FirstEntry uint32
	EntryCount uint32
}

// Entry is one create or serialize command.
type Entry struct {
	Export  uint32
	Command Command
}

// InternalArc orders two bundles of the same package.
type InternalArc struct {
	FromBundle uint32
	ToBundle   uint32
}

// ExternalArc makes ToBundle wait for FromBundle of an imported package.
type ExternalArc struct {
	ImportedPackage uint32
	FromBundle      uint32
	ToBundle        uint32
}

// Header is a decoded summary record.
type Header struct {
	Flags            Flags
	NameIndex        uint32
	RedirectFrom     pkgid.ID
	Names            []string
	Imports          []globalref.Ref
	Exports          []Export
	Bundles          []Bundle
	Entries          []Entry
	InternalArcs     []InternalArc
	ExternalArcs     []ExternalArc
	ImportedPackages []pkgid.ID
	Blob             []byte
}

// Name returns the package name.
func (h *Header) Name() string {
	if int(h.NameIndex) < len(h.Names) {
		return h.Names[h.NameIndex]
	}
	return ""
}

// BundleEntries returns the entries of bundle i.
func (h *Header) BundleEntries(i int) []Entry {
	b := h.Bundles[i]
	return h.Entries[b.FirstEntry : b.FirstEntry+b.EntryCount]
}

// ExportName returns the name of export i.
func (h *Header) ExportName(i int) string {
	return h.Names[h.Exports[i].Name]
}

// ExportData returns the serialized payload of export i.
func (h *Header) ExportData(i int) []byte {
	e := h.Exports[i]
	return h.Blob[e.SerialOffset : e.SerialOffset+e.SerialSize]
}

// Encode serializes h.
func Encode(h *Header) ([]byte, error) {
	var sections [numSections][]byte

	for _, n := range h.Names {
		if len(n) > 0xffff {
			return nil, fmt.Errorf("name too long: %d bytes", len(n))
		}
		sections[secNames] = binary.LittleEndian.AppendUint16(sections[secNames], uint16(len(n)))
		sections[secNames] = append(sections[secNames], n...)
	}
	for _, r := range h.Imports {
		sections[secImports] = r.AppendBinary(sections[secImports])
	}
	for _, e := range h.Exports {
		b := sections[secExports]
		b = binary.LittleEndian.AppendUint32(b, e.Name)
		b = e.Outer.AppendBinary(b)
		b = e.Class.AppendBinary(b)
		b = e.Super.AppendBinary(b)
		b = e.Template.AppendBinary(b)
		b = binary.LittleEndian.AppendUint64(b, e.PublicHash)
		b = binary.LittleEndian.AppendUint64(b, e.SerialOffset)
		b = binary.LittleEndian.AppendUint64(b, e.SerialSize)
		b = binary.LittleEndian.AppendUint32(b, e.ObjectFlags)
		b = append(b, byte(e.Filter), byte(e.Flags))
		sections[secExports] = b
	}
	for _, bu := range h.Bundles {
		b := binary.LittleEndian.AppendUint64(sections[secBundles], bu.LoadOrder)
		b = binary.LittleEndian.AppendUint32(b, bu.FirstEntry)
		sections[secBundles] = binary.LittleEndian.AppendUint32(b, bu.EntryCount)
	}
	for _, en := range h.Entries {
		b := binary.LittleEndian.AppendUint32(sections[secEntries], en.Export)
		sections[secEntries] = binary.LittleEndian.AppendUint32(b, uint32(en.Command))
	}
	for _, a := range h.InternalArcs {
		b := binary.LittleEndian.AppendUint32(sections[secInternalArcs], a.FromBundle)
		sections[secInternalArcs] = binary.LittleEndian.AppendUint32(b, a.ToBundle)
	}
	for _, a := range h.ExternalArcs {
		b := binary.LittleEndian.AppendUint32(sections[secExternalArcs], a.ImportedPackage)
		b = binary.LittleEndian.AppendUint32(b, a.FromBundle)
		sections[secExternalArcs] = binary.LittleEndian.AppendUint32(b, a.ToBundle)
	}
	for _, id := range h.ImportedPackages {
		sections[secImportedPackages] = binary.LittleEndian.AppendUint64(sections[secImportedPackages], uint64(id))
	}

	summary := fixedSize
	for _, s := range sections {
		summary += len(s)
	}

	out := make([]byte, 0, summary+len(h.Blob))
	out = binary.LittleEndian.AppendUint32(out, Magic)
	out = binary.LittleEndian.AppendUint16(out, Version)
	out = binary.LittleEndian.AppendUint16(out, 0)
	out = binary.LittleEndian.AppendUint32(out, uint32(h.Flags))
	out = binary.LittleEndian.AppendUint32(out, h.NameIndex)
	out = binary.LittleEndian.AppendUint32(out, uint32(summary))
	out = binary.LittleEndian.AppendUint64(out, uint64(h.RedirectFrom))
	off := fixedSize
	for _, s := range sections {
		out = binary.LittleEndian.AppendUint32(out, uint32(off))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
		off += len(s)
	}
	for _, s := range sections {
		out = append(out, s...)
	}
	return append(out, h.Blob...), nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decode parses and validates a record. The returned header aliases data.
func Decode(data []byte) (*Header, error) {
	if len(data) < fixedSize {
		return nil, malformed("record of %d bytes is shorter than the fixed header", len(data))
	}
	le := binary.LittleEndian
	if m := le.Uint32(data[0:]); m != Magic {
		return nil, malformed("bad magic %08x", m)
	}
	if v := le.Uint16(data[4:]); v != Version {
		return nil, malformed("unsupported version %d", v)
	}
	h := &Header{
		Flags:        Flags(le.Uint32(data[8:])),
		NameIndex:    le.Uint32(data[12:]),
		RedirectFrom: pkgid.ID(le.Uint64(data[20:])),
	}
	summary := int(le.Uint32(data[16:]))
	if summary < fixedSize || summary > len(data) {
		return nil, malformed("summary size %d outside record of %d bytes", summary, len(data))
	}

	var sec [numSections][]byte
	for i := range sec {
		p := 28 + i*8
		off, size := int(le.Uint32(data[p:])), int(le.Uint32(data[p+4:]))
		if off < fixedSize || size < 0 || off+size > summary {
			return nil, malformed("section %d [%d,+%d) outside summary", i, off, size)
		}
		sec[i] = data[off : off+size]
	}
	for i, rec := range map[int]int{
		secImports: globalref.EncodedSize, secExports: exportSize, secBundles: bundleSize,
		secEntries: entrySize, secInternalArcs: internalArcSize,
		secExternalArcs: externalArcSize, secImportedPackages: 8,
	} {
		if len(sec[i])%rec != 0 {
			return nil, malformed("section %d size %d is not a multiple of %d", i, len(sec[i]), rec)
		}
	}
	h.Blob = data[summary:]

	for b := sec[secNames]; len(b) > 0; {
		if len(b) < 2 {
			return nil, malformed("truncated name length")
		}
		n := int(le.Uint16(b))
		if len(b) < 2+n {
			return nil, malformed("truncated name")
		}
		h.Names = append(h.Names, string(b[2:2+n]))
		b = b[2+n:]
	}
	if int(h.NameIndex) >= len(h.Names) {
		return nil, malformed("package name index %d out of %d names", h.NameIndex, len(h.Names))
	}

	for b := sec[secImports]; len(b) > 0; b = b[globalref.EncodedSize:] {
		r, err := globalref.Decode(b[:globalref.EncodedSize])
		if err != nil {
			return nil, malformed("import %d: %v", len(h.Imports), err)
		}
		h.Imports = append(h.Imports, r)
	}

	for b := sec[secExports]; len(b) > 0; b = b[exportSize:] {
		e, err := decodeExport(b[:exportSize])
		if err != nil {
			return nil, malformed("export %d: %v", len(h.Exports), err)
		}
		h.Exports = append(h.Exports, e)
	}

	for b := sec[secBundles]; len(b) > 0; b = b[bundleSize:] {
		h.Bundles = append(h.Bundles, Bundle{
			LoadOrder:  le.Uint64(b),
			FirstEntry: le.Uint32(b[8:]),
			EntryCount: le.Uint32(b[12:]),
		})
	}
	for b := sec[secEntries]; len(b) > 0; b = b[entrySize:] {
		h.Entries = append(h.Entries, Entry{Export: le.Uint32(b), Command: Command(le.Uint32(b[4:]))})
	}
	for b := sec[secInternalArcs]; len(b) > 0; b = b[internalArcSize:] {
		h.InternalArcs = append(h.InternalArcs, InternalArc{FromBundle: le.Uint32(b), ToBundle: le.Uint32(b[4:])})
	}
	for b := sec[secExternalArcs]; len(b) > 0; b = b[externalArcSize:] {
		h.ExternalArcs = append(h.ExternalArcs, ExternalArc{
			ImportedPackage: le.Uint32(b),
			FromBundle:      le.Uint32(b[4:]),
			ToBundle:        le.Uint32(b[8:]),
		})
	}
	for b := sec[secImportedPackages]; len(b) > 0; b = b[8:] {
		h.ImportedPackages = append(h.ImportedPackages, pkgid.ID(le.Uint64(b)))
	}

	if err := h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func decodeExport(b []byte) (Export, error) {
	le := binary.LittleEndian
	e := Export{Name: le.Uint32(b)}
	refs := []*globalref.Ref{&e.Outer, &e.Class, &e.Super, &e.Template}
	p := 4
	for _, dst := range refs {
		r, err := globalref.Decode(b[p : p+globalref.EncodedSize])
		if err != nil {
			return e, err
		}
		*dst = r
		p += globalref.EncodedSize
	}
	e.PublicHash = le.Uint64(b[p:])
	e.SerialOffset = le.Uint64(b[p+8:])
	e.SerialSize = le.Uint64(b[p+16:])
	e.ObjectFlags = le.Uint32(b[p+24:])
	e.Filter = FilterFlags(b[p+28])
	e.Flags = ExportFlags(b[p+29])
	return e, nil
}

func (h *Header) validate() error {
	nExports := uint64(len(h.Exports))
	for i, e := range h.Exports {
		if int(e.Name) >= len(h.Names) {
			return malformed("export %d name index %d out of range", i, e.Name)
		}
		switch e.Outer.Kind() {
		case globalref.KindNull:
		case globalref.KindLocalExport:
			if idx, _ := e.Outer.ExportIndex(); uint64(idx) >= nExports || int(idx) == i {
				return malformed("export %d outer %d invalid", i, idx)
			}
		default:
			return malformed("export %d outer must be local", i)
		}
		for _, r := range []globalref.Ref{e.Class, e.Super, e.Template} {
			if idx, ok := r.ExportIndex(); ok && uint64(idx) >= nExports {
				return malformed("export %d references export %d out of range", i, idx)
			}
		}
		if e.SerialOffset > uint64(len(h.Blob)) || e.SerialSize > uint64(len(h.Blob))-e.SerialOffset {
			return malformed("export %d serial range [%d,+%d) outside blob of %d bytes",
				i, e.SerialOffset, e.SerialSize, len(h.Blob))
		}
	}
	for i, r := range h.Imports {
		if r.Kind() == globalref.KindLocalExport {
			return malformed("import %d is a local export", i)
		}
	}
	var next uint32
	for i, b := range h.Bundles {
		if b.FirstEntry != next {
			return malformed("bundle %d is not contiguous", i)
		}
		if uint64(b.FirstEntry)+uint64(b.EntryCount) > uint64(len(h.Entries)) {
			return malformed("bundle %d entries out of range", i)
		}
		if i > 0 && b.LoadOrder < h.Bundles[i-1].LoadOrder {
			return malformed("bundle %d load order decreases", i)
		}
		next = b.FirstEntry + b.EntryCount
	}
	if int(next) != len(h.Entries) {
		return malformed("%d entries not covered by bundles", len(h.Entries)-int(next))
	}
	for i, en := range h.Entries {
		if uint64(en.Export) >= nExports {
			return malformed("entry %d export %d out of range", i, en.Export)
		}
		if en.Command > CommandSerialize {
			return malformed("entry %d command %d unknown", i, en.Command)
		}
	}
	nBundles := uint32(len(h.Bundles))
	for i, a := range h.InternalArcs {
		if a.FromBundle >= nBundles || a.ToBundle >= nBundles {
			return malformed("internal arc %d out of range", i)
		}
		if a.FromBundle > a.ToBundle {
			// bundles load in order, so an arc may only point forward
			return malformed("internal arc %d points from bundle %d back to %d", i, a.FromBundle, a.ToBundle)
		}
	}
	for i, a := range h.ExternalArcs {
		if int(a.ImportedPackage) >= len(h.ImportedPackages) || a.ToBundle >= nBundles {
			return malformed("external arc %d out of range", i)
		}
	}
	return nil
}
