package pkgheader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pkgload/pkg/globalref"
	"github.com/marmos91/pkgload/pkg/pkgid"
)

func sampleHeader() *Header {
	payload := EncodePayload([]Index{ImportIndex(0), ExportIndex(0)}, []byte("hello"))
	return &Header{
		NameIndex: 0,
		Names:     []string{"/game/hero", "Hero", "Mesh"},
		Imports: []globalref.Ref{
			globalref.Native(pkgid.Hash("/script/engine/staticmesh")),
			globalref.PackageImport(pkgid.FromName("/game/base"), 7),
		},
		Exports: []Export{
			{Name: 1, Class: globalref.Native(1), PublicHash: 99, SerialSize: uint64(len(payload)), Flags: ExportPublic},
			{Name: 2, Outer: globalref.LocalExport(0), SerialOffset: uint64(len(payload)), Filter: FilterEditorOnly},
		},
		Bundles: []Bundle{
			{LoadOrder: 3, FirstEntry: 0, EntryCount: 3},
			{LoadOrder: 5, FirstEntry: 3, EntryCount: 1},
		},
		Entries: []Entry{
			{Export: 0, Command: CommandCreate},
			{Export: 1, Command: CommandCreate},
			{Export: 0, Command: CommandSerialize},
			{Export: 1, Command: CommandSerialize},
		},
		InternalArcs:     []InternalArc{{FromBundle: 0, ToBundle: 1}},
		ExternalArcs:     []ExternalArc{{ImportedPackage: 0, FromBundle: 2, ToBundle: 0}},
		ImportedPackages: []pkgid.ID{pkgid.FromName("/game/base")},
		Blob:             payload,
	}
}

func TestEncodeDecode(t *testing.T) {
	h := sampleHeader()
	data, err := Encode(h)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "/game/hero", got.Name())
	assert.Equal(t, h.Names, got.Names)
	assert.Equal(t, h.Imports, got.Imports)
	assert.Equal(t, h.Exports, got.Exports)
	assert.Equal(t, h.Bundles, got.Bundles)
	assert.Equal(t, h.Entries, got.Entries)
	assert.Equal(t, h.InternalArcs, got.InternalArcs)
	assert.Equal(t, h.ExternalArcs, got.ExternalArcs)
	assert.Equal(t, h.ImportedPackages, got.ImportedPackages)
	assert.Equal(t, h.Blob, got.Blob)

	assert.Equal(t, "Mesh", got.ExportName(1))
	assert.Len(t, got.BundleEntries(0), 3)

	refs, raw, err := DecodePayload(got.ExportData(0))
	require.NoError(t, err)
	assert.Equal(t, []Index{ImportIndex(0), ExportIndex(0)}, refs)
	assert.Equal(t, []byte("hello"), raw)
	assert.Empty(t, got.ExportData(1))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	good, err := Encode(sampleHeader())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(h *Header)
		raw    func([]byte) []byte
	}{
		{name: "short", raw: func(b []byte) []byte { return b[:10] }},
		{name: "magic", raw: func(b []byte) []byte { c := append([]byte(nil), b...); c[0] ^= 0xff; return c }},
		{name: "version", raw: func(b []byte) []byte { c := append([]byte(nil), b...); c[4] = 9; return c }},
		{name: "truncated summary", raw: func(b []byte) []byte { return b[:fixedSize+4] }},
		{name: "name index", mutate: func(h *Header) { h.NameIndex = 10 }},
		{name: "export name", mutate: func(h *Header) { h.Exports[0].Name = 42 }},
		{name: "outer self", mutate: func(h *Header) { h.Exports[1].Outer = globalref.LocalExport(1) }},
		{name: "outer import", mutate: func(h *Header) { h.Exports[1].Outer = globalref.Native(3) }},
		{name: "serial range", mutate: func(h *Header) { h.Exports[1].SerialSize = 1 << 20 }},
		{name: "entry export", mutate: func(h *Header) { h.Entries[3].Export = 9 }},
		{name: "bundle gap", mutate: func(h *Header) { h.Bundles[1].FirstEntry = 2; h.Bundles[1].EntryCount = 2 }},
		{name: "uncovered entries", mutate: func(h *Header) { h.Bundles = h.Bundles[:1] }},
		{name: "load order", mutate: func(h *Header) { h.Bundles[1].LoadOrder = 1 }},
		{name: "internal arc", mutate: func(h *Header) { h.InternalArcs[0].ToBundle = 4 }},
		{name: "backward internal arc", mutate: func(h *Header) { h.InternalArcs[0] = InternalArc{FromBundle: 1, ToBundle: 0} }},
		{name: "external arc", mutate: func(h *Header) { h.ExternalArcs[0].ImportedPackage = 1 }},
		{name: "local import", mutate: func(h *Header) { h.Imports[0] = globalref.LocalExport(0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := good
			if tt.mutate != nil {
				h := sampleHeader()
				tt.mutate(h)
				data, err = Encode(h)
				require.NoError(t, err)
			}
			if tt.raw != nil {
				data = tt.raw(data)
			}
			_, err := Decode(data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestIndex(t *testing.T) {
	assert.True(t, NullIndex.IsNull())
	assert.Equal(t, 3, ExportIndex(3).Export())
	assert.Equal(t, 2, ImportIndex(2).Import())
	assert.True(t, ImportIndex(0).IsImport())
	assert.Equal(t, "export(0)", ExportIndex(0).String())
	assert.Equal(t, "import(1)", ImportIndex(1).String())
}

func TestDecodePayloadRejectsTruncated(t *testing.T) {
	_, _, err := DecodePayload([]byte{1, 2})
	assert.ErrorIs(t, err, ErrMalformed)
	_, _, err = DecodePayload([]byte{5, 0, 0, 0, 1, 0, 0, 0})
	assert.ErrorIs(t, err, ErrMalformed)
}
