package pkgheader

import (
	"encoding/binary"
	"fmt"
)

// Index is a signed package index: positive values name export Index-1,
// negative values name import -Index-1, zero is null.
type Index int32

// NullIndex references nothing.
const NullIndex Index = 0

// ExportIndex returns the index referencing export i.
func ExportIndex(i int) Index { return Index(i + 1) }

// ImportIndex returns the index referencing import i.
func ImportIndex(i int) Index { return Index(-i - 1) }

func (x Index) IsNull() bool   { return x == 0 }
func (x Index) IsExport() bool { return x > 0 }
func (x Index) IsImport() bool { return x < 0 }

// Export returns the export table index. Only valid when IsExport.
func (x Index) Export() int { return int(x) - 1 }

// Import returns the import table index. Only valid when IsImport.
func (x Index) Import() int { return int(-x) - 1 }

func (x Index) String() string {
	switch {
	case x.IsExport():
		return fmt.Sprintf("export(%d)", x.Export())
	case x.IsImport():
		return fmt.Sprintf("import(%d)", x.Import())
	default:
		return "null"
	}
}

// EncodePayload lays out an export payload: u32 ref count, the references,
// then the raw bytes.
func EncodePayload(refs []Index, data []byte) []byte {
	out := make([]byte, 0, 4+4*len(refs)+len(data))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(refs)))
	for _, r := range refs {
		out = binary.LittleEndian.AppendUint32(out, uint32(r))
	}
	return append(out, data...)
}

// DecodePayload splits an export payload. data aliases b.
func DecodePayload(b []byte) (refs []Index, data []byte, err error) {
	if len(b) < 4 {
		return nil, nil, malformed("export payload of %d bytes has no reference count", len(b))
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n)*4 > uint64(len(b)-4) {
		return nil, nil, malformed("export payload declares %d references in %d bytes", n, len(b))
	}
	refs = make([]Index, n)
	for i := range refs {
		refs[i] = Index(int32(binary.LittleEndian.Uint32(b[4+4*i:])))
	}
	return refs, b[4+4*int(n):], nil
}
