// Package globalref defines the reference to an object anywhere in the
// process: nothing, a native object, a public export of another package, or an
// export of the package being loaded.
package globalref

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/marmos91/pkgload/pkg/pkgid"
)

// Kind discriminates a Ref. The numeric order is part of the Ref ordering.
type Kind uint8

const (
	KindNull Kind = iota
	KindNative
	KindPackageImport
	KindLocalExport
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNative:
		return "native"
	case KindPackageImport:
		return "import"
	case KindLocalExport:
		return "export"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// EncodedSize is the length of the binary form of a Ref.
const EncodedSize = 17

// ErrInvalidRef is returned when decoding malformed bytes.
var ErrInvalidRef = errors.New("invalid global reference")

// Ref is a comparable value; the zero Ref is Null.
type Ref struct {
	kind Kind
	a    uint64 // native hash, package id, or export index
	b    uint64 // export hash for package imports
}

// Null returns the null reference.
func Null() Ref { return Ref{} }

// Native references a native object by the hash of its script path.
func Native(hash uint64) Ref { return Ref{kind: KindNative, a: hash} }

// PackageImport references public export exportHash of package pkg.
func PackageImport(pkg pkgid.ID, exportHash uint64) Ref {
	return Ref{kind: KindPackageImport, a: uint64(pkg), b: exportHash}
}

// LocalExport references export index of the current package.
func LocalExport(index uint32) Ref { return Ref{kind: KindLocalExport, a: uint64(index)} }

// Kind returns the reference kind.
func (r Ref) Kind() Kind { return r.kind }

// IsNull reports whether r references nothing.
func (r Ref) IsNull() bool { return r.kind == KindNull }

// NativeHash returns the hash of a native reference.
func (r Ref) NativeHash() (uint64, bool) {
	return r.a, r.kind == KindNative
}

// PackageExport returns the package and export hash of a package import.
func (r Ref) PackageExport() (pkgid.ID, uint64, bool) {
	return pkgid.ID(r.a), r.b, r.kind == KindPackageImport
}

// ExportIndex returns the index of a local export.
func (r Ref) ExportIndex() (uint32, bool) {
	return uint32(r.a), r.kind == KindLocalExport
}

// Compare orders by kind, then payload.
func (r Ref) Compare(o Ref) int {
	if c := cmp.Compare(r.kind, o.kind); c != 0 {
		return c
	}
	if c := cmp.Compare(r.a, o.a); c != 0 {
		return c
	}
	return cmp.Compare(r.b, o.b)
}

// Less reports whether r sorts before o.
func (r Ref) Less(o Ref) bool { return r.Compare(o) < 0 }

func (r Ref) String() string {
	switch r.kind {
	case KindNull:
		return "null"
	case KindNative:
		return fmt.Sprintf("native:%016x", r.a)
	case KindPackageImport:
		return fmt.Sprintf("import:%s/%016x", pkgid.ID(r.a), r.b)
	case KindLocalExport:
		return fmt.Sprintf("export:%d", r.a)
	default:
		return r.kind.String()
	}
}

// AppendBinary appends the 17-byte encoding of r to dst.
func (r Ref) AppendBinary(dst []byte) []byte {
	dst = append(dst, byte(r.kind))
	dst = binary.LittleEndian.AppendUint64(dst, r.a)
	return binary.LittleEndian.AppendUint64(dst, r.b)
}

// Decode reads a Ref from the first EncodedSize bytes of src.
func Decode(src []byte) (Ref, error) {
	if len(src) < EncodedSize {
		return Ref{}, fmt.Errorf("%w: %d bytes", ErrInvalidRef, len(src))
	}
	r := Ref{
		kind: Kind(src[0]),
		a:    binary.LittleEndian.Uint64(src[1:]),
		b:    binary.LittleEndian.Uint64(src[9:]),
	}
	switch r.kind {
	case KindNull:
		if r.a != 0 || r.b != 0 {
			return Ref{}, fmt.Errorf("%w: null with payload", ErrInvalidRef)
		}
	case KindNative, KindLocalExport:
		if r.b != 0 {
			return Ref{}, fmt.Errorf("%w: %s with second word", ErrInvalidRef, r.kind)
		}
		if r.kind == KindLocalExport && r.a > 0xFFFFFFFF {
			return Ref{}, fmt.Errorf("%w: export index overflow", ErrInvalidRef)
		}
	case KindPackageImport:
	default:
		return Ref{}, fmt.Errorf("%w: kind %d", ErrInvalidRef, src[0])
	}
	return r, nil
}
