// Package chunk defines the opaque 128-bit identifiers of content-addressed
// byte ranges in a chunk store.
//
// Layout of an ID:
//
//	bytes 0..7   owner (package id or container id, little endian)
//	bytes 8..9   chunk index (little endian)
//	bytes 10..14 reserved, zero
//	byte  15     Type discriminant
package chunk

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/marmos91/pkgload/pkg/pkgid"
)

// Size is the length of an ID in bytes.
const Size = 16

// Type partitions chunk ids by what they hold.
type Type uint8

const (
	TypeInvalid Type = iota
	// TypeExportBundleData holds a package summary followed by its export blob.
	TypeExportBundleData
	// TypeBulkData holds optional bulk payload of a package.
	TypeBulkData
	// TypeContainerHeader holds the package store entries of a container.
	TypeContainerHeader
	// TypeScriptObjects holds the native object table.
	TypeScriptObjects
	// TypeMeta holds free-form metadata.
	TypeMeta
)

var typeNames = [...]string{
	TypeInvalid:          "invalid",
	TypeExportBundleData: "export_bundle_data",
	TypeBulkData:         "bulk_data",
	TypeContainerHeader:  "container_header",
	TypeScriptObjects:    "script_objects",
	TypeMeta:             "meta",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ErrInvalidID is returned when parsing a malformed id.
var ErrInvalidID = errors.New("invalid chunk id")

// ID is a chunk identifier. The zero value is invalid.
type ID [Size]byte

// New builds an id from its parts.
func New(owner uint64, index uint16, t Type) ID {
	var id ID
	binary.LittleEndian.PutUint64(id[0:8], owner)
	binary.LittleEndian.PutUint16(id[8:10], index)
	id[15] = byte(t)
	return id
}

// ForPackage returns the chunk id of a package's export bundle data.
func ForPackage(p pkgid.ID) ID {
	return New(uint64(p), 0, TypeExportBundleData)
}

// ForBulkData returns the chunk id of the index-th bulk data chunk of a package.
func ForBulkData(p pkgid.ID, index uint16) ID {
	return New(uint64(p), index, TypeBulkData)
}

// ForContainerHeader returns the chunk id holding the header of a container.
func ForContainerHeader(containerID uint64) ID {
	return New(containerID, 0, TypeContainerHeader)
}

// Owner returns the owner field.
func (id ID) Owner() uint64 {
	return binary.LittleEndian.Uint64(id[0:8])
}

// Index returns the chunk index field.
func (id ID) Index() uint16 {
	return binary.LittleEndian.Uint16(id[8:10])
}

// Type returns the type discriminant.
func (id ID) Type() Type {
	return Type(id[15])
}

// IsValid reports whether id has a known type.
func (id ID) IsValid() bool {
	t := id.Type()
	return t != TypeInvalid && int(t) < len(typeNames)
}

// String returns the 32 character hex form.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Parse parses the output of String.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != Size*2 {
		return id, fmt.Errorf("%w: %q has length %d", ErrInvalidID, s, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return id, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
