// Package pkgid derives stable 64-bit identifiers from package and object paths.
//
// All hashing in pkgload goes through this package so that the optimizer, the
// container writer and the runtime loader agree on identifiers.
package pkgid

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ID identifies a package by the hash of its lowercased path.
type ID uint64

// Invalid is the zero identifier. No package path hashes to it.
const Invalid ID = 0

// FromName returns the identifier of the package at path name.
// Names are case-insensitive: "/Game/Hero" and "/game/hero" are the same package.
func FromName(name string) ID {
	h := Hash(strings.ToLower(name))
	if h == 0 {
		h = 1
	}
	return ID(h)
}

// IsValid reports whether id is not Invalid.
func (id ID) IsValid() bool {
	return id != Invalid
}

// String renders id as 16 hex digits.
func (id ID) String() string {
	s := strconv.FormatUint(uint64(id), 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}

// Parse parses the hex form produced by String.
func Parse(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return Invalid, err
	}
	return ID(v), nil
}

// Hash is the 64-bit hash used for package ids, export hashes and native
// object paths.
func Hash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// ObjectPathHash hashes an object path relative to its package.
// The leading "/" is dropped and the path is lowercased first, so
// "/Hero/Mesh" and "hero/mesh" hash identically.
func ObjectPathHash(relativePath string) uint64 {
	p := strings.TrimPrefix(strings.ToLower(relativePath), "/")
	return Hash(p)
}
