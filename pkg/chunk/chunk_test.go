package chunk

import (
	"testing"

	"github.com/marmos91/pkgload/pkg/pkgid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFields(t *testing.T) {
	id := New(0x1122334455667788, 7, TypeBulkData)
	assert.Equal(t, uint64(0x1122334455667788), id.Owner())
	assert.Equal(t, uint16(7), id.Index())
	assert.Equal(t, TypeBulkData, id.Type())
	assert.True(t, id.IsValid())

	var zero ID
	assert.False(t, zero.IsValid())
}

func TestTypesPartitionTheSameOwner(t *testing.T) {
	p := pkgid.FromName("/game/hero")
	assert.NotEqual(t, ForPackage(p), ForBulkData(p, 0))
	assert.Equal(t, TypeExportBundleData, ForPackage(p).Type())
	assert.Equal(t, uint64(p), ForPackage(p).Owner())
}

func TestParse(t *testing.T) {
	id := ForContainerHeader(42)
	back, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, back)

	_, err = Parse("abc")
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = Parse("zz000000000000000000000000000000")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestTextRoundTrip(t *testing.T) {
	id := New(9, 3, TypeMeta)
	text, err := id.MarshalText()
	require.NoError(t, err)

	var back ID
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)
	assert.Equal(t, "meta", back.Type().String())
	assert.Equal(t, "type(200)", Type(200).String())
}
