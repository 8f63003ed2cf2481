package pkgid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromNameIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, FromName("/Game/Maps/Arena"), FromName("/game/maps/arena"))
	assert.NotEqual(t, FromName("/game/a"), FromName("/game/b"))
	assert.True(t, FromName("/game/a").IsValid())
	assert.False(t, Invalid.IsValid())
}

func TestStringParse(t *testing.T) {
	id := FromName("/game/hero")
	s := id.String()
	assert.Len(t, s, 16)

	back, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, id, back)

	_, err = Parse("not-hex")
	assert.Error(t, err)
}

func TestObjectPathHash(t *testing.T) {
	assert.Equal(t, ObjectPathHash("/Hero/Mesh"), ObjectPathHash("hero/mesh"))
	assert.NotEqual(t, ObjectPathHash("hero/mesh"), ObjectPathHash("hero/skeleton"))
}
