package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"0", 0},
		{"1024", 1024},
		{"64KiB", 64 * KiB},
		{"64 KiB", 64 * KiB},
		{"1Mi", MiB},
		{"2GiB", 2 * GiB},
		{"100MB", 100 * MB},
		{"1k", KB},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "   ", "abc", "12 parsecs"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	for _, v := range []ByteSize{0, 1, 1000, 4 * KiB, 3 * MiB, 5 * GiB, 1536} {
		text, err := v.MarshalText()
		require.NoError(t, err)

		var back ByteSize
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, v, back, string(text))
	}
}

func TestYAML(t *testing.T) {
	type cfg struct {
		Size ByteSize `yaml:"size"`
	}
	var c cfg
	require.NoError(t, yaml.Unmarshal([]byte("size: 256MiB\n"), &c))
	assert.Equal(t, 256*MiB, c.Size)

	out, err := yaml.Marshal(c)
	require.NoError(t, err)
	assert.Equal(t, "size: 256MiB\n", string(out))
}

func TestString(t *testing.T) {
	assert.Equal(t, "1.5 KiB", ByteSize(1536).String())
	assert.Equal(t, 42, ByteSize(42).Int())
}
