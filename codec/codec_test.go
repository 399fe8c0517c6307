package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
	Digest string `json:"digest"`
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "go-json"} {
		c, ok := ByName(name)
		require.True(t, ok, name)
		assert.Equal(t, name, c.Name())
	}

	_, ok := ByName("msgpack")
	assert.False(t, ok)
}

func TestRoundTrip(t *testing.T) {
	in := record{Rows: 12, Cols: 4000, Digest: "abc"}

	for _, c := range []Codec{JSON{}, GoJSON{}} {
		b, err := c.Marshal(in)
		require.NoError(t, err)

		var out record
		require.NoError(t, c.Unmarshal(b, &out))
		assert.Equal(t, in, out)
	}
}

func TestCodecsAreWireCompatible(t *testing.T) {
	in := record{Rows: 3, Cols: 7, Digest: "d"}

	b, err := GoJSON{}.Marshal(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, JSON{}.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestMustMarshalUsesDefault(t *testing.T) {
	b := MustMarshal(nil, record{Rows: 1})
	assert.NotEmpty(t, b)
}
