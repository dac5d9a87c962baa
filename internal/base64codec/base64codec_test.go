package base64codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("hello"),
		[]byte(strings.Repeat("x", 1000)),
		{0x00, 0x01, 0xFF, 0xFE, 0x10},
	}
	for _, data := range cases {
		encoded := Encode(data)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		// Compared as strings: nil and an empty slice are the same byte
		// sequence, and Decode returns a non-nil empty slice for both.
		assert.Equal(t, string(data), string(decoded))
	}
}

func TestEncodeIsNulTerminatedAndLineWrapped(t *testing.T) {
	t.Run("Should NUL-terminate output", func(t *testing.T) {
		out := Encode([]byte("some payload"))
		assert.Equal(t, byte(0), out[len(out)-1])
	})

	t.Run("Should never exceed 76 characters per line", func(t *testing.T) {
		out := Encode([]byte(strings.Repeat("a", 500)))
		out = strings.TrimRight(out, "\x00")
		for _, line := range strings.Split(out, "\n") {
			assert.LessOrEqual(t, len(line), 76)
		}
	})
}

func TestDecodeToleratesWhitespace(t *testing.T) {
	encoded := Encode([]byte("round trip me"))
	withSpaces := strings.ReplaceAll(encoded, "\n", "\n  ")
	decoded, err := Decode(withSpaces)
	require.NoError(t, err)
	assert.Equal(t, []byte("round trip me"), decoded)
}
