package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Known BLAKE3 digest of zero-length input.
const emptyHex = "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"

func TestEmptyDigest(t *testing.T) {
	assert.Equal(t, emptyHex, Empty().Hex())
}

func TestSumMatchesIncremental(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	h := NewHasher()
	for i := range data {
		_, err := h.Write(data[i : i+1])
		require.NoError(t, err)
	}

	assert.Equal(t, Sum(data), h.Sum())
	assert.Equal(t, uint64(len(data)), h.Count())
}

func TestParseHexRoundTrip(t *testing.T) {
	h := Sum([]byte("hello"))

	parsed, err := ParseHex(h.Hex())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestParseHexRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"too short", "af1349"},
		{"not hex", "zz1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
		{"too long", emptyHex + "00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHex(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestHasherReset(t *testing.T) {
	h := NewHasher()
	_, err := h.Write([]byte("residue"))
	require.NoError(t, err)

	h.Reset()
	assert.Equal(t, uint64(0), h.Count())
	assert.Equal(t, Empty(), h.Sum())
}
