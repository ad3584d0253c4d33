package message

import (
	"bytes"
	"strings"
	"testing"

	"github.com/opd-ai/densecore/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelopeOfSize(n int) []byte {
	pattern := []byte(`{"header":"DENSE exposure","time":1,"signature":"abc+/=","message":"xyz"}`)
	return bytes.Repeat(pattern, n/len(pattern)+1)[:n]
}

func TestSplitIntoThree(t *testing.T) {
	for _, n := range []int{3, 4, 5, 899, 900, 901} {
		data := envelopeOfSize(n)
		parts, err := Split(data)
		require.NoError(t, err)
		require.Len(t, parts, limits.LegacyParts)
		assert.Equal(t, data, bytes.Join(parts, nil), "n=%d", n)
	}

	_, err := Split([]byte("ab"))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestReassembleAnyOrder(t *testing.T) {
	data := envelopeOfSize(900)
	parts, err := Split(data)
	require.NoError(t, err)

	orders := [][]int{{1, 2, 3}, {3, 2, 1}, {2, 3, 1}, {3, 1, 2}}
	for _, order := range orders {
		chunks := map[int][]byte{}
		for i, slot := range order {
			chunks[slot] = parts[slot-1]
			got, err := Reassemble(chunks)
			if i < len(order)-1 {
				assert.ErrorIs(t, err, ErrIncomplete, "order %v after %d parts", order, i+1)
				continue
			}
			require.NoError(t, err)
			assert.Equal(t, data, got, "order %v", order)
		}
	}
}

func TestReassembleRejectsBadSlot(t *testing.T) {
	_, err := Reassemble(map[int][]byte{1: {'a'}, 2: {'b'}, 3: {'c'}, 4: {'d'}})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestChunkWireFormat(t *testing.T) {
	w, err := EncodeChunk(2, []byte(`"q"`))
	require.NoError(t, err)
	assert.Equal(t, `{"part-2":"\"q\""}`, string(w))

	c, err := DecodeChunk(w)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Slot)
	assert.False(t, c.Whole())
	assert.Equal(t, []byte(`"q"`), c.Data)

	_, err = EncodeChunk(4, []byte("x"))
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = EncodeChunk(1, []byte{0xff})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeChunkWholeEnvelope(t *testing.T) {
	env := []byte(`{"header":"DENSE exposure","time":1}`)
	c, err := DecodeChunk(env)
	require.NoError(t, err)
	assert.True(t, c.Whole())
	assert.Equal(t, env, c.Data)
}

func TestDecodeChunkMalformed(t *testing.T) {
	for _, in := range []string{
		``,
		`[]`,
		`{"part-1":"a","part-2":"b"}`,
		`{"part-0":"a"}`,
		`{"part-x":"a"}`,
		`{"chunk-1":"a"}`,
		`{"part-1":5}`,
	} {
		_, err := DecodeChunk([]byte(in))
		assert.ErrorIs(t, err, ErrMalformedMessage, in)
	}
}

func TestEncodeLegacy(t *testing.T) {
	small := envelopeOfSize(100)
	writes, err := EncodeLegacy(small, 185)
	require.NoError(t, err)
	require.Len(t, writes, 1)
	assert.Equal(t, small, writes[0])

	big := envelopeOfSize(400)
	writes, err = EncodeLegacy(big, 185)
	require.NoError(t, err)
	require.Len(t, writes, limits.LegacyParts)

	chunks := map[int][]byte{}
	for _, w := range writes {
		assert.LessOrEqual(t, len(w), 185)
		c, err := DecodeChunk(w)
		require.NoError(t, err)
		chunks[c.Slot] = c.Data
	}
	got, err := Reassemble(chunks)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestEncodeLegacyTooLarge(t *testing.T) {
	_, err := EncodeLegacy(envelopeOfSize(3*185), 185)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = EncodeLegacy(nil, 185)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestEncodeLegacyRealEnvelope(t *testing.T) {
	sender := mustKeyPair(t)
	data, err := EncodeExposure(sender, keyList{mustKeyPair(t).PublicKey}, now)
	require.NoError(t, err)
	require.False(t, strings.ContainsAny(string(data), "<>&"))

	writes, err := EncodeLegacy(data, 240)
	require.NoError(t, err)
	require.Len(t, writes, limits.LegacyParts)

	chunks := map[int][]byte{}
	for _, w := range writes {
		c, err := DecodeChunk(w)
		require.NoError(t, err)
		chunks[c.Slot] = c.Data
	}
	got, err := Reassemble(chunks)
	require.NoError(t, err)

	env, err := DecodeExposure(got)
	require.NoError(t, err)
	assert.Equal(t, ExposureHeader, env.Header)
}
