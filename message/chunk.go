package message

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/densecore/limits"
)

const partKeyPrefix = "part-"

// partWrapOverhead is the size of {"part-N":""} around a part's bytes.
const partWrapOverhead = len(`{"part-1":""}`)

// Chunk is one legacy write received on a part channel. Slot is 1..3 for a
// wrapped part and 0 for an envelope that was small enough to be written whole.
type Chunk struct {
	Slot int
	Data []byte
}

// Whole reports whether the chunk carries a complete envelope.
func (c Chunk) Whole() bool {
	return c.Slot == 0
}

// Split divides data into exactly limits.LegacyParts ordered byte ranges.
// The last range may be shorter than the others.
func Split(data []byte) ([][]byte, error) {
	if len(data) < limits.LegacyParts {
		return nil, fmt.Errorf("%w: %d bytes cannot be split into %d parts", ErrMalformedMessage, len(data), limits.LegacyParts)
	}

	size := (len(data) + limits.LegacyParts - 1) / limits.LegacyParts
	parts := make([][]byte, limits.LegacyParts)
	for i := range parts {
		start := min(i*size, len(data))
		end := min(start+size, len(data))
		parts[i] = append([]byte(nil), data[start:end]...)
	}
	return parts, nil
}

// EncodeChunk wraps one part as {"part-<slot>":"<data>"}.
// Parts are carried as JSON strings, so data must be ASCII.
func EncodeChunk(slot int, data []byte) ([]byte, error) {
	if slot < 1 || slot > limits.LegacyParts {
		return nil, fmt.Errorf("%w: slot %d out of range", ErrMalformedMessage, slot)
	}
	for _, b := range data {
		if b >= 0x80 {
			return nil, fmt.Errorf("%w: part data is not ASCII", ErrMalformedMessage)
		}
	}
	return json.Marshal(map[string]string{partKey(slot): string(data)})
}

// DecodeChunk parses one legacy write. A write holding a complete exposure
// envelope decodes to a whole chunk.
func DecodeChunk(data []byte) (Chunk, error) {
	if err := limits.ValidateEnvelope(data); err != nil {
		return Chunk{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Chunk{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if _, ok := fields["header"]; ok {
		return Chunk{Slot: 0, Data: append([]byte(nil), data...)}, nil
	}

	if len(fields) != 1 {
		return Chunk{}, fmt.Errorf("%w: expected one part field, got %d", ErrMalformedMessage, len(fields))
	}

	for key, raw := range fields {
		if !strings.HasPrefix(key, partKeyPrefix) {
			return Chunk{}, fmt.Errorf("%w: unexpected field %q", ErrMalformedMessage, key)
		}
		slot, err := strconv.Atoi(strings.TrimPrefix(key, partKeyPrefix))
		if err != nil || slot < 1 || slot > limits.LegacyParts {
			return Chunk{}, fmt.Errorf("%w: bad part key %q", ErrMalformedMessage, key)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Chunk{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return Chunk{Slot: slot, Data: []byte(s)}, nil
	}
	return Chunk{}, ErrMalformedMessage
}

// EncodeLegacy returns the writes that carry envelope under the legacy scheme.
// An envelope that fits in writeSize is returned as a single unwrapped write.
// Otherwise exactly three wrapped parts are returned in slot order. If any
// wrapped part exceeds writeSize, ErrTooLarge is returned and nothing should
// be sent.
func EncodeLegacy(envelope []byte, writeSize int) ([][]byte, error) {
	if len(envelope) == 0 {
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformedMessage)
	}
	if len(envelope) <= writeSize {
		return [][]byte{append([]byte(nil), envelope...)}, nil
	}

	if capacity := limits.LegacyCapacity(writeSize, partWrapOverhead); len(envelope) > capacity {
		return nil, fmt.Errorf("%w: envelope is %d bytes, three parts carry at most %d", ErrTooLarge, len(envelope), capacity)
	}

	parts, err := Split(envelope)
	if err != nil {
		return nil, err
	}

	writes := make([][]byte, 0, len(parts))
	for i, p := range parts {
		w, err := EncodeChunk(i+1, p)
		if err != nil {
			return nil, err
		}
		if len(w) > writeSize {
			return nil, fmt.Errorf("%w: part %d is %d bytes, write limit %d", ErrTooLarge, i+1, len(w), writeSize)
		}
		writes = append(writes, w)
	}
	return writes, nil
}

// Reassemble concatenates parts 1..3 in slot order. It returns ErrIncomplete
// until every slot is present.
func Reassemble(chunks map[int][]byte) ([]byte, error) {
	size := 0
	for slot, data := range chunks {
		if slot < 1 || slot > limits.LegacyParts {
			return nil, fmt.Errorf("%w: slot %d out of range", ErrMalformedMessage, slot)
		}
		size += len(data)
	}

	out := make([]byte, 0, size)
	for slot := 1; slot <= limits.LegacyParts; slot++ {
		data, ok := chunks[slot]
		if !ok {
			return nil, ErrIncomplete
		}
		out = append(out, data...)
	}
	return out, nil
}

func partKey(slot int) string {
	return partKeyPrefix + strconv.Itoa(slot)
}
