package crypto

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// ContentHash returns a stable identifier for a sequence of byte fields.
// Each field is length-prefixed so that different splits of the same bytes
// hash differently.
func ContentHash(fields ...[]byte) string {
	h, _ := blake2b.New256(nil)
	var prefix [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(f)))
		h.Write(prefix[:])
		h.Write(f)
	}
	return hex.EncodeToString(h.Sum(nil))
}
