package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/densecore/noise"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealedVersion is the current sealed container format version.
const sealedVersion = 1

// MaxMessageSize bounds plaintexts and ciphertexts handled by this package.
const MaxMessageSize = 64 * 1024

// sealPrologue binds every key wrap to exposure envelopes.
var sealPrologue = []byte("DENSE exposure")

// sealed is the ciphertext container. Each entry in Wraps is the content key
// sealed to one recipient; Body is the plaintext sealed under the content key.
type sealed struct {
	Version uint8    `cbor:"1,keyasint"`
	Wraps   [][]byte `cbor:"2,keyasint"`
	Nonce   []byte   `cbor:"3,keyasint"`
	Body    []byte   `cbor:"4,keyasint"`
}

var (
	sealEncMode cbor.EncMode
	sealDecMode cbor.DecMode
)

func init() {
	var err error

	sealEncMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create sealed CBOR encoder mode: %v", err))
	}

	sealDecMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 4096,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create sealed CBOR decoder mode: %v", err))
	}
}

// EncryptFor encrypts plaintext so that the holder of any one of the
// recipients' private keys can decrypt it. Duplicate recipients are sealed
// once. A single recipient (for example the sender itself) is valid.
func EncryptFor(recipients []string, plaintext []byte) ([]byte, error) {
	logger := logEntry("EncryptFor").WithField("recipients", len(recipients))

	if len(plaintext) == 0 {
		return nil, errors.New("empty message")
	}
	if len(plaintext) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	keys, err := uniqueRecipients(recipients)
	if err != nil {
		return nil, err
	}

	contentKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}
	defer ZeroBytes(contentKey)

	aead, err := chacha20poly1305.New(contentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	box := sealed{
		Version: sealedVersion,
		Wraps:   make([][]byte, 0, len(keys)),
		Nonce:   nonce,
		Body:    aead.Seal(nil, nonce, plaintext, sealPrologue),
	}

	for _, pk := range keys {
		wrap, err := noise.SealTo(pk.box[:], sealPrologue, contentKey)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap content key: %w", err)
		}
		box.Wraps = append(box.Wraps, wrap)
	}

	out, err := sealEncMode.Marshal(box)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ciphertext: %w", err)
	}

	logger.WithFields(blobFields("ciphertext", out)).Debug("Encrypted message for recipients")
	return out, nil
}

// uniqueRecipients decodes and deduplicates recipient keys, sorted by their
// text form so the wrap order does not reflect insertion order.
func uniqueRecipients(recipients []string) ([]*publicKey, error) {
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}

	seen := make(map[string]bool, len(recipients))
	sortedKeys := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if seen[r] {
			continue
		}
		seen[r] = true
		sortedKeys = append(sortedKeys, r)
	}
	sort.Strings(sortedKeys)

	keys := make([]*publicKey, 0, len(sortedKeys))
	for _, r := range sortedKeys {
		pk, err := parsePublicKey(r)
		if err != nil {
			return nil, fmt.Errorf("recipient %s: %w", KeyPreview(r), err)
		}
		keys = append(keys, pk)
	}
	return keys, nil
}
