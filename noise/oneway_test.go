package noise

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func newStaticKey(t testing.TB) (priv, pub []byte) {
	t.Helper()
	priv = make([]byte, KeySize)
	_, err := rand.Read(priv)
	require.NoError(t, err)
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	require.NoError(t, err)
	return priv, pub
}

func TestSealToOpenRoundTrip(t *testing.T) {
	priv, pub := newStaticKey(t)
	prologue := []byte("test prologue")
	secret := []byte("0123456789abcdef0123456789abcdef")

	sealed, err := SealTo(pub, prologue, secret)
	require.NoError(t, err)
	assert.Len(t, sealed, len(secret)+Overhead)

	opened, err := Open(priv, pub, prologue, sealed)
	require.NoError(t, err)
	assert.Equal(t, secret, opened)
}

func TestSealToIsRandomized(t *testing.T) {
	_, pub := newStaticKey(t)
	a, err := SealTo(pub, nil, []byte("same"))
	require.NoError(t, err)
	b, err := SealTo(pub, nil, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each seal uses a fresh ephemeral key")
}

func TestOpenWrongRecipient(t *testing.T) {
	_, pub := newStaticKey(t)
	otherPriv, otherPub := newStaticKey(t)

	sealed, err := SealTo(pub, nil, []byte("secret"))
	require.NoError(t, err)

	_, err = Open(otherPriv, otherPub, nil, sealed)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestOpenPrologueMismatch(t *testing.T) {
	priv, pub := newStaticKey(t)
	sealed, err := SealTo(pub, []byte("a"), []byte("secret"))
	require.NoError(t, err)

	_, err = Open(priv, pub, []byte("b"), sealed)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestOpenTampered(t *testing.T) {
	priv, pub := newStaticKey(t)
	sealed, err := SealTo(pub, nil, []byte("secret"))
	require.NoError(t, err)

	for i := range sealed {
		tampered := append([]byte(nil), sealed...)
		tampered[i] ^= 0x01
		_, err := Open(priv, pub, nil, tampered)
		assert.Error(t, err, "flipping byte %d must not open", i)
	}
}

func TestKeySizeValidation(t *testing.T) {
	_, err := SealTo(make([]byte, 31), nil, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = Open(make([]byte, 31), make([]byte, 32), nil, make([]byte, 64))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestOpenShortMessage(t *testing.T) {
	priv, pub := newStaticKey(t)
	_, err := Open(priv, pub, nil, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

// FuzzOpen checks that arbitrary input never panics.
func FuzzOpen(f *testing.F) {
	priv, pub := newStaticKey(f)
	sealed, err := SealTo(pub, nil, []byte("seed"))
	if err != nil {
		f.Fatal(err)
	}
	f.Add(sealed)
	f.Add([]byte{})
	f.Add(make([]byte, Overhead))
	f.Add(make([]byte, 1024))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Open(priv, pub, nil, data)
	})
}
