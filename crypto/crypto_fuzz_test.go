package crypto

import (
	"bytes"
	"testing"
)

// FuzzEncryptDecrypt checks round trips for arbitrary plaintexts.
func FuzzEncryptDecrypt(f *testing.F) {
	f.Add([]byte("Hello, World!"))
	f.Add([]byte(""))
	f.Add(make([]byte, 100))

	receiver, err := GenerateKeyPair()
	if err != nil {
		f.Fatal(err)
	}

	f.Fuzz(func(t *testing.T, plaintext []byte) {
		if len(plaintext) > 10000 {
			return
		}

		ciphertext, err := EncryptFor([]string{receiver.PublicKey}, plaintext)
		if err != nil {
			return
		}

		decrypted, err := Decrypt(receiver.PrivateKey, ciphertext)
		if err != nil {
			t.Fatalf("Decrypt failed on own ciphertext: %v", err)
		}
		if !bytes.Equal(plaintext, decrypted) {
			t.Errorf("Decryption mismatch: got %q, want %q", decrypted, plaintext)
		}
	})
}

// FuzzDecrypt checks that arbitrary ciphertexts never panic.
func FuzzDecrypt(f *testing.F) {
	receiver, err := GenerateKeyPair()
	if err != nil {
		f.Fatal(err)
	}
	valid, err := EncryptFor([]string{receiver.PublicKey}, []byte("seed"))
	if err != nil {
		f.Fatal(err)
	}
	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte{0xa4})
	f.Add(make([]byte, 256))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Decrypt(receiver.PrivateKey, data)
	})
}
