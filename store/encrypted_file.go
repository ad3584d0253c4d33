package store

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opd-ai/densecore/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the work factor for turning the passphrase into
	// the file key.
	PBKDF2Iterations = 100000
	// SaltSize is the length of the per-directory salt.
	SaltSize = 32

	blobMagic   = 'D'
	blobVersion = 1
	blobHeader  = 2

	saltFileName = ".salt"
	fileSuffix   = ".blob"
)

// ErrCorruptBlob is returned when a stored file cannot be authenticated.
// A wrong passphrase looks the same as tampering.
var ErrCorruptBlob = errors.New("stored blob failed authentication")

// EncryptedFileStore writes each key to <dataDir>/<key>.blob sealed with
// XChaCha20-Poly1305 under a passphrase-derived key.
//
// A blob is 'D', version, a 24-byte nonce, then the sealed value. The key
// name is bound as associated data.
type EncryptedFileStore struct {
	dir string

	mu     sync.Mutex
	key    [chacha20poly1305.KeySize]byte
	closed bool
}

// NewEncryptedFileStore opens dataDir, creating it and its salt on first
// use. passphrase is zeroed before returning.
func NewEncryptedFileStore(dataDir string, passphrase []byte) (*EncryptedFileStore, error) {
	defer crypto.ZeroBytes(passphrase)
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	salt, err := readSalt(filepath.Join(dataDir, saltFileName))
	if err != nil {
		return nil, err
	}

	s := &EncryptedFileStore{dir: dataDir}
	derived := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, len(s.key), sha256.New)
	copy(s.key[:], derived)
	crypto.ZeroBytes(derived)

	logrus.WithFields(logrus.Fields{
		"function": "NewEncryptedFileStore",
		"data_dir": dataDir,
	}).Debug("Encrypted file store opened")

	return s, nil
}

// readSalt returns the salt at path, writing a fresh one if none exists.
func readSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("salt file %s holds %d bytes, want %d", path, len(salt), SaltSize)
		}
		return salt, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	salt = make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := writeAtomic(path, salt); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

// writeAtomic replaces path through a temporary sibling and a rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *EncryptedFileStore) blobPath(key string) string {
	return filepath.Join(s.dir, key+fileSuffix)
}

// lock validates key and takes the store mutex. The caller unlocks.
func (s *EncryptedFileStore) lock(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// Set seals value and replaces the blob for key.
func (s *EncryptedFileStore) Set(key string, value []byte) error {
	if err := s.lock(key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	blob := make([]byte, blobHeader+aead.NonceSize(), blobHeader+aead.NonceSize()+len(value)+aead.Overhead())
	blob[0], blob[1] = blobMagic, blobVersion
	nonce := blob[blobHeader:]
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	blob = aead.Seal(blob, nonce, value, []byte(key))

	if err := writeAtomic(s.blobPath(key), blob); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Get opens the blob for key. It returns ErrNotFound if there is none.
func (s *EncryptedFileStore) Get(key string) ([]byte, error) {
	if err := s.lock(key); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	blob, err := os.ReadFile(s.blobPath(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	body := blobHeader + aead.NonceSize()
	if len(blob) < body+aead.Overhead() {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorruptBlob, key, len(blob))
	}
	if blob[0] != blobMagic || blob[1] != blobVersion {
		return nil, fmt.Errorf("%w: %s has header %#x %d", ErrCorruptBlob, key, blob[0], blob[1])
	}

	value, err := aead.Open(nil, blob[blobHeader:body], blob[body:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptBlob, key)
	}
	return value, nil
}

// Delete scrubs and removes the blob for key. A missing key is not an error.
func (s *EncryptedFileStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.blobPath(key)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", key, err)
	}

	// Best effort scrub; removal is what matters.
	_ = os.WriteFile(path, make([]byte, info.Size()), 0o600)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Close zeroes the file key. Later calls fail with ErrClosed.
func (s *EncryptedFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	crypto.ZeroBytes(s.key[:])
	s.closed = true
	return nil
}
