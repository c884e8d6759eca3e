// Package crypto provides the cryptographic primitives used by the rest of
// the core: AEAD symmetric encryption, hybrid asymmetric encryption, hashing,
// HMAC, and password-based key derivation.
//
// All raw key material lives only inside this package's keystore, indexed by
// key ID. Callers hold IDs; bytes leave the keystore only through ExportKey.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/castellan-project/castellan/pkg/errors"
)

const (
	// SymmetricKeySize is the AES-256 key length in bytes.
	SymmetricKeySize = 32
	// DefaultRSABits is the default modulus size for asymmetric key pairs.
	DefaultRSABits = 2048
	// MinPBKDF2Iterations is the floor for password-based derivation.
	MinPBKDF2Iterations = 100000
)

// HashAlgorithm selects a digest for Hash.
type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
	SHA384 HashAlgorithm = "sha384"
	SHA512 HashAlgorithm = "sha512"
)

// EncryptedPayload is the result of an AEAD encryption.
type EncryptedPayload struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// Service holds the in-memory keystore and implements the primitives.
type Service struct {
	mu        sync.RWMutex
	symmetric map[string][]byte
	private   map[string]*rsa.PrivateKey
	logger    *slog.Logger
}

// NewService creates a new crypto service with an empty keystore.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		symmetric: make(map[string][]byte),
		private:   make(map[string]*rsa.PrivateKey),
		logger:    logger,
	}
}

// GenerateSymmetricKey creates a random AES-256 key under the given ID.
func (s *Service) GenerateSymmetricKey(id string) error {
	if id == "" {
		return errors.NewValidationError("id", "key id is required")
	}

	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate symmetric key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.symmetric[id]; exists {
		return fmt.Errorf("key %q: %w", id, errors.ErrConflict)
	}
	s.symmetric[id] = key
	return nil
}

// ImportSymmetricKey stores externally derived key material under the given ID.
func (s *Service) ImportSymmetricKey(id string, material []byte) error {
	if len(material) != SymmetricKeySize {
		return errors.NewValidationError("material", fmt.Sprintf("key must be %d bytes", SymmetricKeySize))
	}
	key := make([]byte, len(material))
	copy(key, material)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.symmetric[id]; exists {
		return fmt.Errorf("key %q: %w", id, errors.ErrConflict)
	}
	s.symmetric[id] = key
	return nil
}

// GenerateAsymmetricKeyPair creates an RSA key pair under the given ID and
// returns the public key.
func (s *Service) GenerateAsymmetricKeyPair(id string, bits int) (*rsa.PublicKey, error) {
	if id == "" {
		return nil, errors.NewValidationError("id", "key id is required")
	}
	if bits == 0 {
		bits = DefaultRSABits
	}
	if bits < 2048 {
		return nil, errors.NewValidationError("bits", "RSA modulus below 2048 bits is not permitted")
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate asymmetric key pair: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.private[id]; exists {
		return nil, fmt.Errorf("key %q: %w", id, errors.ErrConflict)
	}
	s.private[id] = priv
	return &priv.PublicKey, nil
}

// PublicKey returns the public half of a stored asymmetric key.
func (s *Service) PublicKey(id string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	priv, ok := s.private[id]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", id, errors.ErrKeyNotFound)
	}
	return &priv.PublicKey, nil
}

// HasKey reports whether any key material exists for the ID.
func (s *Service) HasKey(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.symmetric[id]; ok {
		return true
	}
	_, ok := s.private[id]
	return ok
}

// EncryptAEAD encrypts data with AES-256-GCM under the named symmetric key.
// The returned payload separates ciphertext, IV and authentication tag.
func (s *Service) EncryptAEAD(data []byte, keyID string) (*EncryptedPayload, error) {
	key, err := s.symmetricKey(keyID)
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, data, nil)
	tagStart := len(sealed) - aead.Overhead()
	return &EncryptedPayload{
		Ciphertext: sealed[:tagStart],
		IV:         iv,
		AuthTag:    sealed[tagStart:],
	}, nil
}

// DecryptAEAD decrypts an AEAD payload. A tampered ciphertext or tag fails
// authentication and returns an IntegrityError.
func (s *Service) DecryptAEAD(ciphertext []byte, keyID string, iv, authTag []byte) ([]byte, error) {
	key, err := s.symmetricKey(keyID)
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, errors.NewValidationError("iv", "incorrect IV length")
	}

	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errors.NewIntegrityError("aead", "authentication failed", err)
	}
	return plaintext, nil
}

// EncryptHybrid encrypts data of arbitrary size for the holder of the named
// asymmetric key: a fresh AES key encrypts the payload, RSA-OAEP wraps the
// AES key, and the output is length-prefixed wrappedKey || iv || ciphertext.
func (s *Service) EncryptHybrid(data []byte, keyID string) ([]byte, error) {
	pub, err := s.PublicKey(keyID)
	if err != nil {
		return nil, err
	}

	sessionKey := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, data, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap session key: %w", err)
	}

	out := make([]byte, 0, 4+len(wrapped)+len(iv)+len(sealed))
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(wrapped)))
	out = append(out, prefix[:]...)
	out = append(out, wrapped...)
	out = append(out, iv...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptHybrid reverses EncryptHybrid using the stored private key.
func (s *Service) DecryptHybrid(blob []byte, keyID string) ([]byte, error) {
	s.mu.RLock()
	priv, ok := s.private[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key %q: %w", keyID, errors.ErrKeyNotFound)
	}

	if len(blob) < 4 {
		return nil, errors.NewValidationError("blob", "hybrid payload too short")
	}
	wrappedLen := int(binary.BigEndian.Uint32(blob[:4]))
	if len(blob) < 4+wrappedLen {
		return nil, errors.NewValidationError("blob", "truncated wrapped key")
	}
	wrapped := blob[4 : 4+wrappedLen]
	rest := blob[4+wrappedLen:]

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, errors.NewIntegrityError("hybrid", "session key unwrap failed", err)
	}

	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(rest) < aead.NonceSize() {
		return nil, errors.NewValidationError("blob", "truncated iv")
	}
	iv := rest[:aead.NonceSize()]
	sealed := rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errors.NewIntegrityError("hybrid", "authentication failed", err)
	}
	return plaintext, nil
}

// Hash computes a digest of data with the selected algorithm.
func (s *Service) Hash(data []byte, algorithm HashAlgorithm) ([]byte, error) {
	var h hash.Hash
	switch algorithm {
	case SHA256, "":
		h = sha256.New()
	case SHA384:
		h = sha512.New384()
	case SHA512:
		h = sha512.New()
	default:
		return nil, errors.NewValidationError("algorithm", fmt.Sprintf("unsupported hash algorithm %q", algorithm))
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// HMAC computes an HMAC-SHA256 of data under the named symmetric key.
func (s *Service) HMAC(data []byte, keyID string) ([]byte, error) {
	key, err := s.symmetricKey(keyID)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// VerifyHMAC checks an HMAC in constant time.
func (s *Service) VerifyHMAC(data, expected []byte, keyID string) (bool, error) {
	actual, err := s.HMAC(data, keyID)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(actual, expected) == 1, nil
}

// DeriveKeyFromPassword derives a 32-byte key with PBKDF2-SHA256.
func (s *Service) DeriveKeyFromPassword(password, salt []byte, iterations int) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.NewValidationError("password", "password is required")
	}
	if len(salt) < 16 {
		return nil, errors.NewValidationError("salt", "salt must be at least 16 bytes")
	}
	if iterations < MinPBKDF2Iterations {
		return nil, errors.NewValidationError("iterations", fmt.Sprintf("iterations below %d", MinPBKDF2Iterations))
	}
	return pbkdf2.Key(password, salt, iterations, SymmetricKeySize, sha256.New), nil
}

// GenerateSalt returns a random salt for key derivation.
func (s *Service) GenerateSalt(size int) ([]byte, error) {
	if size < 16 {
		size = 16
	}
	salt := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// ExportKey returns a copy of symmetric key material. Export is the single
// permission-gated escape hatch; callers are expected to have authorized and
// audited the operation before invoking it.
func (s *Service) ExportKey(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.symmetric[id]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", id, errors.ErrKeyNotFound)
	}
	s.logger.Warn("symmetric key material exported", "key_id", id)
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// RemoveKey erases key material for the ID. The backing bytes are zeroed
// before the entry is dropped.
func (s *Service) RemoveKey(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.symmetric[id]; ok {
		for i := range key {
			key[i] = 0
		}
		delete(s.symmetric, id)
	}
	delete(s.private, id)
}

func (s *Service) symmetricKey(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.symmetric[id]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", id, errors.ErrKeyNotFound)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}
