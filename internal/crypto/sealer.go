// Package crypto seals provider credentials at rest.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for stretching the configured secret.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	keyLen       uint32 = 32
)

const sealVersion byte = 1

var masterSalt = []byte("banksync/credentials/v1")

// ErrSealed is returned when a blob cannot be opened with this key.
var ErrSealed = errors.New("sealed credentials: cannot open")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Sealer encrypts credentials with a per-connection key derived from one
// master key. The connection id is bound as AAD, so a blob copied to another
// row does not open.
type Sealer struct {
	master []byte
}

// NewSealer derives the master key from secret.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("credentials key is empty")
	}
	return &Sealer{master: argon2.IDKey([]byte(secret), masterSalt, argonTime, argonMemory, argonThreads, keyLen)}, nil
}

func (s *Sealer) connectionKey(connectionID uuid.UUID) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, connectionID.Bytes())
	key := make([]byte, keyLen)
	_, err := r.Read(key)
	return key, err
}

// Seal encrypts creds for the connection. Layout: version || nonce || ciphertext.
func (s *Sealer) Seal(connectionID uuid.UUID, creds map[string]string) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	key, err := s.connectionKey(connectionID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plain, connectionID.Bytes())...)
	return out, nil
}

// Open decrypts a blob produced by Seal for the same connection.
func (s *Sealer) Open(connectionID uuid.UUID, blob []byte) (map[string]string, error) {
	if len(blob) < 1+chacha20poly1305.NonceSizeX || blob[0] != sealVersion {
		return nil, fmt.Errorf("%w: malformed blob", ErrSealed)
	}
	key, err := s.connectionKey(connectionID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], connectionID.Bytes())
	if err != nil {
		return nil, ErrSealed
	}
	var creds map[string]string
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealed, err)
	}
	return creds, nil
}
