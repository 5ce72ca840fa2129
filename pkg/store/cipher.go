package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt marks a document that could not be opened with the configured key.
var ErrDecrypt = errors.New("store: document does not decrypt")

var (
	keySalt = []byte("restcache/store")
	keyInfo = []byte("document-key")
)

// Cipher seals documents with XChaCha20-Poly1305. A nil *Cipher is valid
// and passes data through unchanged.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a document key from secret.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("store: encryption secret must not be empty")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), keySalt, keyInfo), key); err != nil {
		return nil, fmt.Errorf("store: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("store: init cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plain, prefixing the random nonce.
func (c *Cipher) Seal(plain []byte) ([]byte, error) {
	if c == nil {
		return plain, nil
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("store: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open reverses Seal. Any authentication failure is reported as ErrDecrypt.
func (c *Cipher) Open(data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}
	ns := c.aead.NonceSize()
	if len(data) < ns+c.aead.Overhead() {
		return nil, ErrDecrypt
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
