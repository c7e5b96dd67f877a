package vault

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

// ErrDecrypt is returned when a ciphertext cannot be opened.
var ErrDecrypt = errors.New("vault: decrypt failed")

const minKeyLength = 16

// Cipher encrypts secret values. The associated data binds a ciphertext to
// the row it was written for so values cannot be swapped between secrets.
type Cipher interface {
	Encrypt(plaintext, associatedData []byte) ([]byte, error)
	Decrypt(ciphertext, associatedData []byte) ([]byte, error)
}

// AEADCipher is an XChaCha20-Poly1305 Cipher keyed through HKDF-SHA256.
type AEADCipher struct {
	aead cipher.AEAD
}

// NewCipher derives the encryption key from a passphrase.
func NewCipher(passphrase string) (*AEADCipher, error) {
	if len(passphrase) < minKeyLength {
		return nil, fmt.Errorf("vault: encryption key must be at least %d characters", minKeyLength)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(passphrase), []byte("oauth-vault"), []byte("secret-encryption"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return &AEADCipher{aead: aead}, nil
}

// Encrypt seals plaintext; the random nonce is prepended to the output.
func (c *AEADCipher) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *AEADCipher) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize+c.aead.Overhead() {
		return nil, ErrDecrypt
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], associatedData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// AssociatedData is the AAD used for a vault row.
func AssociatedData(ownerID, name string) []byte {
	return []byte(ownerID + "/" + name)
}
