// Package secrets encrypts and decrypts provider API keys at rest.
// Plaintext keys exist only transiently in memory for the duration of a
// single LLM call and are never persisted or logged.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/rotisserie/eris"
)

// Keyring seals and opens credential material with AES-256-GCM under a
// single master key.
type Keyring struct {
	aead cipher.AEAD
}

// NewKeyring creates a Keyring from a hex-encoded 32-byte master key.
func NewKeyring(masterKeyHex string) (*Keyring, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, eris.Wrap(err, "secrets: decode master key")
	}
	if len(key) != 32 {
		return nil, eris.Errorf("secrets: master key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, eris.Wrap(err, "secrets: new cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, eris.Wrap(err, "secrets: new gcm")
	}
	return &Keyring{aead: aead}, nil
}

// Seal encrypts a plaintext API key. The nonce is prepended to the
// returned ciphertext.
func (k *Keyring) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, eris.Wrap(err, "secrets: read nonce")
	}
	return k.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts ciphertext produced by Seal. Any tampering or a wrong
// master key fails authentication.
func (k *Keyring) Open(ciphertext []byte) (string, error) {
	if len(ciphertext) < k.aead.NonceSize() {
		return "", eris.New("secrets: ciphertext too short")
	}
	nonce, sealed := ciphertext[:k.aead.NonceSize()], ciphertext[k.aead.NonceSize():]
	plaintext, err := k.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", eris.Wrap(err, "secrets: open")
	}
	return string(plaintext), nil
}
