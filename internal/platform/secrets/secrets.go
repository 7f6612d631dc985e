// Package secrets provides AES-256-GCM encryption for provider connection
// credential blobs. The sync engine only ever decrypts credentials it is
// handed; encryption is exposed for the configuration tooling and tests.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// Codec encrypts and decrypts credential blobs with AES-256-GCM.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec creates a Codec from a 32-byte AES-256 key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: create GCM: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// NewCodecFromHex creates a Codec from a 64-character hex key string.
func NewCodecFromHex(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode hex key: %w", err)
	}
	return NewCodec(key)
}

// Encrypt encrypts plaintext and returns a base64-encoded blob with the
// nonce prepended.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decodes the base64 blob, extracts the prepended nonce, and decrypts.
func (c *Codec) Decrypt(blob string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("secrets: base64 decode: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("secrets: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt: %w", err)
	}
	return plaintext, nil
}

// Credentials is the decrypted shape of a provider connection's credential
// blob. Which fields are populated depends on the vendor's auth scheme.
type Credentials struct {
	ClientID      string `json:"client_id,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
	PrivateKeyPEM string `json:"private_key_pem,omitempty"`
	TokenURL      string `json:"token_url,omitempty"`
	APIKey        string `json:"api_key,omitempty"`
	// WebhookSecret verifies inbound change notifications from the vendor.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// DecryptCredentials decrypts and unmarshals a credential blob.
func (c *Codec) DecryptCredentials(blob string) (*Credentials, error) {
	plaintext, err := c.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("secrets: unmarshal credentials: %w", err)
	}
	return &creds, nil
}

// EncryptCredentials marshals and encrypts credentials.
func (c *Codec) EncryptCredentials(creds *Credentials) (string, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("secrets: marshal credentials: %w", err)
	}
	return c.Encrypt(plaintext)
}
