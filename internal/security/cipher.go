// Package security provides at-rest encryption of sensitive settings and
// credential masking for logs.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// EncryptionKeySize is the size of the AES-256 key in bytes.
	EncryptionKeySize = 32
	// NonceSize is the size of the GCM nonce.
	NonceSize = 12
	// DefaultKeyFile is the key file name next to settings.json.
	DefaultKeyFile = ".encryption_key"
)

var hkdfInfo = []byte("mstock-trader settings v1")

// ErrNotCiphertext is returned when a value does not decode as a sealed leaf.
var ErrNotCiphertext = errors.New("value is not ciphertext")

// Cipher seals and opens sensitive settings leaves.
type Cipher struct {
	key []byte
}

// LoadOrCreateKey reads the key file at path, generating it on first use.
// The file holds base64 of 32 random bytes and is written with mode 0600.
func LoadOrCreateKey(path string) (*Cipher, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		material, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if decErr != nil || len(material) != EncryptionKeySize {
			return nil, fmt.Errorf("key file %s is corrupt", path)
		}
		return NewCipher(material)
	case errors.Is(err, os.ErrNotExist):
		material := make([]byte, EncryptionKeySize)
		if _, err := io.ReadFull(rand.Reader, material); err != nil {
			return nil, fmt.Errorf("generating key: %w", err)
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("creating key directory: %w", err)
			}
		}
		encoded := base64.StdEncoding.EncodeToString(material)
		if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
			return nil, fmt.Errorf("writing key file: %w", err)
		}
		return NewCipher(material)
	default:
		return nil, fmt.Errorf("reading key file: %w", err)
	}
}

// NewCipher derives the AES key from raw key material.
func NewCipher(material []byte) (*Cipher, error) {
	if len(material) != EncryptionKeySize {
		return nil, fmt.Errorf("key material must be %d bytes", EncryptionKeySize)
	}
	key := make([]byte, EncryptionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil || len(raw) <= NonceSize {
		return "", ErrNotCiphertext
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	return string(plaintext), nil
}

// DecryptOrPlain opens value, or returns it unchanged when it was stored in
// plaintext.
func (c *Cipher) DecryptOrPlain(value string) string {
	if value == "" {
		return ""
	}
	plain, err := c.Decrypt(value)
	if err != nil {
		return value
	}
	return plain
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

var sensitiveSuffixes = []string{"api_key", "api_secret", "password", "token", "totp_secret"}

// IsSensitivePath reports whether a settings dot-path holds a secret.
// Only broker.* and notifications.* leaves qualify.
func IsSensitivePath(path string) bool {
	p := strings.ToLower(strings.TrimSpace(path))
	if !strings.HasPrefix(p, "broker.") && !strings.HasPrefix(p, "notifications.") {
		return false
	}
	leaf := p[strings.LastIndex(p, ".")+1:]
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(leaf, suffix) {
			return true
		}
	}
	return false
}
