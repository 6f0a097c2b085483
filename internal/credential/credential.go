// Package credential keeps provider API keys out of the configuration table
// in plaintext. Values are sealed with AES-256-GCM under a key derived from
// the machine, or from MEMOIR_SECRET when that is set.
package credential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

const (
	// EncryptedPrefix marks values as encrypted in storage
	EncryptedPrefix = "enc:v1:"

	// SecretEnv overrides the machine-derived key, for servers whose
	// database is shared between hosts.
	SecretEnv = "MEMOIR_SECRET"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidFormat    = errors.New("invalid encrypted format")
)

// Manager seals and opens credential values.
type Manager struct {
	key []byte
}

// NewManager uses MEMOIR_SECRET when set and a machine-derived key otherwise.
func NewManager() (*Manager, error) {
	if secret := os.Getenv(SecretEnv); secret != "" {
		return NewManagerWithSecret(secret), nil
	}
	key, err := deriveKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return &Manager{key: key}, nil
}

// NewManagerWithSecret derives the key from a shared secret.
func NewManagerWithSecret(secret string) *Manager {
	sum := sha256.Sum256([]byte("memoir-credential:" + secret))
	return &Manager{key: sum[:]}
}

func (m *Manager) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext. The empty string stays empty.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := m.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed value. Values without the prefix were stored before
// encryption was enabled and come back unchanged.
func (m *Manager) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrInvalidFormat, err)
	}
	gcm, err := m.aead()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", ErrInvalidFormat
	}
	plaintext, err := gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEncrypted checks if a value is already encrypted.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// IsSecretKey reports whether a configuration key holds a credential.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	return strings.HasSuffix(k, ".api_key") || strings.HasSuffix(k, ".password") || strings.HasSuffix(k, ".token")
}

// ConfigStore is the slice of the storage layer the vault needs.
type ConfigStore interface {
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
}

// Vault encrypts secret keys on the way into a ConfigStore and decrypts them
// on the way out. Other keys pass through untouched.
type Vault struct {
	store ConfigStore
	m     *Manager
}

func NewVault(s ConfigStore, m *Manager) *Vault {
	return &Vault{store: s, m: m}
}

func (v *Vault) Set(ctx context.Context, key, value string) error {
	if IsSecretKey(key) {
		sealed, err := v.m.Encrypt(value)
		if err != nil {
			return err
		}
		value = sealed
	}
	return v.store.SetConfig(ctx, key, value)
}

func (v *Vault) Get(ctx context.Context, key string) (string, error) {
	raw, err := v.store.GetConfig(ctx, key)
	if err != nil {
		return "", err
	}
	return v.m.Decrypt(raw)
}

// APIKey returns the stored key for provider, falling back to the
// conventional environment variable (OPENAI_API_KEY and so on).
func (v *Vault) APIKey(ctx context.Context, provider string) (string, error) {
	key, err := v.Get(ctx, provider+".api_key")
	if err != nil || key != "" {
		return key, err
	}
	return os.Getenv(strings.ToUpper(provider) + "_API_KEY"), nil
}

// deriveKey hashes machine identifiers into a 32-byte key that is stable
// across restarts on the same host and user.
func deriveKey() ([]byte, error) {
	var entropy strings.Builder

	hostname, _ := os.Hostname()
	entropy.WriteString(hostname)

	home, _ := os.UserHomeDir()
	entropy.WriteString(home)

	entropy.WriteString(runtime.GOOS)
	entropy.WriteString(runtime.GOARCH)
	entropy.WriteString("memoir-credential-manager-v1")

	if uid := os.Getuid(); uid != -1 {
		fmt.Fprintf(&entropy, "uid:%d", uid)
	}
	if username := os.Getenv("USER"); username != "" {
		entropy.WriteString(username)
	}

	hash := sha256.Sum256([]byte(entropy.String()))
	return hash[:], nil
}

// MaskSecret returns a masked version of a secret for display purposes.
// Shows only the first and last 4 characters if the secret is long enough.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
