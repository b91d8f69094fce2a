package credentials

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/brandlens/orchestrator/internal/db"
)

var (
	// ErrNoMasterKey is returned when the vault has no key configured
	ErrNoMasterKey = errors.New("credential master key not configured")

	// ErrDecrypt is returned when a stored credential cannot be opened
	ErrDecrypt = errors.New("credential decryption failed")
)

// Secret is a decrypted provider credential. It never prints or serializes its value.
type Secret struct {
	value string
}

// NewSecret wraps a plaintext credential
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Reveal returns the plaintext for use in an outbound request
func (s Secret) Reveal() string { return s.value }

// IsZero reports whether the secret is empty
func (s Secret) IsZero() bool { return strings.TrimSpace(s.value) == "" }

func (s Secret) String() string { return "[REDACTED]" }

// GoString keeps %#v from leaking the value
func (s Secret) GoString() string { return "credentials.Secret{[REDACTED]}" }

// MarshalJSON always emits a redacted placeholder
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"[REDACTED]"`), nil }

// Vault opens stored credentials with a per-user key derived from the master key
type Vault struct {
	master []byte
	logger *zap.Logger
}

// NewVault parses a 32-byte master key given as hex or base64
func NewVault(masterKey string, logger *zap.Logger) (*Vault, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	masterKey = strings.TrimSpace(masterKey)
	if masterKey == "" {
		return nil, ErrNoMasterKey
	}

	key, err := hex.DecodeString(masterKey)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(masterKey)
		if err != nil {
			return nil, fmt.Errorf("master key is neither hex nor base64")
		}
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Vault{master: key, logger: logger}, nil
}

func (v *Vault) aead(userID uuid.UUID) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, v.master, nil, []byte("probe-credentials:"+userID.String()))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return chacha20poly1305.New(key)
}

// Seal encrypts plaintext for storage. The provider name is bound as associated data.
func (v *Vault) Seal(userID uuid.UUID, provider, plaintext string) (ciphertext, nonce []byte, err error) {
	aead, err := v.aead(userID)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, []byte(plaintext), associatedData(provider)), nonce, nil
}

// Open decrypts one stored credential
func (v *Vault) Open(cred db.Credential) (Secret, error) {
	aead, err := v.aead(cred.UserID)
	if err != nil {
		return Secret{}, err
	}
	if len(cred.Nonce) != aead.NonceSize() {
		return Secret{}, fmt.Errorf("%s: %w: bad nonce size", cred.Provider, ErrDecrypt)
	}
	plain, err := aead.Open(nil, cred.Nonce, cred.Ciphertext, associatedData(cred.Provider))
	if err != nil {
		return Secret{}, fmt.Errorf("%s: %w", cred.Provider, ErrDecrypt)
	}
	return NewSecret(string(plain)), nil
}

// Unlock decrypts every credential once and returns the run's keyring. Credentials that fail to
// open or are empty are skipped and logged; the keyring may therefore be empty.
func (v *Vault) Unlock(creds []db.Credential) *Keyring {
	kr := &Keyring{secrets: make(map[string]Secret, len(creds))}
	for _, c := range creds {
		secret, err := v.Open(c)
		if err != nil {
			v.logger.Warn("Skipping unreadable credential",
				zap.String("provider", c.Provider),
				zap.String("user_id", c.UserID.String()),
				zap.Error(err),
			)
			continue
		}
		if secret.IsZero() {
			continue
		}
		kr.secrets[normalizeProvider(c.Provider)] = secret
	}
	return kr
}

func associatedData(provider string) []byte {
	return []byte(normalizeProvider(provider))
}

func normalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
