package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	DefaultKeyringService = "octomem"
	DefaultKeyringUser    = "capability-signing-key"
)

// KeySource says where the token signing key comes from. A literal Key wins
// over the OS keyring.
type KeySource struct {
	Key     string
	Service string
	User    string
}

// LoadSigningKey resolves the signing key. Keyring entries are stored base64
// encoded.
func LoadSigningKey(src KeySource) ([]byte, error) {
	if src.Key != "" {
		return []byte(src.Key), nil
	}
	if src.Service == "" {
		return nil, errors.New("no signing key configured: set security.signing_key or security.keyring_service")
	}
	user := src.User
	if user == "" {
		user = DefaultKeyringUser
	}
	encoded, err := keyring.Get(src.Service, user)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve signing key from keyring: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing key: %w", err)
	}
	return key, nil
}

// GenerateSigningKey creates a random 32 byte key and stores it in the OS
// keyring under service/user.
func GenerateSigningKey(service, user string) ([]byte, error) {
	if service == "" {
		service = DefaultKeyringService
	}
	if user == "" {
		user = DefaultKeyringUser
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := keyring.Set(service, user, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("failed to store signing key in keyring: %w", err)
	}
	return key, nil
}
