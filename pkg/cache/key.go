package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/dotsetgreg/octomem/pkg/utils"
)

const keyPrefix = "octomem:cache:"

// Fingerprint derives a stable cache key from the normalized parts. Inputs
// differing only in case or surrounding whitespace share a key.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(utils.Normalize(p)))
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))[:32]
}

// IsKey reports whether key was produced by Fingerprint.
func IsKey(key string) bool {
	return strings.HasPrefix(key, keyPrefix) && len(key) == len(keyPrefix)+32
}
