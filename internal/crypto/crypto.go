// Package crypto derives stable, non-reversible identifiers from API keys so
// they can appear in logs, metrics and notifications.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// KeyID is the first 12 hex characters of the key hash.
func KeyID(apiKey string) string {
	if apiKey == "" {
		return "anonymous"
	}
	return HashAPIKey(apiKey)[:12]
}

// GenerateAPIKey returns a new key of the form sk-<32 hex>.
func GenerateAPIKey() string {
	return "sk-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
