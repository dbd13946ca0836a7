package crypto

import (
	"strings"
	"testing"
)

func TestHashAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
	}{
		{"simple key", "test-api-key"},
		{"sk key", "sk-550e8400e29b41d4a716446655440000"},
		{"empty key", ""},
		{"special chars", "key!@#$%^&*()"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash1 := HashAPIKey(tt.apiKey)
			hash2 := HashAPIKey(tt.apiKey)

			if hash1 != hash2 {
				t.Errorf("HashAPIKey not deterministic: got %s and %s", hash1, hash2)
			}

			if len(hash1) != 64 {
				t.Errorf("HashAPIKey length = %d, want 64", len(hash1))
			}

			for _, c := range hash1 {
				if !strings.ContainsRune("0123456789abcdef", c) {
					t.Errorf("HashAPIKey contains non-hex char: %c", c)
				}
			}
		})
	}
}

func TestKeyID(t *testing.T) {
	id := KeyID("sk-secret")

	if len(id) != 12 {
		t.Errorf("KeyID length = %d, want 12", len(id))
	}
	if !strings.HasPrefix(HashAPIKey("sk-secret"), id) {
		t.Error("KeyID should be a prefix of the key hash")
	}
	if strings.Contains(id, "secret") {
		t.Error("KeyID leaks the key")
	}
	if KeyID("") != "anonymous" {
		t.Errorf("KeyID(\"\") = %s, want anonymous", KeyID(""))
	}
}

func TestGenerateAPIKey(t *testing.T) {
	k1 := GenerateAPIKey()
	k2 := GenerateAPIKey()

	if !strings.HasPrefix(k1, "sk-") || len(k1) != 35 {
		t.Errorf("unexpected key shape %q", k1)
	}
	if k1 == k2 {
		t.Error("keys should be unique")
	}
}
