package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
)

type MockKeyStore struct {
	GetAPIKeyFunc func(ctx context.Context, key string) (*domain.APIKey, error)
}

func (m *MockKeyStore) GetAPIKey(ctx context.Context, key string) (*domain.APIKey, error) {
	return m.GetAPIKeyFunc(ctx, key)
}

func keyStore(keys ...*domain.APIKey) *MockKeyStore {
	return &MockKeyStore{
		GetAPIKeyFunc: func(ctx context.Context, key string) (*domain.APIKey, error) {
			for _, k := range keys {
				if k.Key == key {
					return k, nil
				}
			}
			return nil, domain.ErrAPIKeyNotFound
		},
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer sk-abc"}, "sk-abc"},
		{"lowercase scheme", map[string]string{"Authorization": "bearer sk-abc"}, "sk-abc"},
		{"x-api-key", map[string]string{"x-api-key": "sk-xyz"}, "sk-xyz"},
		{"bearer wins", map[string]string{"Authorization": "Bearer sk-abc", "x-api-key": "sk-xyz"}, "sk-abc"},
		{"basic falls back", map[string]string{"Authorization": "Basic Zm9v", "x-api-key": "sk-xyz"}, "sk-xyz"},
		{"none", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ExtractAPIKey(r); got != tt.want {
				t.Errorf("ExtractAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	active := &domain.APIKey{Key: "sk-active", UserID: "u1", RateLimit: 50, IsActive: true}
	noLimit := &domain.APIKey{Key: "sk-nolimit", UserID: "u2", IsActive: true}
	manual := &domain.APIKey{Key: "sk-manual", UserID: "u3", DeactivatedReason: domain.ReasonManual}
	overBudget := &domain.APIKey{Key: "sk-budget", UserID: "u4", DeactivatedReason: domain.ReasonBudgetExceeded}

	a := NewAuthenticator(keyStore(active, noLimit, manual, overBudget), Config{
		RequireAPIKey:    true,
		MasterKey:        "sk-master",
		MasterRateLimit:  10000,
		DefaultRateLimit: 100,
	})

	tests := []struct {
		name      string
		key       string
		wantErr   error
		wantUser  string
		wantLimit int
	}{
		{"missing", "", domain.ErrMissingAPIKey, "", 0},
		{"unknown", "sk-nope", domain.ErrInvalidAPIKey, "", 0},
		{"active", "sk-active", nil, "u1", 50},
		{"default limit", "sk-nolimit", nil, "u2", 100},
		{"master", "sk-master", nil, MasterUserID, 10000},
		{"deactivated", "sk-manual", domain.ErrKeyInactive, "", 0},
		{"budget exceeded", "sk-budget", domain.ErrBudgetExceeded, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := a.Authenticate(context.Background(), tt.key)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.UserID != tt.wantUser || c.RateLimit != tt.wantLimit {
				t.Errorf("got user=%q limit=%d, want user=%q limit=%d", c.UserID, c.RateLimit, tt.wantUser, tt.wantLimit)
			}
		})
	}
}

func TestAuthenticate_MasterSkipsStore(t *testing.T) {
	store := &MockKeyStore{
		GetAPIKeyFunc: func(ctx context.Context, key string) (*domain.APIKey, error) {
			t.Fatal("master key must not hit the store")
			return nil, nil
		},
	}
	a := NewAuthenticator(store, Config{RequireAPIKey: true, MasterKey: "sk-master", MasterRateLimit: 10000})

	c, err := a.Authenticate(context.Background(), "sk-master")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Master || c.Record != nil {
		t.Errorf("expected master caller without record, got %+v", c)
	}
}

func TestAuthenticate_Anonymous(t *testing.T) {
	a := NewAuthenticator(keyStore(), Config{RequireAPIKey: false, DefaultRateLimit: 100})

	c, err := a.Authenticate(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Key != AnonymousKey || c.KeyID() != AnonymousKey || c.RateLimit != 100 {
		t.Errorf("unexpected anonymous caller: %+v", c)
	}
}

func TestAuthenticate_StoreError(t *testing.T) {
	boom := errors.New("connection reset")
	a := NewAuthenticator(&MockKeyStore{
		GetAPIKeyFunc: func(ctx context.Context, key string) (*domain.APIKey, error) {
			return nil, boom
		},
	}, Config{RequireAPIKey: true})

	_, err := a.Authenticate(context.Background(), "sk-any")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if errors.Is(err, domain.ErrInvalidAPIKey) {
		t.Error("store failures must not read as invalid keys")
	}
}

func TestIsMaster_UnsetMatchesNothing(t *testing.T) {
	a := NewAuthenticator(keyStore(), Config{RequireAPIKey: true})
	if a.IsMaster("") || a.IsMaster("sk-anything") {
		t.Error("no master key configured, nothing should match")
	}
}

func TestCallerContext(t *testing.T) {
	c := &Caller{Key: "sk-active", UserID: "u1"}
	ctx := WithCaller(context.Background(), c)

	got, ok := CallerFromContext(ctx)
	if !ok || got != c {
		t.Fatalf("CallerFromContext() = %v, %v", got, ok)
	}
	if _, ok := CallerFromContext(context.Background()); ok {
		t.Error("expected no caller in empty context")
	}
}
