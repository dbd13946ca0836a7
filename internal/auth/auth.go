// Package auth resolves the caller identity presented on a request.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/bedrock-gateway/internal/crypto"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
)

const (
	AnonymousKey = "anonymous"
	MasterUserID = "master"
)

// KeyStore looks up stored API keys.
type KeyStore interface {
	GetAPIKey(ctx context.Context, key string) (*domain.APIKey, error)
}

type Config struct {
	RequireAPIKey    bool
	MasterKey        string
	MasterRateLimit  int
	DefaultRateLimit int
}

// Caller is the authenticated identity of a request. Record is nil for the
// master key and for anonymous callers.
type Caller struct {
	Key       string
	UserID    string
	RateLimit int
	Master    bool
	Record    *domain.APIKey
}

// KeyID is the loggable form of the caller's key.
func (c *Caller) KeyID() string {
	if c.Key == AnonymousKey {
		return AnonymousKey
	}
	return crypto.KeyID(c.Key)
}

type Authenticator struct {
	store KeyStore
	cfg   Config
}

func NewAuthenticator(store KeyStore, cfg Config) *Authenticator {
	return &Authenticator{store: store, cfg: cfg}
}

// ExtractAPIKey reads "Authorization: Bearer <key>" (scheme case-insensitive),
// falling back to the x-api-key header.
func ExtractAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// Authenticate resolves the presented key to a Caller.
func (a *Authenticator) Authenticate(ctx context.Context, presented string) (*Caller, error) {
	if !a.cfg.RequireAPIKey {
		return &Caller{Key: AnonymousKey, UserID: AnonymousKey, RateLimit: a.cfg.DefaultRateLimit}, nil
	}
	if presented == "" {
		return nil, domain.ErrMissingAPIKey
	}
	if a.IsMaster(presented) {
		return &Caller{Key: presented, UserID: MasterUserID, RateLimit: a.cfg.MasterRateLimit, Master: true}, nil
	}

	key, err := a.store.GetAPIKey(ctx, presented)
	if errors.Is(err, domain.ErrAPIKeyNotFound) {
		return nil, domain.ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if !key.IsActive {
		if key.DeactivatedReason == domain.ReasonBudgetExceeded {
			return nil, domain.ErrBudgetExceeded
		}
		return nil, domain.ErrKeyInactive
	}

	limit := key.RateLimit
	if limit <= 0 {
		limit = a.cfg.DefaultRateLimit
	}
	return &Caller{Key: key.Key, UserID: key.UserID, RateLimit: limit, Record: key}, nil
}

// IsMaster compares in constant time. An unset master key matches nothing.
func (a *Authenticator) IsMaster(presented string) bool {
	if a.cfg.MasterKey == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.cfg.MasterKey)) == 1
}

type contextKey string

const callerContextKey contextKey = "caller"

func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

func CallerFromContext(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerContextKey).(*Caller)
	return c, ok
}
