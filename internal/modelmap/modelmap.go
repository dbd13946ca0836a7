// Package modelmap resolves caller-facing model names to backend model
// identifiers.
package modelmap

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/cache"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/felipepmaragno/bedrock-gateway/internal/metrics"
	"golang.org/x/sync/singleflight"
)

var defaultMappings = map[string]string{
	"claude-opus-4-5":            "global.anthropic.claude-opus-4-5-20251101-v1:0",
	"claude-opus-4-5-20251101":   "global.anthropic.claude-opus-4-5-20251101-v1:0",
	"claude-opus-4-6":            "global.anthropic.claude-opus-4-6-v1",
	"claude-sonnet-4-5":          "global.anthropic.claude-sonnet-4-5-20250929-v1:0",
	"claude-sonnet-4-5-20250929": "global.anthropic.claude-sonnet-4-5-20250929-v1:0",
	"claude-haiku-4-5":           "global.anthropic.claude-haiku-4-5-20251001-v1:0",
	"claude-haiku-4-5-20251001":  "global.anthropic.claude-haiku-4-5-20251001-v1:0",
	"claude-3-5-haiku":           "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-5-haiku-20241022":  "us.anthropic.claude-3-5-haiku-20241022-v1:0",
}

// DefaultMappings returns a copy of the built-in alias table.
func DefaultMappings() map[string]string {
	out := make(map[string]string, len(defaultMappings))
	for k, v := range defaultMappings {
		out[k] = v
	}
	return out
}

type OverrideStore interface {
	GetModelMapping(ctx context.Context, name string) (string, error)
}

// Resolver checks the override store, then the static table, and otherwise
// passes the name through unchanged.
type Resolver struct {
	overrides OverrideStore
	cache     cache.Cache
	cacheTTL  time.Duration
	static    map[string]string
	group     singleflight.Group
	logger    *slog.Logger
}

type Option func(*Resolver)

func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

func WithStatic(static map[string]string) Option {
	return func(r *Resolver) {
		r.static = static
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New builds a resolver. overrides may be nil.
func New(overrides OverrideStore, opts ...Option) *Resolver {
	r := &Resolver{
		overrides: overrides,
		static:    DefaultMappings(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve never fails. Override lookup errors count as a miss.
func (r *Resolver) Resolve(ctx context.Context, name string) string {
	if id, ok := r.override(ctx, name); ok {
		return id
	}
	if id, ok := r.static[name]; ok {
		return id
	}
	return name
}

func (r *Resolver) override(ctx context.Context, name string) (string, bool) {
	if r.overrides == nil {
		return "", false
	}

	if r.cache != nil {
		if id, ok := r.cache.Get(ctx, name); ok {
			metrics.RecordOverrideLookup("cached")
			return id, id != ""
		}
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		return r.overrides.GetModelMapping(ctx, name)
	})

	switch {
	case errors.Is(err, domain.ErrModelMappingAbsent):
		metrics.RecordOverrideLookup("miss")
		r.remember(ctx, name, "")
		return "", false
	case err != nil:
		metrics.RecordOverrideLookup("error")
		r.logger.Warn("model override lookup failed", "model", name, "error", err)
		return "", false
	}

	id := v.(string)
	metrics.RecordOverrideLookup("hit")
	r.remember(ctx, name, id)
	return id, id != ""
}

func (r *Resolver) remember(ctx context.Context, name, id string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, name, id, r.cacheTTL); err != nil {
		r.logger.Debug("model override cache write failed", "model", name, "error", err)
	}
}

// Forget drops a memoised override, used after an admin update.
func (r *Resolver) Forget(ctx context.Context, name string) {
	if r.cache != nil {
		_ = r.cache.Delete(ctx, name)
	}
}

// Aliases lists the static table's caller-facing names in order.
func (r *Resolver) Aliases() []string {
	names := make([]string, 0, len(r.static))
	for name := range r.static {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
