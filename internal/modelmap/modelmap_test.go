package modelmap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/cache"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
)

type mockOverrideStore struct {
	GetModelMappingFunc func(ctx context.Context, name string) (string, error)
	calls               int
}

func (m *mockOverrideStore) GetModelMapping(ctx context.Context, name string) (string, error) {
	m.calls++
	return m.GetModelMappingFunc(ctx, name)
}

func TestResolver_Resolve(t *testing.T) {
	store := &mockOverrideStore{
		GetModelMappingFunc: func(ctx context.Context, name string) (string, error) {
			switch name {
			case "claude-sonnet-4-5":
				return "arn:aws:bedrock:us-west-2:123:inference-profile/custom", nil
			case "broken":
				return "", errors.New("throttled")
			}
			return "", domain.ErrModelMappingAbsent
		},
	}
	r := New(store)

	tests := []struct {
		name  string
		model string
		want  string
	}{
		{"override wins over static", "claude-sonnet-4-5", "arn:aws:bedrock:us-west-2:123:inference-profile/custom"},
		{"static alias", "claude-haiku-4-5", "global.anthropic.claude-haiku-4-5-20251001-v1:0"},
		{"pass-through", "anthropic.claude-3-haiku-20240307-v1:0", "anthropic.claude-3-haiku-20240307-v1:0"},
		{"override error is a miss", "broken", "broken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(context.Background(), tt.model); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}

func TestResolver_NoOverrideStore(t *testing.T) {
	r := New(nil)

	if got := r.Resolve(context.Background(), "claude-opus-4-5"); got != "global.anthropic.claude-opus-4-5-20251101-v1:0" {
		t.Errorf("unexpected resolution %q", got)
	}
}

func TestResolver_CachesHitsAndMisses(t *testing.T) {
	store := &mockOverrideStore{
		GetModelMappingFunc: func(ctx context.Context, name string) (string, error) {
			if name == "mine" {
				return "custom-id", nil
			}
			return "", domain.ErrModelMappingAbsent
		},
	}
	r := New(store, WithCache(cache.NewInMemoryCache(), time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if got := r.Resolve(ctx, "mine"); got != "custom-id" {
			t.Fatalf("Resolve(mine) = %q", got)
		}
		if got := r.Resolve(ctx, "claude-3-5-haiku"); got != "us.anthropic.claude-3-5-haiku-20241022-v1:0" {
			t.Fatalf("Resolve(claude-3-5-haiku) = %q", got)
		}
	}

	if store.calls != 2 {
		t.Errorf("expected 2 store lookups, got %d", store.calls)
	}

	r.Forget(ctx, "mine")
	r.Resolve(ctx, "mine")
	if store.calls != 3 {
		t.Errorf("expected lookup after Forget, got %d calls", store.calls)
	}
}

func TestResolver_ErrorsAreNotCached(t *testing.T) {
	store := &mockOverrideStore{
		GetModelMappingFunc: func(ctx context.Context, name string) (string, error) {
			return "", errors.New("timeout")
		},
	}
	r := New(store, WithCache(cache.NewInMemoryCache(), time.Minute))

	r.Resolve(context.Background(), "x")
	r.Resolve(context.Background(), "x")

	if store.calls != 2 {
		t.Errorf("expected errors to be retried, got %d calls", store.calls)
	}
}

func TestResolver_Aliases(t *testing.T) {
	r := New(nil, WithStatic(map[string]string{"b": "B", "a": "A"}))

	got := r.Aliases()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Aliases() = %v", got)
	}
}
