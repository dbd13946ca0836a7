package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchConfig(t *testing.T) {
	cfg := FetchConfig(30 * time.Second)

	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.ResponseHeaderTimeout != 30*time.Second {
		t.Errorf("ResponseHeaderTimeout = %v, want 30s", cfg.ResponseHeaderTimeout)
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient(FetchConfig(5 * time.Second))

	if client.Timeout != 5*time.Second {
		t.Errorf("client.Timeout = %v, want 5s", client.Timeout)
	}

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("client.Transport is not *http.Transport")
	}
	if transport.MaxIdleConnsPerHost != 5 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 5", transport.MaxIdleConnsPerHost)
	}
	if !transport.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be true")
	}
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("pngdata"))
		case "/big":
			_, _ = w.Write(make([]byte, 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(FetchConfig(time.Second))
	ctx := context.Background()

	body, contentType, err := Fetch(ctx, client, server.URL+"/ok.png", 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "pngdata" || contentType != "image/png" {
		t.Errorf("got %q %q", body, contentType)
	}

	if _, _, err := Fetch(ctx, client, server.URL+"/missing", 1024); err == nil {
		t.Error("expected error for 404")
	}

	if _, _, err := Fetch(ctx, client, server.URL+"/big", 10); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}
