package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/auth"
	"github.com/felipepmaragno/bedrock-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/felipepmaragno/bedrock-gateway/internal/gateway"
	"github.com/felipepmaragno/bedrock-gateway/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxBodyBytes = 20 << 20
	modelCreated = 1700000000
)

// ModelCatalog lists the caller-facing model names.
type ModelCatalog interface {
	Aliases() []string
}

type HandlerConfig struct {
	Auth     *auth.Authenticator
	Gateway  *gateway.Gateway
	Models   ModelCatalog
	Breakers *circuitbreaker.Manager
	Checkers []HealthChecker
	Admin    http.Handler
	Version  string
}

type Handler struct {
	auth     *auth.Authenticator
	gateway  *gateway.Gateway
	models   ModelCatalog
	breakers *circuitbreaker.Manager
	checkers []HealthChecker
	version  string
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		auth:     cfg.Auth,
		gateway:  cfg.Gateway,
		models:   cfg.Models,
		breakers: cfg.Breakers,
		checkers: cfg.Checkers,
		version:  cfg.Version,
		mux:      http.NewServeMux(),
	}

	h.mux.Handle("POST /v1/chat/completions", h.authenticated(http.HandlerFunc(h.handleChatCompletions)))
	h.mux.Handle("GET /v1/models", h.authenticated(http.HandlerFunc(h.handleListModels)))
	h.mux.Handle("GET /v1/models/{id}", h.authenticated(http.HandlerFunc(h.handleGetModel)))
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleReady)
	h.mux.HandleFunc("GET /{$}", h.handleRoot)
	h.mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Admin != nil {
		h.mux.Handle("/admin/", h.masterOnly(cfg.Admin))
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authenticated resolves the caller and stores it on the request context.
func (h *Handler) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := h.auth.Authenticate(r.Context(), auth.ExtractAPIKey(r))
		if err != nil {
			if !isClientError(err) {
				slog.Error("authentication failed", "error", err)
			}
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
	})
}

func (h *Handler) masterOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := auth.ExtractAPIKey(r)
		switch {
		case key == "":
			writeError(w, domain.ErrMissingAPIKey)
		case !h.auth.IsMaster(key):
			writeError(w, fmt.Errorf("%w: admin endpoints require the master key", domain.ErrForbidden))
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.CallerFromContext(ctx)

	decision, err := h.gateway.Admit(ctx, caller)
	setRateLimitHeaders(w, decision)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimitExceeded) {
			slog.Warn("rate limit exceeded", "key_id", caller.KeyID())
		} else {
			slog.Error("rate limiter error", "error", err, "key_id", caller.KeyID())
		}
		writeError(w, err)
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidRequest, err))
		return
	}

	if req.Stream {
		h.handleStreamingResponse(w, r, caller, &req)
		return
	}

	resp, err := h.gateway.Complete(ctx, caller, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", resp.ID)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleStreamingResponse(w http.ResponseWriter, r *http.Request, caller *auth.Caller, req *domain.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming not supported"))
		return
	}

	started := false
	emit := func(f domain.StreamFrame) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			if f.Chunk != nil {
				w.Header().Set("X-Request-ID", f.Chunk.ID)
			}
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeFrame(w, f); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := h.gateway.Stream(r.Context(), caller, req, emit)
	if err != nil && !started {
		writeError(w, err)
	}
}

func writeFrame(w io.Writer, f domain.StreamFrame) error {
	if f.Done {
		_, err := io.WriteString(w, "data: [DONE]\n\n")
		return err
	}

	var payload any = f.Chunk
	if f.Error != nil {
		payload = f.Error
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	aliases := h.models.Aliases()
	models := make([]domain.Model, 0, len(aliases))
	for _, id := range aliases {
		models = append(models, modelObject(id))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(domain.ModelsResponse{
		Object: "list",
		Data:   models,
	})
}

// handleGetModel answers for any id: unknown names pass through to the backend.
func (h *Handler) handleGetModel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(modelObject(r.PathValue("id")))
}

func modelObject(id string) domain.Model {
	return domain.Model{ID: id, Object: "model", Created: modelCreated, OwnedBy: "anthropic"}
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"service": "bedrock-gateway",
		"version": h.version,
		"docs":    "/v1/chat/completions",
	})
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(d.ResetAfter)))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(max(1, ceilSeconds(d.RetryAfter))))
	}
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func isClientError(err error) bool {
	return domain.Classify(err).Status < http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status, body := domain.NewErrorBody(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
