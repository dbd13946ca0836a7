package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/cost"
	"github.com/felipepmaragno/bedrock-gateway/internal/crypto"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/felipepmaragno/bedrock-gateway/internal/ledger"
	"github.com/shopspring/decimal"
)

type AdminStore interface {
	GetAPIKey(ctx context.Context, key string) (*domain.APIKey, error)
	CreateAPIKey(ctx context.Context, k *domain.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error)
	UpdateRateLimit(ctx context.Context, key string, limit int) error
	Deactivate(ctx context.Context, key string, reason domain.DeactivationReason) error
	GetAggregate(ctx context.Context, key string) (*domain.UsageAggregate, error)
	PutModelMapping(ctx context.Context, name, backendID string) error
}

// ModelOverrides drops memoised resolutions after an override changes.
type ModelOverrides interface {
	Forget(ctx context.Context, name string)
}

type AdminConfig struct {
	Store            AdminStore
	Aggregator       *ledger.Aggregator
	Pricing          *cost.Calculator
	Overrides        ModelOverrides
	DefaultRateLimit int
}

// AdminHandler serves key management. Callers are authenticated upstream.
type AdminHandler struct {
	store            AdminStore
	aggregator       *ledger.Aggregator
	pricing          *cost.Calculator
	overrides        ModelOverrides
	defaultRateLimit int
	now              func() time.Time
	mux              *http.ServeMux
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		store:            cfg.Store,
		aggregator:       cfg.Aggregator,
		pricing:          cfg.Pricing,
		overrides:        cfg.Overrides,
		defaultRateLimit: cfg.DefaultRateLimit,
		now:              time.Now,
		mux:              http.NewServeMux(),
	}
	if h.defaultRateLimit <= 0 {
		h.defaultRateLimit = 100
	}

	h.mux.HandleFunc("GET /admin/keys", h.listKeys)
	h.mux.HandleFunc("POST /admin/keys", h.createKey)
	h.mux.HandleFunc("DELETE /admin/keys/{key}", h.deactivateKey)
	h.mux.HandleFunc("PUT /admin/keys/{key}/rate-limit", h.updateRateLimit)
	h.mux.HandleFunc("GET /admin/keys/{key}/usage", h.getUsage)
	h.mux.HandleFunc("POST /admin/keys/{key}/aggregate", h.aggregate)
	h.mux.HandleFunc("GET /admin/pricing", h.listPricing)
	h.mux.HandleFunc("GET /admin/pricing/estimate", h.estimate)
	h.mux.HandleFunc("PUT /admin/models/{name}", h.putModelMapping)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type keyView struct {
	Key               string                    `json:"api_key"`
	KeyID             string                    `json:"key_id"`
	UserID            string                    `json:"user_id"`
	Name              string                    `json:"name"`
	Role              string                    `json:"role"`
	RateLimit         int                       `json:"rate_limit"`
	MonthlyBudget     decimal.Decimal           `json:"monthly_budget"`
	BudgetUsed        decimal.Decimal           `json:"budget_used"`
	BudgetUsedMTD     decimal.Decimal           `json:"budget_used_mtd"`
	BudgetMonth       string                    `json:"budget_month,omitempty"`
	IsActive          bool                      `json:"is_active"`
	DeactivatedReason domain.DeactivationReason `json:"deactivated_reason,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
}

func maskedView(k *domain.APIKey) keyView {
	return keyView{
		Key:               k.MaskedKey(),
		KeyID:             crypto.KeyID(k.Key),
		UserID:            k.UserID,
		Name:              k.Name,
		Role:              k.Role,
		RateLimit:         k.RateLimit,
		MonthlyBudget:     k.MonthlyBudget,
		BudgetUsed:        k.BudgetUsed,
		BudgetUsedMTD:     k.BudgetUsedMTD,
		BudgetMonth:       k.BudgetMonth,
		IsActive:          k.IsActive,
		DeactivatedReason: k.DeactivatedReason,
		CreatedAt:         k.CreatedAt,
	}
}

func (h *AdminHandler) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		slog.Error("failed to list api keys", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}

	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, maskedView(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  views,
		"count": len(views),
	})
}

type CreateKeyRequest struct {
	UserID        string          `json:"user_id"`
	Name          string          `json:"name"`
	Role          string          `json:"role"`
	RateLimit     int             `json:"rate_limit"`
	MonthlyBudget decimal.Decimal `json:"monthly_budget"`
}

func (h *AdminHandler) createKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeAdminError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.RateLimit < 0 || req.MonthlyBudget.IsNegative() {
		writeAdminError(w, http.StatusBadRequest, "rate_limit and monthly_budget must not be negative")
		return
	}

	role := req.Role
	if role == "" {
		role = domain.RoleUserKey
	}
	if role != domain.RoleUserKey && role != domain.RoleAdminKey {
		writeAdminError(w, http.StatusBadRequest, "role must be user or admin")
		return
	}
	limit := req.RateLimit
	if limit == 0 {
		limit = h.defaultRateLimit
	}

	now := h.now().UTC()
	key := &domain.APIKey{
		Key:           crypto.GenerateAPIKey(),
		UserID:        req.UserID,
		Name:          req.Name,
		Role:          role,
		RateLimit:     limit,
		MonthlyBudget: req.MonthlyBudget,
		BudgetMonth:   now.Format(domain.MonthFormat),
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		slog.Error("failed to create api key", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}

	slog.Info("api key created", "key_id", crypto.KeyID(key.Key), "user_id", key.UserID)

	// the only response that carries the full key
	writeJSON(w, http.StatusCreated, key)
}

func (h *AdminHandler) deactivateKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	err := h.store.Deactivate(r.Context(), key, domain.ReasonManual)
	switch {
	case errors.Is(err, domain.ErrAPIKeyNotFound):
		writeAdminError(w, http.StatusNotFound, "api key not found")
		return
	case errors.Is(err, domain.ErrAlreadyInactive):
		writeAdminError(w, http.StatusConflict, "api key already inactive")
		return
	case err != nil:
		slog.Error("failed to deactivate api key", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to deactivate api key")
		return
	}

	slog.Info("api key deactivated", "key_id", crypto.KeyID(key), "reason", domain.ReasonManual)
	w.WriteHeader(http.StatusNoContent)
}

type UpdateRateLimitRequest struct {
	RateLimit int `json:"rate_limit"`
}

func (h *AdminHandler) updateRateLimit(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req UpdateRateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RateLimit < 1 {
		writeAdminError(w, http.StatusBadRequest, "rate_limit must be a positive integer")
		return
	}

	err := h.store.UpdateRateLimit(r.Context(), key, req.RateLimit)
	if errors.Is(err, domain.ErrAPIKeyNotFound) {
		writeAdminError(w, http.StatusNotFound, "api key not found")
		return
	}
	if err != nil {
		slog.Error("failed to update rate limit", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to update rate limit")
		return
	}

	slog.Info("rate limit updated", "key_id", crypto.KeyID(key), "rate_limit", req.RateLimit)
	writeJSON(w, http.StatusOK, map[string]any{"rate_limit": req.RateLimit})
}

func (h *AdminHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.PathValue("key")

	k, err := h.store.GetAPIKey(ctx, key)
	if errors.Is(err, domain.ErrAPIKeyNotFound) {
		writeAdminError(w, http.StatusNotFound, "api key not found")
		return
	}
	if err != nil {
		slog.Error("failed to load api key", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	agg, err := h.store.GetAggregate(ctx, key)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		agg = &domain.UsageAggregate{APIKey: key}
	} else if err != nil {
		slog.Error("failed to load usage aggregate", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"key":               maskedView(k),
		"total_requests":    agg.TotalRequests,
		"failed_requests":   agg.FailedRequests,
		"prompt_tokens":     agg.PromptTokens,
		"completion_tokens": agg.CompletionTokens,
		"total_tokens":      agg.TotalTokens(),
		"total_cost":        agg.TotalCost,
		"last_aggregated":   agg.LastAggregatedAt,
	})
}

func (h *AdminHandler) aggregate(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	res, err := h.aggregator.Aggregate(r.Context(), key)
	if errors.Is(err, domain.ErrConcurrentUpdate) {
		writeAdminError(w, http.StatusConflict, "aggregation already in progress")
		return
	}
	if err != nil {
		slog.Error("aggregation failed", "error", err, "key_id", crypto.KeyID(key))
		writeAdminError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"new_records": res.NewRecords,
		"cost_delta":  res.CostDelta,
		"deactivated": res.Deactivated,
		"aggregate":   res.Aggregate,
	})
}

func (h *AdminHandler) listPricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"unit":   "USD per 1M tokens",
		"models": h.pricing.List(),
	})
}

func (h *AdminHandler) estimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	model := q.Get("model")
	prompt, perr := strconv.Atoi(q.Get("prompt_tokens"))
	completion, cerr := strconv.Atoi(q.Get("completion_tokens"))
	if model == "" || perr != nil || cerr != nil || prompt < 0 || completion < 0 {
		writeAdminError(w, http.StatusBadRequest, "model, prompt_tokens and completion_tokens are required")
		return
	}

	_, known := h.pricing.Lookup(model)
	writeJSON(w, http.StatusOK, map[string]any{
		"model":             model,
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"cost_usd":          h.pricing.Estimate(model, prompt, completion),
		"priced":            known,
	})
}

type ModelMappingRequest struct {
	BedrockModelID string `json:"bedrock_model_id"`
}

func (h *AdminHandler) putModelMapping(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req ModelMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BedrockModelID == "" {
		writeAdminError(w, http.StatusBadRequest, "bedrock_model_id is required")
		return
	}

	if err := h.store.PutModelMapping(r.Context(), name, req.BedrockModelID); err != nil {
		slog.Error("failed to store model mapping", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to store model mapping")
		return
	}
	if h.overrides != nil {
		h.overrides.Forget(r.Context(), name)
	}

	slog.Info("model mapping updated", "model", name, "bedrock_model_id", req.BedrockModelID)
	writeJSON(w, http.StatusOK, map[string]string{
		"openai_model":     name,
		"bedrock_model_id": req.BedrockModelID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": message,
	})
}
