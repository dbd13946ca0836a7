package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 5 * time.Second

// HealthChecker checks one dependency the gateway cannot serve without.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

type dependency struct {
	name  string
	check func(ctx context.Context) error
}

func (d dependency) Name() string                    { return d.name }
func (d dependency) Check(ctx context.Context) error { return d.check(ctx) }

func RedisDependency(client *redis.Client) HealthChecker {
	return dependency{name: "redis", check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

func SQLDependency(name string, db *sql.DB) HealthChecker {
	return dependency{name: name, check: db.PingContext}
}

// Pinger is any store that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

func StoreDependency(name string, store Pinger) HealthChecker {
	return dependency{name: name, check: store.Ping}
}

type DependencyState struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Readiness is the /health/ready body. Open breakers are reported but do not
// fail readiness: they close on their own once the backend recovers.
type Readiness struct {
	Status       string                     `json:"status"`
	Version      string                     `json:"version,omitempty"`
	Dependencies map[string]DependencyState `json:"dependencies,omitempty"`
	Breakers     map[string]string          `json:"circuit_breakers,omitempty"`
}

// checkDependencies checks every dependency in parallel and waits for all of them.
func checkDependencies(ctx context.Context, checkers []HealthChecker) (map[string]DependencyState, bool) {
	states := make(map[string]DependencyState, len(checkers))
	ready := true
	var mu sync.Mutex
	var g errgroup.Group

	for _, c := range checkers {
		g.Go(func() error {
			start := time.Now()
			err := c.Check(ctx)
			st := DependencyState{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				st.Status = "error"
				st.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			states[c.Name()] = st
			if err != nil {
				ready = false
			}
			return nil
		})
	}
	_ = g.Wait()
	return states, ready
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	deps, ready := checkDependencies(ctx, h.checkers)
	body := Readiness{Status: "ready", Version: h.version, Dependencies: deps}
	if h.breakers != nil {
		body.Breakers = h.breakers.States()
	}

	status := http.StatusOK
	if !ready {
		body.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := Readiness{Status: "healthy", Version: h.version}
	if h.breakers != nil {
		body.Breakers = h.breakers.States()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
