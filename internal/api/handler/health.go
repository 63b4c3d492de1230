package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/Rrens/codex-chat/internal/api/response"
	"github.com/Rrens/codex-chat/internal/llm"
)

// Version is reported by the root endpoint
const Version = "1.0.0"

// Pinger is a dependency whose connectivity gates readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// Root reports that the server is up
func Root(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{
		"message":   "CodeX API Server is running",
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

// HealthCheck returns a simple health check response
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{
		"status": "ok",
	})
}

// ReadyCheck returns readiness status including every named dependency
func ReadyCheck(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := make(map[string]string, len(deps))
		ready := true
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				status[name] = "unavailable"
				ready = false
				continue
			}
			status[name] = "ok"
		}

		if !ready {
			response.ServiceUnavailable(w, status)
			return
		}

		response.OK(w, map[string]any{
			"status":       "ready",
			"dependencies": status,
		})
	}
}

// ListLLMProviders returns registered LLM providers
func ListLLMProviders(router *llm.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]any{
			"providers":        router.GetProvidersInfo(),
			"default_provider": router.DefaultProvider(),
		})
	}
}
