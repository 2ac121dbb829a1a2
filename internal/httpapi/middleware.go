// Package httpapi implements the HTTP trust-header contract as
// middleware plus a small gorilla/mux router, adapted from the
// teacher's internal/middleware + internal/server around trust headers
// and rate-limit status instead of JWT roles.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/core/internal/config"
	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/models"
	"github.com/agentmesh/core/internal/ratelimit"
)

// requestIDKey is the context key used to stash the per-request ID.
type requestIDKey struct{}

// agentContextKey is the context key used to stash the parsed trust
// headers for downstream handlers.
type agentContextKey struct{}

// meshContextKey is the context key used to stash the MeshContext so
// writeError can stamp responses via MeshContext.Clock instead of the
// wall clock directly (spec section 9).
type meshContextKey struct{}

// AgentContext is the parsed trust-header payload for one request.
type AgentContext struct {
	DID          string
	PublicKey    string
	Capabilities []string
	Signature    string
}

// AgentFromContext retrieves the AgentContext a TrustContext middleware
// stashed, if any.
func AgentFromContext(ctx context.Context) (AgentContext, bool) {
	ac, ok := ctx.Value(agentContextKey{}).(AgentContext)
	return ac, ok
}

// CORS adds permissive cross-origin headers, same shape as the
// teacher's CORS middleware.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Agent-DID, X-Agent-Public-Key, X-Agent-Capabilities, X-Agent-Signature, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
// for logging, same shape as the teacher's.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Logging logs method/path/remote/status/duration for every request.
func Logging(mc *meshctx.MeshContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			ctx := context.WithValue(r.Context(), meshContextKey{}, mc)
			next.ServeHTTP(wrapped, r.WithContext(ctx))
			mc.Logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", wrapped.statusCode,
				"duration", time.Since(start).String(),
			)
		})
	}
}

// RequestID stamps every request with an X-Request-ID, reusing an
// inbound one if present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recovery converts a panicking handler into a structured 500 response
// instead of crashing the process.
func Recovery(mc *meshctx.MeshContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					mc.Logger.Error("panic recovered", "error", fmt.Sprint(rec))
					writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func isExempt(path string, exempt []string) bool {
	for _, p := range exempt {
		if p == path {
			return true
		}
	}
	return false
}

// TrustContext parses the X-Agent-* trust headers (spec section 6) and
// stashes them in the request context. In strict mode, a request to a
// non-exempt path with no DID header is rejected with 403 and a
// {error, reason} body.
func TrustContext(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := AgentContext{
				DID:       r.Header.Get(cfg.DIDHeader),
				PublicKey: r.Header.Get(cfg.PublicKeyHeader),
				Signature: r.Header.Get(cfg.SignatureHeader),
			}
			if caps := r.Header.Get(cfg.CapabilitiesHeader); caps != "" {
				ac.Capabilities = strings.Split(caps, ",")
			}

			if ac.DID == "" && cfg.StrictHeaders && !isExempt(r.URL.Path, cfg.ExemptPaths) {
				writeError(w, r, http.StatusForbidden, "MISSING_AGENT_DID", "X-Agent-DID header is required")
				return
			}

			ctx := context.WithValue(r.Context(), agentContextKey{}, ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit enforces per-agent and global token-bucket limits (spec
// section 4.10), responding 429 with Retry-After and
// X-RateLimit-Remaining on denial, and always setting X-Backpressure
// when the limiter reports near-exhaustion even on an admitted request.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, _ := AgentFromContext(r.Context())
			key := ac.DID
			if key == "" {
				key = r.RemoteAddr
			}

			result := limiter.Check(key)
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(result.RemainingTokens, 'f', 2, 64))
			if result.Backpressure {
				w.Header().Set("X-Backpressure", "true")
			}
			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.FormatFloat(result.RetryAfterSeconds, 'f', 0, 64))
				writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "request rate exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := r.Context().Value(requestIDKey{}).(string)
	now := time.Now().UTC()
	if mc, ok := r.Context().Value(meshContextKey{}).(*meshctx.MeshContext); ok && mc.Clock != nil {
		now = mc.Clock.Now()
	}
	body := models.NewError(code, message, requestID, now)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  body.Code,
		"reason": body.Message,
	})
}
