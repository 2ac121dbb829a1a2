package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentmesh/core/internal/config"
	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/models"
	"github.com/agentmesh/core/internal/policy"
	"github.com/agentmesh/core/internal/ratelimit"
	"github.com/agentmesh/core/internal/services"
)

// Deps bundles the facades NewRouter wires into HTTP handlers.
type Deps struct {
	Registry *services.AgentRegistry
	Rewards  *services.RewardService
	AuditLog *services.AuditService
	Policy   *policy.Engine
	Limiter  *ratelimit.Limiter
}

// NewRouter builds the full HTTP surface: CORS/logging/request-ID/
// recovery at the top, trust-header parsing + rate limiting on the API
// subrouter, and a handler per facade operation. Mirrors the teacher's
// server.New shape (router.Use chaining, PathPrefix subrouters) with
// the JWT/Keycloak authentication layer replaced by trust headers.
func NewRouter(mc *meshctx.MeshContext, cfg *config.Config, deps Deps) http.Handler {
	router := mux.NewRouter()
	router.Use(CORS)
	router.Use(Logging(mc))
	router.Use(RequestID)
	router.Use(Recovery(mc))

	router.HandleFunc("/health", handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(TrustContext(cfg))
	api.Use(RateLimit(deps.Limiter))

	agents := api.PathPrefix("/agents").Subrouter()
	agents.HandleFunc("", handleRegisterAgent(deps.Registry)).Methods(http.MethodPost)
	agents.HandleFunc("", handleListAgents(deps.Registry)).Methods(http.MethodGet)
	agents.HandleFunc("/stats", handleTrustStatistics(deps.Registry)).Methods(http.MethodGet)
	agents.HandleFunc("/{did}", handleGetAgent(deps.Registry)).Methods(http.MethodGet)
	agents.HandleFunc("/{did}/revocation-check", handleCheckRevocation(deps.Rewards)).Methods(http.MethodPost)

	policies := api.PathPrefix("/policy").Subrouter()
	policies.HandleFunc("/evaluate", handleEvaluatePolicy(deps.Policy)).Methods(http.MethodPost)

	auditRouter := api.PathPrefix("/audit").Subrouter()
	auditRouter.HandleFunc("", handleListAuditEntries(deps.AuditLog)).Methods(http.MethodGet)
	auditRouter.HandleFunc("/stats", handleAuditStats(deps.AuditLog)).Methods(http.MethodGet)
	auditRouter.HandleFunc("/{entry_id}/proof", handleAuditProof(deps.AuditLog)).Methods(http.MethodGet)

	return router
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func handleRegisterAgent(reg *services.AgentRegistry) http.HandlerFunc {
	type request struct {
		Name         string   `json:"name"`
		SponsorEmail string   `json:"sponsor_email"`
		Organization string   `json:"organization"`
		Capabilities []string `json:"capabilities"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		id, err := reg.Register(req.Name, req.SponsorEmail, req.Organization, req.Capabilities)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "REGISTRATION_FAILED", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, id)
	}
}

func handleGetAgent(reg *services.AgentRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		did := mux.Vars(r)["did"]
		id, ok := reg.Get(models.AgentDID(did))
		if !ok {
			writeError(w, r, http.StatusNotFound, "AGENT_NOT_FOUND", "no agent with that DID")
			return
		}
		writeJSON(w, http.StatusOK, id)
	}
}

func handleListAgents(reg *services.AgentRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		writeJSON(w, http.StatusOK, reg.List(status))
	}
}

func handleTrustStatistics(reg *services.AgentRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, reg.TrustStatistics())
	}
}

func handleCheckRevocation(rewards *services.RewardService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		did := models.AgentDID(mux.Vars(r)["did"])
		score := rewards.CheckRevocation(did)
		if score == nil {
			writeError(w, r, http.StatusNotFound, "AGENT_NOT_FOUND", "no score recorded for that agent")
			return
		}
		writeJSON(w, http.StatusOK, score)
	}
}

func handleEvaluatePolicy(eng *policy.Engine) http.HandlerFunc {
	type request struct {
		AgentDID string                 `json:"agent_did"`
		Context  map[string]interface{} `json:"context"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		decision, err := eng.Evaluate(req.AgentDID, req.Context)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "EVALUATION_FAILED", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

func handleListAuditEntries(svc *services.AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		writeJSON(w, http.StatusOK, svc.Entries(q.Get("agent_did"), q.Get("event_type")))
	}
}

func handleAuditStats(svc *services.AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Stats())
	}
}

func handleAuditProof(svc *services.AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID := mux.Vars(r)["entry_id"]
		proof, err := svc.ProofFor(entryID)
		if err != nil {
			writeError(w, r, http.StatusNotFound, "ENTRY_NOT_FOUND", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, proof)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
