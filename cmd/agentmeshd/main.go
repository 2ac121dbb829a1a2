// Command agentmeshd wires a MeshContext and the identity, credential,
// handshake, reward, policy, audit and rate-limit engines together
// behind the HTTP trust-header contract, replacing the teacher's
// cmd/api-gateway entrypoint (TLS termination + Keycloak JWT auth, both
// out of scope here) with the AgentMesh control-plane surface.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/core/internal/audit"
	"github.com/agentmesh/core/internal/config"
	"github.com/agentmesh/core/internal/credential"
	"github.com/agentmesh/core/internal/eventbus"
	"github.com/agentmesh/core/internal/handshake"
	"github.com/agentmesh/core/internal/httpapi"
	"github.com/agentmesh/core/internal/identity"
	"github.com/agentmesh/core/internal/kvstore"
	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/models"
	"github.com/agentmesh/core/internal/policy"
	"github.com/agentmesh/core/internal/ratelimit"
	"github.com/agentmesh/core/internal/reward"
	"github.com/agentmesh/core/internal/services"
	"github.com/agentmesh/core/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	mc := meshctx.New(logger)

	var store meshctx.KVStore
	if cfg.RedisURL != "" {
		redisStore := kvstore.NewRedisStore(kvstore.RedisConfigFromAppConfig(cfg.Redis))
		defer redisStore.Close()
		store = redisStore
	} else {
		store = kvstore.NewMemoryStore(nil)
	}
	mc = mc.WithStore(store)

	collector := telemetry.New("agentmesh", nil)
	mc = mc.WithTelemetry(collector)

	asyncBus := eventbus.NewAsyncBus(cfg.AsyncBusQueueSize, cfg.AsyncBusCallbackTimeout)
	mc = mc.WithBus(asyncBus)
	analytics := eventbus.NewAnalyticsPlane(mc, asyncBus)

	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("nats broadcast disabled: connect failed", "error", err)
		} else {
			defer conn.Close()
			broadcaster := eventbus.NewNATSBroadcaster(conn, "agentmesh.events")
			broadcaster.Forwarding(asyncBus)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	asyncBus.Start(ctx)
	defer asyncBus.Stop()

	identities := identity.New(mc)
	scores := reward.New(mc, cfg.RewardHalfLife, cfg.RewardRingBufferSize, cfg.RevocationThreshold, cfg.RevocationHysteresis)
	auditLog := audit.New(mc)
	policyEngine := policy.New(mc, cfg.PolicyRuleCacheTTL)
	limiter := ratelimit.New(mc, cfg.GlobalRate, cfg.GlobalCapacity, cfg.PerAgentRate, cfg.PerAgentCapacity, cfg.BackpressureThreshold)
	credentials := credential.New(mc, identities)
	handshakes := handshake.New(mc, identities, scores, cfg.HandshakeCacheTTL, cfg.HandshakeFailureTTL, cfg.HandshakeNonceSkew)

	// Auto-revocation (spec section 4.6): once the reward engine's latch
	// trips, the agent must actually be revoked through C2/C3, not just
	// flagged in the score, and any cached handshake result for it must
	// stop being served.
	scores.RegisterRevocationCallback(func(did models.AgentDID, reason string) {
		if err := identities.Revoke(did, reason, "reward-engine", nil); err != nil {
			logger.Error("auto-revocation: identity revoke failed", "agent_did", did, "error", err)
		}
		credentials.RevokeAllForAgent(did)
		handshakes.InvalidateCache(did)
		logger.Warn("agent auto-revoked", "agent_did", did, "reason", reason)
	})

	deps := httpapi.Deps{
		Registry: services.NewAgentRegistry(identities, scores),
		Rewards:  services.NewRewardService(mc, scores),
		AuditLog: services.NewAuditService(mc, auditLog),
		Policy:   policyEngine,
		Limiter:  limiter,
	}

	router := httpapi.NewRouter(mc, cfg, deps)
	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/v1/analytics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(analytics.Snapshot())
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting agentmeshd", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down agentmeshd")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("agentmeshd exited gracefully")
}
