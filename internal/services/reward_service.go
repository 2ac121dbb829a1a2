package services

import (
	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/models"
	"github.com/agentmesh/core/internal/reward"
)

// RewardService is the facade transport handlers and other engines call
// to post reward signals and read back trust scores, wrapping
// reward.Engine with the agent-facing naming the teacher's service
// layer uses (RecordX / GetX rather than the engine's terser verbs).
type RewardService struct {
	engine *reward.Engine
	mc     *meshctx.MeshContext
}

// NewRewardService wraps engine for facade-level use.
func NewRewardService(mc *meshctx.MeshContext, engine *reward.Engine) *RewardService {
	return &RewardService{engine: engine, mc: mc}
}

// RecordSignal posts one observed outcome, returning the agent's
// updated composite score.
func (s *RewardService) RecordSignal(agentDID models.AgentDID, dimension string, value float64, source string) (*models.TrustScore, error) {
	signal := models.RewardSignal{
		AgentDID:  agentDID,
		Dimension: dimension,
		Value:     value,
		Source:    source,
		Timestamp: s.mc.Clock.Now(),
	}
	return s.engine.RecordSignal(signal)
}

// TrustScoreOf returns the current composite score for an agent.
func (s *RewardService) TrustScoreOf(agentDID models.AgentDID) (*models.TrustScore, bool) {
	return s.engine.TrustScoreOf(agentDID)
}

// CheckRevocation re-evaluates the latch for an agent and returns its
// current score, exposing reward.Engine.CheckRevocation at the facade
// layer for callers that don't otherwise hold the engine.
func (s *RewardService) CheckRevocation(agentDID models.AgentDID) *models.TrustScore {
	return s.engine.CheckRevocation(agentDID)
}

// IsLatched reports whether the agent's score is latched below the
// revocation threshold.
func (s *RewardService) IsLatched(agentDID models.AgentDID) bool {
	return s.engine.IsLatched(agentDID)
}
