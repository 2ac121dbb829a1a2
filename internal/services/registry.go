// Package services composes the lower-level identity, reward and audit
// engines into the facades a transport layer actually calls, mirroring the
// teacher's internal/services composition role.
package services

import (
	"sort"

	"github.com/agentmesh/core/internal/identity"
	"github.com/agentmesh/core/internal/models"
	"github.com/agentmesh/core/internal/reward"
)

// AgentRegistry composes identity.Store and reward.Engine into the
// read/write surface a transport handler or CLI needs: registration,
// status queries, and aggregate trust statistics.
type AgentRegistry struct {
	identities *identity.Store
	scores     *reward.Engine
}

// NewAgentRegistry builds an AgentRegistry over an identity store and a
// reward engine.
func NewAgentRegistry(identities *identity.Store, scores *reward.Engine) *AgentRegistry {
	return &AgentRegistry{identities: identities, scores: scores}
}

// Register creates a new agent identity.
func (r *AgentRegistry) Register(name, sponsorEmail, org string, capabilities []string) (*models.AgentIdentity, error) {
	return r.identities.Create(name, sponsorEmail, org, capabilities)
}

// Get returns the identity for did, if any.
func (r *AgentRegistry) Get(did models.AgentDID) (*models.AgentIdentity, bool) {
	return r.identities.Get(did)
}

// List returns every identity with the given status, or every identity
// when status is empty.
func (r *AgentRegistry) List(status string) []*models.AgentIdentity {
	return r.identities.List(status)
}

// CountByStatus mirrors the source's AgentRegistry.count_agents: the
// number of identities matching status, or the total when status is
// empty.
func (r *AgentRegistry) CountByStatus(status string) int {
	return len(r.identities.List(status))
}

// TrustStatistics aggregates trust-score data across every registered
// agent: total count, average/min/max score, and tier distribution,
// ported from original_source's AgentRegistry.get_trust_statistics.
type TrustStatistics struct {
	TotalAgents        int            `json:"total_agents"`
	AverageTrustScore  float64        `json:"average_trust_score"`
	MinTrustScore      float64        `json:"min_trust_score,omitempty"`
	MaxTrustScore      float64        `json:"max_trust_score,omitempty"`
	TierDistribution   map[string]int `json:"tier_distribution"`
}

// TrustStatistics computes aggregate trust statistics over every agent
// the registry currently knows about, regardless of status.
func (r *AgentRegistry) TrustStatistics() TrustStatistics {
	agents := r.identities.List("")
	if len(agents) == 0 {
		return TrustStatistics{TierDistribution: map[string]int{}}
	}

	scores := make([]float64, 0, len(agents))
	tiers := make(map[string]int)
	for _, a := range agents {
		ts, ok := r.scores.TrustScoreOf(a.DID)
		var score float64
		var tier string
		if ok {
			score = ts.TotalScore
			tier = ts.Tier
		} else {
			tier = models.TierForScore(0)
		}
		scores = append(scores, score)
		tiers[tier]++
	}

	sort.Float64s(scores)
	var sum float64
	for _, s := range scores {
		sum += s
	}

	return TrustStatistics{
		TotalAgents:       len(agents),
		AverageTrustScore: sum / float64(len(scores)),
		MinTrustScore:     scores[0],
		MaxTrustScore:     scores[len(scores)-1],
		TierDistribution:  tiers,
	}
}
