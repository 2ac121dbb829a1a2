package services

import (
	"github.com/agentmesh/core/internal/audit"
	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/models"
)

// AuditService is the facade transport handlers call to record and
// query audit events, wrapping audit.Log the way the teacher's
// AuditLogger wraps its AuditStorage: named Log* helpers per event kind
// plus read paths for the HTTP surface, adapted here from a mock-backed
// storage interface to the real hash-chained log.
type AuditService struct {
	log *audit.Log
	mc  *meshctx.MeshContext
}

// NewAuditService wraps log for facade-level use.
func NewAuditService(mc *meshctx.MeshContext, log *audit.Log) *AuditService {
	return &AuditService{log: log, mc: mc}
}

// LogPolicyEvaluation records the outcome of a policy decision against
// an agent, mirroring the teacher's LogPolicyEvaluation.
func (s *AuditService) LogPolicyEvaluation(agentDID, action string, decision *models.PolicyDecision) (*models.AuditEntry, error) {
	outcome := "denied"
	if decision.Allowed {
		outcome = "success"
	}
	return s.log.Append(models.AuditEntry{
		EventType:      "policy.evaluated",
		AgentDID:       agentDID,
		Action:         action,
		Outcome:        outcome,
		PolicyDecision: decision,
	})
}

// LogHandshakeResult records the outcome of a trust handshake.
func (s *AuditService) LogHandshakeResult(agentDID string, result *models.HandshakeResult) (*models.AuditEntry, error) {
	outcome := "failure"
	if result.Verified {
		outcome = "success"
	}
	return s.log.Append(models.AuditEntry{
		EventType: "handshake.completed",
		AgentDID:  agentDID,
		Action:    "handshake",
		Outcome:   outcome,
		Data: map[string]interface{}{
			"trust_score": result.TrustScore,
			"reason":      result.RejectionReason,
		},
	})
}

// LogCredentialEvent records a credential lifecycle transition (issue,
// revoke, rotate).
func (s *AuditService) LogCredentialEvent(agentDID, action, credentialID string, outcome string) (*models.AuditEntry, error) {
	return s.log.Append(models.AuditEntry{
		EventType: "credential." + action,
		AgentDID:  agentDID,
		Action:    action,
		Outcome:   outcome,
		Resource:  credentialID,
	})
}

// AuditStats summarizes the chain for operational dashboards, mirroring
// the teacher's GetAuditStats.
type AuditStats struct {
	TotalEntries int    `json:"total_entries"`
	ChainValid   bool   `json:"chain_valid"`
	BrokenAt     string `json:"broken_at,omitempty"`
	MerkleRoot   string `json:"merkle_root"`
}

// Stats computes AuditStats by walking the full chain.
func (s *AuditService) Stats() AuditStats {
	result := s.log.VerifyChain()
	entries := s.log.Entries("", "")
	return AuditStats{
		TotalEntries: len(entries),
		ChainValid:   result.Valid,
		BrokenAt:     result.BrokenAt,
		MerkleRoot:   s.log.MerkleRoot(),
	}
}

// Entries returns every entry matching the given agent/event-type
// filters (either may be empty to mean "any").
func (s *AuditService) Entries(agentDID, eventType string) []*models.AuditEntry {
	return s.log.Entries(agentDID, eventType)
}

// Get returns the entry with the given ID, if any.
func (s *AuditService) Get(entryID string) (*models.AuditEntry, bool) {
	return s.log.Get(entryID)
}

// ProofFor returns the Merkle membership proof for an entry.
func (s *AuditService) ProofFor(entryID string) (*models.MerkleProof, error) {
	return s.log.MerkleProofFor(entryID)
}
