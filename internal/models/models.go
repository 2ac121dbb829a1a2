// Package models holds the wire types shared across every AgentMesh
// engine: identities, credentials, delegation links, trust scores, and
// the structured errors returned at API boundaries.
package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

var didPattern = regexp.MustCompile(`^did:mesh:[0-9a-f]{32}$`)

// AgentDID is a decentralized identifier of shape did:mesh:<32-hex>.
type AgentDID string

// Valid reports whether d has the shape did:mesh:[0-9a-f]{32}.
func (d AgentDID) Valid() bool {
	return didPattern.MatchString(string(d))
}

func (d AgentDID) String() string { return string(d) }

// Identity status values (spec section 3, AgentIdentity).
const (
	StatusActive   = "active"
	StatusSuspended = "suspended"
	StatusRevoked  = "revoked"
)

// AgentIdentity is the registered record for one agent.
type AgentIdentity struct {
	DID             AgentDID  `json:"did" validate:"required"`
	Name            string    `json:"name" validate:"required,min=1"`
	PublicKey       string    `json:"public_key" validate:"required"`
	PrivateKey      string    `json:"private_key,omitempty" validate:"omitempty"`
	SponsorEmail    string    `json:"sponsor_email" validate:"required,email"`
	Organization    string    `json:"organization,omitempty"`
	Capabilities    []string  `json:"capabilities"`
	ParentDID       AgentDID  `json:"parent_did,omitempty"`
	DelegationDepth int       `json:"delegation_depth" validate:"min=0"`
	Status          string    `json:"status" validate:"required,oneof=active suspended revoked"`
	CreatedAt       time.Time `json:"created_at" validate:"required"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Validate checks struct-tag constraints plus the cross-field invariants
// from spec section 3: expires_at, if set, must be strictly after
// created_at, and parent_did, if set, must have DID shape.
func (a *AgentIdentity) Validate() error {
	v := validator.New()
	if err := v.Struct(a); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if !a.DID.Valid() {
		return fmt.Errorf("invalid did format")
	}
	if a.ParentDID != "" && !a.ParentDID.Valid() {
		return fmt.Errorf("invalid parent_did format")
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(a.CreatedAt) {
		return fmt.Errorf("expires_at must be strictly after created_at")
	}
	return nil
}

// IsActive reports whether the identity is usable right now: status=active
// and (no expiry or expiry in the future).
func (a *AgentIdentity) IsActive(now time.Time) bool {
	if a.Status != StatusActive {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return false
	}
	return true
}

// ToJSON marshals the identity, omitting the private key unless
// includePrivate is set (spec section 4.1, "no private material is
// emitted unless include_private=true is explicitly set").
func (a *AgentIdentity) ToJSON(includePrivate bool) ([]byte, error) {
	if includePrivate {
		return json.Marshal(a)
	}
	pub := *a
	pub.PrivateKey = ""
	return json.Marshal(&pub)
}

// IdentityFromJSON parses an AgentIdentity from JSON.
func IdentityFromJSON(data []byte) (*AgentIdentity, error) {
	var id AgentIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to parse identity JSON: %w", err)
	}
	return &id, nil
}

// Credential status values (spec section 3).
const (
	CredentialActive  = "active"
	CredentialExpired = "expired"
	CredentialRevoked = "revoked"
)

// Credential is a short-lived bearer token scoped to a subset of its
// owning agent's capabilities.
type Credential struct {
	CredentialID string    `json:"credential_id" validate:"required"`
	AgentDID     AgentDID  `json:"agent_did" validate:"required"`
	Token        string    `json:"token" validate:"required"`
	IssuedAt     time.Time `json:"issued_at" validate:"required"`
	ExpiresAt    time.Time `json:"expires_at" validate:"required"`
	Status       string    `json:"status" validate:"required,oneof=active expired revoked"`
	Scopes       []string  `json:"scopes"`
}

// IsValid reports status=active AND now < expires_at.
func (c *Credential) IsValid(now time.Time) bool {
	return c.Status == CredentialActive && now.Before(c.ExpiresAt)
}

// IsExpiringSoon reports whether the credential expires within threshold
// of now, for proactive rotation (spec section 4.3).
func (c *Credential) IsExpiringSoon(now time.Time, threshold time.Duration) bool {
	return c.ExpiresAt.Sub(now) <= threshold
}

func (c *Credential) ToJSON() ([]byte, error) { return json.Marshal(c) }

// CredentialFromJSON parses a Credential from JSON.
func CredentialFromJSON(data []byte) (*Credential, error) {
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credential JSON: %w", err)
	}
	return &cred, nil
}

// DelegationLink is one hop of a capability-narrowing scope chain.
type DelegationLink struct {
	LinkID                string    `json:"link_id" validate:"required"`
	Depth                 int       `json:"depth" validate:"min=0"`
	ParentDID             AgentDID  `json:"parent_did" validate:"required"`
	ChildDID              AgentDID  `json:"child_did" validate:"required"`
	ParentCapabilities    []string  `json:"parent_capabilities"`
	DelegatedCapabilities []string  `json:"delegated_capabilities"`
	ParentSignature       string    `json:"parent_signature" validate:"required"`
	LinkHash              string    `json:"link_hash" validate:"required"`
	PreviousLinkHash      string    `json:"previous_link_hash,omitempty"`
	CreatedAt             time.Time `json:"created_at" validate:"required"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
}

func (l *DelegationLink) Validate() error {
	v := validator.New()
	if err := v.Struct(l); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ScopeChain is the ordered list of delegation links from a root sponsor
// down to a leaf agent.
type ScopeChain struct {
	ChainID          string           `json:"chain_id" validate:"required"`
	RootSponsorEmail string           `json:"root_sponsor_email" validate:"required,email"`
	RootCapabilities []string         `json:"root_capabilities"`
	LeafDID          AgentDID         `json:"leaf_did"`
	LeafCapabilities []string         `json:"leaf_capabilities"`
	MaxDepth         int              `json:"max_depth" validate:"min=1"`
	Links            []DelegationLink `json:"links"`
}

func (s *ScopeChain) ToJSON() ([]byte, error) { return json.Marshal(s) }

// ScopeChainFromJSON parses a ScopeChain from JSON.
func ScopeChainFromJSON(data []byte) (*ScopeChain, error) {
	var chain ScopeChain
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("failed to parse scope chain JSON: %w", err)
	}
	return &chain, nil
}

// Trust tiers (spec section 3, pure function of total_score).
const (
	TierVerifiedPartner = "verified_partner"
	TierTrusted         = "trusted"
	TierStandard        = "standard"
	TierProbationary    = "probationary"
	TierUntrusted       = "untrusted"
)

// TierForScore assigns a tier purely from the total score.
func TierForScore(total float64) string {
	switch {
	case total >= 900:
		return TierVerifiedPartner
	case total >= 700:
		return TierTrusted
	case total >= 500:
		return TierStandard
	case total >= 300:
		return TierProbationary
	default:
		return TierUntrusted
	}
}

// Reward dimensions (spec section 4.6 / GLOSSARY).
const (
	DimensionCompetence    = "competence"
	DimensionIntegrity     = "integrity"
	DimensionAvailability  = "availability"
	DimensionPredictability = "predictability"
	DimensionTransparency  = "transparency"
	DimensionSecurity      = "security_posture"
	DimensionCollaboration = "collaboration_health"
)

// DimensionScore tracks one reward dimension's EMA and signal counters.
type DimensionScore struct {
	Score           float64 `json:"score"`
	SignalCount     int     `json:"signal_count"`
	PositiveSignals int     `json:"positive_signals"`
	NegativeSignals int     `json:"negative_signals"`
}

// TrustScore is an agent's composite reputation.
type TrustScore struct {
	AgentDID    AgentDID                  `json:"agent_did"`
	TotalScore  float64                   `json:"total_score"`
	Dimensions  map[string]DimensionScore `json:"dimensions"`
	Tier        string                    `json:"tier"`
	LastUpdated time.Time                 `json:"last_updated"`
}

func (t *TrustScore) ToJSON() ([]byte, error) { return json.Marshal(t) }

// RewardSignal is one observed outcome feeding a dimension's EMA.
type RewardSignal struct {
	AgentDID  AgentDID  `json:"agent_did" validate:"required"`
	Dimension string    `json:"dimension" validate:"required"`
	Value     float64   `json:"value" validate:"min=0,max=1"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *RewardSignal) Validate() error {
	v := validator.New()
	if err := v.Struct(r); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Challenge is the initiator's half of a trust handshake.
type Challenge struct {
	ChallengeID      string    `json:"challenge_id"`
	Nonce            string    `json:"nonce"`
	Timestamp        time.Time `json:"timestamp"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
}

// HandshakeResult is the outcome of a completed (or failed) handshake.
type HandshakeResult struct {
	Verified        bool      `json:"verified"`
	PeerDID         AgentDID  `json:"peer_did"`
	TrustScore      float64   `json:"trust_score"`
	Capabilities    []string  `json:"capabilities"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	LatencyMS       int64     `json:"latency_ms"`
	CompletedAt     time.Time `json:"completed_at"`
}

func (h *HandshakeResult) ToJSON() ([]byte, error) { return json.Marshal(h) }

// RateLimitResult is the outcome of a rate limiter admission check.
type RateLimitResult struct {
	Allowed           bool    `json:"allowed"`
	RemainingTokens   float64 `json:"remaining_tokens"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
	Backpressure      bool    `json:"backpressure"`
}

// Error is a structured, kind-tagged error response returned at API
// boundaries — never a stack trace (spec section 7).
type Error struct {
	Code      string                 `json:"code" validate:"required"`
	Message   string                 `json:"message" validate:"required"`
	Timestamp string                 `json:"timestamp" validate:"required"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewError creates a new structured error stamped with now, so callers
// thread MeshContext.Clock through rather than reaching for the wall
// clock directly (spec section 9).
func NewError(code, message, requestID string, now time.Time) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: now.UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
}

func (e *Error) ToJSON() ([]byte, error) { return json.Marshal(e) }

// HealthStatus reports service liveness for the health endpoint.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (h *HealthStatus) ToJSON() ([]byte, error) { return json.Marshal(h) }
