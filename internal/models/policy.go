package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Condition operators (spec section 3 / section 6).
const (
	OpEq     = "eq"
	OpNe     = "ne"
	OpGt     = "gt"
	OpGte    = "gte"
	OpLt     = "lt"
	OpLte    = "lte"
	OpIn     = "in"
	OpNotIn  = "not_in"
	OpMatches = "matches"
)

// Rule actions (spec section 3).
const (
	ActionAllow           = "allow"
	ActionDeny            = "deny"
	ActionWarn            = "warn"
	ActionRequireApproval = "require_approval"
)

// PolicyCondition is a dot-notated field path, an operator, and a literal.
type PolicyCondition struct {
	Field    string      `json:"field" yaml:"field" validate:"required"`
	Operator string      `json:"operator" yaml:"operator" validate:"required,oneof=eq ne gt gte lt lte in not_in matches"`
	Value    interface{} `json:"value" yaml:"value"`
}

// PolicyRule is one rule within a Policy.
type PolicyRule struct {
	Name        string          `json:"name" yaml:"name" validate:"required"`
	Priority    int             `json:"priority" yaml:"priority"`
	Condition   PolicyCondition `json:"condition" yaml:"condition" validate:"required"`
	Action      string          `json:"action" yaml:"action" validate:"required,oneof=allow deny warn require_approval"`
	Disabled    bool            `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
}

// PolicyDefaults are applied when no rule matches (spec section 4.7).
type PolicyDefaults struct {
	MinTrustScore      float64  `json:"min_trust_score" yaml:"min_trust_score"`
	MaxDelegationDepth int      `json:"max_delegation_depth" yaml:"max_delegation_depth"`
	AllowedNamespaces  []string `json:"allowed_namespaces" yaml:"allowed_namespaces"`
	RequireHandshake   bool     `json:"require_handshake" yaml:"require_handshake"`
}

// Policy is a named, versioned bag of rules targeting a set of agents
// (explicit DID list, or "*" for all).
type Policy struct {
	Name        string         `json:"name" yaml:"name" validate:"required"`
	Version     string         `json:"version" yaml:"version" validate:"required"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Agents      []string       `json:"agents" yaml:"agents"`
	Rules       []PolicyRule   `json:"rules" yaml:"rules"`
	Defaults    PolicyDefaults `json:"defaults" yaml:"defaults"`
}

// Validate checks struct-tag constraints on the policy and every rule.
func (p *Policy) Validate() error {
	v := validator.New()
	if err := v.Struct(p); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	for i := range p.Rules {
		if err := v.Struct(&p.Rules[i]); err != nil {
			return fmt.Errorf("rule %q invalid: %w", p.Rules[i].Name, err)
		}
	}
	return nil
}

// TargetsAgent reports whether this policy applies to did: explicit
// membership in Agents, or a "*" wildcard entry.
func (p *Policy) TargetsAgent(did string) bool {
	for _, a := range p.Agents {
		if a == "*" || a == did {
			return true
		}
	}
	return false
}

func (p *Policy) ToJSON() ([]byte, error) { return json.Marshal(p) }

// PolicyFromJSON parses a Policy from JSON.
func PolicyFromJSON(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return &p, nil
}

// PolicyDecision is the outcome of evaluating a policy set against a
// request context (spec section 4.7).
type PolicyDecision struct {
	Allowed     bool   `json:"allowed"`
	Action      string `json:"action"`
	PolicyName  string `json:"policy_name,omitempty"`
	MatchedRule string `json:"matched_rule,omitempty"`
	Reason      string `json:"reason"`
}

func (d *PolicyDecision) ToJSON() ([]byte, error) { return json.Marshal(d) }

// OPADecision is the result of consulting an optional Rego-style adapter,
// consulted only when no DSL rule matched (spec section 4.7).
type OPADecision struct {
	Allowed       bool    `json:"allowed"`
	Error         string  `json:"error,omitempty"`
	Source        string  `json:"source"`
	EvaluationMS  float64 `json:"evaluation_ms"`
}

// AuditOutcome values (spec section 3, AuditEntry).
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
	OutcomePartial = "partial"
)

// AuditEntry is one event in the hash-chained audit log.
type AuditEntry struct {
	EntryID        string                 `json:"entry_id"`
	Timestamp      string                 `json:"timestamp"`
	EventType      string                 `json:"event_type"`
	AgentDID       string                 `json:"agent_did"`
	Action         string                 `json:"action"`
	Resource       string                 `json:"resource,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Outcome        string                 `json:"outcome" validate:"required,oneof=success failure denied partial"`
	PolicyDecision *PolicyDecision        `json:"policy_decision,omitempty"`
	PreviousHash   string                 `json:"previous_hash"`
	EntryHash      string                 `json:"entry_hash,omitempty"`
}

func (e *AuditEntry) Validate() error {
	v := validator.New()
	return v.Struct(e)
}

func (e *AuditEntry) ToJSON() ([]byte, error) { return json.Marshal(e) }

// AuditEntryFromJSON parses an AuditEntry from JSON.
func AuditEntryFromJSON(data []byte) (*AuditEntry, error) {
	var e AuditEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse audit entry JSON: %w", err)
	}
	return &e, nil
}

// MerkleProofStep is one (sibling_hash, position) pair from leaf to root.
type MerkleProofStep struct {
	SiblingHash string `json:"sibling_hash"`
	IsLeft      bool   `json:"is_left"`
}

// MerkleProof is the full membership proof for one leaf.
type MerkleProof struct {
	LeafHash   string            `json:"leaf_hash"`
	RootHash   string            `json:"root_hash"`
	Path       []MerkleProofStep `json:"path"`
	LeafIndex  int               `json:"leaf_index"`
	LeafCount  int               `json:"leaf_count"`
}
