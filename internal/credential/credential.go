// Package credential implements the AgentMesh credential manager: issue,
// validate, revoke, and rotate short-lived bearer tokens scoped to a
// subset of their owning agent's capabilities (spec section 4.3).
package credential

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/core/internal/identity"
	"github.com/agentmesh/core/internal/meshcrypto"
	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/meshkind"
	"github.com/agentmesh/core/internal/models"
)

// DefaultTTL is the default credential lifetime (spec section 4.3).
const DefaultTTL = 15 * time.Minute

// tokenEntropyBytes yields >=128 bits of entropy once base64url encoded.
const tokenEntropyBytes = 20

// Manager issues and tracks credentials, indexed by both token and
// credential ID.
type Manager struct {
	mu         sync.RWMutex
	byID       map[string]*models.Credential
	byToken    map[string]*models.Credential
	identities *identity.Store
	mc         *meshctx.MeshContext
}

// New builds a credential manager. identities is used to validate that
// requested scopes are a subset of the owning agent's capabilities; it
// may be nil to skip that check (e.g. in isolated unit tests).
func New(mc *meshctx.MeshContext, identities *identity.Store) *Manager {
	return &Manager{
		byID:       make(map[string]*models.Credential),
		byToken:    make(map[string]*models.Credential),
		identities: identities,
		mc:         mc,
	}
}

func isSubset(subset, superset []string) bool {
	allowed := make(map[string]struct{}, len(superset))
	for _, c := range superset {
		allowed[c] = struct{}{}
	}
	for _, c := range subset {
		if _, ok := allowed[c]; !ok {
			return false
		}
	}
	return true
}

// IssueDefault issues a credential with the default TTL and no scopes,
// for callers that don't need fine control.
func (m *Manager) IssueDefault(did models.AgentDID) (*models.Credential, error) {
	return m.Issue(did, DefaultTTL, nil)
}

// Issue creates a new credential for did with an explicit ttl. A ttl of
// exactly zero is honored literally and produces a credential that is
// invalid immediately after issue (spec section 8); callers wanting the
// default lifetime should pass DefaultTTL or use IssueDefault.
func (m *Manager) Issue(did models.AgentDID, ttl time.Duration, scopes []string) (*models.Credential, error) {
	if ttl < 0 {
		return nil, meshkind.New(meshkind.Credential, "ttl must not be negative")
	}

	if m.identities != nil {
		owner, ok := m.identities.Get(did)
		if !ok {
			return nil, meshkind.New(meshkind.Credential, "unknown agent DID: "+string(did))
		}
		if !isSubset(scopes, owner.Capabilities) {
			return nil, meshkind.New(meshkind.Credential, "requested scopes exceed owner capabilities")
		}
	}

	tokenBytes := make([]byte, tokenEntropyBytes)
	if _, err := m.mc.RNG.Read(tokenBytes); err != nil {
		return nil, meshkind.Wrap(meshkind.Credential, "failed to generate token", err)
	}

	now := m.mc.Clock.Now()
	cred := &models.Credential{
		CredentialID: uuid.New().String(),
		AgentDID:     did,
		Token:        meshcrypto.B64URLEncode(tokenBytes),
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		Status:       models.CredentialActive,
		Scopes:       scopes,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[cred.CredentialID] = cred
	m.byToken[cred.Token] = cred
	return cred, nil
}

// Validate returns the credential for token if it is known, active, and
// unexpired; otherwise it returns (nil, false) without distinguishing the
// reason, per spec section 4.3.
func (m *Manager) Validate(token string) (*models.Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.byToken[token]
	if !ok {
		return nil, false
	}
	if !cred.IsValid(m.mc.Clock.Now()) {
		return nil, false
	}
	return cred, true
}

// Revoke marks a credential revoked by ID.
func (m *Manager) Revoke(credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.byID[credentialID]
	if !ok {
		return meshkind.New(meshkind.Credential, "unknown credential ID: "+credentialID)
	}
	cred.Status = models.CredentialRevoked
	return nil
}

// RevokeAllForAgent revokes every non-revoked credential owned by did, for
// callers that only know the agent (e.g. the reward engine's
// auto-revocation hook, spec section 4.6 "(iii) marks the agent as
// revoked through C2/C3").
func (m *Manager) RevokeAllForAgent(did models.AgentDID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cred := range m.byID {
		if cred.AgentDID == did && cred.Status != models.CredentialRevoked {
			cred.Status = models.CredentialRevoked
		}
	}
}

// Rotate issues a new credential with the same owner and scopes as
// credentialID, then revokes the old one — issue-then-revoke, in that
// order, to preserve liveness (spec section 3).
func (m *Manager) Rotate(credentialID string) (*models.Credential, error) {
	m.mu.RLock()
	old, ok := m.byID[credentialID]
	m.mu.RUnlock()
	if !ok {
		return nil, meshkind.New(meshkind.Credential, "unknown credential ID: "+credentialID)
	}

	ttl := old.ExpiresAt.Sub(old.IssuedAt)
	next, err := m.Issue(old.AgentDID, ttl, old.Scopes)
	if err != nil {
		return nil, err
	}
	if err := m.Revoke(credentialID); err != nil {
		return nil, err
	}
	return next, nil
}

// IsExpiringSoon reports whether credentialID is within threshold of
// expiry, for proactive rotation.
func (m *Manager) IsExpiringSoon(credentialID string, threshold time.Duration) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.byID[credentialID]
	if !ok {
		return false, meshkind.New(meshkind.Credential, "unknown credential ID: "+credentialID)
	}
	return cred.IsExpiringSoon(m.mc.Clock.Now(), threshold), nil
}
