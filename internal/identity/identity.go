// Package identity implements the AgentMesh identity store: DID
// derivation, identity records, and a revocation list (spec section 4.2).
package identity

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/core/internal/meshcrypto"
	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/meshkind"
	"github.com/agentmesh/core/internal/models"
)

// RevocationEntry is one entry in the revocation list, keyed by DID.
type RevocationEntry struct {
	DID       models.AgentDID
	Reason    string
	RevokedBy string
	RevokedAt time.Time
	ExpiresAt *time.Time
}

// active reports whether the revocation is still in force at now.
// Temporary revocations with an expires_at become inactive on expiry; a
// background sweep may prune them but correctness never depends on it
// (spec section 4.2).
func (r *RevocationEntry) active(now time.Time) bool {
	if r.ExpiresAt == nil {
		return true
	}
	return now.Before(*r.ExpiresAt)
}

// Store is the identity registry: create/revoke/get/list over agent
// identities, plus their revocation state. Guarded by a single
// reader-writer lock, matching the per-map locking model of spec
// section 5.
type Store struct {
	mu          sync.RWMutex
	identities  map[models.AgentDID]*models.AgentIdentity
	revocations map[models.AgentDID]*RevocationEntry
	mc          *meshctx.MeshContext
}

// New builds an empty identity store bound to mc for clock and RNG.
func New(mc *meshctx.MeshContext) *Store {
	return &Store{
		identities:  make(map[models.AgentDID]*models.AgentIdentity),
		revocations: make(map[models.AgentDID]*RevocationEntry),
		mc:          mc,
	}
}

// deriveDID computes did:mesh:<32-hex> from the first 32 hex characters
// of SHA-256 over (name, org, salt, timestamp), per spec section 3.
func deriveDID(name, org, salt string, at time.Time) models.AgentDID {
	input := fmt.Sprintf("%s|%s|%s|%d", name, org, salt, at.UnixNano())
	digest := meshcrypto.SHA256Hex([]byte(input))
	return models.AgentDID("did:mesh:" + digest[:32])
}

// Create registers a new identity, generating a fresh Ed25519 keypair and
// deriving its DID. name and sponsorEmail must be non-empty / a valid
// address respectively.
func (s *Store) Create(name, sponsorEmail, org string, capabilities []string) (*models.AgentIdentity, error) {
	if name == "" {
		return nil, meshkind.New(meshkind.Identity, "name must not be empty")
	}
	if sponsorEmail == "" {
		return nil, meshkind.New(meshkind.Identity, "sponsor_email must not be empty")
	}

	pub, priv, err := meshcrypto.GenerateKeypair(s.mc.RNG)
	if err != nil {
		return nil, err
	}

	salt, err := meshcrypto.NewNonce(s.mc.RNG, 16)
	if err != nil {
		return nil, meshkind.Wrap(meshkind.Identity, "failed to generate DID salt", err)
	}

	now := s.mc.Clock.Now()
	did := deriveDID(name, org, salt, now)

	identity := &models.AgentIdentity{
		DID:             did,
		Name:            name,
		PublicKey:       meshcrypto.B64URLEncode(pub),
		PrivateKey:      meshcrypto.B64URLEncode(priv),
		SponsorEmail:    sponsorEmail,
		Organization:    org,
		Capabilities:    capabilities,
		DelegationDepth: 0,
		Status:          models.StatusActive,
		CreatedAt:       now,
	}
	if err := identity.Validate(); err != nil {
		return nil, meshkind.Wrap(meshkind.Identity, "identity validation failed", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[did]; exists {
		return nil, meshkind.New(meshkind.Identity, "DID collision: "+string(did))
	}
	s.identities[did] = identity
	return identity, nil
}

// Revoke marks did as permanently or temporarily revoked. Revocation is
// idempotent: revoking an already-revoked DID simply overwrites the
// revocation entry.
func (s *Store) Revoke(did models.AgentDID, reason, revokedBy string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[did]
	if !ok {
		return meshkind.New(meshkind.Identity, "unknown DID: "+string(did))
	}
	identity.Status = models.StatusRevoked

	s.revocations[did] = &RevocationEntry{
		DID:       did,
		Reason:    reason,
		RevokedBy: revokedBy,
		RevokedAt: s.mc.Clock.Now(),
		ExpiresAt: expiresAt,
	}
	return nil
}

// Get returns the identity for did, if registered.
func (s *Store) Get(did models.AgentDID) (*models.AgentIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[did]
	return identity, ok
}

// IsRevoked reports whether did is currently revoked, re-checking expiry
// at query time so correctness never depends on a background sweep.
func (s *Store) IsRevoked(did models.AgentDID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.revocations[did]
	if !ok {
		return false
	}
	return entry.active(s.mc.Clock.Now())
}

// List returns identities matching status (empty string means any
// status).
func (s *Store) List(status string) []*models.AgentIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AgentIdentity, 0, len(s.identities))
	for _, identity := range s.identities {
		if status != "" && identity.Status != status {
			continue
		}
		out = append(out, identity)
	}
	return out
}

// SweepExpiredRevocations prunes revocation entries whose expires_at has
// passed. This is an optional background maintenance task; IsRevoked
// never depends on it having run.
func (s *Store) SweepExpiredRevocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.mc.Clock.Now()
	pruned := 0
	for did, entry := range s.revocations {
		if !entry.active(now) {
			delete(s.revocations, did)
			pruned++
		}
	}
	return pruned
}
