// Package delegation implements scope chains: cryptographically-linked,
// depth-bounded capability narrowing across multi-hop agent-to-agent
// handoffs (spec section 4.4).
package delegation

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/agentmesh/core/internal/identity"
	"github.com/agentmesh/core/internal/meshcrypto"
	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/meshkind"
	"github.com/agentmesh/core/internal/models"
)

// DefaultMaxDepth is the default bound on chain length (spec section 3).
const DefaultMaxDepth = 5

// CanonicalLinkBytes returns the deterministic byte sequence a link's
// hash and signature are computed over (spec section 6):
// "{depth}|{parent_did}|{child_did}|{sorted,comma-joined delegated}|{previous_link_hash}".
func CanonicalLinkBytes(depth int, parentDID, childDID models.AgentDID, delegated []string, previousHash string) []byte {
	sorted := append([]string(nil), delegated...)
	sort.Strings(sorted)
	s := fmt.Sprintf("%d|%s|%s|%s|%s", depth, parentDID, childDID, strings.Join(sorted, ","), previousHash)
	return []byte(s)
}

// LinkHash computes the link_hash for the given link fields.
func LinkHash(depth int, parentDID, childDID models.AgentDID, delegated []string, previousHash string) string {
	return meshcrypto.SHA256Hex(CanonicalLinkBytes(depth, parentDID, childDID, delegated, previousHash))
}

// Builder constructs and verifies scope chains against an identity store
// for public-key lookups (spec section 4.4, "looked up via the identity
// store").
type Builder struct {
	identities *identity.Store
	mc         *meshctx.MeshContext
}

// New builds a chain Builder.
func New(mc *meshctx.MeshContext, identities *identity.Store) *Builder {
	return &Builder{identities: identities, mc: mc}
}

// CreateRoot establishes a new scope chain rooted at rootDID with the
// given sponsor-granted capabilities. The root link is self-referential
// (parent == child == rootDID) and has no previous link hash.
func (b *Builder) CreateRoot(sponsorEmail string, rootDID models.AgentDID, capabilities []string, rootPriv ed25519.PrivateKey) (*models.ScopeChain, error) {
	if sponsorEmail == "" {
		return nil, meshkind.New(meshkind.Delegation, "root_sponsor_email must not be empty")
	}

	hash := LinkHash(0, rootDID, rootDID, capabilities, "")
	sig := meshcrypto.Sign(rootPriv, CanonicalLinkBytes(0, rootDID, rootDID, capabilities, ""))

	rootLink := models.DelegationLink{
		LinkID:                uuid.New().String(),
		Depth:                 0,
		ParentDID:             rootDID,
		ChildDID:              rootDID,
		ParentCapabilities:    capabilities,
		DelegatedCapabilities: capabilities,
		ParentSignature:       meshcrypto.B64URLEncode(sig),
		LinkHash:              hash,
		PreviousLinkHash:      "",
		CreatedAt:             b.mc.Clock.Now(),
	}

	chain := &models.ScopeChain{
		ChainID:          uuid.New().String(),
		RootSponsorEmail: sponsorEmail,
		RootCapabilities: capabilities,
		LeafDID:          rootDID,
		LeafCapabilities: capabilities,
		MaxDepth:         DefaultMaxDepth,
		Links:            []models.DelegationLink{rootLink},
	}
	return chain, nil
}

// AddLink appends a delegation from the chain's current leaf to a new
// child, narrowing capabilities. It enforces all five invariants from
// spec section 3 and raises a DelegationDepthError when the chain is
// already at max_depth.
func (b *Builder) AddLink(chain *models.ScopeChain, childDID models.AgentDID, delegated []string, parentPriv ed25519.PrivateKey) error {
	if len(chain.Links) == 0 {
		return meshkind.New(meshkind.Delegation, "chain has no root link")
	}
	if len(chain.Links) >= chain.MaxDepth {
		return meshkind.New(meshkind.DelegDepth, "chain already at max_depth")
	}

	prev := chain.Links[len(chain.Links)-1]
	if !isSubset(delegated, prev.DelegatedCapabilities) {
		return meshkind.New(meshkind.Delegation, "delegated capabilities are not a subset of parent capabilities")
	}

	depth := prev.Depth + 1
	parentDID := prev.ChildDID
	hash := LinkHash(depth, parentDID, childDID, delegated, prev.LinkHash)
	sig := meshcrypto.Sign(parentPriv, CanonicalLinkBytes(depth, parentDID, childDID, delegated, prev.LinkHash))

	link := models.DelegationLink{
		LinkID:                uuid.New().String(),
		Depth:                 depth,
		ParentDID:             parentDID,
		ChildDID:              childDID,
		ParentCapabilities:    prev.DelegatedCapabilities,
		DelegatedCapabilities: delegated,
		ParentSignature:       meshcrypto.B64URLEncode(sig),
		LinkHash:              hash,
		PreviousLinkHash:      prev.LinkHash,
		CreatedAt:             b.mc.Clock.Now(),
	}

	chain.Links = append(chain.Links, link)
	chain.LeafDID = childDID
	chain.LeafCapabilities = delegated
	return nil
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

// Verify walks the chain recomputing each link_hash, checking narrowing,
// previous-hash linkage, signature validity against the parent's public
// key, and the depth bound. Expired links make the chain invalid at
// query time without mutating stored state (spec section 4.4).
func (b *Builder) Verify(chain *models.ScopeChain) (bool, string) {
	if len(chain.Links) == 0 {
		return false, "chain has no links"
	}
	if len(chain.Links) > chain.MaxDepth {
		return false, "chain exceeds max_depth"
	}

	now := b.mc.Clock.Now()
	for i, link := range chain.Links {
		if link.Depth != i {
			return false, fmt.Sprintf("link %d has wrong depth %d", i, link.Depth)
		}
		if i > 0 {
			prev := chain.Links[i-1]
			if link.ParentDID != prev.ChildDID {
				return false, fmt.Sprintf("link %d parent_did does not match link %d child_did", i, i-1)
			}
			if !isSubset(link.DelegatedCapabilities, prev.DelegatedCapabilities) {
				return false, fmt.Sprintf("link %d widens capabilities beyond link %d", i, i-1)
			}
			if link.PreviousLinkHash != prev.LinkHash {
				return false, fmt.Sprintf("link %d previous_link_hash does not match link %d link_hash", i, i-1)
			}
		} else {
			if link.PreviousLinkHash != "" {
				return false, "root link must have empty previous_link_hash"
			}
		}

		wantHash := LinkHash(link.Depth, link.ParentDID, link.ChildDID, link.DelegatedCapabilities, link.PreviousLinkHash)
		if wantHash != link.LinkHash {
			return false, fmt.Sprintf("link %d hash mismatch", i)
		}

		if link.ExpiresAt != nil && !link.ExpiresAt.After(now) {
			return false, fmt.Sprintf("link %d has expired", i)
		}

		if b.identities != nil {
			parent, ok := b.identities.Get(link.ParentDID)
			if !ok {
				return false, fmt.Sprintf("link %d parent DID not found in identity store", i)
			}
			pubBytes, err := meshcrypto.B64URLDecode(parent.PublicKey)
			if err != nil {
				return false, fmt.Sprintf("link %d parent public key undecodable", i)
			}
			sig, err := meshcrypto.B64URLDecode(link.ParentSignature)
			if err != nil {
				return false, fmt.Sprintf("link %d signature undecodable", i)
			}
			msg := CanonicalLinkBytes(link.Depth, link.ParentDID, link.ChildDID, link.DelegatedCapabilities, link.PreviousLinkHash)
			if !meshcrypto.Verify(ed25519.PublicKey(pubBytes), msg, sig) {
				return false, fmt.Sprintf("link %d signature invalid", i)
			}
		}
	}
	return true, ""
}

// GetEffectiveCapabilities returns the leaf link's delegated capabilities.
func GetEffectiveCapabilities(chain *models.ScopeChain) []string {
	if len(chain.Links) == 0 {
		return nil
	}
	return chain.Links[len(chain.Links)-1].DelegatedCapabilities
}

// TraceCapability returns the sequence of links through which cap
// survived, from root to the point it either disappears or reaches the
// leaf.
func TraceCapability(chain *models.ScopeChain, cap string) []models.DelegationLink {
	var trace []models.DelegationLink
	for _, link := range chain.Links {
		held := false
		for _, c := range link.DelegatedCapabilities {
			if c == cap {
				held = true
				break
			}
		}
		if !held {
			break
		}
		trace = append(trace, link)
	}
	return trace
}
