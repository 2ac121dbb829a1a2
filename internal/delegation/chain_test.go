package delegation

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/core/internal/identity"
	"github.com/agentmesh/core/internal/meshcrypto"
	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/models"
)

type fixture struct {
	builder *Builder
	store   *identity.Store
}

func newFixture(now time.Time) *fixture {
	mc := meshctx.New(nil).WithClock(meshctx.NewFixedClock(now)).WithRNG(rand.Reader)
	store := identity.New(mc)
	return &fixture{builder: New(mc, store), store: store}
}

func (f *fixture) createAgent(t *testing.T, name string, caps []string) (*models.AgentIdentity, ed25519.PrivateKey) {
	t.Helper()
	id, err := f.store.Create(name, "sponsor@example.com", "acme", caps)
	require.NoError(t, err)
	privBytes, err := meshcrypto.B64URLDecode(id.PrivateKey)
	require.NoError(t, err)
	return id, ed25519.PrivateKey(privBytes)
}

func TestDelegationScenario(t *testing.T) {
	f := newFixture(time.Now().UTC())
	alice, alicePriv := f.createAgent(t, "alice", []string{"read", "write", "execute"})

	chain, err := f.builder.CreateRoot("sponsor@example.com", alice.DID, alice.Capabilities, alicePriv)
	require.NoError(t, err)

	carol, _ := f.createAgent(t, "carol", []string{"read"})
	require.NoError(t, f.builder.AddLink(chain, carol.DID, []string{"read"}, alicePriv))

	ok, reason := f.builder.Verify(chain)
	require.True(t, ok, reason)
	assert.Equal(t, []string{"read"}, GetEffectiveCapabilities(chain))
	assert.Len(t, TraceCapability(chain, "read"), 2)
}

func TestAddLink_RejectsWidening(t *testing.T) {
	f := newFixture(time.Now().UTC())
	alice, alicePriv := f.createAgent(t, "alice", []string{"read"})

	chain, err := f.builder.CreateRoot("sponsor@example.com", alice.DID, []string{"read"}, alicePriv)
	require.NoError(t, err)

	carol, _ := f.createAgent(t, "carol", nil)
	err = f.builder.AddLink(chain, carol.DID, []string{"read", "write"}, alicePriv)
	assert.Error(t, err)
}

func TestAddLink_DepthBound(t *testing.T) {
	f := newFixture(time.Now().UTC())
	alice, alicePriv := f.createAgent(t, "alice", []string{"read"})
	chain, err := f.builder.CreateRoot("sponsor@example.com", alice.DID, []string{"read"}, alicePriv)
	require.NoError(t, err)
	chain.MaxDepth = 2

	bob, bobPriv := f.createAgent(t, "bob", nil)
	require.NoError(t, f.builder.AddLink(chain, bob.DID, []string{"read"}, alicePriv))

	carol, _ := f.createAgent(t, "carol", nil)
	err = f.builder.AddLink(chain, carol.DID, []string{"read"}, bobPriv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DelegationDepthError")
}

func TestVerify_DetectsSignatureTampering(t *testing.T) {
	f := newFixture(time.Now().UTC())
	alice, alicePriv := f.createAgent(t, "alice", []string{"read"})
	chain, err := f.builder.CreateRoot("sponsor@example.com", alice.DID, []string{"read"}, alicePriv)
	require.NoError(t, err)

	bob, _ := f.createAgent(t, "bob", nil)
	require.NoError(t, f.builder.AddLink(chain, bob.DID, []string{"read"}, alicePriv))

	chain.Links[1].ParentSignature = chain.Links[0].ParentSignature
	ok, _ := f.builder.Verify(chain)
	assert.False(t, ok)
}

func TestVerify_DetectsHashChainTampering(t *testing.T) {
	f := newFixture(time.Now().UTC())
	alice, alicePriv := f.createAgent(t, "alice", []string{"read"})
	chain, err := f.builder.CreateRoot("sponsor@example.com", alice.DID, []string{"read"}, alicePriv)
	require.NoError(t, err)

	bob, _ := f.createAgent(t, "bob", nil)
	require.NoError(t, f.builder.AddLink(chain, bob.DID, []string{"read"}, alicePriv))

	chain.Links[1].PreviousLinkHash = "tampered"
	ok, reason := f.builder.Verify(chain)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestVerify_RejectsExpiredLink(t *testing.T) {
	now := time.Now().UTC()
	clock := meshctx.NewFixedClock(now)
	mc := meshctx.New(nil).WithClock(clock).WithRNG(rand.Reader)
	store := identity.New(mc)
	builder := New(mc, store)

	alice, err := store.Create("alice", "sponsor@example.com", "acme", []string{"read"})
	require.NoError(t, err)
	aliceBytes, err := meshcrypto.B64URLDecode(alice.PrivateKey)
	require.NoError(t, err)
	alicePriv := ed25519.PrivateKey(aliceBytes)

	chain, err := builder.CreateRoot("sponsor@example.com", alice.DID, []string{"read"}, alicePriv)
	require.NoError(t, err)

	expiry := now.Add(-time.Minute)
	chain.Links[0].ExpiresAt = &expiry

	ok, reason := builder.Verify(chain)
	assert.False(t, ok)
	assert.Contains(t, reason, "expired")
}
