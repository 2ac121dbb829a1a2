// Package handshake implements the AgentMesh trust handshake: two-phase
// challenge-response mutual verification with a cached result (spec
// section 4.5).
package handshake

import (
	"crypto/ed25519"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/google/uuid"

	"github.com/agentmesh/core/internal/identity"
	"github.com/agentmesh/core/internal/meshcrypto"
	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/models"
)

// Defaults from spec section 4.5.
const (
	DefaultSuccessTTL = 900 * time.Second
	DefaultFailureTTL = 60 * time.Second
	DefaultNonceSkew  = 60 * time.Second
	NonceBytes        = 16
)

// TrustScoreProvider supplies the caller's current trust score. Grounds
// the handshake engine in the reward engine (C6) without creating an
// import cycle: C6 depends on nothing from handshake.
type TrustScoreProvider interface {
	Score(did models.AgentDID) (float64, bool)
}

// ChallengeResponse is the responder's half of a handshake (spec section
// 4.5).
type ChallengeResponse struct {
	ChallengeID   string
	ResponseNonce string
	AgentDID      models.AgentDID
	Capabilities  []string
	TrustScore    float64
	Signature     string
	PublicKey     string
}

// Engine runs both sides of the handshake protocol and caches results.
type Engine struct {
	identities *identity.Store
	scores     TrustScoreProvider
	cache      *gocache.Cache
	mc         *meshctx.MeshContext
	successTTL time.Duration
	failureTTL time.Duration
	nonceSkew  time.Duration
}

// New builds a handshake Engine with the given cache TTLs. A zero TTL
// selects the spec default.
func New(mc *meshctx.MeshContext, identities *identity.Store, scores TrustScoreProvider, successTTL, failureTTL, nonceSkew time.Duration) *Engine {
	if successTTL == 0 {
		successTTL = DefaultSuccessTTL
	}
	if failureTTL == 0 {
		failureTTL = DefaultFailureTTL
	}
	if nonceSkew == 0 {
		nonceSkew = DefaultNonceSkew
	}
	return &Engine{
		identities: identities,
		scores:     scores,
		cache:      gocache.New(successTTL, successTTL*2),
		mc:         mc,
		successTTL: successTTL,
		failureTTL: failureTTL,
		nonceSkew:  nonceSkew,
	}
}

// NewChallenge creates an initiator challenge with a fresh >=128-bit
// nonce.
func (e *Engine) NewChallenge(expiresIn time.Duration) (*models.Challenge, error) {
	nonce, err := meshcrypto.NewNonce(e.mc.RNG, NonceBytes)
	if err != nil {
		return nil, err
	}
	return &models.Challenge{
		ChallengeID:      uuid.New().String(),
		Nonce:            nonce,
		Timestamp:        e.mc.Clock.Now(),
		ExpiresInSeconds: int(expiresIn.Seconds()),
	}, nil
}

// respondPayload builds the canonical string the responder signs:
// "challenge_id:responder_nonce:initiator_nonce" (spec section 4.5).
func respondPayload(challengeID, responderNonce, initiatorNonce string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", challengeID, responderNonce, initiatorNonce))
}

// Respond builds the responder's half of the handshake for challenge,
// signed with responderPriv.
func (e *Engine) Respond(challenge *models.Challenge, responderDID models.AgentDID, capabilities []string, responderPub ed25519.PublicKey, responderPriv ed25519.PrivateKey) (*ChallengeResponse, error) {
	responderNonce, err := meshcrypto.NewNonce(e.mc.RNG, NonceBytes)
	if err != nil {
		return nil, err
	}
	trustScore := 0.0
	if e.scores != nil {
		trustScore, _ = e.scores.Score(responderDID)
	}
	sig := meshcrypto.Sign(responderPriv, respondPayload(challenge.ChallengeID, responderNonce, challenge.Nonce))
	return &ChallengeResponse{
		ChallengeID:   challenge.ChallengeID,
		ResponseNonce: responderNonce,
		AgentDID:      responderDID,
		Capabilities:  capabilities,
		TrustScore:    trustScore,
		Signature:     meshcrypto.B64URLEncode(sig),
		PublicKey:     meshcrypto.B64URLEncode(responderPub),
	}, nil
}

func cacheKey(did models.AgentDID) string { return "handshake:" + string(did) }

// Verify validates resp against challenge, enforcing: signature validity,
// that the stated public key matches the identity store's record for the
// claimed DID, the peer's trust score meets requiredTrustScore, the
// peer's capabilities cover requiredCapabilities, and the peer is not
// revoked. Cache hits (success or recent failure) short-circuit the
// protocol entirely (spec section 4.5).
func (e *Engine) Verify(challenge *models.Challenge, resp *ChallengeResponse, requiredTrustScore float64, requiredCapabilities []string) (*models.HandshakeResult, error) {
	if cached, ok := e.cache.Get(cacheKey(resp.AgentDID)); ok {
		result := cached.(*models.HandshakeResult)
		return result, nil
	}

	start := e.mc.Clock.Now()
	result, err := e.verifyUncached(challenge, resp, requiredTrustScore, requiredCapabilities, start)
	if err != nil {
		return nil, err
	}

	ttl := e.failureTTL
	if result.Verified {
		ttl = e.successTTL
	}
	e.cache.Set(cacheKey(resp.AgentDID), result, ttl)
	return result, nil
}

func (e *Engine) verifyUncached(challenge *models.Challenge, resp *ChallengeResponse, requiredTrustScore float64, requiredCapabilities []string, start time.Time) (*models.HandshakeResult, error) {
	fail := func(reason string) *models.HandshakeResult {
		return &models.HandshakeResult{
			Verified:        false,
			PeerDID:         resp.AgentDID,
			RejectionReason: reason,
			LatencyMS:       e.mc.Clock.Now().Sub(start).Milliseconds(),
			CompletedAt:     e.mc.Clock.Now(),
		}
	}

	if resp.AgentDID == "" || !resp.AgentDID.Valid() {
		return fail("empty or malformed DID"), nil
	}

	now := e.mc.Clock.Now()
	skew := now.Sub(challenge.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > e.nonceSkew {
		return fail("nonce timestamp outside skew window"), nil
	}
	if challenge.ExpiresInSeconds > 0 {
		if now.After(challenge.Timestamp.Add(time.Duration(challenge.ExpiresInSeconds) * time.Second)) {
			return fail("challenge expired"), nil
		}
	}

	pubBytes, err := meshcrypto.B64URLDecode(resp.PublicKey)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return fail("malformed public key"), nil
	}
	pub := ed25519.PublicKey(pubBytes)

	sig, err := meshcrypto.B64URLDecode(resp.Signature)
	if err != nil {
		return fail("malformed signature"), nil
	}
	payload := respondPayload(resp.ChallengeID, resp.ResponseNonce, challenge.Nonce)
	if !meshcrypto.Verify(pub, payload, sig) {
		return fail("signature invalid"), nil
	}

	if e.identities != nil {
		peer, ok := e.identities.Get(resp.AgentDID)
		if !ok {
			return fail("peer identity not found"), nil
		}
		if peer.PublicKey != resp.PublicKey {
			return fail("public key does not match registered identity"), nil
		}
		if e.identities.IsRevoked(resp.AgentDID) {
			return fail("peer revoked"), nil
		}
	}

	if resp.TrustScore < requiredTrustScore {
		return fail(fmt.Sprintf("trust score %.1f below required %.1f", resp.TrustScore, requiredTrustScore)), nil
	}

	if !coversCapabilities(resp.Capabilities, requiredCapabilities) {
		return fail("peer capabilities do not cover required capabilities"), nil
	}

	completed := e.mc.Clock.Now()
	return &models.HandshakeResult{
		Verified:     true,
		PeerDID:      resp.AgentDID,
		TrustScore:   resp.TrustScore,
		Capabilities: resp.Capabilities,
		LatencyMS:    completed.Sub(start).Milliseconds(),
		CompletedAt:  completed,
	}, nil
}

func coversCapabilities(held, required []string) bool {
	set := make(map[string]struct{}, len(held))
	for _, c := range held {
		set[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

// InvalidateCache drops any cached handshake result for did, used when a
// peer's revocation status changes outside the protocol (e.g. via the
// reward engine's auto-revocation hook).
func (e *Engine) InvalidateCache(did models.AgentDID) {
	e.cache.Delete(cacheKey(did))
}
