// Package meshcrypto provides the cryptographic primitives every other
// AgentMesh engine builds on: Ed25519 keypairs, SHA-256, unpadded
// base64url, and JWK encode/decode (spec section 4.1).
package meshcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/agentmesh/core/internal/meshkind"
)

// GenerateKeypair creates a new Ed25519 keypair using rng (the caller's
// MeshContext.RNG in production, a deterministic reader in tests).
func GenerateKeypair(rng io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, nil, meshkind.Wrap(meshkind.Identity, "keypair generation failed", err)
	}
	return pub, priv, nil
}

// Sign produces an Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under pub.
// ed25519.Verify already runs in constant time with respect to the
// signature bytes.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// SHA256 returns the 32-byte SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// B64URLEncode returns the unpadded base64url encoding of data.
func B64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// B64URLDecode decodes an unpadded base64url string.
func B64URLDecode(s string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, meshkind.Wrap(meshkind.Identity, "invalid base64url", err)
	}
	return data, nil
}

// JWK is the RFC 7517 OKP/Ed25519 wire format for an exported identity
// key (spec section 4.1 / section 6).
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d,omitempty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
}

// EncodeJWK builds the exportable JWK for a public key, keyed to did. If
// priv is non-nil and includePrivate is true, the private scalar is also
// included (spec section 4.1: "no private material is emitted unless
// include_private is explicitly set").
func EncodeJWK(did string, pub ed25519.PublicKey, priv ed25519.PrivateKey, includePrivate bool) *JWK {
	jwk := &JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   B64URLEncode(pub),
		Kid: did,
		Use: "sig",
	}
	if includePrivate && priv != nil {
		// ed25519.PrivateKey is the 64-byte seed||pub; the JWK "d" member is
		// the 32-byte seed alone.
		jwk.D = B64URLEncode(priv.Seed())
	}
	return jwk
}

// DecodeJWK parses a JWK back into raw key material. Importing a JWK with
// kty != OKP or crv != Ed25519 fails with a kind-tagged IdentityError
// (spec section 4.1).
func DecodeJWK(jwk *JWK) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if jwk.Kty != "OKP" {
		return nil, nil, meshkind.New(meshkind.Identity, "unsupported JWK kty: "+jwk.Kty)
	}
	if jwk.Crv != "Ed25519" {
		return nil, nil, meshkind.New(meshkind.Identity, "unsupported JWK crv: "+jwk.Crv)
	}
	pubBytes, err := B64URLDecode(jwk.X)
	if err != nil {
		return nil, nil, meshkind.Wrap(meshkind.Identity, "invalid JWK x member", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return nil, nil, meshkind.New(meshkind.Identity, "invalid JWK public key length")
	}
	pub := ed25519.PublicKey(pubBytes)

	if jwk.D == "" {
		return pub, nil, nil
	}
	seed, err := B64URLDecode(jwk.D)
	if err != nil {
		return nil, nil, meshkind.Wrap(meshkind.Identity, "invalid JWK d member", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, nil, meshkind.New(meshkind.Identity, "invalid JWK private seed length")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return pub, priv, nil
}

// NewNonce returns a cryptographically random nonce of n bytes, base64url
// encoded, for handshake challenges (spec section 4.5: nonce >= 128 bits).
func NewNonce(rng io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rng, buf); err != nil {
		return "", meshkind.Wrap(meshkind.Handshake, "failed to generate nonce", err)
	}
	return B64URLEncode(buf), nil
}
