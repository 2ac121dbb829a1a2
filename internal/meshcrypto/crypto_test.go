package meshcrypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeypair_SignVerify(t *testing.T) {
	pub, priv, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	msg := []byte("agentmesh handshake payload")
	sig := Sign(priv, msg)
	assert.True(t, Verify(pub, msg, sig))
	assert.False(t, Verify(pub, []byte("tampered"), sig))
}

func TestB64URL_RoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xff, 0x10, 0x20}
	enc := B64URLEncode(data)
	assert.NotContains(t, enc, "=")

	dec, err := B64URLDecode(enc)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestJWK_RoundTrip_PreservesSignVerify(t *testing.T) {
	pub, priv, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	did := "did:mesh:0123456789abcdef0123456789abcdef"
	jwk := EncodeJWK(did, pub, priv, true)
	assert.Equal(t, "OKP", jwk.Kty)
	assert.Equal(t, "Ed25519", jwk.Crv)
	assert.Equal(t, did, jwk.Kid)
	assert.NotEmpty(t, jwk.D)

	decodedPub, decodedPriv, err := DecodeJWK(jwk)
	require.NoError(t, err)

	msg := []byte("round trip message")
	sig := Sign(decodedPriv, msg)
	assert.True(t, Verify(decodedPub, msg, sig))
}

func TestJWK_PublicOnly_OmitsPrivate(t *testing.T) {
	pub, priv, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	jwk := EncodeJWK("did:mesh:0123456789abcdef0123456789abcdef", pub, priv, false)
	assert.Empty(t, jwk.D)

	_, decodedPriv, err := DecodeJWK(jwk)
	require.NoError(t, err)
	assert.Nil(t, decodedPriv)
}

func TestDecodeJWK_RejectsWrongKtyOrCrv(t *testing.T) {
	pub, _, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	jwk := EncodeJWK("did:mesh:0123456789abcdef0123456789abcdef", pub, nil, false)
	jwk.Kty = "RSA"
	_, _, err = DecodeJWK(jwk)
	assert.Error(t, err)

	jwk.Kty = "OKP"
	jwk.Crv = "P-256"
	_, _, err = DecodeJWK(jwk)
	assert.Error(t, err)
}

func TestSHA256Hex_Deterministic(t *testing.T) {
	a := SHA256Hex([]byte("alice"))
	b := SHA256Hex([]byte("alice"))
	c := SHA256Hex([]byte("bob"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestNewNonce_128Bits(t *testing.T) {
	nonce, err := NewNonce(rand.Reader, 16)
	require.NoError(t, err)
	decoded, err := B64URLDecode(nonce)
	require.NoError(t, err)
	assert.Len(t, decoded, 16)
}
