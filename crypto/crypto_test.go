package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethermsg/chatcore/errors"
)

type testPayload struct {
	Kind                 string `json:"kind"`
	Body                 string `json:"body"`
	SuppressNotification *bool  `json:"suppress_notifications,omitempty"`
}

func (p testPayload) Label() string { return "test.payload.v1" }

func (p testPayload) CanonicalBytes() ([]byte, error) {
	if p.SuppressNotification == nil {
		return CanonicalJSON(p, "suppress_notifications")
	}
	return CanonicalJSON(p)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	payload := testPayload{Kind: "send_message", Body: "hello"}
	req, err := Sign(payload, signer)
	require.NoError(t, err)

	out, err := Verify(req, signer.PublicKey())
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"hello","kind":"send_message"}`, string(out))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	other, err := GenerateSigner()
	require.NoError(t, err)

	req, err := Sign(testPayload{Kind: "x", Body: "y"}, signer)
	require.NoError(t, err)

	_, err = Verify(req, other.PublicKey())
	assert.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnauthenticated))
}

func TestLegacySuppressNotificationsSignatureCompatibility(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	legacy := testPayload{Kind: "send_message", Body: "hi"}
	req, err := Sign(legacy, signer)
	require.NoError(t, err)

	out, err := Verify(req, signer.PublicKey())
	require.NoError(t, err)

	var decoded testPayload
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Nil(t, decoded.SuppressNotification)
	assert.Equal(t, legacy.Body, decoded.Body)
}

func TestAEADRoundTrip(t *testing.T) {
	key, err := GenerateAEADKey()
	require.NoError(t, err)

	plaintext := []byte("attachment bytes")
	ciphertext, nonce, err := AEADEncrypt(plaintext, key)
	require.NoError(t, err)

	decrypted, err := AEADDecrypt(ciphertext, nonce, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestAEADDecryptFailsOnWrongKey(t *testing.T) {
	key, err := GenerateAEADKey()
	require.NoError(t, err)
	other, err := GenerateAEADKey()
	require.NoError(t, err)

	ciphertext, nonce, err := AEADEncrypt([]byte("secret"), key)
	require.NoError(t, err)

	_, err = AEADDecrypt(ciphertext, nonce, other)
	assert.Error(t, err)
}

func TestHPKERoundTrip(t *testing.T) {
	kp, err := GenerateHPKEKeyPair()
	require.NoError(t, err)

	info := []byte("connection-offer")
	aad := []byte("connection-package-hash")
	enc, ciphertext, err := HPKESeal([]byte("friendship package"), info, aad, kp.Public)
	require.NoError(t, err)

	plaintext, err := HPKEOpen(enc, ciphertext, info, aad, kp.Private)
	require.NoError(t, err)
	assert.Equal(t, "friendship package", string(plaintext))
}

func TestDIDKeyRoundTrip(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	did := EncodeDIDKey(signer.PublicKey())
	assert.Contains(t, did, "did:key:z")

	decoded, err := DecodeDIDKey(did)
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey(), decoded)
}

func TestHashHandleCaseInsensitive(t *testing.T) {
	assert.Equal(t, HashHandle("Alice-42"), HashHandle("alice-42"))
	assert.NotEqual(t, HashHandle("alice-42"), HashHandle("bob-7"))
}
