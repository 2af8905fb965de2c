package keys

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollAddress_Deterministic(t *testing.T) {
	assert.Equal(t, PollAddress(42), PollAddress(42))
	assert.NotEqual(t, PollAddress(42), PollAddress(43))

	// 小端序编码下 1 和 256 的字节不同
	assert.NotEqual(t, PollAddress(1), PollAddress(256))
	assert.Equal(t, []byte{1, 0, 0, 0}, EncodePollID(1))
	assert.Equal(t, []byte{0, 1, 0, 0}, EncodePollID(256))
}

func TestVoterAddress_DistinctInputs(t *testing.T) {
	alice, _, err := GenerateIdentity()
	require.NoError(t, err)
	bob, _, err := GenerateIdentity()
	require.NoError(t, err)

	assert.Equal(t, VoterAddress(7, alice), VoterAddress(7, alice))
	assert.NotEqual(t, VoterAddress(7, alice), VoterAddress(7, bob))
	assert.NotEqual(t, VoterAddress(7, alice), VoterAddress(8, alice))
	assert.NotEqual(t, VoterAddress(7, alice), PollAddress(7))
}

func TestDerive_SeedBoundaries(t *testing.T) {
	assert.NotEqual(t, Derive([]byte("ab"), []byte("c")), Derive([]byte("a"), []byte("bc")))
}

func TestIdentity_TextRoundTrip(t *testing.T) {
	id, _, err := GenerateIdentity()
	require.NoError(t, err)

	bz, err := json.Marshal(map[string]Identity{"owner": id})
	require.NoError(t, err)
	assert.Contains(t, string(bz), id.String())

	var decoded map[string]Identity
	require.NoError(t, json.Unmarshal(bz, &decoded))
	assert.Equal(t, id, decoded["owner"])

	_, err = ParseIdentity("abcd")
	assert.Error(t, err)
	_, err = ParseIdentity("zz")
	assert.Error(t, err)
}

func TestSignRequest(t *testing.T) {
	id, priv, err := GenerateIdentity()
	require.NoError(t, err)
	body := []byte(`{"option":1}`)

	sig := SignRequest(priv, "post", "/api/polls/1/vote", body)
	assert.NoError(t, VerifyRequest(id, sig, "POST", "/api/polls/1/vote", body))

	assert.ErrorIs(t, VerifyRequest(id, sig, "POST", "/api/polls/2/vote", body), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyRequest(id, sig, "POST", "/api/polls/1/vote", []byte(`{"option":2}`)), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyRequest(id, "nothex", "POST", "/api/polls/1/vote", body), ErrInvalidSignature)

	other, _, err := GenerateIdentity()
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyRequest(other, sig, "POST", "/api/polls/1/vote", body), ErrInvalidSignature)
}

func TestParsePrivateKey(t *testing.T) {
	id, priv, err := GenerateIdentity()
	require.NoError(t, err)

	fromSeed, err := ParsePrivateKey(hex.EncodeToString(priv.Seed()))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(priv, fromSeed))

	derived, err := IdentityFromPublicKey(fromSeed.Public().(ed25519.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, id, derived)

	_, err = ParsePrivateKey("00")
	assert.Error(t, err)
}
