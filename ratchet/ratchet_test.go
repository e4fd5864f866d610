package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
)

func sealAtDistance(t *testing.T, secret []byte, distance uint64, plaintext []byte) (ciphertext, nonce []byte) {
	t.Helper()
	s := secret
	var key crypto.AEADKey
	for step := uint64(1); step <= distance; step++ {
		var err error
		key, err = deriveMessageKey(s)
		require.NoError(t, err)
		if step < distance {
			s, err = deriveChainSecret(s)
			require.NoError(t, err)
		}
	}
	ciphertext, nonce, err := crypto.AEADEncrypt(plaintext, key)
	require.NoError(t, err)
	return ciphertext, nonce
}

func TestAdvanceInOrder(t *testing.T) {
	secret := make([]byte, secretSize)
	state := Seed("queue-1", secret)

	ct, nonce := sealAtDistance(t, secret, 1, []byte("hello"))
	result, err := Advance(state, 1, ct, nonce)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), result.Plaintext)
	assert.False(t, result.Duplicate)
	assert.Equal(t, uint64(1), result.Next.SequenceNumber)
	assert.NotEqual(t, secret, result.Next.CurrentSecret)
}

func TestAdvanceSkipsAheadWithinTolerance(t *testing.T) {
	secret := make([]byte, secretSize)
	state := Seed("queue-1", secret)

	ct, nonce := sealAtDistance(t, secret, 5, []byte("skip-ahead"))
	result, err := Advance(state, 5, ct, nonce)
	require.NoError(t, err)
	assert.Equal(t, []byte("skip-ahead"), result.Plaintext)
	assert.Equal(t, uint64(5), result.Next.SequenceNumber)
}

func TestAdvanceRejectsBeyondMaximumForwardDistance(t *testing.T) {
	secret := make([]byte, secretSize)
	state := Seed("queue-1", secret)

	_, err := Advance(state, MaximumForwardDistance+1, []byte("ct"), []byte("nonce"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDataLoss))
	assert.True(t, errors.Is(err, errors.ErrTooDistantInThePast))
}

func TestAdvanceWithinOutOfOrderToleranceIsDuplicate(t *testing.T) {
	secret := make([]byte, secretSize)
	state := Seed("queue-1", secret)

	ct, nonce := sealAtDistance(t, secret, 30, []byte("thirtieth"))
	advanced, err := Advance(state, 30, ct, nonce)
	require.NoError(t, err)

	result, err := Advance(advanced.Next, 30-OutOfOrderTolerance, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Nil(t, result.Plaintext)
	assert.Equal(t, advanced.Next, result.Next)
}

func TestAdvanceRejectsBeyondOutOfOrderTolerance(t *testing.T) {
	secret := make([]byte, secretSize)
	state := Seed("queue-1", secret)

	ct, nonce := sealAtDistance(t, secret, 30, []byte("thirtieth"))
	advanced, err := Advance(state, 30, ct, nonce)
	require.NoError(t, err)

	_, err = Advance(advanced.Next, 1, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOutOfOrder))
}

func TestSequenceNumberMonotonicAcrossAdvances(t *testing.T) {
	secret := make([]byte, secretSize)
	state := Seed("queue-1", secret)

	sequences := []uint64{1, 3, 7, 7, 8}
	var lastSeen uint64
	for _, n := range sequences {
		distance := n - state.SequenceNumber
		var ct, nonce []byte
		if distance > 0 {
			ct, nonce = sealAtDistance(t, state.CurrentSecret, distance, []byte("payload"))
		}
		result, err := Advance(state, n, ct, nonce)
		require.NoError(t, err)
		state = result.Next
		assert.GreaterOrEqual(t, state.SequenceNumber, lastSeen)
		lastSeen = state.SequenceNumber
	}
	assert.Equal(t, uint64(8), state.SequenceNumber)
}
