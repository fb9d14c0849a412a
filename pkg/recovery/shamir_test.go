package recovery

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/rolodex/pkg/types"
)

func randomSecret(t *testing.T, n int) []byte {
	t.Helper()
	secret := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, secret)
	require.NoError(t, err)
	return secret
}

func TestSplitCombineRoundTrip(t *testing.T) {
	secret := randomSecret(t, 32)
	shares, err := splitSecret(secret, types.RecoveryShareTotal, types.RecoveryShareThreshold)
	require.NoError(t, err)
	require.Len(t, shares, types.RecoveryShareTotal)

	// Any threshold-sized subset reconstructs the same secret.
	subsets := [][]types.RecoveryShare{
		shares[:8],
		shares[4:],
		{shares[0], shares[2], shares[4], shares[6], shares[8], shares[10], shares[11], shares[1]},
	}
	for _, subset := range subsets {
		assert.Equal(t, secret, combineShares(subset))
	}

	// More than the threshold works too.
	assert.Equal(t, secret, combineShares(shares))
}

func TestBelowThresholdRevealsNothing(t *testing.T) {
	secret := randomSecret(t, 32)
	shares, err := splitSecret(secret, types.RecoveryShareTotal, types.RecoveryShareThreshold)
	require.NoError(t, err)

	got := combineShares(shares[:types.RecoveryShareThreshold-1])
	assert.NotEqual(t, secret, got)
}

func TestSharesAreDistinct(t *testing.T) {
	secret := randomSecret(t, 32)
	shares, err := splitSecret(secret, types.RecoveryShareTotal, types.RecoveryShareThreshold)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, s := range shares {
		require.False(t, seen[string(s.Payload)], "share payloads must differ")
		seen[string(s.Payload)] = true
		assert.NotEqual(t, secret, s.Payload, "no single share may equal the secret")
	}
}

func TestSplitParameterValidation(t *testing.T) {
	secret := randomSecret(t, 16)
	_, err := splitSecret(secret, 5, 8)
	assert.Error(t, err, "threshold above share count")
	_, err = splitSecret(secret, 12, 1)
	assert.Error(t, err, "threshold of one defeats the purpose")
}

func TestGFInverse(t *testing.T) {
	for a := 1; a < 256; a++ {
		assert.Equal(t, byte(1), gfMul(byte(a), gfInv(byte(a))), "a=%d", a)
	}
}
