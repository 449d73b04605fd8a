package totp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 6238 Appendix B test vectors use the ASCII key "12345678901234567890",
// which is GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ in base32.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestGenerateRFCVectors(t *testing.T) {
	// SHA-1 vectors from RFC 6238, truncated to 6 digits.
	vectors := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
	}

	for _, v := range vectors {
		got, err := Generate(rfcSecret, time.Unix(v.unix, 0))
		require.NoError(t, err)
		assert.Equal(t, v.want, got, "at t=%d", v.unix)
	}
}

func TestVerify(t *testing.T) {
	v := NewVerifier()
	now := time.Unix(1111111109, 0)

	assert.True(t, v.Verify(rfcSecret, "081804", now))
	assert.False(t, v.Verify(rfcSecret, "000000", now))
	assert.False(t, v.Verify(rfcSecret, "81804", now))   // too short
	assert.False(t, v.Verify(rfcSecret, "0818041", now)) // too long
}

func TestVerifyAcceptsAdjacentSteps(t *testing.T) {
	v := NewVerifier()
	now := time.Unix(1111111109, 0)

	prev, err := Generate(rfcSecret, now.Add(-Period))
	require.NoError(t, err)
	next, err := Generate(rfcSecret, now.Add(Period))
	require.NoError(t, err)
	stale, err := Generate(rfcSecret, now.Add(-2*Period))
	require.NoError(t, err)

	assert.True(t, v.Verify(rfcSecret, prev, now))
	assert.True(t, v.Verify(rfcSecret, next, now))
	assert.False(t, v.Verify(rfcSecret, stale, now))
}

func TestVerifyBadSecret(t *testing.T) {
	v := NewVerifier()
	assert.False(t, v.Verify("not-base32!!", "123456", time.Now()))
}

func TestVerifyNormalizesSecret(t *testing.T) {
	v := NewVerifier()
	now := time.Unix(59, 0)

	// Lowercase with spaces, as users paste them.
	spaced := "gezd gnbv gy3t qojq gezd gnbv gy3t qojq"
	assert.True(t, v.Verify(spaced, "287082", now))
}
