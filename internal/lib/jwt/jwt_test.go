package jwt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackauth/internal/domain/models"
)

const testSecret = "test-secret"

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIssueParse_RoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	codec := NewCodec([]byte(testSecret))
	codec.SetClock(fixedClock(now))

	const ttl = 24 * time.Hour

	tokenString, err := codec.Issue("ann@example.com", models.RoleUser, ttl)
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(tokenString, ".")))

	claims, err := codec.Parse(tokenString)
	require.NoError(t, err)

	assert.Equal(t, "ann@example.com", claims.Subject)
	assert.Equal(t, models.RoleUser, claims.Role)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, now.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, now.Add(ttl).Unix(), claims.ExpiresAt.Unix())
}

func TestIssue_UniqueJTI(t *testing.T) {
	codec := NewCodec([]byte(testSecret))

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tokenString, err := codec.Issue("ann@example.com", models.RoleUser, time.Hour)
		require.NoError(t, err)

		claims, err := codec.Parse(tokenString)
		require.NoError(t, err)

		require.False(t, seen[claims.ID], "jti collision: %s", claims.ID)
		seen[claims.ID] = true
	}
}

func TestParse_Expired(t *testing.T) {
	issuedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	codec := NewCodec([]byte(testSecret))
	codec.SetClock(fixedClock(issuedAt))

	tokenString, err := codec.Issue("ann@example.com", models.RoleUser, time.Hour)
	require.NoError(t, err)

	codec.SetClock(fixedClock(issuedAt.Add(2 * time.Hour)))

	_, err = codec.Parse(tokenString)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// expiry must stay distinguishable from a bad token
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestParse_InvalidTokensAreIndistinguishable(t *testing.T) {
	codec := NewCodec([]byte(testSecret))

	valid, err := codec.Issue("ann@example.com", models.RoleUser, time.Hour)
	require.NoError(t, err)

	otherCodec := NewCodec([]byte("other-secret"))
	wrongKey, err := otherCodec.Issue("ann@example.com", models.RoleUser, time.Hour)
	require.NoError(t, err)

	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "." + "AAAA"

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"missing segments", parts[0] + "." + parts[1]},
		{"wrong key", wrongKey},
		{"tampered signature", tampered},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Parse(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestParseWithoutExpiry_AcceptsExpired(t *testing.T) {
	issuedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	codec := NewCodec([]byte(testSecret))
	codec.SetClock(fixedClock(issuedAt))

	tokenString, err := codec.Issue("ann@example.com", models.RoleUser, time.Hour)
	require.NoError(t, err)

	codec.SetClock(fixedClock(issuedAt.Add(48 * time.Hour)))

	claims, err := codec.ParseWithoutExpiry(tokenString)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", claims.Subject)

	// signature is still enforced
	_, err = NewCodec([]byte("other-secret")).ParseWithoutExpiry(tokenString)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
