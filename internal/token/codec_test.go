package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signed mints an HS256 token with the given claims. The codec never
// verifies signatures, so the key is irrelevant.
func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)

	return raw
}

func expiringAt(t *testing.T, exp time.Time) string {
	t.Helper()

	return signed(t, jwt.MapClaims{"exp": float64(exp.Unix()), "sub": "user-1"})
}

// --- Decode ---

func TestDecode_ValidToken(t *testing.T) {
	exp := time.Now().Add(time.Hour)

	claims, ok := Decode(expiringAt(t, exp))
	require.True(t, ok)
	assert.Equal(t, exp.Unix(), claims.ExpiresAt)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestDecode_GarbageInputs(t *testing.T) {
	for _, raw := range []string{
		"",
		"not-a-jwt",
		"a.b",
		"a.b.c",
		"!!!.###.$$$",
		"eyJhbGciOiJIUzI1NiJ9.bm90anNvbg.sig",
	} {
		_, ok := Decode(raw)
		assert.False(t, ok, "input %q should not decode", raw)
	}
}

func TestDecode_MissingExp(t *testing.T) {
	raw := signed(t, jwt.MapClaims{"sub": "user-1"})

	_, ok := Decode(raw)
	assert.False(t, ok)
}

func TestDecode_NonNumericExp(t *testing.T) {
	raw := signed(t, jwt.MapClaims{"exp": "tomorrow"})

	_, ok := Decode(raw)
	assert.False(t, ok)
}

// --- IsValid ---

func TestIsValid_Idempotent(t *testing.T) {
	raw := expiringAt(t, time.Now().Add(time.Hour))

	first := IsValid(raw)
	second := IsValid(raw)
	assert.True(t, first)
	assert.Equal(t, first, second)
}

func TestIsValid_ExpiryBoundary(t *testing.T) {
	assert.True(t, IsValid(expiringAt(t, time.Now().Add(5*time.Second))),
		"token expiring just ahead of now is valid")
	assert.False(t, IsValid(expiringAt(t, time.Now().Add(-1*time.Second))),
		"token expired a second ago is invalid")
}

func TestIsValid_WellFormedButExpired(t *testing.T) {
	assert.False(t, IsValid(expiringAt(t, time.Now().Add(-time.Hour))))
}

func TestIsValid_NeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		IsValid("")
		IsValid("...")
		IsValid("\x00\x01\x02")
	})
}

// --- IsExpiringSoon ---

func TestIsExpiringSoon_InsideThreshold(t *testing.T) {
	raw := expiringAt(t, time.Now().Add(100*time.Second))

	assert.True(t, IsExpiringSoon(raw, DefaultExpiryThreshold))
}

func TestIsExpiringSoon_OutsideThreshold(t *testing.T) {
	raw := expiringAt(t, time.Now().Add(1000*time.Second))

	assert.False(t, IsExpiringSoon(raw, DefaultExpiryThreshold))
}

func TestIsExpiringSoon_UndecodableCountsAsExpiring(t *testing.T) {
	assert.True(t, IsExpiringSoon("garbage", DefaultExpiryThreshold))
	assert.True(t, IsExpiringSoon("", DefaultExpiryThreshold))
}
