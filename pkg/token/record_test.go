package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	issued := time.Date(2026, 8, 30, 12, 0, 0, 123_000_000, time.UTC)
	rec := NewRecord(Grant{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-xyz",
		AccessTTL:    10 * time.Minute,
		RefreshTTL:   30 * 24 * time.Hour,
	}, issued, "tab-1")

	parsed, err := ParseRecord(rec.Marshal())
	require.NoError(t, err)

	require.Equal(t, rec.AccessToken, parsed.AccessToken)
	require.Equal(t, rec.RefreshToken, parsed.RefreshToken)
	require.Equal(t, rec.OwnerID, parsed.OwnerID)
	require.True(t, rec.AccessExpiry.Equal(parsed.AccessExpiry),
		"access expiry %v != %v", rec.AccessExpiry, parsed.AccessExpiry)
	require.True(t, rec.RefreshExpiry.Equal(parsed.RefreshExpiry))
}

func TestRecordRoundTripWithoutOwner(t *testing.T) {
	rec := NewRecord(Grant{
		AccessToken:  "a",
		RefreshToken: "r",
		AccessTTL:    time.Minute,
		RefreshTTL:   time.Hour,
	}, time.Now(), "")

	raw := rec.Marshal()
	parsed, err := ParseRecord(raw)
	require.NoError(t, err)
	require.Empty(t, parsed.OwnerID)

	// Millisecond rounding must be stable across repeated round trips.
	require.Equal(t, raw, parsed.Marshal())
}

func TestParseRecordMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"only;three;fields",
		"r;not-a-time;a;2026-01-01T00:00:00.000Z",
		"r;2026-01-01T00:00:00.000Z;a;not-a-time",
		"r;2026-01-01T00:00:00.000Z;a;2026-01-01T00:00:00.000Z;owner;extra",
	} {
		_, err := ParseRecord(raw)
		require.ErrorIs(t, err, ErrMalformedRecord, "raw=%q", raw)
	}
}

// makeJWT builds an unsigned JWT with the given exp claim.
func makeJWT(t *testing.T, exp int64) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]any{"sub": "user", "exp": exp})
	require.NoError(t, err)
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return fmt.Sprintf("%s.%s.", header, payload)
}

func TestAccessExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	got, err := AccessExpiryFromJWT(makeJWT(t, exp))
	require.NoError(t, err)
	require.Equal(t, exp, got.Unix())

	_, err = AccessExpiryFromJWT("opaque-token")
	require.Error(t, err)
}

func TestRemaining(t *testing.T) {
	now := time.Now()
	rec := Record{AccessExpiry: now.Add(42 * time.Second)}
	require.Equal(t, 42*time.Second, rec.Remaining(now))
	require.Negative(t, rec.Remaining(now.Add(time.Minute)))
}
