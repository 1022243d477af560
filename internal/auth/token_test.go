package auth

import (
	"encoding/hex"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinter_MintAndVerify(t *testing.T) {
	m := NewMinter("test-secret", time.Hour)

	token, err := m.Mint("AbCdEf1234567890", 0, "")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.Verify(token, "AbCdEf1234567890", "")
	require.NoError(t, err)
	assert.Equal(t, "AbCdEf1234567890", claims.FeedID)
	assert.Len(t, claims.ID, 16)
	assert.Empty(t, claims.IP)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestMinter_MintCustomExpiry(t *testing.T) {
	m := NewMinter("test-secret", time.Hour)

	token, err := m.Mint("feed", 48*time.Hour, "")
	require.NoError(t, err)

	claims, err := m.Verify(token, "feed", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(48*time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestMinter_Verify_WrongFeed(t *testing.T) {
	m := NewMinter("test-secret", time.Hour)

	token, err := m.Mint("feed-a", 0, "")
	require.NoError(t, err)

	_, err = m.Verify(token, "feed-b", "")
	assert.ErrorIs(t, err, ErrFeedMismatch)
}

func TestMinter_Verify_Expired(t *testing.T) {
	m := NewMinter("test-secret", time.Hour)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        NewViewerID(),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		FeedID: "feed",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = m.Verify(token, "feed", "")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestMinter_Verify_WrongSecret(t *testing.T) {
	token, err := NewMinter("secret-one", time.Hour).Mint("feed", 0, "")
	require.NoError(t, err)

	_, err = NewMinter("secret-two", time.Hour).Verify(token, "feed", "")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestMinter_Verify_Garbage(t *testing.T) {
	m := NewMinter("test-secret", time.Hour)

	_, err := m.Verify("not.a.token", "feed", "")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestMinter_Verify_IPBinding(t *testing.T) {
	m := NewMinter("test-secret", time.Hour)

	bound, err := m.Mint("feed", 0, "10.0.0.5")
	require.NoError(t, err)

	t.Run("same ip passes", func(t *testing.T) {
		claims, err := m.Verify(bound, "feed", "10.0.0.5")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.5", claims.IP)
	})

	t.Run("different ip rejected", func(t *testing.T) {
		_, err := m.Verify(bound, "feed", "10.0.0.9")
		assert.ErrorIs(t, err, ErrIPMismatch)
	})

	t.Run("unknown caller ip passes", func(t *testing.T) {
		_, err := m.Verify(bound, "feed", "")
		assert.NoError(t, err)
	})

	t.Run("unbound token ignores ip", func(t *testing.T) {
		unbound, err := m.Mint("feed", 0, "")
		require.NoError(t, err)
		_, err = m.Verify(unbound, "feed", "10.0.0.9")
		assert.NoError(t, err)
	})
}

func TestTokenFromRequest(t *testing.T) {
	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/hls/abc/stream.m3u8?token=qtok", nil)
		assert.Equal(t, "qtok", TokenFromRequest(r))
	})

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/hls/abc/stream.m3u8", nil)
		r.Header.Set("Authorization", "Bearer htok")
		assert.Equal(t, "htok", TokenFromRequest(r))
	})

	t.Run("query wins over header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/hls/abc/stream.m3u8?token=qtok", nil)
		r.Header.Set("Authorization", "Bearer htok")
		assert.Equal(t, "qtok", TokenFromRequest(r))
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/hls/abc/stream.m3u8", nil)
		assert.Empty(t, TokenFromRequest(r))
	})

	t.Run("non bearer header ignored", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/hls/abc/stream.m3u8", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		assert.Empty(t, TokenFromRequest(r))
	})
}

func TestNewViewerID(t *testing.T) {
	a := NewViewerID()
	b := NewViewerID()

	assert.Len(t, a, 16)
	assert.Len(t, b, 16)
	assert.NotEqual(t, a, b)

	_, err := hex.DecodeString(a)
	assert.NoError(t, err)
}

func TestClaims_ViewerID(t *testing.T) {
	c := &Claims{RegisteredClaims: jwt.RegisteredClaims{ID: "abcd1234abcd1234"}}
	assert.Equal(t, "abcd1234abcd1234", c.ViewerID())

	anon := &Claims{}
	assert.Len(t, anon.ViewerID(), 16)
}
