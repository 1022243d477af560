// Package auth issues and verifies the signed playback tokens that gate
// access to feed playlists.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures. Handlers map the first two to 401 and the
// mismatches to 403.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrFeedMismatch = errors.New("token not valid for this feed")
	ErrIPMismatch   = errors.New("token not valid for this ip")
)

// Claims represents a playback grant for a single feed. The jti doubles as
// the viewer identifier for keep-alive tracking.
type Claims struct {
	jwt.RegisteredClaims
	FeedID string `json:"feed_id"`
	IP     string `json:"ip,omitempty"`
}

// ViewerID returns the identifier used to track this token's viewer.
func (c *Claims) ViewerID() string {
	if c.ID != "" {
		return c.ID
	}
	return NewViewerID()
}

// Minter creates and verifies playback tokens with a shared HMAC secret.
type Minter struct {
	secret        []byte
	defaultExpiry time.Duration
}

// NewMinter creates a minter. defaultExpiry applies when Mint is called
// with a zero expiry.
func NewMinter(secret string, defaultExpiry time.Duration) *Minter {
	if defaultExpiry <= 0 {
		defaultExpiry = 24 * time.Hour
	}
	return &Minter{
		secret:        []byte(secret),
		defaultExpiry: defaultExpiry,
	}
}

// Mint creates a signed token granting playback of the given feed. A
// non-empty clientIP binds the token to that address.
func (m *Minter) Mint(feedID string, expiry time.Duration, clientIP string) (string, error) {
	if expiry <= 0 {
		expiry = m.defaultExpiry
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        NewViewerID(), // jti, unique per token
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
		FeedID: feedID,
		IP:     clientIP,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry, then that the token grants this feed,
// then the IP binding. An IP-bound token is only rejected when the caller's
// address is known and differs.
func (m *Minter) Verify(tokenStr, feedID, clientIP string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.FeedID != feedID {
		return nil, ErrFeedMismatch
	}
	if claims.IP != "" && clientIP != "" && claims.IP != clientIP {
		return nil, ErrIPMismatch
	}

	return claims, nil
}

// TokenFromRequest extracts a playback token from the "token" query
// parameter or the Authorization bearer header. Query wins because HLS
// players cannot set headers on segment requests.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authz := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

// NewViewerID generates a unique viewer identifier: eight random bytes, hex
// encoded.
func NewViewerID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
