// Package models defines GORM database models for rtspserver entities.
package models

import (
	"crypto/rand"
	"encoding/base64"
)

// feedIDBytes is the entropy of a feed identifier. 12 random bytes encode to
// exactly 16 url-safe base64 characters, which is the public ID format.
const feedIDBytes = 12

// NewFeedID generates a new url-safe feed identifier (16 characters).
func NewFeedID() string {
	b := make([]byte, feedIDBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand reading from the OS entropy pool does not fail on
		// supported platforms; treat it as unrecoverable if it ever does.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
