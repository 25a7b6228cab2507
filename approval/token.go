package approval

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrTokenNotFound signals no outstanding decision matches the token.
	ErrTokenNotFound = errors.New("approval: token not found")
	// ErrTokenExpired signals the token's validity window has passed.
	ErrTokenExpired = errors.New("approval: token expired")
	// ErrTokenConsumed signals the decision was already recorded; the token can
	// never produce a second state change.
	ErrTokenConsumed = errors.New("approval: token already consumed")
)

const tokenBytes = 32 // 256 bits of entropy per emailed decision link

// Generator mints cryptographically random, URL-safe decision tokens.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// NewToken returns a fresh single-use token.
func (Generator) NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("approval: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
