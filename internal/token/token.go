// Package token generates opaque, URL-safe deep-link tokens.
//
// Tokens carry 96 bits from crypto/rand and nothing else: they cannot be
// derived from channel ids, message ids, or issuance order.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Size is the number of random bytes per token (16 encoded characters).
const Size = 12

// Generator produces tokens from a randomness source.
type Generator struct {
	// Rand defaults to crypto/rand.Reader. Tests may inject a deterministic reader.
	Rand io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() *Generator { return &Generator{Rand: rand.Reader} }

// Generate returns a fresh token.
func (g *Generator) Generate() (string, error) {
	r := g.Rand
	if r == nil {
		r = rand.Reader
	}
	var b [Size]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", fmt.Errorf("token: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// Valid reports whether s has the shape of a generated token. It is a cheap
// pre-filter for user input and says nothing about existence.
func Valid(s string) bool {
	if len(s) != base64.RawURLEncoding.EncodedLen(Size) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
