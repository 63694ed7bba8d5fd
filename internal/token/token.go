// Package token builds and verifies signed access tokens and generates the
// opaque random values used for refresh tokens and 2FA challenges. Opaque
// values are stored only as SHA-256 hex digests; the plaintext is handed to
// the client exactly once.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/halcyonlabs/authcore/internal/clock"
	"github.com/halcyonlabs/authcore/internal/model"
)

const opaqueTokenBytes = 32 // 256 bits of entropy

// Claims is the access-token claim set. SecurityStampHash lets the
// authentication middleware reject tokens issued before a credential or
// permission change, without waiting for natural expiry.
type Claims struct {
	SecurityStampHash string `json:"sst"`
	jwt.RegisteredClaims
}

// Codec signs and verifies access tokens with a fixed key, issuer, audience
// and lifetime.
type Codec struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    clock.Clock
}

// NewCodec validates the signing configuration and returns a Codec. An
// invalid configuration is a startup error.
func NewCodec(secret []byte, issuer, audience string, ttl time.Duration, clk clock.Clock) (*Codec, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(secret))
	}
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("issuer and audience must be set")
	}
	if ttl < time.Minute || ttl > 2*time.Hour {
		return nil, fmt.Errorf("access token lifetime must be between 1m and 2h, got %v", ttl)
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Codec{secret: secret, issuer: issuer, audience: audience, ttl: ttl, clock: clk}, nil
}

// IssueAccessToken signs a token for the user, embedding the hash of the
// user's current security stamp. Returns the signed string and its expiry.
func (c *Codec) IssueAccessToken(user model.User) (string, time.Time, error) {
	now := c.clock.Now()
	expiresAt := now.Add(c.ttl)

	claims := &Claims{
		SecurityStampHash: HashValue(user.SecurityStamp),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates an access token string.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	},
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithTimeFunc(c.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid access token")
	}
	return claims, nil
}

// NewOpaque returns a random URL-safe opaque value and its SHA-256 hex hash.
// Only the hash may be persisted.
func NewOpaque() (value string, hashHex string, err error) {
	b := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate opaque token: %w", err)
	}
	value = base64.RawURLEncoding.EncodeToString(b)
	return value, HashValue(value), nil
}

// HashValue returns the SHA-256 hex digest of an opaque value or stamp.
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two strings without leaking a timing signal.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
