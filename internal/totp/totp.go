// Package totp implements RFC 4226 HOTP and RFC 6238 TOTP code generation
// and verification, plus single-use recovery code generation.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// Digits is the length of generated codes.
	Digits = 6
	// Period is the TOTP time step.
	Period = 30 * time.Second
	// Skew is how many adjacent time steps are accepted on verification,
	// tolerating modest clock drift between server and authenticator.
	Skew = 1

	secretBytes       = 20
	recoveryCodeBytes = 5
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewSecret returns a random base32 shared secret for an authenticator app.
func NewSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return b32.EncodeToString(b), nil
}

// KeyURI returns the otpauth:// provisioning URI for QR enrollment.
func KeyURI(issuer, account, secret string) string {
	label := url.PathEscape(issuer) + ":" + url.PathEscape(account)
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("digits", "6")
	q.Set("period", "30")
	return "otpauth://totp/" + label + "?" + q.Encode()
}

// HOTP computes the RFC 4226 code for a counter value.
func HOTP(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < Digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", Digits, code%mod)
}

// GenerateCode returns the TOTP code for the secret at the given instant.
func GenerateCode(secret string, at time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return HOTP(key, uint64(at.Unix())/uint64(Period.Seconds())), nil
}

// Validate checks a submitted code against the secret at the given instant,
// accepting codes from the surrounding Skew time steps. Comparison is
// constant-time per candidate.
func Validate(secret, code string, at time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != Digits {
		return false
	}
	key, err := decodeSecret(secret)
	if err != nil {
		return false
	}

	counter := int64(uint64(at.Unix()) / uint64(Period.Seconds()))
	for delta := -Skew; delta <= Skew; delta++ {
		c := counter + int64(delta)
		if c < 0 {
			continue
		}
		candidate := HOTP(key, uint64(c))
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// NewRecoveryCodes returns n random single-use codes in xxxxx-xxxxx form.
// Callers must store only their hashes.
func NewRecoveryCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		b := make([]byte, recoveryCodeBytes*2)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate recovery code: %w", err)
		}
		s := strings.ToLower(b32.EncodeToString(b))
		codes = append(codes, s[:8]+"-"+s[8:16])
	}
	return codes, nil
}

// NormalizeRecoveryCode strips separators and spacing so user-typed variants
// of the same code hash identically.
func NormalizeRecoveryCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

func decodeSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	key, err := b32.DecodeString(strings.TrimRight(normalized, "="))
	if err != nil {
		return nil, fmt.Errorf("decode totp secret: %w", err)
	}
	return key, nil
}
