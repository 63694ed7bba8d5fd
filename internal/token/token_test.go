package token

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/authcore/internal/clock"
	"github.com/halcyonlabs/authcore/internal/model"
)

const testSecret = "test-signing-key-at-least-32-characters"

func newTestCodec(t *testing.T, clk clock.Clock) *Codec {
	t.Helper()
	c, err := NewCodec([]byte(testSecret), "authcore", "authcore-api", 15*time.Minute, clk)
	require.NoError(t, err)
	return c
}

func TestNewCodec_Validation(t *testing.T) {
	_, err := NewCodec([]byte("short"), "iss", "aud", 15*time.Minute, nil)
	assert.Error(t, err, "short key must be rejected")

	_, err = NewCodec([]byte(testSecret), "", "aud", 15*time.Minute, nil)
	assert.Error(t, err, "empty issuer must be rejected")

	_, err = NewCodec([]byte(testSecret), "iss", "aud", 10*time.Second, nil)
	assert.Error(t, err, "lifetime below 1m must be rejected")

	_, err = NewCodec([]byte(testSecret), "iss", "aud", 3*time.Hour, nil)
	assert.Error(t, err, "lifetime above 2h must be rejected")
}

func TestIssueAccessToken_Claims(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	codec := newTestCodec(t, clk)

	user := model.User{ID: uuid.New(), SecurityStamp: "stamp-1"}
	signed, expiresAt, err := codec.IssueAccessToken(user)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(15*time.Minute), expiresAt)

	claims, err := codec.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.Equal(t, "authcore", claims.Issuer)
	assert.Equal(t, HashValue("stamp-1"), claims.SecurityStampHash)
	assert.Equal(t, claims.IssuedAt.Time, claims.NotBefore.Time)
	assert.Equal(t, expiresAt.Unix(), claims.ExpiresAt.Unix())
}

func TestVerify_RejectsExpired(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	codec := newTestCodec(t, clk)

	signed, _, err := codec.IssueAccessToken(model.User{ID: uuid.New(), SecurityStamp: "s"})
	require.NoError(t, err)

	clk.Advance(16 * time.Minute)
	_, err = codec.Verify(signed)
	assert.Error(t, err)
}

func TestVerify_RejectsTamperedToken(t *testing.T) {
	codec := newTestCodec(t, clock.NewFake(time.Now()))
	signed, _, err := codec.IssueAccessToken(model.User{ID: uuid.New(), SecurityStamp: "s"})
	require.NoError(t, err)

	tampered := signed[:len(signed)-2] + "xx"
	_, err = codec.Verify(tampered)
	assert.Error(t, err)
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	clk := clock.NewFake(time.Now())
	codec := newTestCodec(t, clk)
	other, err := NewCodec([]byte("another-signing-key-32-characters-min"), "authcore", "authcore-api", 15*time.Minute, clk)
	require.NoError(t, err)

	signed, _, err := codec.IssueAccessToken(model.User{ID: uuid.New(), SecurityStamp: "s"})
	require.NoError(t, err)

	_, err = other.Verify(signed)
	assert.Error(t, err)
}

func TestNewOpaque(t *testing.T) {
	value, hash, err := NewOpaque()
	require.NoError(t, err)
	assert.NotEmpty(t, value)
	assert.Equal(t, HashValue(value), hash, "stored hash must match lookup-time hash")

	decoded, err := hex.DecodeString(hash)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)

	// A second value must not collide.
	value2, hash2, err := NewOpaque()
	require.NoError(t, err)
	assert.NotEqual(t, value, value2)
	assert.NotEqual(t, hash, hash2)
}

func TestHashValue_SingleBitMutationChangesHash(t *testing.T) {
	value, hash, err := NewOpaque()
	require.NoError(t, err)

	mutated := []byte(value)
	mutated[0] ^= 0x01
	assert.NotEqual(t, hash, HashValue(string(mutated)))
}

func TestConstantTimeEquals(t *testing.T) {
	assert.True(t, ConstantTimeEquals("abc", "abc"))
	assert.False(t, ConstantTimeEquals("abc", "abd"))
	assert.False(t, ConstantTimeEquals("abc", "abcd"))
	assert.False(t, ConstantTimeEquals("", "x"))
}
