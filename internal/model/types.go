package model

import (
	"time"

	"github.com/google/uuid"
)

// User is the local principal. PasswordHash and TwoFactorSecret are opaque to
// everything outside the identity store and the 2FA verifier.
type User struct {
	ID               uuid.UUID
	Email            string
	PasswordHash     string
	SecurityStamp    string
	TwoFactorEnabled bool
	TwoFactorSecret  string
	LockedOutUntil   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RefreshToken is one row of the append-only refresh token table. Only the
// SHA-256 hash of the opaque bearer value is ever stored.
//
// A token is redeemable iff !IsUsed && !IsInvalidated && now < ExpiresAt.
// Once redeemed, a second presentation of the same value is the theft signal.
type RefreshToken struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	TokenHash     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	IsUsed        bool
	IsInvalidated bool
	IsRememberMe  bool
}

// TwoFactorChallenge bridges a successful password check to a pending
// second-factor verification. Same hashing discipline as RefreshToken.
type TwoFactorChallenge struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	TokenHash      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	IsUsed         bool
	IsRememberMe   bool
	FailedAttempts int
}

// RecoveryCode is a single-use 2FA fallback code, stored hashed.
type RecoveryCode struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	CodeHash  string
	IsUsed    bool
	CreatedAt time.Time
}

// ExternalUserInfo is the provider-verified identity returned by an external
// OAuth2 exchange. It is transient and never persisted as-is.
type ExternalUserInfo struct {
	ProviderKey   string
	Email         string
	EmailVerified bool
	FirstName     string
	LastName      string
}
