package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/halcyonlabs/authcore/internal/clock"
	"github.com/halcyonlabs/authcore/internal/model"
)

// CredentialVerifier is the external identity-store contract for password
// verification and lockout state. The session service never inspects the
// password hash itself.
type CredentialVerifier interface {
	CheckPassword(user model.User, password string) bool
	IsLockedOut(user model.User) bool
}

// BcryptVerifier verifies against bcrypt hashes stored on the user row.
type BcryptVerifier struct {
	Clock clock.Clock
}

func (v BcryptVerifier) CheckPassword(user model.User, password string) bool {
	if user.PasswordHash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

func (v BcryptVerifier) IsLockedOut(user model.User) bool {
	if user.LockedOutUntil == nil {
		return false
	}
	clk := v.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return clk.Now().Before(*user.LockedOutUntil)
}

// HashPassword produces a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
