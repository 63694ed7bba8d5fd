package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/authcore/internal/model"
)

// UserRepo is the identity store consumed by the session service.
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	Create(ctx context.Context, u model.User) error
	// FindOrCreateExternal resolves a provider identity to a local account,
	// provisioning one when the provider subject is unseen.
	FindOrCreateExternal(ctx context.Context, providerName string, info model.ExternalUserInfo, newUser model.User) (model.User, error)
	// UpdatePassword swaps the password hash and rotates the security stamp
	// in one statement, so outstanding access tokens die with the old stamp.
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash, securityStamp string, now time.Time) error
	// SetTwoFactor updates the enrollment state and writes the given security
	// stamp. Provisioning a pending secret passes the current stamp through
	// unchanged so the caller's access token keeps working; enabling passes a
	// fresh stamp to cut other sessions over.
	SetTwoFactor(ctx context.Context, id uuid.UUID, secret string, enabled bool, securityStamp string, now time.Time) error
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a UserRepo backed by PostgreSQL.
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

const userColumns = `id, email, password_hash, security_stamp, two_factor_enabled, two_factor_secret, locked_out_until, created_at, updated_at`

func (r *userRepo) scanUser(row *sql.Row) (model.User, error) {
	var u model.User
	var idStr string
	err := row.Scan(
		&idStr, &u.Email, &u.PasswordHash, &u.SecurityStamp,
		&u.TwoFactorEnabled, &u.TwoFactorSecret, &u.LockedOutUntil,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	if u.ID, err = uuid.Parse(idStr); err != nil {
		return model.User{}, fmt.Errorf("parse user id: %w", err)
	}
	return u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return r.scanUser(row)
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email))
	return r.scanUser(row)
}

func (r *userRepo) Create(ctx context.Context, u model.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, security_stamp, two_factor_enabled, two_factor_secret, locked_out_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Email, u.PasswordHash, u.SecurityStamp, u.TwoFactorEnabled, u.TwoFactorSecret, u.LockedOutUntil, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *userRepo) FindOrCreateExternal(ctx context.Context, providerName string, info model.ExternalUserInfo, newUser model.User) (model.User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.User{}, fmt.Errorf("begin external login tx: %w", err)
	}
	defer tx.Rollback()

	var userIDStr string
	err = tx.QueryRowContext(ctx, `
		SELECT user_id FROM external_logins WHERE provider = $1 AND provider_key = $2
	`, providerName, info.ProviderKey).Scan(&userIDStr)
	switch {
	case err == nil:
		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			return model.User{}, fmt.Errorf("parse external user id: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return model.User{}, fmt.Errorf("commit external login tx: %w", err)
		}
		return r.GetByID(ctx, userID)
	case errors.Is(err, sql.ErrNoRows):
		// fall through to linkage below
	default:
		return model.User{}, fmt.Errorf("find external login: %w", err)
	}

	// Link to an existing account with the provider-verified email, or
	// provision a fresh one.
	user, err := r.scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, info.Email))
	if errors.Is(err, ErrNotFound) {
		user = newUser
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (id, email, password_hash, security_stamp, two_factor_enabled, two_factor_secret, locked_out_until, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, user.ID, user.Email, user.PasswordHash, user.SecurityStamp, user.TwoFactorEnabled, user.TwoFactorSecret, user.LockedOutUntil, user.CreatedAt, user.UpdatedAt)
		if err != nil {
			return model.User{}, fmt.Errorf("provision external user: %w", err)
		}
	} else if err != nil {
		return model.User{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO external_logins (provider, provider_key, user_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_key) DO NOTHING
	`, providerName, info.ProviderKey, user.ID, user.CreatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("link external login: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.User{}, fmt.Errorf("commit external login tx: %w", err)
	}
	return user, nil
}

func (r *userRepo) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash, securityStamp string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, security_stamp = $3, updated_at = $4
		WHERE id = $1
	`, id, passwordHash, securityStamp, now)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepo) SetTwoFactor(ctx context.Context, id uuid.UUID, secret string, enabled bool, securityStamp string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET two_factor_secret = $2, two_factor_enabled = $3, security_stamp = $4, updated_at = $5
		WHERE id = $1
	`, id, secret, enabled, securityStamp, now)
	if err != nil {
		return fmt.Errorf("set two-factor state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
