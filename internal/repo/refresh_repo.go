package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/authcore/internal/model"
)

// RefreshTokenRepo is the persistence abstraction over the append-only
// refresh token table.
type RefreshTokenRepo interface {
	Insert(ctx context.Context, t model.RefreshToken) error
	// FindByHash returns the row for a token hash regardless of state, so the
	// caller can distinguish expired, invalidated and reused presentations.
	FindByHash(ctx context.Context, tokenHash string) (model.RefreshToken, error)
	// Rotate atomically marks the current token used and inserts its
	// successor. Returns false (with no mutation) when the current token was
	// already used or invalidated by a concurrent redeemer.
	Rotate(ctx context.Context, currentID uuid.UUID, successor model.RefreshToken) (bool, error)
	// InvalidateByID revokes a single token.
	InvalidateByID(ctx context.Context, id uuid.UUID) error
	// InvalidateAllForUser revokes every non-invalidated token of the user in
	// one statement. This is the reuse-detection family response.
	InvalidateAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	// DeleteExpiredBefore purges rows whose expiry predates the cutoff. It is
	// for the retention sweep, never the request path.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type refreshTokenRepo struct {
	db *sql.DB
}

// NewRefreshTokenRepo creates a RefreshTokenRepo backed by PostgreSQL.
func NewRefreshTokenRepo(db *sql.DB) RefreshTokenRepo {
	return &refreshTokenRepo{db: db}
}

func (r *refreshTokenRepo) Insert(ctx context.Context, t model.RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, created_at, expires_at, is_used, is_invalidated, is_remember_me)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.UserID, t.TokenHash, t.CreatedAt, t.ExpiresAt, t.IsUsed, t.IsInvalidated, t.IsRememberMe)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *refreshTokenRepo) FindByHash(ctx context.Context, tokenHash string) (model.RefreshToken, error) {
	var t model.RefreshToken
	var idStr, userIDStr string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, is_used, is_invalidated, is_remember_me
		FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(
		&idStr, &userIDStr, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt,
		&t.IsUsed, &t.IsInvalidated, &t.IsRememberMe,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefreshToken{}, ErrNotFound
		}
		return model.RefreshToken{}, fmt.Errorf("find refresh token: %w", err)
	}
	if t.ID, err = uuid.Parse(idStr); err != nil {
		return model.RefreshToken{}, fmt.Errorf("parse refresh token id: %w", err)
	}
	if t.UserID, err = uuid.Parse(userIDStr); err != nil {
		return model.RefreshToken{}, fmt.Errorf("parse user id: %w", err)
	}
	return t, nil
}

// Rotate runs the mark-used-and-insert-successor sequence as one transaction.
// The conditional UPDATE is the concurrency guard: of any number of
// simultaneous redeemers of the same presented value, exactly one sees a row
// flip from unused to used; every other transaction updates zero rows and
// rolls back, leaving the caller to take the reuse path.
func (r *refreshTokenRepo) Rotate(ctx context.Context, currentID uuid.UUID, successor model.RefreshToken) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin rotate tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET is_used = true
		WHERE id = $1 AND is_used = false AND is_invalidated = false
	`, currentID)
	if err != nil {
		return false, fmt.Errorf("mark refresh token used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rotate rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, created_at, expires_at, is_used, is_invalidated, is_remember_me)
		VALUES ($1, $2, $3, $4, $5, false, false, $6)
	`, successor.ID, successor.UserID, successor.TokenHash, successor.CreatedAt, successor.ExpiresAt, successor.IsRememberMe)
	if err != nil {
		return false, fmt.Errorf("insert successor token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit rotate tx: %w", err)
	}
	return true, nil
}

func (r *refreshTokenRepo) InvalidateByID(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET is_invalidated = true WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("invalidate refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *refreshTokenRepo) InvalidateAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET is_invalidated = true
		WHERE user_id = $1 AND is_invalidated = false
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("invalidate refresh tokens for user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("invalidate rows affected: %w", err)
	}
	return n, nil
}

func (r *refreshTokenRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
