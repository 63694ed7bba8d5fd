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

// ChallengeRepo is the persistence abstraction over short-lived two-factor
// challenge records.
type ChallengeRepo interface {
	Insert(ctx context.Context, c model.TwoFactorChallenge) error
	FindByHash(ctx context.Context, tokenHash string) (model.TwoFactorChallenge, error)
	// IncrementAttempts bumps the failure counter atomically and returns the
	// new value. The increment-and-read is one statement, so parallel wrong
	// guesses cannot slip under the lockout threshold.
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	// MarkUsed consumes the challenge. Returns false when it was already
	// consumed by a concurrent verification or the attempt counter is past
	// maxAttempts. A successful verification holds one attempt slot, so the
	// bound is inclusive.
	MarkUsed(ctx context.Context, id uuid.UUID, maxAttempts int) (bool, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type challengeRepo struct {
	db *sql.DB
}

// NewChallengeRepo creates a ChallengeRepo backed by PostgreSQL.
func NewChallengeRepo(db *sql.DB) ChallengeRepo {
	return &challengeRepo{db: db}
}

func (r *challengeRepo) Insert(ctx context.Context, c model.TwoFactorChallenge) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO two_factor_challenges (id, user_id, token_hash, created_at, expires_at, is_used, is_remember_me, failed_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.UserID, c.TokenHash, c.CreatedAt, c.ExpiresAt, c.IsUsed, c.IsRememberMe, c.FailedAttempts)
	if err != nil {
		return fmt.Errorf("insert two-factor challenge: %w", err)
	}
	return nil
}

func (r *challengeRepo) FindByHash(ctx context.Context, tokenHash string) (model.TwoFactorChallenge, error) {
	var c model.TwoFactorChallenge
	var idStr, userIDStr string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, is_used, is_remember_me, failed_attempts
		FROM two_factor_challenges
		WHERE token_hash = $1
	`, tokenHash).Scan(
		&idStr, &userIDStr, &c.TokenHash, &c.CreatedAt, &c.ExpiresAt,
		&c.IsUsed, &c.IsRememberMe, &c.FailedAttempts,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TwoFactorChallenge{}, ErrNotFound
		}
		return model.TwoFactorChallenge{}, fmt.Errorf("find two-factor challenge: %w", err)
	}
	if c.ID, err = uuid.Parse(idStr); err != nil {
		return model.TwoFactorChallenge{}, fmt.Errorf("parse challenge id: %w", err)
	}
	if c.UserID, err = uuid.Parse(userIDStr); err != nil {
		return model.TwoFactorChallenge{}, fmt.Errorf("parse user id: %w", err)
	}
	return c, nil
}

func (r *challengeRepo) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		UPDATE two_factor_challenges
		SET failed_attempts = failed_attempts + 1
		WHERE id = $1
		RETURNING failed_attempts
	`, id).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment challenge attempts: %w", err)
	}
	return count, nil
}

func (r *challengeRepo) MarkUsed(ctx context.Context, id uuid.UUID, maxAttempts int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE two_factor_challenges
		SET is_used = true
		WHERE id = $1 AND is_used = false AND failed_attempts <= $2
	`, id, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("mark challenge used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark used rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *challengeRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM two_factor_challenges WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired challenges: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
