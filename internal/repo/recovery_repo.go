package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecoveryCodeRepo manages the pool of single-use 2FA recovery codes.
type RecoveryCodeRepo interface {
	// Replace swaps the user's entire code pool for the given hashes.
	Replace(ctx context.Context, userID uuid.UUID, codeHashes []string, now time.Time) error
	// Consume burns the code matching the hash. Returns false when no unused
	// code matches; the guarded UPDATE makes double-spends impossible.
	Consume(ctx context.Context, userID uuid.UUID, codeHash string) (bool, error)
	CountRemaining(ctx context.Context, userID uuid.UUID) (int, error)
	DeleteAllForUser(ctx context.Context, userID uuid.UUID) error
}

type recoveryCodeRepo struct {
	db *sql.DB
}

// NewRecoveryCodeRepo creates a RecoveryCodeRepo backed by PostgreSQL.
func NewRecoveryCodeRepo(db *sql.DB) RecoveryCodeRepo {
	return &recoveryCodeRepo{db: db}
}

func (r *recoveryCodeRepo) Replace(ctx context.Context, userID uuid.UUID, codeHashes []string, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recovery_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear recovery codes: %w", err)
	}
	for _, h := range codeHashes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO recovery_codes (id, user_id, code_hash, is_used, created_at)
			VALUES ($1, $2, $3, false, $4)
		`, uuid.New(), userID, h, now)
		if err != nil {
			return fmt.Errorf("insert recovery code: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace tx: %w", err)
	}
	return nil
}

func (r *recoveryCodeRepo) Consume(ctx context.Context, userID uuid.UUID, codeHash string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recovery_codes
		SET is_used = true
		WHERE user_id = $1 AND code_hash = $2 AND is_used = false
	`, userID, codeHash)
	if err != nil {
		return false, fmt.Errorf("consume recovery code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *recoveryCodeRepo) CountRemaining(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM recovery_codes WHERE user_id = $1 AND is_used = false
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recovery codes: %w", err)
	}
	return count, nil
}

func (r *recoveryCodeRepo) DeleteAllForUser(ctx context.Context, userID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM recovery_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete recovery codes: %w", err)
	}
	return nil
}
