package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// TokenRepo persists bearer token rows keyed by fingerprint.
type TokenRepo struct{ Pool PgxPool }

// NewTokenRepo constructs a TokenRepo with the given pool.
func NewTokenRepo(p PgxPool) *TokenRepo { return &TokenRepo{Pool: p} }

// Issue deactivates all prior active tokens for the user and inserts the new
// row in one transaction. A duplicate fingerprint maps to ErrConflict.
func (r *TokenRepo) Issue(ctx domain.Context, t domain.Token) error {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.Issue")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=token.issue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE tokens SET is_active=FALSE WHERE user_id=$1 AND is_active`, t.UserID); err != nil {
		return fmt.Errorf("op=token.issue: %w", err)
	}

	q := `INSERT INTO tokens (fingerprint, user_id, is_admin, is_active, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := tx.Exec(ctx, q, t.Fingerprint, t.UserID, t.IsAdmin, t.IsActive, t.CreatedAt.UTC(), t.ExpiresAt.UTC()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=token.issue: fingerprint exists: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=token.issue: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=token.issue: %w", err)
	}
	return nil
}

// Get loads a token row by fingerprint.
func (r *TokenRepo) Get(ctx domain.Context, fingerprint string) (domain.Token, error) {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.Get")
	defer span.End()

	q := `SELECT fingerprint, user_id, is_admin, is_active, created_at, expires_at
		FROM tokens WHERE fingerprint=$1`
	var t domain.Token
	err := r.Pool.QueryRow(ctx, q, fingerprint).Scan(
		&t.Fingerprint, &t.UserID, &t.IsAdmin, &t.IsActive, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Token{}, fmt.Errorf("op=token.get: %w", domain.ErrNotFound)
		}
		return domain.Token{}, fmt.Errorf("op=token.get: %w", err)
	}
	return t, nil
}

// Deactivate revokes one token. Missing fingerprints map to ErrNotFound so
// revocation is externally idempotent.
func (r *TokenRepo) Deactivate(ctx domain.Context, fingerprint string) error {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.Deactivate")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `UPDATE tokens SET is_active=FALSE WHERE fingerprint=$1`, fingerprint)
	if err != nil {
		return fmt.Errorf("op=token.deactivate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=token.deactivate: %w", domain.ErrNotFound)
	}
	return nil
}

// List returns every token row, newest first.
func (r *TokenRepo) List(ctx domain.Context) ([]domain.Token, error) {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.List")
	defer span.End()

	q := `SELECT fingerprint, user_id, is_admin, is_active, created_at, expires_at
		FROM tokens ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=token.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Token
	for rows.Next() {
		var t domain.Token
		if err := rows.Scan(&t.Fingerprint, &t.UserID, &t.IsAdmin, &t.IsActive, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, fmt.Errorf("op=token.list: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=token.list: %w", err)
	}
	return out, nil
}
