package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

func newTokenRepo(t *testing.T) (*postgres.TokenRepo, pgxmock.PgxPoolIface) {
	t.Helper()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return postgres.NewTokenRepo(m), m
}

func testToken(user string) domain.Token {
	now := time.Now().UTC()
	return domain.Token{
		Fingerprint: domain.Fingerprint("secret-" + user),
		UserID:      user,
		IsActive:    true,
		CreatedAt:   now,
		ExpiresAt:   now.AddDate(0, 0, 30),
	}
}

func TestTokenRepo_Issue(t *testing.T) {
	t.Parallel()

	t.Run("rotates prior active tokens in one tx", func(t *testing.T) {
		t.Parallel()
		repo, m := newTokenRepo(t)
		tok := testToken("alice")

		m.ExpectBegin()
		m.ExpectExec("UPDATE tokens SET is_active=FALSE WHERE user_id=").
			WithArgs("alice").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		m.ExpectExec("INSERT INTO tokens").
			WithArgs(tok.Fingerprint, "alice", false, true, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		m.ExpectCommit()

		err := repo.Issue(context.Background(), tok)
		require.NoError(t, err)
		require.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("duplicate fingerprint maps to conflict", func(t *testing.T) {
		t.Parallel()
		repo, m := newTokenRepo(t)
		tok := testToken("alice")

		m.ExpectBegin()
		m.ExpectExec("UPDATE tokens SET is_active=FALSE WHERE user_id=").
			WithArgs("alice").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		m.ExpectExec("INSERT INTO tokens").
			WillReturnError(&pgconn.PgError{Code: "23505"})
		m.ExpectRollback()

		err := repo.Issue(context.Background(), tok)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConflict)
		require.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("begin failure is wrapped", func(t *testing.T) {
		t.Parallel()
		repo, m := newTokenRepo(t)

		m.ExpectBegin().WillReturnError(assert.AnError)

		err := repo.Issue(context.Background(), testToken("bob"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "op=token.issue")
		require.NoError(t, m.ExpectationsWereMet())
	})
}

func TestTokenRepo_Get(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		repo, m := newTokenRepo(t)
		created := time.Now().UTC().Add(-time.Hour)
		expires := created.AddDate(0, 0, 30)
		rows := pgxmock.NewRows([]string{"fingerprint", "user_id", "is_admin", "is_active", "created_at", "expires_at"}).
			AddRow("fp-abc", "alice", false, true, created, expires)
		m.ExpectQuery("FROM tokens WHERE fingerprint=").
			WithArgs("fp-abc").
			WillReturnRows(rows)

		got, err := repo.Get(context.Background(), "fp-abc")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.UserID)
		assert.True(t, got.IsActive)
		assert.False(t, got.IsAdmin)
		assert.Equal(t, expires, got.ExpiresAt)
		require.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("unknown fingerprint maps to not found", func(t *testing.T) {
		t.Parallel()
		repo, m := newTokenRepo(t)
		m.ExpectQuery("FROM tokens WHERE fingerprint=").
			WithArgs("fp-missing").
			WillReturnError(pgx.ErrNoRows)

		_, err := repo.Get(context.Background(), "fp-missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		require.NoError(t, m.ExpectationsWereMet())
	})
}

func TestTokenRepo_Deactivate(t *testing.T) {
	t.Parallel()

	t.Run("revokes active token", func(t *testing.T) {
		t.Parallel()
		repo, m := newTokenRepo(t)
		m.ExpectExec("UPDATE tokens SET is_active=FALSE WHERE fingerprint=").
			WithArgs("fp-abc").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.Deactivate(context.Background(), "fp-abc"))
		require.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("unknown fingerprint maps to not found", func(t *testing.T) {
		t.Parallel()
		repo, m := newTokenRepo(t)
		m.ExpectExec("UPDATE tokens SET is_active=FALSE WHERE fingerprint=").
			WithArgs("fp-missing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.Deactivate(context.Background(), "fp-missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		require.NoError(t, m.ExpectationsWereMet())
	})
}

func TestTokenRepo_List(t *testing.T) {
	t.Parallel()
	repo, m := newTokenRepo(t)
	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{"fingerprint", "user_id", "is_admin", "is_active", "created_at", "expires_at"}).
		AddRow("fp-new", "alice", false, true, now, now.AddDate(0, 0, 30)).
		AddRow("fp-old", "alice", false, false, now.Add(-time.Hour), now.AddDate(0, 0, 29))
	m.ExpectQuery("FROM tokens ORDER BY created_at DESC").
		WillReturnRows(rows)

	got, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "fp-new", got[0].Fingerprint)
	assert.False(t, got[1].IsActive)
	require.NoError(t, m.ExpectationsWereMet())
}
