package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localtx/internal/core/apperror"
	"localtx/internal/core/tx"
	"localtx/pkg/logger"
)

func newMockFactory(t *testing.T) (pgxmock.PgxPoolIface, *Factory, *tx.TxManager) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	f := NewFactory(mock)
	return mock, f, f.NewManager(tx.WithLogger(logger.NewNop()))
}

func TestTxOptions(t *testing.T) {
	tests := []struct {
		name string
		def  tx.Definition
		want pgx.TxOptions
	}{
		{
			name: "default",
			def:  tx.DefaultDefinition(),
			want: pgx.TxOptions{AccessMode: pgx.ReadWrite},
		},
		{
			name: "read only serializable",
			def:  tx.NewDefinition(tx.WithReadOnly(true), tx.WithIsolation(tx.IsolationSerializable)),
			want: pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadOnly},
		},
		{
			name: "repeatable read",
			def:  tx.NewDefinition(tx.WithIsolation(tx.IsolationRepeatableRead)),
			want: pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TxOptions(tt.def))
		})
	}
}

func TestFactory_CommitWithStatementTimeout(t *testing.T) {
	mock, f, m := newMockFactory(t)
	def := tx.NewDefinition(tx.WithTimeout(5 * time.Second))

	mock.ExpectBeginTx(TxOptions(def))
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL statement_timeout = '5000ms'")).
		WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("acc-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	tmpl := tx.NewTemplate(m, tx.WithTimeout(5*time.Second))
	err := tmpl.RunInTransaction(context.Background(), func(ctx context.Context) error {
		q, err := f.GetQuerier(ctx)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx, "INSERT INTO accounts (id) VALUES ($1)", "acc-1")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFactory_RollbackOnError(t *testing.T) {
	mock, _, m := newMockFactory(t)
	boom := errors.New("boom")

	mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadWrite})
	mock.ExpectRollback()

	err := tx.NewTemplate(m).RunInTransaction(context.Background(), func(ctx context.Context) error {
		return boom
	})
	assert.Same(t, boom, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFactory_BeginFailure(t *testing.T) {
	mock, _, m := newMockFactory(t)
	mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadWrite}).WillReturnError(errors.New("too many clients"))

	_, err := m.GetTransaction(context.Background(), tx.DefaultDefinition())
	assert.ErrorIs(t, err, apperror.ErrCannotCreateTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFactory_NestedUsesSavepoints(t *testing.T) {
	mock, f, m := newMockFactory(t)

	mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadWrite})
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec("DELETE FROM holds").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_1").WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_1").WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectCommit()

	outer := tx.NewTemplate(m)
	nested := outer.With(tx.WithPropagation(tx.PropagationNested))
	failed := errors.New("hold release failed")

	err := outer.RunInTransaction(context.Background(), func(ctx context.Context) error {
		err := nested.RunInTransaction(ctx, func(ctx context.Context) error {
			if _, err := f.GetTx(ctx).Exec(ctx, "DELETE FROM holds"); err != nil {
				return err
			}
			return failed
		})
		assert.Same(t, failed, err)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFactory_GetQuerier(t *testing.T) {
	t.Run("Should use the pool outside a transaction", func(t *testing.T) {
		mock, f, _ := newMockFactory(t)

		q, err := f.GetQuerier(context.Background())
		require.NoError(t, err)
		assert.Equal(t, mock, q)
		assert.Nil(t, f.GetTx(context.Background()))
	})

	t.Run("Should enlist a synchronized transaction in a SUPPORTS scope", func(t *testing.T) {
		mock, f, m := newMockFactory(t)

		mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadWrite})
		mock.ExpectExec("UPDATE balances").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		supports := tx.NewTemplate(m, tx.WithPropagation(tx.PropagationSupports))
		err := supports.Execute(context.Background(), func(ctx context.Context, status *tx.Status) error {
			assert.False(t, status.HasTransaction())
			q, err := f.GetQuerier(ctx)
			if err != nil {
				return err
			}
			_, err = q.Exec(ctx, "UPDATE balances SET amount = 0")
			if err != nil {
				return err
			}
			again, err := f.GetQuerier(ctx)
			require.NoError(t, err)
			assert.Equal(t, q, again)
			return nil
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should fail past the transaction deadline", func(t *testing.T) {
		mock, f, _ := newMockFactory(t)
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		m := f.NewManager(tx.WithLogger(logger.NewNop()), tx.WithClock(func() time.Time { return now }))

		mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadWrite})
		mock.ExpectExec(regexp.QuoteMeta("SET LOCAL statement_timeout = '1000ms'")).
			WillReturnResult(pgxmock.NewResult("SET", 0))
		mock.ExpectRollback()

		err := tx.NewTemplate(m, tx.WithTimeout(time.Second)).RunInTransaction(context.Background(), func(ctx context.Context) error {
			now = now.Add(2 * time.Second)
			_, err := f.GetQuerier(ctx)
			return err
		})
		assert.ErrorIs(t, err, apperror.ErrTimedOut)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
