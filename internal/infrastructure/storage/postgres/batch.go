package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"localtx/internal/core/apperror"
)

// CopyFrom bulk-inserts rows with the COPY protocol inside the bound transaction.
// It fails outside a transaction, where the rows could not follow its outcome.
func (f *Factory) CopyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	pgxTx := f.GetTx(ctx)
	if pgxTx == nil {
		return 0, apperror.NewIllegalTransactionState("copy into " + table + " requires a postgres transaction")
	}
	n, err := pgxTx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("copy into %s: %w", table, err)
	}
	return n, nil
}
