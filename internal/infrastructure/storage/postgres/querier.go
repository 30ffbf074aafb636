package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"localtx/internal/core/tx"
)

// GetTx returns the transaction bound for this factory in ctx, or nil when the
// caller runs outside a PostgreSQL transaction.
func (f *Factory) GetTx(ctx context.Context) pgx.Tx {
	reg := tx.RegistryFromContext(ctx)
	if reg == nil {
		return nil
	}
	holder := reg.GetResource(f)
	if holder == nil {
		return nil
	}
	res, ok := holder.Resource().(*Resource)
	if !ok {
		return nil
	}
	return res.Tx()
}

// GetQuerier returns the bound transaction, a transaction enlisted in another
// manager's synchronization scope, or the pool when neither applies.
func (f *Factory) GetQuerier(ctx context.Context) (Querier, error) {
	holder, err := tx.ParticipantHolder(ctx, f)
	if err != nil {
		return nil, err
	}
	if holder == nil {
		return f.db, nil
	}
	return holder.Resource().(*Resource).Tx(), nil
}
