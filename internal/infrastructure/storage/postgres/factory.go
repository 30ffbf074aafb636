package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"localtx/internal/core/tx"
	"localtx/pkg/logger"
)

// Compile-time checks.
var (
	_ tx.ResourceFactory  = (*Factory)(nil)
	_ tx.Resource         = (*Resource)(nil)
	_ tx.SavepointManager = (*Resource)(nil)
)

// Factory opens pgx transactions for the coordinator. The *Factory value is the
// registry key for PostgreSQL holders, so use one Factory per pool.
type Factory struct {
	db  DB
	log *logger.Logger
}

// NewFactory creates a factory over db.
func NewFactory(db DB) *Factory {
	return &Factory{db: db, log: logger.Default().WithComponent("postgres")}
}

// NewManager returns a transaction manager driving this factory.
func (f *Factory) NewManager(opts ...tx.ManagerOption) *tx.TxManager {
	return tx.NewTxManager(f, append([]tx.ManagerOption{tx.WithManagerName("postgres")}, opts...)...)
}

// CreateResource begins a pgx transaction with the isolation and access mode of def.
// A positive timeout also becomes the transaction's statement_timeout.
func (f *Factory) CreateResource(ctx context.Context, def tx.Definition) (tx.Resource, error) {
	pgxTx, err := f.db.BeginTx(ctx, TxOptions(def))
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	if def.Timeout > 0 {
		_, err = pgxTx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", def.Timeout.Milliseconds()))
		if err != nil {
			_ = pgxTx.Rollback(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	f.log.Debugw("began transaction", "name", def.Name, "isolation", def.Isolation.String(), "read_only", def.ReadOnly)
	return &Resource{tx: pgxTx}, nil
}

// ExtractHandle returns the pgx.Tx of holder.
func (f *Factory) ExtractHandle(holder *tx.ResourceHolder) (any, error) {
	res, ok := holder.Resource().(*Resource)
	if !ok {
		return nil, fmt.Errorf("unexpected resource type %T", holder.Resource())
	}
	return res.Tx(), nil
}

// SynchronizedLocalTransactionAllowed is true: pgx transactions support savepoints
// and can follow another manager's transaction.
func (f *Factory) SynchronizedLocalTransactionAllowed() bool { return true }

// TxOptions maps a definition to pgx transaction options.
func TxOptions(def tx.Definition) pgx.TxOptions {
	opts := pgx.TxOptions{AccessMode: pgx.ReadWrite}
	if def.ReadOnly {
		opts.AccessMode = pgx.ReadOnly
	}
	switch def.Isolation {
	case tx.IsolationReadUncommitted:
		opts.IsoLevel = pgx.ReadUncommitted
	case tx.IsolationReadCommitted:
		opts.IsoLevel = pgx.ReadCommitted
	case tx.IsolationRepeatableRead:
		opts.IsoLevel = pgx.RepeatableRead
	case tx.IsolationSerializable:
		opts.IsoLevel = pgx.Serializable
	}
	return opts
}

// Resource is a pgx transaction owned by a resource holder.
type Resource struct {
	tx         pgx.Tx
	savepoints int
	done       bool
}

// Tx returns the underlying transaction.
func (r *Resource) Tx() pgx.Tx { return r.tx }

func (r *Resource) Commit(ctx context.Context) error {
	r.done = true
	return r.tx.Commit(ctx)
}

func (r *Resource) Rollback(ctx context.Context) error {
	r.done = true
	err := r.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// Close rolls back a transaction that was never completed, which returns the
// connection to the pool. pgx already released it otherwise.
func (r *Resource) Close(ctx context.Context) error {
	if r.done {
		return nil
	}
	return r.Rollback(ctx)
}

func (r *Resource) CreateSavepoint(ctx context.Context) (tx.Savepoint, error) {
	r.savepoints++
	sp := tx.Savepoint(fmt.Sprintf("sp_%d", r.savepoints))
	if _, err := r.tx.Exec(ctx, "SAVEPOINT "+string(sp)); err != nil {
		return "", fmt.Errorf("create savepoint: %w", err)
	}
	return sp, nil
}

func (r *Resource) RollbackToSavepoint(ctx context.Context, sp tx.Savepoint) error {
	if _, err := r.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+string(sp)); err != nil {
		return fmt.Errorf("rollback to savepoint: %w", err)
	}
	return nil
}

func (r *Resource) ReleaseSavepoint(ctx context.Context, sp tx.Savepoint) error {
	if _, err := r.tx.Exec(ctx, "RELEASE SAVEPOINT "+string(sp)); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}
