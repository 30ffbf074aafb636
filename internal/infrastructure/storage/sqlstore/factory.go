package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"localtx/internal/core/tx"
	"localtx/pkg/logger"
)

var (
	_ tx.ResourceFactory  = (*Factory)(nil)
	_ tx.SavepointManager = (*Resource)(nil)
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Factory opens database/sql transactions for the coordinator.
type Factory struct {
	db  *DB
	log *logger.Logger
}

func NewFactory(db *DB) *Factory {
	return &Factory{db: db, log: logger.Default().WithComponent("sqlstore").With("driver", db.driver)}
}

// NewManager returns a transaction manager driving this factory.
func (f *Factory) NewManager(opts ...tx.ManagerOption) *tx.TxManager {
	return tx.NewTxManager(f, append([]tx.ManagerOption{tx.WithManagerName(f.db.driver)}, opts...)...)
}

func (f *Factory) CreateResource(ctx context.Context, def tx.Definition) (tx.Resource, error) {
	sqlTx, err := f.db.BeginTx(ctx, f.txOptions(def))
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	f.log.Debugw("began transaction", "name", def.Name, "isolation", def.Isolation.String())
	return &Resource{tx: sqlTx}, nil
}

// txOptions maps def for the driver. SQLite transactions are always
// serializable and ignore the read-only hint.
func (f *Factory) txOptions(def tx.Definition) *sql.TxOptions {
	if f.db.driver == DriverSQLite {
		return nil
	}
	opts := &sql.TxOptions{ReadOnly: def.ReadOnly}
	switch def.Isolation {
	case tx.IsolationReadUncommitted:
		opts.Isolation = sql.LevelReadUncommitted
	case tx.IsolationReadCommitted:
		opts.Isolation = sql.LevelReadCommitted
	case tx.IsolationRepeatableRead:
		opts.Isolation = sql.LevelRepeatableRead
	case tx.IsolationSerializable:
		opts.Isolation = sql.LevelSerializable
	}
	return opts
}

func (f *Factory) ExtractHandle(holder *tx.ResourceHolder) (any, error) {
	res, ok := holder.Resource().(*Resource)
	if !ok {
		return nil, fmt.Errorf("unexpected resource type %T", holder.Resource())
	}
	return res.Tx(), nil
}

func (f *Factory) SynchronizedLocalTransactionAllowed() bool { return true }

// GetTx returns the *sql.Tx bound in ctx, or nil.
func (f *Factory) GetTx(ctx context.Context) *sql.Tx {
	reg := tx.RegistryFromContext(ctx)
	if reg == nil {
		return nil
	}
	if holder := reg.GetResource(f); holder != nil {
		if res, ok := holder.Resource().(*Resource); ok {
			return res.Tx()
		}
	}
	return nil
}

// GetQuerier returns the transaction a participant should use, enlisting one in
// an active synchronization scope, or the database itself.
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

// Resource is a *sql.Tx owned by a resource holder.
type Resource struct {
	tx         *sql.Tx
	savepoints int
	done       bool
}

func (r *Resource) Tx() *sql.Tx { return r.tx }

func (r *Resource) Commit(ctx context.Context) error {
	r.done = true
	return r.tx.Commit()
}

func (r *Resource) Rollback(ctx context.Context) error {
	r.done = true
	if err := r.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Close returns the connection of an uncompleted transaction to the pool.
func (r *Resource) Close(ctx context.Context) error {
	if r.done {
		return nil
	}
	return r.Rollback(ctx)
}

func (r *Resource) CreateSavepoint(ctx context.Context) (tx.Savepoint, error) {
	r.savepoints++
	sp := tx.Savepoint(fmt.Sprintf("sp_%d", r.savepoints))
	if _, err := r.tx.ExecContext(ctx, "SAVEPOINT "+string(sp)); err != nil {
		return "", fmt.Errorf("create savepoint: %w", err)
	}
	return sp, nil
}

func (r *Resource) RollbackToSavepoint(ctx context.Context, sp tx.Savepoint) error {
	if _, err := r.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+string(sp)); err != nil {
		return fmt.Errorf("rollback to savepoint: %w", err)
	}
	return nil
}

func (r *Resource) ReleaseSavepoint(ctx context.Context, sp tx.Savepoint) error {
	if _, err := r.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+string(sp)); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}
