// Package ledger_repo stores the ledger in PostgreSQL.
package ledger_repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"localtx/internal/core/types"
	"localtx/internal/domain/ledger"
	"localtx/internal/infrastructure/storage/postgres"
)

const (
	accountsTable  = "accounts"
	transfersTable = "transfers"
	entriesTable   = "ledger_entries"
)

var (
	_ ledger.Repository = (*Repository)(nil)
	_ ledger.EventStore = (*EventStore)(nil)
)

// Repository implements ledger.Repository on the postgres factory's ambient transaction.
type Repository struct {
	factory *postgres.Factory
	builder squirrel.StatementBuilderType

	accountColumns  []string
	transferColumns []string
	entryColumns    []string
}

func NewRepository(factory *postgres.Factory) *Repository {
	return &Repository{
		factory:         factory,
		builder:         squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		accountColumns:  postgres.Columns[ledger.Account](),
		transferColumns: postgres.Columns[ledger.Transfer](),
		entryColumns:    postgres.Columns[ledger.Entry](),
	}
}

func (r *Repository) LockAccounts(ctx context.Context, ids []string) ([]ledger.Account, error) {
	q, err := r.factory.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}
	sql, args, err := r.builder.
		Select(r.accountColumns...).
		From(accountsTable).
		Where(squirrel.Eq{"id": ids}).
		OrderBy("id").
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build account select: %w", err)
	}

	var accounts []ledger.Account
	if err := pgxscan.Select(ctx, q, &accounts, sql, args...); err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	return accounts, nil
}

func (r *Repository) UpdateBalance(ctx context.Context, acc ledger.Account) error {
	q, err := r.factory.GetQuerier(ctx)
	if err != nil {
		return err
	}
	sql, args, err := r.builder.
		Update(accountsTable).
		Set("balance", acc.Balance).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": acc.ID, "version": acc.Version}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build balance update: %w", err)
	}

	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update balance of %s: %w", acc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrConcurrentModification, acc.ID)
	}
	return nil
}

func (r *Repository) InsertTransfer(ctx context.Context, t *ledger.Transfer) error {
	q, err := r.factory.GetQuerier(ctx)
	if err != nil {
		return err
	}
	sql, args, err := r.builder.
		Insert(transfersTable).
		Columns(r.transferColumns...).
		Values(postgres.Values(t)...).
		ToSql()
	if err != nil {
		return fmt.Errorf("build transfer insert: %w", err)
	}
	if _, err := q.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// InsertEntries copies entries with the COPY protocol.
func (r *Repository) InsertEntries(ctx context.Context, entries []ledger.Entry) error {
	rows := make([][]any, len(entries))
	for i := range entries {
		rows[i] = postgres.Values(&entries[i])
	}
	if _, err := r.factory.CopyFrom(ctx, entriesTable, r.entryColumns, rows); err != nil {
		return fmt.Errorf("insert ledger entries: %w", err)
	}
	return nil
}

func (r *Repository) Balance(ctx context.Context, accountID string) (types.Money, error) {
	q, err := r.factory.GetQuerier(ctx)
	if err != nil {
		return types.Money{}, err
	}
	var balance types.Money
	err = q.QueryRow(ctx, "SELECT balance FROM "+accountsTable+" WHERE id = $1", accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Money{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return types.Money{}, fmt.Errorf("read balance of %s: %w", accountID, err)
	}
	return balance, nil
}

// EventStore writes ledger events to the transactional outbox.
type EventStore struct {
	outbox *postgres.OutboxPublisher
}

func NewEventStore(outbox *postgres.OutboxPublisher) *EventStore {
	return &EventStore{outbox: outbox}
}

func (s *EventStore) TransferCompleted(ctx context.Context, evt ledger.TransferCompleted) error {
	_, err := s.outbox.Publish(ctx, postgres.Event{
		AggregateType: "transfer",
		AggregateID:   evt.TransferID,
		EventType:     "TransferCompleted",
		Payload:       evt,
	})
	return err
}
