package ledger

import (
	"context"

	"localtx/internal/core/types"
)

// Repository persists ledger state. Implementations work through the ambient
// transaction of ctx.
type Repository interface {
	// LockAccounts loads and locks the accounts in id order. Missing ids are skipped.
	LockAccounts(ctx context.Context, ids []string) ([]Account, error)
	// UpdateBalance stores acc.Balance if acc.Version is still current.
	UpdateBalance(ctx context.Context, acc Account) error
	InsertTransfer(ctx context.Context, t *Transfer) error
	InsertEntries(ctx context.Context, entries []Entry) error
	Balance(ctx context.Context, accountID string) (types.Money, error)
}

// EventStore records domain events in the same transaction as the state change.
type EventStore interface {
	TransferCompleted(ctx context.Context, evt TransferCompleted) error
}

// Notifier broadcasts messages to live subscribers.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) error
}
