// Package tx provides local transaction coordination.
//
// A Manager demarcates transactions over exactly one resource factory. Resource
// holders and synchronization listeners are bound to a Registry that travels in
// context.Context, so participants (repositories, publishers) find the ongoing
// transaction without it being passed around explicitly.
package tx

import (
	"context"
	"time"
)

// Manager defines the contract for transaction demarcation.
//
// Every Status returned by GetTransaction must be completed by exactly one call
// to Commit or Rollback.
type Manager interface {
	// GetTransaction returns a status for the current context according to the
	// propagation behavior of def. Use Status.Context() for the work that follows.
	GetTransaction(ctx context.Context, def Definition) (*Status, error)

	// Commit commits the transaction, or rolls it back if it was marked rollback-only.
	Commit(ctx context.Context, status *Status) error

	// Rollback rolls the transaction back.
	Rollback(ctx context.Context, status *Status) error
}

// Runner is the callback-style contract used by domain services.
// Services depend on this interface, not on a concrete manager.
type Runner interface {
	// RunInTransaction executes fn within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// Nested calls join the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// ReadOnly executes fn in a read-only transaction.
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}

// Observer is notified about transaction outcomes, typically for metrics.
type Observer interface {
	TransactionBegun(ctx context.Context, manager string, def Definition)
	TransactionCommitted(ctx context.Context, manager string, elapsed time.Duration)
	TransactionRolledBack(ctx context.Context, manager string, elapsed time.Duration, cause error)
}

type nopObserver struct{}

func (nopObserver) TransactionBegun(context.Context, string, Definition) {}

func (nopObserver) TransactionCommitted(context.Context, string, time.Duration) {}

func (nopObserver) TransactionRolledBack(context.Context, string, time.Duration, error) {}
