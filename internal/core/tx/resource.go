package tx

import "context"

// Resource is a native transactional resource such as a database transaction
// or a messaging session. It is owned by exactly one ResourceHolder.
type Resource interface {
	// Commit makes the work done through the resource durable.
	Commit(ctx context.Context) error

	// Rollback discards the work done through the resource.
	Rollback(ctx context.Context) error

	// Close releases the resource. It is called once, after Commit or Rollback.
	Close(ctx context.Context) error
}

// Savepoint identifies a savepoint created on a resource.
type Savepoint string

// SavepointManager is implemented by resources that can nest local transactions.
type SavepointManager interface {
	CreateSavepoint(ctx context.Context) (Savepoint, error)
	RollbackToSavepoint(ctx context.Context, sp Savepoint) error
	ReleaseSavepoint(ctx context.Context, sp Savepoint) error
}

// ResourceFactory is implemented once per resource manager kind.
//
// The factory value is also the key under which its holder is bound in the
// Registry, so implementations must be comparable (use pointer receivers).
type ResourceFactory interface {
	// CreateResource opens a native resource and begins its local transaction,
	// applying isolation and read-only settings from def.
	CreateResource(ctx context.Context, def Definition) (Resource, error)

	// ExtractHandle returns the handle accessors work with (pgx.Tx, redis.Pipeliner, ...).
	ExtractHandle(holder *ResourceHolder) (any, error)

	// SynchronizedLocalTransactionAllowed reports whether the coordinator may drive the
	// resource's local transaction in step with another manager's transaction.
	// When false, nesting is rejected.
	SynchronizedLocalTransactionAllowed() bool
}
