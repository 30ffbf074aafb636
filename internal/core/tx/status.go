package tx

import (
	"context"
	"time"

	"localtx/internal/core/apperror"
)

// Status is the handle returned by GetTransaction. It must be passed to exactly
// one Commit or Rollback call.
type Status struct {
	ctx      context.Context
	registry *Registry
	def      Definition

	// holder is the shared resource holder, nil when running non-transactionally.
	holder             *ResourceHolder
	newTransaction     bool
	newSynchronization bool
	suspended          *SuspendedResources

	savepoint    Savepoint
	hasSavepoint bool

	rollbackOnly bool
	completed    bool
	began        time.Time
}

// Context returns the context carrying the registry this transaction is bound to.
// Pass it to every participant.
func (s *Status) Context() context.Context { return s.ctx }

// Registry returns the registry of this transaction's context.
func (s *Status) Registry() *Registry { return s.registry }

// Definition returns the definition the transaction was requested with.
func (s *Status) Definition() Definition { return s.def }

// Name returns the transaction name, if any.
func (s *Status) Name() string { return s.def.Name }

// IsNewTransaction reports whether this status owns a transaction it began.
func (s *Status) IsNewTransaction() bool {
	return s.holder != nil && s.newTransaction
}

// HasTransaction reports whether a transaction, new or joined, backs this status.
func (s *Status) HasTransaction() bool { return s.holder != nil }

// IsNewSynchronization reports whether this status activated synchronization and
// therefore drives the listener callbacks.
func (s *Status) IsNewSynchronization() bool { return s.newSynchronization }

func (s *Status) IsReadOnly() bool { return s.def.ReadOnly }

// SetRollbackOnly marks this transaction so that Commit rolls back instead.
func (s *Status) SetRollbackOnly() { s.rollbackOnly = true }

// IsLocalRollbackOnly reports whether SetRollbackOnly was called on this status.
func (s *Status) IsLocalRollbackOnly() bool { return s.rollbackOnly }

// IsGlobalRollbackOnly reports whether the shared holder was marked rollback-only,
// typically by a participant.
func (s *Status) IsGlobalRollbackOnly() bool {
	return s.holder != nil && s.holder.IsRollbackOnly()
}

// IsRollbackOnly reports local or global rollback-only.
func (s *Status) IsRollbackOnly() bool {
	return s.IsLocalRollbackOnly() || s.IsGlobalRollbackOnly()
}

// IsCompleted reports whether Commit or Rollback has already run.
func (s *Status) IsCompleted() bool { return s.completed }

// HasSavepoint reports whether this status runs inside a savepoint (NESTED).
func (s *Status) HasSavepoint() bool { return s.hasSavepoint }

// Holder returns the resource holder backing this status, or nil.
func (s *Status) Holder() *ResourceHolder { return s.holder }

// --- Programmatic savepoints ---

// CreateSavepoint creates a savepoint on the underlying resource.
func (s *Status) CreateSavepoint(ctx context.Context) (Savepoint, error) {
	sm, err := s.savepointManager()
	if err != nil {
		return "", err
	}
	return sm.CreateSavepoint(ctx)
}

// RollbackToSavepoint rolls back to sp and clears the rollback-only mark.
func (s *Status) RollbackToSavepoint(ctx context.Context, sp Savepoint) error {
	sm, err := s.savepointManager()
	if err != nil {
		return err
	}
	if err := sm.RollbackToSavepoint(ctx, sp); err != nil {
		return apperror.NewTransactionSystem("could not roll back to savepoint", err).WithDetail("savepoint", string(sp))
	}
	s.holder.ResetRollbackOnly()
	return nil
}

// ReleaseSavepoint releases sp.
func (s *Status) ReleaseSavepoint(ctx context.Context, sp Savepoint) error {
	sm, err := s.savepointManager()
	if err != nil {
		return err
	}
	if err := sm.ReleaseSavepoint(ctx, sp); err != nil {
		return apperror.NewTransactionSystem("could not release savepoint", err).WithDetail("savepoint", string(sp))
	}
	return nil
}

func (s *Status) savepointManager() (SavepointManager, error) {
	if s.holder == nil {
		return nil, apperror.NewNestedNotSupported("no transaction to create a savepoint in")
	}
	sm, ok := s.holder.Resource().(SavepointManager)
	if !ok {
		return nil, apperror.NewNestedNotSupported("resource does not support savepoints")
	}
	return sm, nil
}
