package tx

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"localtx/internal/core/apperror"
)

// Commit commits the transaction of status. A rollback-only or timed out
// transaction is rolled back instead.
func (m *TxManager) Commit(ctx context.Context, status *Status) error {
	if err := m.checkCompletable(status); err != nil {
		return err
	}

	if status.IsLocalRollbackOnly() {
		m.log.Debugw("transactional code has requested rollback")
		return m.processRollback(ctx, status, false)
	}
	if status.IsGlobalRollbackOnly() {
		m.log.Debugw("transaction is marked rollback-only by a participant but commit was requested")
		return m.processRollback(ctx, status, true)
	}
	if status.IsNewTransaction() {
		if err := status.holder.CheckDeadline(); err != nil {
			m.log.Warnw("transaction deadline exceeded, rolling back", "name", status.Name())
			return withFollowup(err, m.processRollback(ctx, status, false))
		}
	}

	return m.processCommit(ctx, status)
}

// Rollback rolls back the transaction of status. For a participant the shared
// transaction is marked rollback-only instead.
func (m *TxManager) Rollback(ctx context.Context, status *Status) error {
	if err := m.checkCompletable(status); err != nil {
		return err
	}
	return m.processRollback(ctx, status, false)
}

func (m *TxManager) checkCompletable(status *Status) error {
	if status == nil {
		return apperror.NewIllegalTransactionState("transaction status must not be nil")
	}
	if status.completed {
		return apperror.NewIllegalTransactionState(
			"transaction is already completed: do not call commit or rollback more than once per transaction").
			WithDetail("manager", m.name)
	}
	return nil
}

func (m *TxManager) processCommit(ctx context.Context, status *Status) error {
	// BeforeCompletion fires on both paths, after BeforeCommit.
	outcome := m.triggerBeforeCommit(ctx, status)
	m.triggerBeforeCompletion(ctx, status)
	if outcome == nil {
		outcome = m.commitResource(ctx, status)
	} else {
		m.log.Debugw("synchronization BeforeCommit failed, rolling back", "error", outcome)
		m.rollbackOnCommitError(ctx, status, outcome)
	}

	return withFollowup(outcome, m.cleanupAfterCompletion(ctx, status))
}

// commitResource performs the native part of a commit and fires the after-callbacks.
func (m *TxManager) commitResource(ctx context.Context, status *Status) error {
	unexpectedRollback := false
	switch {
	case status.HasSavepoint():
		unexpectedRollback = status.IsGlobalRollbackOnly()
		if err := status.ReleaseSavepoint(ctx, status.savepoint); err != nil {
			m.triggerAfterCompletion(ctx, status, StatusUnknown)
			return err
		}
	case status.IsNewTransaction():
		// A BeforeCommit listener may have marked the transaction through a failed participant.
		if status.IsGlobalRollbackOnly() {
			return m.rollbackMarkedDuringCommit(ctx, status)
		}
		if err := status.holder.Resource().Commit(ctx); err != nil {
			sysErr := apperror.NewTransactionSystem("could not commit transaction", err).
				WithDetail("manager", m.name)
			if m.rollbackOnCommitFailure {
				m.rollbackOnCommitError(ctx, status, sysErr)
			} else {
				m.triggerAfterCompletion(ctx, status, StatusUnknown)
				m.observer.TransactionRolledBack(ctx, m.name, m.elapsed(status), sysErr)
			}
			return sysErr
		}
	case m.failEarlyOnGlobalRollbackOnly:
		unexpectedRollback = status.IsGlobalRollbackOnly()
	}

	if unexpectedRollback {
		m.triggerAfterCompletion(ctx, status, StatusRolledBack)
		return apperror.NewUnexpectedRollback("transaction silently rolled back because it has been marked as rollback-only").
			WithDetail("manager", m.name)
	}

	if status.IsNewTransaction() {
		m.log.Debugw("committed transaction", "name", status.Name())
		m.spanEvent(ctx, "tx.commit", status)
		m.observer.TransactionCommitted(ctx, m.name, m.elapsed(status))
	}

	var afterErr error
	if status.newSynchronization {
		afterErr = triggerAfterCommit(ctx, status.registry.Synchronizations())
		if afterErr != nil {
			m.log.Errorw("synchronization AfterCommit failed", "error", afterErr)
		}
	}
	return withFollowup(afterErr, m.triggerAfterCompletion(ctx, status, StatusCommitted))
}

func (m *TxManager) rollbackMarkedDuringCommit(ctx context.Context, status *Status) error {
	m.log.Debugw("transaction marked rollback-only during BeforeCommit, rolling back", "name", status.Name())
	if err := m.doRollback(ctx, status); err != nil {
		m.triggerAfterCompletion(ctx, status, StatusUnknown)
		m.observer.TransactionRolledBack(ctx, m.name, m.elapsed(status), err)
		return err
	}
	afterErr := m.triggerAfterCompletion(ctx, status, StatusRolledBack)
	outcome := apperror.NewUnexpectedRollback("transaction rolled back because it has been marked as rollback-only").
		WithDetail("manager", m.name)
	m.spanEvent(ctx, "tx.rollback", status)
	m.observer.TransactionRolledBack(ctx, m.name, m.elapsed(status), outcome)
	return withFollowup(outcome, afterErr)
}

// processRollback rolls back a new transaction or savepoint, or marks the shared
// transaction rollback-only for a participant. With unexpected set the caller
// attempted a commit, which is reported as UnexpectedRollback.
func (m *TxManager) processRollback(ctx context.Context, status *Status, unexpected bool) error {
	outcome := m.rollbackResource(ctx, status, unexpected)
	return withFollowup(outcome, m.cleanupAfterCompletion(ctx, status))
}

func (m *TxManager) rollbackResource(ctx context.Context, status *Status, unexpected bool) error {
	m.triggerBeforeCompletion(ctx, status)

	switch {
	case status.HasSavepoint():
		m.log.Debugw("rolling back transaction to savepoint", "savepoint", string(status.savepoint))
		if err := m.rollbackToSavepoint(ctx, status); err != nil {
			m.triggerAfterCompletion(ctx, status, StatusUnknown)
			return err
		}
	case status.IsNewTransaction():
		m.log.Debugw("rolling back transaction", "name", status.Name())
		if err := m.doRollback(ctx, status); err != nil {
			m.triggerAfterCompletion(ctx, status, StatusUnknown)
			m.observer.TransactionRolledBack(ctx, m.name, m.elapsed(status), err)
			return err
		}
	default:
		if status.HasTransaction() {
			if status.IsLocalRollbackOnly() || m.globalRollbackOnParticipationFailure {
				m.log.Debugw("participating transaction failed, marking existing transaction as rollback-only")
				status.holder.SetRollbackOnly()
			}
		}
		if !m.failEarlyOnGlobalRollbackOnly {
			unexpected = false
		}
	}

	afterErr := m.triggerAfterCompletion(ctx, status, StatusRolledBack)

	var outcome error
	if unexpected {
		outcome = apperror.NewUnexpectedRollback("transaction rolled back because it has been marked as rollback-only").
			WithDetail("manager", m.name)
	}
	if status.IsNewTransaction() {
		m.spanEvent(ctx, "tx.rollback", status)
		m.observer.TransactionRolledBack(ctx, m.name, m.elapsed(status), outcome)
	}
	return withFollowup(outcome, afterErr)
}

// rollbackOnCommitError rolls back after a failed BeforeCommit or native commit.
// A rollback failure is logged; the caller surfaces the commit failure.
func (m *TxManager) rollbackOnCommitError(ctx context.Context, status *Status, cause error) {
	switch {
	case status.IsNewTransaction():
		if err := m.doRollback(ctx, status); err != nil {
			m.log.Errorw("commit failure overridden by rollback failure", "error", err, "commit_error", cause)
			m.triggerAfterCompletion(ctx, status, StatusUnknown)
			m.observer.TransactionRolledBack(ctx, m.name, m.elapsed(status), cause)
			return
		}
	case status.HasTransaction() && m.globalRollbackOnParticipationFailure:
		status.holder.SetRollbackOnly()
	}
	m.triggerAfterCompletion(ctx, status, StatusRolledBack)
	if status.IsNewTransaction() {
		m.spanEvent(ctx, "tx.rollback", status)
		m.observer.TransactionRolledBack(ctx, m.name, m.elapsed(status), cause)
	}
}

func (m *TxManager) doRollback(ctx context.Context, status *Status) error {
	if err := status.holder.Resource().Rollback(context.WithoutCancel(ctx)); err != nil {
		return apperror.NewTransactionSystem("could not roll back transaction", err).
			WithDetail("manager", m.name)
	}
	return nil
}

func (m *TxManager) rollbackToSavepoint(ctx context.Context, status *Status) error {
	ctx = context.WithoutCancel(ctx)
	if err := status.RollbackToSavepoint(ctx, status.savepoint); err != nil {
		return err
	}
	return status.ReleaseSavepoint(ctx, status.savepoint)
}

// --- Synchronization triggers ---

func (m *TxManager) triggerBeforeCommit(ctx context.Context, status *Status) error {
	if !status.newSynchronization {
		return nil
	}
	return triggerBeforeCommit(ctx, status.registry.Synchronizations(), status.IsReadOnly())
}

func (m *TxManager) triggerBeforeCompletion(ctx context.Context, status *Status) {
	if !status.newSynchronization {
		return
	}
	triggerBeforeCompletion(ctx, m.log, status.registry.Synchronizations())
}

// triggerAfterCompletion deactivates synchronization and then notifies the
// listeners, so none can register during completion.
func (m *TxManager) triggerAfterCompletion(ctx context.Context, status *Status, cs CompletionStatus) error {
	if !status.newSynchronization || !status.registry.IsSynchronizationActive() {
		return nil
	}
	syncs := status.registry.Synchronizations()
	_ = status.registry.ClearSynchronization()
	return invokeAfterCompletion(ctx, m.log, syncs, cs)
}

// --- Cleanup ---

// cleanupAfterCompletion releases a resource this status owns and resumes
// whatever it suspended. It runs exactly once per status.
func (m *TxManager) cleanupAfterCompletion(ctx context.Context, status *Status) error {
	status.completed = true
	reg := status.registry
	ctx = context.WithoutCancel(ctx)

	if status.newSynchronization {
		reg.Clear()
	}

	var errs []error
	if status.IsNewTransaction() {
		holder := status.holder
		reg.UnbindResourceIfPossible(m.factory)
		holder.Released()
		holder.Unbound()
		if err := holder.Resource().Close(ctx); err != nil {
			m.log.Errorw("could not close resource after transaction", "error", err)
			errs = append(errs, apperror.NewTransactionSystem("could not close resource", err).
				WithDetail("manager", m.name))
		}
		holder.Reset()
	}

	if status.suspended != nil {
		m.log.Debugw("resuming suspended transaction after completion", "name", status.Name())
		if err := m.resume(ctx, reg, status.suspended); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *TxManager) elapsed(status *Status) time.Duration {
	if status.began.IsZero() {
		return 0
	}
	return m.now().Sub(status.began)
}

func (m *TxManager) spanEvent(ctx context.Context, name string, status *Status) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(
		attribute.String("tx.manager", m.name),
		attribute.String("tx.name", status.Name()),
		attribute.String("tx.propagation", status.def.Propagation.String()),
		attribute.Bool("tx.read_only", status.IsReadOnly()),
	))
}

// withFollowup returns primary, or joins it with errors raised afterwards.
// A primary error is returned unwrapped when nothing followed it.
func withFollowup(primary, followup error) error {
	switch {
	case followup == nil:
		return primary
	case primary == nil:
		return followup
	default:
		return errors.Join(primary, followup)
	}
}
