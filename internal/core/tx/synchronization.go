package tx

import (
	"context"
	"errors"

	"localtx/pkg/logger"
)

// CompletionStatus is passed to AfterCompletion.
type CompletionStatus int

const (
	StatusCommitted CompletionStatus = iota
	StatusRolledBack
	StatusUnknown
)

func (s CompletionStatus) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Synchronization is notified at the lifecycle points of the transaction it was
// registered with. Callbacks run in registration order.
type Synchronization interface {
	// Suspend is called when the transaction is suspended. Implementations
	// unbind the resources they bound.
	Suspend(ctx context.Context) error

	// Resume is called when the transaction is resumed.
	Resume(ctx context.Context) error

	// BeforeCommit runs before the native commit. An error turns the commit into a rollback.
	BeforeCommit(ctx context.Context, readOnly bool) error

	// BeforeCompletion runs before commit or rollback. Errors are logged only.
	BeforeCompletion(ctx context.Context) error

	// AfterCommit runs after a successful native commit.
	AfterCommit(ctx context.Context) error

	// AfterCompletion runs after commit or rollback, once resources are settled.
	AfterCompletion(ctx context.Context, status CompletionStatus) error
}

// SynchronizationFuncs adapts plain functions to Synchronization. Nil fields are no-ops.
type SynchronizationFuncs struct {
	SuspendFunc          func(ctx context.Context) error
	ResumeFunc           func(ctx context.Context) error
	BeforeCommitFunc     func(ctx context.Context, readOnly bool) error
	BeforeCompletionFunc func(ctx context.Context) error
	AfterCommitFunc      func(ctx context.Context) error
	AfterCompletionFunc  func(ctx context.Context, status CompletionStatus) error
}

func (s *SynchronizationFuncs) Suspend(ctx context.Context) error {
	if s.SuspendFunc != nil {
		return s.SuspendFunc(ctx)
	}
	return nil
}

func (s *SynchronizationFuncs) Resume(ctx context.Context) error {
	if s.ResumeFunc != nil {
		return s.ResumeFunc(ctx)
	}
	return nil
}

func (s *SynchronizationFuncs) BeforeCommit(ctx context.Context, readOnly bool) error {
	if s.BeforeCommitFunc != nil {
		return s.BeforeCommitFunc(ctx, readOnly)
	}
	return nil
}

func (s *SynchronizationFuncs) BeforeCompletion(ctx context.Context) error {
	if s.BeforeCompletionFunc != nil {
		return s.BeforeCompletionFunc(ctx)
	}
	return nil
}

func (s *SynchronizationFuncs) AfterCommit(ctx context.Context) error {
	if s.AfterCommitFunc != nil {
		return s.AfterCommitFunc(ctx)
	}
	return nil
}

func (s *SynchronizationFuncs) AfterCompletion(ctx context.Context, status CompletionStatus) error {
	if s.AfterCompletionFunc != nil {
		return s.AfterCompletionFunc(ctx, status)
	}
	return nil
}

// Ensure compile-time interface compliance.
var _ Synchronization = (*SynchronizationFuncs)(nil)

// --- Trigger helpers ---

// triggerBeforeCommit stops at the first failing listener.
func triggerBeforeCommit(ctx context.Context, syncs []Synchronization, readOnly bool) error {
	for _, s := range syncs {
		if err := s.BeforeCommit(ctx, readOnly); err != nil {
			return err
		}
	}
	return nil
}

// triggerBeforeCompletion notifies every listener; failures never change the outcome.
func triggerBeforeCompletion(ctx context.Context, log *logger.Logger, syncs []Synchronization) {
	for _, s := range syncs {
		if err := s.BeforeCompletion(ctx); err != nil {
			log.Errorw("synchronization BeforeCompletion failed", "error", err)
		}
	}
}

// triggerAfterCommit notifies every listener and joins the failures.
func triggerAfterCommit(ctx context.Context, syncs []Synchronization) error {
	var errs []error
	for _, s := range syncs {
		if err := s.AfterCommit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// invokeAfterCompletion notifies every listener and joins the failures.
func invokeAfterCompletion(ctx context.Context, log *logger.Logger, syncs []Synchronization, status CompletionStatus) error {
	var errs []error
	for _, s := range syncs {
		if err := s.AfterCompletion(ctx, status); err != nil {
			log.Errorw("synchronization AfterCompletion failed", "error", err, "status", status.String())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
