package tx

import (
	"context"
	"errors"

	"localtx/internal/core/apperror"
)

// ResourceHolderSynchronization ties a holder that a participant bound on its own
// to the lifecycle of another manager's transaction: the holder follows
// suspension and resumption, its resource commits after the outer commit and
// rolls back otherwise, and it is unbound and closed at completion.
//
// Participants use it when synchronization is active but no transaction of their
// own resource manager is running.
type ResourceHolderSynchronization struct {
	registry  *Registry
	key       any
	holder    *ResourceHolder
	active    bool
	committed bool
}

// NewResourceHolderSynchronization returns a synchronization for a holder already bound under key.
func NewResourceHolderSynchronization(reg *Registry, key any, holder *ResourceHolder) *ResourceHolderSynchronization {
	return &ResourceHolderSynchronization{
		registry: reg,
		key:      key,
		holder:   holder,
		active:   true,
	}
}

func (s *ResourceHolderSynchronization) Suspend(ctx context.Context) error {
	if s.active {
		s.registry.UnbindResourceIfPossible(s.key)
	}
	return nil
}

func (s *ResourceHolderSynchronization) Resume(ctx context.Context) error {
	if s.active {
		return s.registry.BindResource(s.key, s.holder)
	}
	return nil
}

func (s *ResourceHolderSynchronization) BeforeCommit(ctx context.Context, readOnly bool) error {
	return nil
}

func (s *ResourceHolderSynchronization) BeforeCompletion(ctx context.Context) error {
	return nil
}

// AfterCommit commits the synchronized resource once the outer transaction committed.
func (s *ResourceHolderSynchronization) AfterCommit(ctx context.Context) error {
	if err := s.holder.Resource().Commit(ctx); err != nil {
		return apperror.NewTransactionSystem("could not commit synchronized resource", err)
	}
	s.committed = true
	return nil
}

// AfterCompletion unbinds the holder, rolls the resource back unless it
// committed, and closes it.
func (s *ResourceHolderSynchronization) AfterCompletion(ctx context.Context, status CompletionStatus) error {
	if s.active {
		s.registry.UnbindResourceIfPossible(s.key)
		s.holder.Unbound()
		s.active = false
	}

	var errs []error
	res := s.holder.Resource()
	if !s.committed {
		if err := res.Rollback(ctx); err != nil {
			errs = append(errs, apperror.NewTransactionSystem("could not roll back synchronized resource", err))
		}
	}
	if err := res.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.holder.Reset()
	return errors.Join(errs...)
}

// Ensure compile-time interface compliance.
var _ Synchronization = (*ResourceHolderSynchronization)(nil)
