package tx

import (
	"context"

	"localtx/internal/core/apperror"
	"localtx/pkg/logger"
)

// ParticipantHolder returns the holder a participant of factory should work
// through in ctx:
//   - the holder bound for factory, failing with TimedOut past its deadline;
//   - a new holder bound for the rest of the current synchronization scope when
//     synchronization is active and factory allows synchronized local
//     transactions. Its resource commits after the driving transaction commits
//     and shares that transaction's deadline;
//   - nil, meaning the participant should work without a transaction.
func ParticipantHolder(ctx context.Context, factory ResourceFactory) (*ResourceHolder, error) {
	reg := RegistryFromContext(ctx)
	if reg == nil {
		return nil, nil
	}

	if holder := reg.GetResource(factory); holder != nil {
		if err := holder.CheckDeadline(); err != nil {
			return nil, err
		}
		return holder, nil
	}

	if !reg.IsSynchronizationActive() || !factory.SynchronizedLocalTransactionAllowed() {
		return nil, nil
	}

	res, err := factory.CreateResource(ctx, Definition{
		Isolation: reg.CurrentTransactionIsolation(),
		ReadOnly:  reg.IsCurrentTransactionReadOnly(),
	})
	if err != nil {
		return nil, apperror.NewCannotCreateTransaction(err)
	}

	holder := NewResourceHolder(res)
	holder.SetSynchronizedWithTransaction(true)
	holder.Requested()
	if driver := reg.driver; driver != nil {
		if deadline, ok := driver.Deadline(); ok {
			holder.now = driver.now
			holder.SetDeadline(deadline)
		}
	}
	if err := reg.BindResource(factory, holder); err != nil {
		_ = res.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	if err := reg.RegisterSynchronization(NewResourceHolderSynchronization(reg, factory, holder)); err != nil {
		reg.UnbindResourceIfPossible(factory)
		_ = res.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	logger.Debug(ctx, "enlisted synchronized resource",
		"resource", keyString(factory), "transaction", reg.CurrentTransactionName())
	return holder, nil
}
