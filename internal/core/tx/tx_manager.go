package tx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"localtx/internal/core/apperror"
	"localtx/pkg/logger"
)

// Compile-time check that TxManager implements Manager.
var _ Manager = (*TxManager)(nil)

// SynchronizationPolicy controls when a TxManager activates synchronization.
type SynchronizationPolicy int

const (
	// SyncAlways activates synchronization even for non-transactional scopes
	// (SUPPORTS, NOT_SUPPORTED, NEVER without a transaction).
	SyncAlways SynchronizationPolicy = iota
	// SyncOnActualTransaction activates synchronization only for real transactions.
	SyncOnActualTransaction
	// SyncNever never activates synchronization.
	SyncNever
)

func (p SynchronizationPolicy) String() string {
	switch p {
	case SyncAlways:
		return "always"
	case SyncOnActualTransaction:
		return "on_actual_transaction"
	case SyncNever:
		return "never"
	default:
		return fmt.Sprintf("SynchronizationPolicy(%d)", int(p))
	}
}

// ParseSynchronizationPolicy parses the String form of a policy.
func ParseSynchronizationPolicy(s string) (SynchronizationPolicy, error) {
	switch s {
	case "", "always":
		return SyncAlways, nil
	case "on_actual_transaction":
		return SyncOnActualTransaction, nil
	case "never":
		return SyncNever, nil
	default:
		return SyncAlways, fmt.Errorf("unknown synchronization policy %q", s)
	}
}

// TxManager coordinates local transactions over a single ResourceFactory.
// Holders are bound to the registry under the factory itself.
type TxManager struct {
	factory ResourceFactory

	name                                 string
	defaultTimeout                       time.Duration
	rollbackOnCommitFailure              bool
	nestedAllowed                        bool
	syncPolicy                           SynchronizationPolicy
	failEarlyOnGlobalRollbackOnly        bool
	globalRollbackOnParticipationFailure bool

	observer Observer
	log      *logger.Logger
	now      func() time.Time
}

// ManagerOption configures a TxManager.
type ManagerOption func(*TxManager)

// WithManagerName sets the name used in logs, spans and metrics.
func WithManagerName(name string) ManagerOption {
	return func(m *TxManager) { m.name = name }
}

// WithDefaultTimeout applies to definitions that do not set a timeout.
func WithDefaultTimeout(d time.Duration) ManagerOption {
	return func(m *TxManager) { m.defaultTimeout = d }
}

// WithRollbackOnCommitFailure makes a failed native commit issue a native rollback.
func WithRollbackOnCommitFailure(v bool) ManagerOption {
	return func(m *TxManager) { m.rollbackOnCommitFailure = v }
}

// WithNestedTransactionAllowed enables or disables NESTED propagation. Enabled by default.
func WithNestedTransactionAllowed(v bool) ManagerOption {
	return func(m *TxManager) { m.nestedAllowed = v }
}

// WithSynchronization sets the synchronization policy. Defaults to SyncAlways.
func WithSynchronization(p SynchronizationPolicy) ManagerOption {
	return func(m *TxManager) { m.syncPolicy = p }
}

// WithFailEarlyOnGlobalRollbackOnly makes participants report UnexpectedRollback
// as soon as they find the shared transaction marked rollback-only.
func WithFailEarlyOnGlobalRollbackOnly(v bool) ManagerOption {
	return func(m *TxManager) { m.failEarlyOnGlobalRollbackOnly = v }
}

// WithGlobalRollbackOnParticipationFailure controls whether a participant's
// rollback marks the shared transaction rollback-only. Enabled by default.
func WithGlobalRollbackOnParticipationFailure(v bool) ManagerOption {
	return func(m *TxManager) { m.globalRollbackOnParticipationFailure = v }
}

func WithObserver(o Observer) ManagerOption {
	return func(m *TxManager) {
		if o != nil {
			m.observer = o
		}
	}
}

func WithLogger(l *logger.Logger) ManagerOption {
	return func(m *TxManager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock replaces time.Now for deadlines and elapsed time.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *TxManager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewTxManager creates a transaction manager for factory.
func NewTxManager(factory ResourceFactory, opts ...ManagerOption) *TxManager {
	m := &TxManager{
		factory:                              factory,
		name:                                 "tx",
		nestedAllowed:                        true,
		syncPolicy:                           SyncAlways,
		globalRollbackOnParticipationFailure: true,
		observer:                             nopObserver{},
		log:                                  logger.Default(),
		now:                                  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithComponent("tx").With("manager", m.name)
	return m
}

// Name returns the manager name.
func (m *TxManager) Name() string { return m.name }

// Factory returns the resource factory, which is also the registry key.
func (m *TxManager) Factory() ResourceFactory { return m.factory }

// SuspendedResources is the snapshot taken when a transaction is suspended.
// It is owned by the status that triggered the suspension.
type SuspendedResources struct {
	holder           *ResourceHolder
	syncActive       bool
	synchronizations []Synchronization
	name             string
	readOnly         bool
	isolation        Isolation
	wasActive        bool
	driver           *ResourceHolder
}

// Holder returns the suspended holder of the manager's own resource, if any.
func (s *SuspendedResources) Holder() *ResourceHolder { return s.holder }

// GetTransaction returns a status according to the propagation behavior of def.
func (m *TxManager) GetTransaction(ctx context.Context, def Definition) (*Status, error) {
	if def.Timeout < 0 {
		return nil, apperror.NewInvalidTimeout(def.Timeout.String())
	}
	if def.Propagation == PropagationNested {
		if err := m.checkNestedAllowed(); err != nil {
			return nil, err
		}
	}

	ctx, reg := ensureRegistry(ctx)

	if existing := m.existingTransaction(reg); existing != nil {
		return m.handleExistingTransaction(ctx, reg, def, existing)
	}

	switch def.Propagation {
	case PropagationMandatory:
		return nil, apperror.NewIllegalTransactionState(
			"no existing transaction found for transaction marked with propagation 'mandatory'").
			WithDetail("manager", m.name)

	case PropagationRequired, PropagationRequiresNew, PropagationNested:
		suspended, err := m.suspend(ctx, reg, nil)
		if err != nil {
			return nil, err
		}
		status, err := m.startTransaction(ctx, reg, def, suspended)
		if err != nil {
			m.resumeAfterBeginError(ctx, reg, suspended, err)
			return nil, err
		}
		return status, nil

	default:
		// SUPPORTS, NOT_SUPPORTED, NEVER: empty transaction, synchronization only.
		status := m.newStatus(ctx, reg, def, nil, true, m.syncPolicy == SyncAlways, nil)
		if err := m.prepareSynchronization(reg, status); err != nil {
			return nil, err
		}
		return status, nil
	}
}

func (m *TxManager) existingTransaction(reg *Registry) *ResourceHolder {
	holder := reg.GetResource(m.factory)
	if holder == nil || !holder.IsTransactionActive() {
		return nil
	}
	return holder
}

func (m *TxManager) checkNestedAllowed() error {
	if !m.factory.SynchronizedLocalTransactionAllowed() {
		return apperror.NewNestedNotSupported("resource manager does not allow synchronized local transactions").
			WithDetail("manager", m.name)
	}
	if !m.nestedAllowed {
		return apperror.NewNestedNotSupported("nested transactions are disabled for this manager").
			WithDetail("manager", m.name)
	}
	return nil
}

func (m *TxManager) handleExistingTransaction(ctx context.Context, reg *Registry, def Definition, existing *ResourceHolder) (*Status, error) {
	switch def.Propagation {
	case PropagationNever:
		return nil, apperror.NewIllegalTransactionState(
			"existing transaction found for transaction marked with propagation 'never'").
			WithDetail("manager", m.name)

	case PropagationNotSupported:
		m.log.Debugw("suspending current transaction", "propagation", def.Propagation.String())
		suspended, err := m.suspend(ctx, reg, existing)
		if err != nil {
			return nil, err
		}
		status := m.newStatus(ctx, reg, def, nil, false, m.syncPolicy == SyncAlways, suspended)
		if err := m.prepareSynchronization(reg, status); err != nil {
			return nil, err
		}
		return status, nil

	case PropagationRequiresNew:
		m.log.Debugw("suspending current transaction, creating new transaction", "name", def.Name)
		suspended, err := m.suspend(ctx, reg, existing)
		if err != nil {
			return nil, err
		}
		status, err := m.startTransaction(ctx, reg, def, suspended)
		if err != nil {
			m.resumeAfterBeginError(ctx, reg, suspended, err)
			return nil, err
		}
		return status, nil

	case PropagationNested:
		sm, ok := existing.Resource().(SavepointManager)
		if !ok {
			return nil, apperror.NewNestedNotSupported("resource does not support savepoints").
				WithDetail("manager", m.name)
		}
		sp, err := sm.CreateSavepoint(ctx)
		if err != nil {
			return nil, apperror.NewCannotCreateTransaction(err).
				WithDetail("manager", m.name).
				WithDetail("reason", "could not create savepoint")
		}
		m.log.Debugw("creating nested transaction", "savepoint", string(sp))
		status := m.newStatus(ctx, reg, def, existing, false, false, nil)
		status.savepoint = sp
		status.hasSavepoint = true
		return status, nil

	default:
		// REQUIRED, SUPPORTS, MANDATORY: participate.
		status := m.newStatus(ctx, reg, def, existing, false, m.syncPolicy != SyncNever, nil)
		if err := m.prepareSynchronization(reg, status); err != nil {
			return nil, err
		}
		return status, nil
	}
}

// startTransaction creates and binds a new resource. On failure nothing stays bound.
func (m *TxManager) startTransaction(ctx context.Context, reg *Registry, def Definition, suspended *SuspendedResources) (*Status, error) {
	def.Timeout = m.determineTimeout(def)

	res, err := m.factory.CreateResource(ctx, def)
	if err != nil {
		return nil, apperror.NewCannotCreateTransaction(err).WithDetail("manager", m.name)
	}

	holder := NewResourceHolder(res)
	holder.now = m.now
	holder.SetSynchronizedWithTransaction(true)
	holder.SetTransactionActive(true)
	holder.Requested()
	if def.Timeout > 0 {
		holder.SetTimeout(def.Timeout)
	}

	if err := reg.BindResource(m.factory, holder); err != nil {
		m.discard(ctx, res)
		return nil, err
	}

	status := m.newStatus(ctx, reg, def, holder, true, m.syncPolicy != SyncNever, suspended)
	status.began = m.now()
	if err := m.prepareSynchronization(reg, status); err != nil {
		reg.UnbindResourceIfPossible(m.factory)
		m.discard(ctx, res)
		return nil, err
	}

	m.log.Debugw("began transaction", "definition", def.String())
	m.observer.TransactionBegun(ctx, m.name, def)
	return status, nil
}

func (m *TxManager) discard(ctx context.Context, res Resource) {
	ctx = context.WithoutCancel(ctx)
	if err := res.Rollback(ctx); err != nil {
		m.log.Warnw("rollback of discarded resource failed", "error", err)
	}
	if err := res.Close(ctx); err != nil {
		m.log.Warnw("close of discarded resource failed", "error", err)
	}
}

func (m *TxManager) determineTimeout(def Definition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	return m.defaultTimeout
}

func (m *TxManager) newStatus(ctx context.Context, reg *Registry, def Definition, holder *ResourceHolder,
	newTransaction, newSynchronization bool, suspended *SuspendedResources) *Status {
	return &Status{
		ctx:                ctx,
		registry:           reg,
		def:                def,
		holder:             holder,
		newTransaction:     newTransaction,
		newSynchronization: newSynchronization && !reg.IsSynchronizationActive(),
		suspended:          suspended,
	}
}

func (m *TxManager) prepareSynchronization(reg *Registry, status *Status) error {
	if !status.newSynchronization {
		return nil
	}
	reg.SetActualTransactionActive(status.HasTransaction())
	if status.HasTransaction() {
		reg.SetCurrentTransactionIsolation(status.def.Isolation)
		reg.driver = status.holder
	} else {
		reg.SetCurrentTransactionIsolation(IsolationDefault)
		reg.driver = nil
	}
	reg.SetCurrentTransactionReadOnly(status.def.ReadOnly)
	reg.SetCurrentTransactionName(status.def.Name)
	return reg.InitSynchronization()
}

// --- Suspension ---

// suspend detaches holder, if any, together with all synchronizations and the
// transaction flags. It returns nil when there was nothing to suspend.
func (m *TxManager) suspend(ctx context.Context, reg *Registry, holder *ResourceHolder) (*SuspendedResources, error) {
	if reg.IsSynchronizationActive() {
		syncs, err := m.suspendSynchronizations(ctx, reg)
		if err != nil {
			return nil, err
		}
		suspended := &SuspendedResources{
			syncActive:       true,
			synchronizations: syncs,
			name:             reg.CurrentTransactionName(),
			readOnly:         reg.IsCurrentTransactionReadOnly(),
			isolation:        reg.CurrentTransactionIsolation(),
			wasActive:        reg.IsActualTransactionActive(),
			driver:           reg.driver,
		}
		if holder != nil {
			suspended.holder = reg.UnbindResourceIfPossible(m.factory)
		}
		reg.SetCurrentTransactionName("")
		reg.SetCurrentTransactionReadOnly(false)
		reg.SetCurrentTransactionIsolation(IsolationDefault)
		reg.SetActualTransactionActive(false)
		reg.driver = nil
		return suspended, nil
	}
	if holder != nil {
		return &SuspendedResources{holder: reg.UnbindResourceIfPossible(m.factory)}, nil
	}
	return nil, nil
}

// suspendSynchronizations notifies listeners in order. If one fails, those
// already suspended are resumed and synchronization stays active.
func (m *TxManager) suspendSynchronizations(ctx context.Context, reg *Registry) ([]Synchronization, error) {
	syncs := reg.Synchronizations()
	for i, s := range syncs {
		if err := s.Suspend(ctx); err != nil {
			for _, done := range syncs[:i] {
				if rerr := done.Resume(ctx); rerr != nil {
					m.log.Errorw("synchronization Resume failed after suspend error", "error", rerr)
				}
			}
			return nil, apperror.NewTransactionSystem("could not suspend synchronization", err).
				WithDetail("manager", m.name)
		}
	}
	if err := reg.ClearSynchronization(); err != nil {
		return nil, err
	}
	return syncs, nil
}

// resume restores a snapshot taken by suspend. A failed bind of the suspended
// holder is reported after the flags and synchronizations are back in place.
func (m *TxManager) resume(ctx context.Context, reg *Registry, suspended *SuspendedResources) error {
	if suspended == nil {
		return nil
	}
	var bindErr error
	if suspended.holder != nil {
		bindErr = reg.BindResource(m.factory, suspended.holder)
	}
	if !suspended.syncActive {
		return bindErr
	}

	reg.SetActualTransactionActive(suspended.wasActive)
	reg.SetCurrentTransactionIsolation(suspended.isolation)
	reg.SetCurrentTransactionReadOnly(suspended.readOnly)
	reg.SetCurrentTransactionName(suspended.name)
	reg.driver = suspended.driver
	if err := reg.InitSynchronization(); err != nil {
		return errors.Join(bindErr, err)
	}

	var errs []error
	for _, s := range suspended.synchronizations {
		if err := s.Resume(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := reg.RegisterSynchronization(s); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(bindErr, apperror.NewTransactionSystem("could not resume synchronization", errors.Join(errs...)).
			WithDetail("manager", m.name))
	}
	return bindErr
}

func (m *TxManager) resumeAfterBeginError(ctx context.Context, reg *Registry, suspended *SuspendedResources, beginErr error) {
	if err := m.resume(ctx, reg, suspended); err != nil {
		m.log.Errorw("resume after begin failure failed", "error", err, "begin_error", beginErr)
	}
}
