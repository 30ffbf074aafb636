package tx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"localtx/pkg/logger"
)

// callLog records the observable calls of fake resources and listeners in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

type fakeResource struct {
	name string
	log  *callLog

	commitErr   error
	rollbackErr error
	closeErr    error

	commits   int
	rollbacks int
	closes    int
}

func (r *fakeResource) Commit(ctx context.Context) error {
	r.commits++
	r.log.add("%s-commit", r.name)
	return r.commitErr
}

func (r *fakeResource) Rollback(ctx context.Context) error {
	r.rollbacks++
	r.log.add("%s-rollback", r.name)
	return r.rollbackErr
}

func (r *fakeResource) Close(ctx context.Context) error {
	r.closes++
	r.log.add("%s-close", r.name)
	return r.closeErr
}

// savepointResource adds savepoint support to fakeResource.
type savepointResource struct {
	*fakeResource
	next int
}

func (r *savepointResource) CreateSavepoint(ctx context.Context) (Savepoint, error) {
	r.next++
	sp := Savepoint(fmt.Sprintf("sp_%d", r.next))
	r.log.add("%s-savepoint %s", r.name, sp)
	return sp, nil
}

func (r *savepointResource) RollbackToSavepoint(ctx context.Context, sp Savepoint) error {
	r.log.add("%s-rollback-to %s", r.name, sp)
	return nil
}

func (r *savepointResource) ReleaseSavepoint(ctx context.Context, sp Savepoint) error {
	r.log.add("%s-release %s", r.name, sp)
	return nil
}

type fakeFactory struct {
	name         string
	log          *callLog
	savepoints   bool
	localAllowed bool

	CreateErr error
	// Configure, when set, customizes every created resource.
	Configure func(r *fakeResource)

	created []*fakeResource
	defs    []Definition
}

func newFakeFactory(name string, log *callLog) *fakeFactory {
	return &fakeFactory{name: name, log: log, localAllowed: true}
}

func (f *fakeFactory) CreateResource(ctx context.Context, def Definition) (Resource, error) {
	f.log.add("%s-open", f.name)
	f.defs = append(f.defs, def)
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	r := &fakeResource{name: f.name, log: f.log}
	if f.Configure != nil {
		f.Configure(r)
	}
	f.created = append(f.created, r)
	if f.savepoints {
		return &savepointResource{fakeResource: r}, nil
	}
	return r, nil
}

func (f *fakeFactory) ExtractHandle(holder *ResourceHolder) (any, error) {
	return holder.Resource(), nil
}

func (f *fakeFactory) SynchronizedLocalTransactionAllowed() bool { return f.localAllowed }

func (f *fakeFactory) last() *fakeResource {
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// recordingSync records every callback under its name.
func recordingSync(name string, log *callLog) *SynchronizationFuncs {
	return &SynchronizationFuncs{
		SuspendFunc: func(ctx context.Context) error {
			log.add("%s-suspend", name)
			return nil
		},
		ResumeFunc: func(ctx context.Context) error {
			log.add("%s-resume", name)
			return nil
		},
		BeforeCommitFunc: func(ctx context.Context, readOnly bool) error {
			log.add("%s-beforeCommit(%t)", name, readOnly)
			return nil
		},
		BeforeCompletionFunc: func(ctx context.Context) error {
			log.add("%s-beforeCompletion", name)
			return nil
		},
		AfterCommitFunc: func(ctx context.Context) error {
			log.add("%s-afterCommit", name)
			return nil
		},
		AfterCompletionFunc: func(ctx context.Context, status CompletionStatus) error {
			log.add("%s-afterCompletion(%s)", name, status)
			return nil
		},
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	begun      int
	committed  int
	rolledBack int
	causes     []error
}

func (o *recordingObserver) TransactionBegun(context.Context, string, Definition) { o.begun++ }

func (o *recordingObserver) TransactionCommitted(context.Context, string, time.Duration) {
	o.committed++
}

func (o *recordingObserver) TransactionRolledBack(_ context.Context, _ string, _ time.Duration, cause error) {
	o.rolledBack++
	o.causes = append(o.causes, cause)
}

func newTestManager(f ResourceFactory, opts ...ManagerOption) *TxManager {
	opts = append([]ManagerOption{WithLogger(logger.NewNop())}, opts...)
	return NewTxManager(f, opts...)
}
