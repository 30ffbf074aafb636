package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localtx/internal/core/tx"
	"localtx/internal/core/types"
	"localtx/pkg/logger"
)

// memStore is an in-memory ledger whose transactions snapshot and restore state.
type memStore struct {
	accounts  map[string]Account
	transfers []Transfer
	entries   []Entry
}

func (s *memStore) snapshot() memStore {
	return memStore{
		accounts:  maps.Clone(s.accounts),
		transfers: slices.Clone(s.transfers),
		entries:   slices.Clone(s.entries),
	}
}

type memTx struct {
	store      *memStore
	begin      memStore
	savepoints map[tx.Savepoint]memStore
	next       int
}

func (t *memTx) Commit(ctx context.Context) error   { return nil }
func (t *memTx) Rollback(ctx context.Context) error { *t.store = t.begin; return nil }
func (t *memTx) Close(ctx context.Context) error    { return nil }

func (t *memTx) CreateSavepoint(ctx context.Context) (tx.Savepoint, error) {
	t.next++
	sp := tx.Savepoint(fmt.Sprintf("sp_%d", t.next))
	t.savepoints[sp] = t.store.snapshot()
	return sp, nil
}

func (t *memTx) RollbackToSavepoint(ctx context.Context, sp tx.Savepoint) error {
	*t.store = t.savepoints[sp]
	return nil
}

func (t *memTx) ReleaseSavepoint(ctx context.Context, sp tx.Savepoint) error {
	delete(t.savepoints, sp)
	return nil
}

type memFactory struct {
	store    *memStore
	readOnly []bool
}

func (f *memFactory) CreateResource(ctx context.Context, def tx.Definition) (tx.Resource, error) {
	f.readOnly = append(f.readOnly, def.ReadOnly)
	return &memTx{store: f.store, begin: f.store.snapshot(), savepoints: map[tx.Savepoint]memStore{}}, nil
}

func (f *memFactory) ExtractHandle(holder *tx.ResourceHolder) (any, error) { return f.store, nil }

func (f *memFactory) SynchronizedLocalTransactionAllowed() bool { return true }

// memRepo requires the ambient transaction, like the SQL repositories.
type memRepo struct {
	factory *memFactory
}

func (r *memRepo) store(ctx context.Context) (*memStore, error) {
	reg := tx.RegistryFromContext(ctx)
	if reg == nil || reg.GetResource(r.factory) == nil {
		return nil, errors.New("no transaction")
	}
	return r.factory.store, nil
}

func (r *memRepo) LockAccounts(ctx context.Context, ids []string) ([]Account, error) {
	s, err := r.store(ctx)
	if err != nil {
		return nil, err
	}
	sorted := slices.Sorted(slices.Values(ids))
	var out []Account
	for _, id := range sorted {
		if acc, ok := s.accounts[id]; ok {
			out = append(out, acc)
		}
	}
	return out, nil
}

func (r *memRepo) UpdateBalance(ctx context.Context, acc Account) error {
	s, err := r.store(ctx)
	if err != nil {
		return err
	}
	current := s.accounts[acc.ID]
	if current.Version != acc.Version {
		return ErrConcurrentModification
	}
	acc.Version++
	s.accounts[acc.ID] = acc
	return nil
}

func (r *memRepo) InsertTransfer(ctx context.Context, t *Transfer) error {
	s, err := r.store(ctx)
	if err != nil {
		return err
	}
	s.transfers = append(s.transfers, *t)
	return nil
}

func (r *memRepo) InsertEntries(ctx context.Context, entries []Entry) error {
	s, err := r.store(ctx)
	if err != nil {
		return err
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (r *memRepo) Balance(ctx context.Context, accountID string) (types.Money, error) {
	s, err := r.store(ctx)
	if err != nil {
		return types.Money{}, err
	}
	acc, ok := s.accounts[accountID]
	if !ok {
		return types.Money{}, ErrAccountNotFound
	}
	return acc.Balance, nil
}

type recordingEvents struct{ events []TransferCompleted }

func (e *recordingEvents) TransferCompleted(ctx context.Context, evt TransferCompleted) error {
	e.events = append(e.events, evt)
	return nil
}

type recordingNotifier struct {
	failOn   string
	messages []TransferCompleted
}

func (n *recordingNotifier) Publish(ctx context.Context, topic string, payload any) error {
	evt := payload.(TransferCompleted)
	if n.failOn != "" && evt.Reference == n.failOn {
		return errors.New("subscriber unavailable")
	}
	n.messages = append(n.messages, evt)
	return nil
}

type ledgerFixture struct {
	store    *memStore
	factory  *memFactory
	events   *recordingEvents
	notifier *recordingNotifier
	manager  *tx.TxManager
	service  *Service
}

func newLedgerFixture() *ledgerFixture {
	store := &memStore{accounts: map[string]Account{
		"acc-a": {ID: "acc-a", Owner: "alice", Currency: "EUR", Balance: types.MustMoney("100.00")},
		"acc-b": {ID: "acc-b", Owner: "bob", Currency: "EUR", Balance: types.MustMoney("5.00")},
		"acc-u": {ID: "acc-u", Owner: "uma", Currency: "USD", Balance: types.MustMoney("50.00")},
	}}
	f := &ledgerFixture{
		store:    store,
		factory:  &memFactory{store: store},
		events:   &recordingEvents{},
		notifier: &recordingNotifier{},
	}
	f.manager = tx.NewTxManager(f.factory, tx.WithLogger(logger.NewNop()))
	f.service = NewService(ServiceConfig{
		Manager:  f.manager,
		Repo:     &memRepo{factory: f.factory},
		Events:   f.events,
		Notifier: f.notifier,
	})
	return f
}

func (f *ledgerFixture) balance(id string) string {
	return f.store.accounts[id].Balance.StringFixed(2)
}

func eur(from, to, amount string) TransferCommand {
	return TransferCommand{From: from, To: to, Amount: types.MustMoney(amount), Currency: "EUR"}
}

func TestService_Transfer(t *testing.T) {
	ctx := context.Background()

	t.Run("Should move funds and record the transfer", func(t *testing.T) {
		f := newLedgerFixture()
		cmd := eur("acc-a", "acc-b", "10.50")
		cmd.Reference = "invoice-7"

		transfer, err := f.service.Transfer(ctx, cmd)
		require.NoError(t, err)

		assert.Equal(t, "89.50", f.balance("acc-a"))
		assert.Equal(t, "15.50", f.balance("acc-b"))
		require.Len(t, f.store.transfers, 1)
		assert.Equal(t, transfer.ID, f.store.transfers[0].ID)
		require.Len(t, f.store.entries, 2)
		assert.True(t, f.store.entries[0].Amount.Add(f.store.entries[1].Amount).IsZero())

		require.Len(t, f.events.events, 1)
		assert.Equal(t, TransferCompleted{
			TransferID: transfer.ID.String(), From: "acc-a", To: "acc-b",
			Amount: "10.5", Currency: "EUR", Reference: "invoice-7",
		}, f.events.events[0])
		assert.Equal(t, f.events.events, f.notifier.messages)
	})

	t.Run("Should reject invalid commands before starting a transaction", func(t *testing.T) {
		tests := []struct {
			name string
			cmd  TransferCommand
		}{
			{"missing account", eur("", "acc-b", "1")},
			{"same account", eur("acc-a", "acc-a", "1")},
			{"zero amount", eur("acc-a", "acc-b", "0")},
			{"negative amount", eur("acc-a", "acc-b", "-1")},
			{"too many decimals", eur("acc-a", "acc-b", "0.001")},
			{"missing currency", TransferCommand{From: "acc-a", To: "acc-b", Amount: types.MustMoney("1")}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newLedgerFixture()
				_, err := f.service.Transfer(ctx, tt.cmd)
				assert.ErrorIs(t, err, ErrInvalidTransfer)
				assert.Empty(t, f.factory.readOnly)
			})
		}
	})

	t.Run("Should leave balances untouched when funds are insufficient", func(t *testing.T) {
		f := newLedgerFixture()
		_, err := f.service.Transfer(ctx, eur("acc-b", "acc-a", "5.01"))
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.Equal(t, "5.00", f.balance("acc-b"))
		assert.Empty(t, f.events.events)
	})

	t.Run("Should roll back balance changes when notification fails", func(t *testing.T) {
		f := newLedgerFixture()
		f.notifier.failOn = "boom"
		cmd := eur("acc-a", "acc-b", "1")
		cmd.Reference = "boom"

		_, err := f.service.Transfer(ctx, cmd)
		require.Error(t, err)
		assert.Equal(t, "100.00", f.balance("acc-a"))
		assert.Equal(t, "5.00", f.balance("acc-b"))
		assert.Empty(t, f.store.transfers)
	})

	t.Run("Should reject unknown accounts and currency mismatches", func(t *testing.T) {
		f := newLedgerFixture()
		_, err := f.service.Transfer(ctx, eur("acc-a", "acc-x", "1"))
		assert.ErrorIs(t, err, ErrAccountNotFound)

		_, err = f.service.Transfer(ctx, eur("acc-a", "acc-u", "1"))
		assert.ErrorIs(t, err, ErrCurrencyMismatch)
	})

	t.Run("Should join the caller's transaction", func(t *testing.T) {
		f := newLedgerFixture()
		outer := tx.NewTemplate(f.manager)
		abort := errors.New("abort")

		err := outer.RunInTransaction(ctx, func(ctx context.Context) error {
			if _, err := f.service.Transfer(ctx, eur("acc-a", "acc-b", "1")); err != nil {
				return err
			}
			return abort
		})
		assert.Same(t, abort, err)
		assert.Equal(t, "100.00", f.balance("acc-a"))
		assert.Len(t, f.factory.readOnly, 1)
	})
}

func TestService_TransferBatch(t *testing.T) {
	f := newLedgerFixture()
	f.notifier.failOn = "reject"

	rejected := eur("acc-a", "acc-b", "20")
	rejected.Reference = "reject"

	results, err := f.service.TransferBatch(context.Background(), []TransferCommand{
		eur("acc-a", "acc-b", "10"),
		eur("acc-b", "acc-a", "500"),
		rejected,
		eur("acc-a", "acc-a", "1"),
		eur("acc-b", "acc-a", "3"),
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrInsufficientFunds)
	assert.Error(t, results[2].Err)
	assert.Nil(t, results[2].Transfer)
	assert.ErrorIs(t, results[3].Err, ErrInvalidTransfer)
	assert.NoError(t, results[4].Err)

	assert.Equal(t, "93.00", f.balance("acc-a"))
	assert.Equal(t, "12.00", f.balance("acc-b"))
	assert.Len(t, f.store.transfers, 2)
	assert.Len(t, f.store.entries, 4)
	assert.Len(t, f.factory.readOnly, 1)
}

func TestService_Balance(t *testing.T) {
	f := newLedgerFixture()

	balance, err := f.service.Balance(context.Background(), "acc-a")
	require.NoError(t, err)
	assert.Equal(t, "100.00", balance.StringFixed(2))
	assert.Equal(t, []bool{true}, f.factory.readOnly)

	_, err = f.service.Balance(context.Background(), "acc-x")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
