package ledger

import (
	"context"
	"fmt"
	"time"

	"localtx/internal/core/id"
	"localtx/internal/core/tx"
	"localtx/internal/core/types"
	"localtx/pkg/logger"
)

// TopicTransfers is the notification topic of completed transfers.
const TopicTransfers = "transfers"

// Service runs ledger operations.
type Service struct {
	repo     Repository
	events   EventStore
	notifier Notifier

	template *tx.Template
	nested   *tx.Template
	now      func() time.Time
}

// ServiceConfig configures the service. Notifier is optional.
type ServiceConfig struct {
	Manager  tx.Manager
	Repo     Repository
	Events   EventStore
	Notifier Notifier
	// Timeout bounds every transfer transaction. Zero uses the manager default.
	Timeout time.Duration
}

func NewService(cfg ServiceConfig) *Service {
	template := tx.NewTemplate(cfg.Manager,
		tx.WithName("ledger.transfer"),
		tx.WithIsolation(tx.IsolationReadCommitted),
		tx.WithTimeout(cfg.Timeout))
	return &Service{
		repo:     cfg.Repo,
		events:   cfg.Events,
		notifier: cfg.Notifier,
		template: template,
		nested:   template.With(tx.WithPropagation(tx.PropagationNested), tx.WithName("ledger.batch_item")),
		now:      time.Now,
	}
}

// Transfer executes cmd in its own transaction, or joins the caller's.
func (s *Service) Transfer(ctx context.Context, cmd TransferCommand) (*Transfer, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return tx.ExecuteWithResult(ctx, s.template, func(ctx context.Context, _ *tx.Status) (*Transfer, error) {
		return s.transfer(ctx, cmd)
	})
}

// TransferBatch executes cmds in one transaction. Each command runs in a nested
// scope, so a failing command is rolled back alone and reported in its result.
func (s *Service) TransferBatch(ctx context.Context, cmds []TransferCommand) ([]BatchResult, error) {
	results := make([]BatchResult, len(cmds))
	err := s.template.RunInTransaction(ctx, func(ctx context.Context) error {
		for i, cmd := range cmds {
			if err := cmd.Validate(); err != nil {
				results[i].Err = err
				continue
			}
			results[i].Transfer, results[i].Err = tx.ExecuteWithResult(ctx, s.nested,
				func(ctx context.Context, _ *tx.Status) (*Transfer, error) {
					return s.transfer(ctx, cmd)
				})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Balance reads the balance of an account in a read-only transaction.
func (s *Service) Balance(ctx context.Context, accountID string) (types.Money, error) {
	var balance types.Money
	err := s.template.ReadOnly(ctx, func(ctx context.Context) error {
		var err error
		balance, err = s.repo.Balance(ctx, accountID)
		return err
	})
	return balance, err
}

func (s *Service) transfer(ctx context.Context, cmd TransferCommand) (*Transfer, error) {
	from, to, err := s.lockPair(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if from.Balance.LessThan(cmd.Amount) {
		return nil, fmt.Errorf("%w: account %s has %s, needs %s",
			ErrInsufficientFunds, from.ID, from.Balance.String(), cmd.Amount.String())
	}

	from.Balance = from.Balance.Sub(cmd.Amount)
	to.Balance = to.Balance.Add(cmd.Amount)
	if err := s.repo.UpdateBalance(ctx, from); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateBalance(ctx, to); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	t := &Transfer{
		ID:          id.New(),
		FromAccount: from.ID,
		ToAccount:   to.ID,
		Amount:      cmd.Amount,
		Currency:    cmd.Currency,
		Reference:   cmd.Reference,
		CreatedAt:   now,
	}
	if err := s.repo.InsertTransfer(ctx, t); err != nil {
		return nil, err
	}
	entries := []Entry{
		{ID: id.New(), TransferID: t.ID, AccountID: from.ID, Amount: cmd.Amount.Neg(), CreatedAt: now},
		{ID: id.New(), TransferID: t.ID, AccountID: to.ID, Amount: cmd.Amount, CreatedAt: now},
	}
	if err := s.repo.InsertEntries(ctx, entries); err != nil {
		return nil, err
	}

	evt := TransferCompleted{
		TransferID: t.ID.String(),
		From:       t.FromAccount,
		To:         t.ToAccount,
		Amount:     t.Amount.String(),
		Currency:   t.Currency,
		Reference:  t.Reference,
	}
	if err := s.events.TransferCompleted(ctx, evt); err != nil {
		return nil, fmt.Errorf("record transfer event: %w", err)
	}
	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, TopicTransfers, evt); err != nil {
			return nil, fmt.Errorf("notify transfer: %w", err)
		}
	}

	logger.Info(ctx, "transfer completed",
		"transfer_id", t.ID.String(), "from", t.FromAccount, "to", t.ToAccount,
		"amount", t.Amount.String(), "currency", t.Currency)
	return t, nil
}

// lockPair locks both accounts in id order, which avoids deadlocks between
// opposite transfers, and checks their currencies.
func (s *Service) lockPair(ctx context.Context, cmd TransferCommand) (Account, Account, error) {
	accounts, err := s.repo.LockAccounts(ctx, []string{cmd.From, cmd.To})
	if err != nil {
		return Account{}, Account{}, err
	}

	var from, to *Account
	for i := range accounts {
		switch accounts[i].ID {
		case cmd.From:
			from = &accounts[i]
		case cmd.To:
			to = &accounts[i]
		}
	}
	if from == nil {
		return Account{}, Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, cmd.From)
	}
	if to == nil {
		return Account{}, Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, cmd.To)
	}
	for _, acc := range []*Account{from, to} {
		if acc.Currency != cmd.Currency {
			return Account{}, Account{}, fmt.Errorf("%w: account %s holds %s, transfer is in %s",
				ErrCurrencyMismatch, acc.ID, acc.Currency, cmd.Currency)
		}
	}
	return *from, *to, nil
}
