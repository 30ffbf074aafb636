// Package ledger moves money between accounts. A transfer updates balances,
// records double-entry lines, stores an outbox event and notifies subscribers,
// all inside one transaction boundary.
package ledger

import (
	"errors"
	"time"

	"localtx/internal/core/id"
	"localtx/internal/core/types"
)

var (
	ErrInvalidTransfer        = errors.New("ledger: invalid transfer")
	ErrAccountNotFound        = errors.New("ledger: account not found")
	ErrCurrencyMismatch       = errors.New("ledger: currency mismatch")
	ErrInsufficientFunds      = errors.New("ledger: insufficient funds")
	ErrConcurrentModification = errors.New("ledger: account modified concurrently")
)

// Account is a balance in a single currency.
type Account struct {
	ID       string      `db:"id"`
	Owner    string      `db:"owner"`
	Currency string      `db:"currency"`
	Balance  types.Money `db:"balance"`
	Version  int         `db:"version"`
}

// Transfer moves Amount from one account to another.
type Transfer struct {
	ID          id.ID       `db:"id"`
	FromAccount string      `db:"from_account"`
	ToAccount   string      `db:"to_account"`
	Amount      types.Money `db:"amount"`
	Currency    string      `db:"currency"`
	Reference   string      `db:"reference"`
	CreatedAt   time.Time   `db:"created_at"`
}

// Entry is one side of a transfer. Debits are negative.
type Entry struct {
	ID         id.ID       `db:"id"`
	TransferID id.ID       `db:"transfer_id"`
	AccountID  string      `db:"account_id"`
	Amount     types.Money `db:"amount"`
	CreatedAt  time.Time   `db:"created_at"`
}

// TransferCommand requests a transfer.
type TransferCommand struct {
	From      string
	To        string
	Amount    types.Money
	Currency  string
	Reference string
}

// Validate checks the command without touching storage.
func (c TransferCommand) Validate() error {
	switch {
	case c.From == "" || c.To == "":
		return errors.Join(ErrInvalidTransfer, errors.New("both accounts are required"))
	case c.From == c.To:
		return errors.Join(ErrInvalidTransfer, errors.New("cannot transfer to the same account"))
	case !c.Amount.IsPositive():
		return errors.Join(ErrInvalidTransfer, errors.New("amount must be positive"))
	case c.Currency == "":
		return errors.Join(ErrInvalidTransfer, errors.New("currency is required"))
	case !types.FitsCurrency(c.Amount, c.Currency):
		return errors.Join(ErrInvalidTransfer, errors.New("amount has too many decimal places for "+c.Currency))
	}
	return nil
}

// TransferCompleted is the event stored in the outbox and sent to subscribers.
type TransferCompleted struct {
	TransferID string `json:"transfer_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Reference  string `json:"reference,omitempty"`
}

// BatchResult reports the outcome of one command of a batch.
type BatchResult struct {
	Transfer *Transfer
	Err      error
}
