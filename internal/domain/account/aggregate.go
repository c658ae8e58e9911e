package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/finance-ledger/internal/domain/aggregate"
	"github.com/example/finance-ledger/internal/infrastructure/store"
)

type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
	// StatusSuspended is part of the vocabulary but no operation reaches it
	// yet; reserved for future use.
	StatusSuspended Status = "suspended"
)

var (
	ErrUserRequired        = errors.New("user id is required")
	ErrNegativeBalance     = errors.New("initial balance must not be negative")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotActive           = errors.New("account is not active")
	ErrBalanceNotZero      = errors.New("cannot close an account with a non-zero balance")

	// ErrUnknownEventType marks a replay that hit an event the account does
	// not recognize: a deployed-code/event-schema mismatch, not a recoverable
	// condition.
	ErrUnknownEventType = errors.New("unknown account event type")
)

// Account is a financial account reconstructed purely from its event history.
// Balance is mutated only through deposit/withdraw events and never goes
// negative; closing requires a zero balance.
type Account struct {
	aggregate.Root

	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Open creates a new account and raises the opening event. initialBalance is
// in minor currency units and must not be negative.
func Open(userID string, initialBalance int64) (*Account, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if initialBalance < 0 {
		return nil, ErrNegativeBalance
	}

	a := &Account{}
	if err := a.SetID(uuid.New().String()); err != nil {
		return nil, err
	}

	err := aggregate.ApplyChange(a, EventAccountOpened, AccountOpened{
		AccountID:      a.ID(),
		UserID:         userID,
		InitialBalance: initialBalance,
		OpenedAt:       time.Now(),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// NewShell creates an empty instance for reconstruction via snapshot restore
// and/or history replay.
func NewShell(id string) (*Account, error) {
	a := &Account{}
	if err := a.SetID(id); err != nil {
		return nil, err
	}
	return a, nil
}

// Deposit adds amount to the balance. Requires an active account and a
// positive amount.
func (a *Account) Deposit(amount int64, description string) error {
	if err := a.requireActive(); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if description == "" {
		description = "deposit"
	}

	return aggregate.ApplyChange(a, EventMoneyDeposited, MoneyDeposited{
		AccountID:   a.ID(),
		UserID:      a.UserID,
		Amount:      amount,
		Description: description,
		DepositedAt: time.Now(),
	})
}

// Withdraw subtracts amount from the balance. A withdrawal exceeding the
// balance is a normal business rejection (ErrInsufficientBalance), not a
// concurrency failure.
func (a *Account) Withdraw(amount int64, description string) error {
	if err := a.requireActive(); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > a.Balance {
		return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, a.Balance, amount)
	}
	if description == "" {
		description = "withdrawal"
	}

	return aggregate.ApplyChange(a, EventMoneyWithdrawn, MoneyWithdrawn{
		AccountID:   a.ID(),
		UserID:      a.UserID,
		Amount:      amount,
		Description: description,
		WithdrawnAt: time.Now(),
	})
}

// Close transitions the account to closed. Requires an active account with a
// zero balance; closed is terminal.
func (a *Account) Close(reason string) error {
	if err := a.requireActive(); err != nil {
		return err
	}
	if a.Balance != 0 {
		return fmt.Errorf("%w: balance %d", ErrBalanceNotZero, a.Balance)
	}
	if reason == "" {
		reason = "customer request"
	}

	return aggregate.ApplyChange(a, EventAccountClosed, AccountClosed{
		AccountID: a.ID(),
		UserID:    a.UserID,
		Reason:    reason,
		ClosedAt:  time.Now(),
	})
}

func (a *Account) requireActive() error {
	if a.Status != StatusActive {
		return fmt.Errorf("%w: status %s", ErrNotActive, a.Status)
	}
	return nil
}

// Type implements aggregate.Aggregate.
func (a *Account) Type() string { return AggregateType }

// ApplyEvent implements aggregate.Aggregate with an exhaustive dispatch over
// the account's event vocabulary.
func (a *Account) ApplyEvent(e store.StoredEvent) error {
	switch e.EventType {
	case EventAccountOpened:
		var data AccountOpened
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return err
		}
		a.UserID = data.UserID
		a.Balance = data.InitialBalance
		a.Status = StatusActive
		a.CreatedAt = data.OpenedAt
	case EventMoneyDeposited:
		var data MoneyDeposited
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return err
		}
		a.Balance += data.Amount
	case EventMoneyWithdrawn:
		var data MoneyWithdrawn
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return err
		}
		a.Balance -= data.Amount
	case EventAccountClosed:
		a.Status = StatusClosed
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEventType, e.EventType)
	}
	return nil
}

// Snapshot implements aggregate.Aggregate.
func (a *Account) Snapshot() (json.RawMessage, error) {
	return json.Marshal(a)
}

// RestoreSnapshot implements aggregate.Aggregate.
func (a *Account) RestoreSnapshot(state json.RawMessage) error {
	return json.Unmarshal(state, a)
}

// CanWithdraw reports whether a withdrawal of amount would succeed.
func (a *Account) CanWithdraw(amount int64) bool {
	return a.Status == StatusActive && amount > 0 && amount <= a.Balance
}

// AvailableBalance is the spendable balance: zero unless the account is
// active.
func (a *Account) AvailableBalance() int64 {
	if a.Status != StatusActive {
		return 0
	}
	return a.Balance
}

func (a *Account) IsOverdrawn() bool { return a.Balance < 0 }
