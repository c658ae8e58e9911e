package account

import "time"

const AggregateType = "Account"

// Event type tags. The account's vocabulary is closed: ApplyEvent dispatches
// exhaustively over these and treats anything else as corrupt history.
const (
	EventAccountOpened  = "AccountOpened"
	EventMoneyDeposited = "MoneyDeposited"
	EventMoneyWithdrawn = "MoneyWithdrawn"
	EventAccountClosed  = "AccountClosed"
)

// AccountOpened is raised when an account is opened. Amounts are minor
// currency units.
type AccountOpened struct {
	AccountID      string    `json:"account_id"`
	UserID         string    `json:"user_id"`
	InitialBalance int64     `json:"initial_balance"`
	OpenedAt       time.Time `json:"opened_at"`
}

type MoneyDeposited struct {
	AccountID   string    `json:"account_id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	DepositedAt time.Time `json:"deposited_at"`
}

type MoneyWithdrawn struct {
	AccountID   string    `json:"account_id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	WithdrawnAt time.Time `json:"withdrawn_at"`
}

type AccountClosed struct {
	AccountID string    `json:"account_id"`
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	ClosedAt  time.Time `json:"closed_at"`
}
