package accounts

import (
	"time"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// Account models a chart of accounts node scoped to a company.
type Account struct {
	ID        int64
	CompanyID int64
	Code      string
	Name      string
	Type      AccountType
	TaxCode   string
	IsBank    bool
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settings carries per-company accounting configuration.
type Settings struct {
	CompanyID        int64
	PayablesCode     string
	ReceivablesCode  string
	RetainedEarnings string
}

// DefaultPayablesCode is used when a company has not configured its
// accounts payable control account.
const DefaultPayablesCode = "2100"
