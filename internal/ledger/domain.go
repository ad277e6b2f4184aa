package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// TransactionType enumerates financial event categories.
type TransactionType string

const (
	TransactionTypePayment TransactionType = "PAYMENT"
	TransactionTypeReceipt TransactionType = "RECEIPT"
	TransactionTypeJournal TransactionType = "JOURNAL"
	TransactionTypeInvoice TransactionType = "INVOICE"
	TransactionTypeBill    TransactionType = "BILL"
)

// TransactionStatus enumerates transaction lifecycle values.
type TransactionStatus string

const (
	TransactionStatusDraft  TransactionStatus = "DRAFT"
	TransactionStatusPosted TransactionStatus = "POSTED"
)

// Direction marks a line as a debit or a credit.
type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

// Transaction is a draft or posted financial event. Once posted it is
// immutable; corrections happen only via a reversal transaction.
type Transaction struct {
	ID           int64
	CompanyID    int64
	Date         time.Time
	Type         TransactionType
	Description  string
	Reference    string
	Status       TransactionStatus
	SourceModule string
	SourceRef    uuid.UUID
	PostedAt     *time.Time
	PostedBy     *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Lines        []TransactionLine
}

// TransactionLine is one debit or credit leg of a transaction.
type TransactionLine struct {
	ID            int64
	TransactionID int64
	Index         int
	AccountID     int64
	Amount        decimal.Decimal
	Direction     Direction
	TaxCode       string
	Department    string
	Memo          string
	CreatedAt     time.Time
}

// LedgerEntry is the immutable record derived 1:1 from a transaction line
// at posting time. It is never updated or deleted.
type LedgerEntry struct {
	ID            int64
	CompanyID     int64
	TransactionID int64
	LineIndex     int
	AccountID     int64
	Amount        decimal.Decimal
	Direction     Direction
	TaxCode       string
	EntryDate     time.Time
	CreatedAt     time.Time
}

// TaxLine is derived by the tax collaborator from ledger entries that
// carry a tax code.
type TaxLine struct {
	ID            int64
	CompanyID     int64
	TransactionID int64
	LineIndex     int
	TaxCode       string
	Amount        decimal.Decimal
	CreatedAt     time.Time
}

// DebitTotal sums the debit line amounts.
func (t Transaction) DebitTotal() decimal.Decimal {
	return t.directionTotal(DirectionDebit)
}

// CreditTotal sums the credit line amounts.
func (t Transaction) CreditTotal() decimal.Decimal {
	return t.directionTotal(DirectionCredit)
}

func (t Transaction) directionTotal(dir Direction) decimal.Decimal {
	total := decimal.Zero
	for _, line := range t.Lines {
		if line.Direction == dir {
			total = total.Add(line.Amount)
		}
	}
	return total
}

// DraftLine describes one leg of a draft transaction.
type DraftLine struct {
	AccountID  int64
	Amount     decimal.Decimal
	Direction  Direction
	TaxCode    string
	Department string
	Memo       string
}

// DraftInput groups fields required to create a draft transaction.
type DraftInput struct {
	CompanyID    int64
	Date         time.Time
	Type         TransactionType
	Description  string
	Reference    string
	SourceModule string
	SourceRef    uuid.UUID
	Lines        []DraftLine
}

// Validate ensures draft input meets minimum criteria. Balance and period
// checks happen at posting time, not here.
func (in DraftInput) Validate() error {
	if in.CompanyID == 0 {
		return shared.Validationf("ledger: company id required")
	}
	if in.Date.IsZero() {
		return shared.Validationf("ledger: transaction date required")
	}
	switch in.Type {
	case TransactionTypePayment, TransactionTypeReceipt, TransactionTypeJournal, TransactionTypeInvoice, TransactionTypeBill:
	default:
		return shared.Validationf("ledger: unknown transaction type %q", in.Type)
	}
	for idx, line := range in.Lines {
		if line.AccountID == 0 {
			return shared.Validationf("ledger: line %d missing account", idx)
		}
		if !line.Amount.IsPositive() {
			return shared.Validationf("ledger: line %d amount %s must be positive", idx, line.Amount)
		}
		if line.Direction != DirectionDebit && line.Direction != DirectionCredit {
			return shared.Validationf("ledger: line %d has invalid direction %q", idx, line.Direction)
		}
	}
	return nil
}
