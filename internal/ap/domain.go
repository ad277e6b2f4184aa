package ap

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// BillStatus enumerates supplier bill statuses.
type BillStatus string

const (
	BillStatusDraft  BillStatus = "DRAFT"
	BillStatusPosted BillStatus = "POSTED"
	BillStatusPaid   BillStatus = "PAID"
	BillStatusVoid   BillStatus = "VOID"
)

// RunStatus captures the payment run lifecycle.
type RunStatus string

const (
	RunStatusDraft     RunStatus = "DRAFT"
	RunStatusCompleted RunStatus = "COMPLETED"
)

// Bill models a supplier bill carrying a running paid amount.
type Bill struct {
	ID         int64
	CompanyID  int64
	ContactID  int64
	Number     string
	Total      decimal.Decimal
	AmountPaid decimal.Decimal
	Status     BillStatus
	IssueDate  time.Time
	DueDate    time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Balance is the amount still owed on the bill.
func (b Bill) Balance() decimal.Decimal {
	return b.Total.Sub(b.AmountPaid)
}

// PaymentRun is a batch of supplier payments drawn from one bank account.
// Items may be mutated only while the run is DRAFT; completion stamps each
// item with the transaction that paid it.
type PaymentRun struct {
	ID            int64
	CompanyID     int64
	RunDate       time.Time
	BankAccountID int64
	Status        RunStatus
	CreatedBy     int64
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Items         []PaymentItem
}

// PaymentItem is one bill selected into a run. Amount snapshots the bill's
// balance at selection time and is not re-read at completion.
type PaymentItem struct {
	ID            int64
	RunID         int64
	BillID        int64
	ContactID     int64
	Amount        decimal.Decimal
	TransactionID *int64
	CreatedAt     time.Time
}

// PayableAllocation links a posted payment transaction to a bill.
type PayableAllocation struct {
	ID          int64
	CompanyID   int64
	PaymentID   int64
	BillID      int64
	Amount      decimal.Decimal
	AllocatedBy int64
	CreatedAt   time.Time
}

// CreatePaymentRunInput captures parameters for a new run.
type CreatePaymentRunInput struct {
	CompanyID     int64
	RunDate       time.Time
	BankAccountID int64
	ActorID       int64
}

// Validate ensures the run input is coherent.
func (in CreatePaymentRunInput) Validate() error {
	if in.CompanyID == 0 {
		return shared.Validationf("ap: company id required")
	}
	if in.RunDate.IsZero() {
		return shared.Validationf("ap: run date required")
	}
	if in.BankAccountID == 0 {
		return shared.Validationf("ap: bank account required")
	}
	return nil
}

// CreateBillInput captures parameters for a new supplier bill.
type CreateBillInput struct {
	CompanyID int64
	ContactID int64
	Number    string
	Total     decimal.Decimal
	IssueDate time.Time
	DueDate   time.Time
	ActorID   int64
}

// Validate ensures the bill input is coherent.
func (in CreateBillInput) Validate() error {
	if in.CompanyID == 0 {
		return shared.Validationf("ap: company id required")
	}
	if in.ContactID == 0 {
		return shared.Validationf("ap: contact id required")
	}
	if !in.Total.IsPositive() {
		return shared.Validationf("ap: bill total %s must be positive", in.Total)
	}
	return nil
}
