package ar

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// InvoiceStatus enumerates sales invoice statuses.
type InvoiceStatus string

const (
	InvoiceStatusDraft  InvoiceStatus = "DRAFT"
	InvoiceStatusIssued InvoiceStatus = "ISSUED"
	InvoiceStatusPaid   InvoiceStatus = "PAID"
	InvoiceStatusVoid   InvoiceStatus = "VOID"
)

// SalesInvoice models a customer invoice carrying a running paid amount.
// AmountPaid is always recomputed from the allocation set, never
// incremented in place.
type SalesInvoice struct {
	ID         int64
	CompanyID  int64
	ContactID  int64
	Number     string
	Total      decimal.Decimal
	AmountPaid decimal.Decimal
	Status     InvoiceStatus
	IssueDate  time.Time
	DueDate    time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Balance is the amount still owed on the invoice.
func (i SalesInvoice) Balance() decimal.Decimal {
	return i.Total.Sub(i.AmountPaid)
}

// Allocation links a posted receipt to a posted invoice for an amount.
// Rows are created on allocation and deleted on removal, never updated.
type Allocation struct {
	ID          int64
	CompanyID   int64
	ReceiptID   int64
	InvoiceID   int64
	Amount      decimal.Decimal
	AllocatedBy int64
	CreatedAt   time.Time
}

// AllocationTarget pairs an invoice with the amount to apply to it.
type AllocationTarget struct {
	InvoiceID int64
	Amount    decimal.Decimal
}

// Suggestion is one proposed allocation from the auto-matching heuristic.
type Suggestion struct {
	InvoiceID  int64
	Number     string
	DueDate    time.Time
	Amount     decimal.Decimal
	ExactMatch bool
}

// CreateInvoiceInput captures parameters for a new sales invoice.
type CreateInvoiceInput struct {
	CompanyID int64
	ContactID int64
	Number    string
	Total     decimal.Decimal
	IssueDate time.Time
	DueDate   time.Time
	ActorID   int64
}

// Validate ensures the invoice input is coherent.
func (in CreateInvoiceInput) Validate() error {
	if in.CompanyID == 0 {
		return shared.Validationf("ar: company id required")
	}
	if in.ContactID == 0 {
		return shared.Validationf("ar: contact id required")
	}
	if !in.Total.IsPositive() {
		return shared.Validationf("ar: invoice total %s must be positive", in.Total)
	}
	if in.DueDate.IsZero() {
		return shared.Validationf("ar: due date required")
	}
	return nil
}
