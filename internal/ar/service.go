package ar

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerkeep/ledgerkeep/internal/accounts"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (SalesInvoice, error)
	GetReceipt(ctx context.Context, id int64) (ledger.Transaction, error)
	SumAllocationsForReceipt(ctx context.Context, receiptID int64) (decimal.Decimal, error)
	ListOutstandingInvoices(ctx context.Context, companyID int64, contactID int64) ([]SalesInvoice, error)
	ListAllocationsForInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error)
}

// AccountLookup resolves accounts so receipts' bank/cash credit lines can
// be identified.
type AccountLookup interface {
	GetMany(ctx context.Context, ids []int64) (map[int64]accounts.Account, error)
}

// Service matches posted receipts against outstanding sales invoices.
type Service struct {
	repo     RepositoryPort
	accounts AccountLookup
	audit    shared.AuditPort
	now      func() time.Time
}

// NewService constructs the receivable allocation engine.
func NewService(repo RepositoryPort, lookup AccountLookup, audit shared.AuditPort) *Service {
	return &Service{repo: repo, accounts: lookup, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateInvoice records a sales invoice in ISSUED state, ready for
// allocation.
func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (SalesInvoice, error) {
	if err := in.Validate(); err != nil {
		return SalesInvoice{}, err
	}
	var invoice SalesInvoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		invoice, err = tx.InsertInvoice(ctx, in)
		return err
	})
	if err != nil {
		return SalesInvoice{}, err
	}
	s.record(ctx, in.CompanyID, in.ActorID, "ar.invoice.create", "sales_invoice", invoice.ID,
		fmt.Sprintf("created invoice %s for %s", invoice.Number, invoice.Total))
	return invoice, nil
}

// Allocate applies part of a posted receipt to a posted invoice. The
// receipt and invoice rows are locked for the read-validate-write sequence
// so concurrent allocations against either serialize.
func (s *Service) Allocate(ctx context.Context, receiptID, invoiceID int64, amount decimal.Decimal, actorID int64) (Allocation, error) {
	var alloc Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		alloc, err = s.allocateLocked(ctx, tx, receiptID, invoiceID, amount, actorID)
		return err
	})
	if err != nil {
		return Allocation{}, err
	}
	s.record(ctx, alloc.CompanyID, actorID, "ar.allocate", "allocation", alloc.ID,
		fmt.Sprintf("allocated %s from receipt %d to invoice %d", alloc.Amount, receiptID, invoiceID))
	return alloc, nil
}

// AllocateToMultiple applies a receipt to several invoices in list order as
// one unit of work: any failure rolls the whole batch back.
func (s *Service) AllocateToMultiple(ctx context.Context, receiptID int64, targets []AllocationTarget, actorID int64) ([]Allocation, error) {
	if len(targets) == 0 {
		return nil, shared.Validationf("ar: at least one allocation target required")
	}
	var allocs []Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, target := range targets {
			alloc, err := s.allocateLocked(ctx, tx, receiptID, target.InvoiceID, target.Amount, actorID)
			if err != nil {
				return err
			}
			allocs = append(allocs, alloc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, alloc := range allocs {
		s.record(ctx, alloc.CompanyID, actorID, "ar.allocate", "allocation", alloc.ID,
			fmt.Sprintf("allocated %s from receipt %d to invoice %d", alloc.Amount, receiptID, alloc.InvoiceID))
	}
	return allocs, nil
}

func (s *Service) allocateLocked(ctx context.Context, tx TxRepository, receiptID, invoiceID int64, amount decimal.Decimal, actorID int64) (Allocation, error) {
	if !amount.IsPositive() {
		return Allocation{}, shared.Validationf("allocation amount %s must be positive", amount)
	}
	receipt, err := tx.GetReceiptForUpdate(ctx, receiptID)
	if err != nil {
		return Allocation{}, err
	}
	invoice, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
	if err != nil {
		return Allocation{}, err
	}
	if receipt.Status != ledger.TransactionStatusPosted {
		return Allocation{}, shared.Statef("receipt %d is %s; only posted receipts can be allocated", receipt.ID, receipt.Status)
	}
	if receipt.Type != ledger.TransactionTypeReceipt {
		return Allocation{}, shared.Validationf("transaction %d is a %s, not a receipt", receipt.ID, receipt.Type)
	}
	if invoice.Status != InvoiceStatusIssued {
		return Allocation{}, shared.Statef("invoice %d is %s; only issued invoices accept allocations", invoice.ID, invoice.Status)
	}
	if receipt.CompanyID != invoice.CompanyID {
		return Allocation{}, shared.Validationf("receipt %d (company %d) and invoice %d (company %d) belong to different companies",
			receipt.ID, receipt.CompanyID, invoice.ID, invoice.CompanyID)
	}
	balance := invoice.Balance()
	if amount.GreaterThan(balance) {
		return Allocation{}, shared.Validationf("allocation %s exceeds invoice %d balance %s", amount, invoice.ID, balance)
	}
	unallocated, err := s.unallocatedLocked(ctx, tx, receipt)
	if err != nil {
		return Allocation{}, err
	}
	if amount.GreaterThan(unallocated) {
		return Allocation{}, shared.Validationf("allocation %s exceeds receipt %d unallocated amount %s", amount, receipt.ID, unallocated)
	}

	alloc, err := tx.InsertAllocation(ctx, Allocation{
		CompanyID:   invoice.CompanyID,
		ReceiptID:   receipt.ID,
		InvoiceID:   invoice.ID,
		Amount:      amount,
		AllocatedBy: actorID,
	})
	if err != nil {
		return Allocation{}, err
	}
	if err := s.recomputePaid(ctx, tx, invoice); err != nil {
		return Allocation{}, err
	}
	return alloc, nil
}

// RemoveAllocation deletes an allocation and recomputes the invoice's paid
// amount from the remaining set.
func (s *Service) RemoveAllocation(ctx context.Context, allocationID, actorID int64) error {
	var removed Allocation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		alloc, err := tx.GetAllocationForUpdate(ctx, allocationID)
		if err != nil {
			return err
		}
		invoice, err := tx.GetInvoiceForUpdate(ctx, alloc.InvoiceID)
		if err != nil {
			return err
		}
		if err := tx.DeleteAllocation(ctx, alloc.ID); err != nil {
			return err
		}
		removed = alloc
		return s.recomputePaid(ctx, tx, invoice)
	})
	if err != nil {
		return err
	}
	s.record(ctx, removed.CompanyID, actorID, "ar.deallocate", "allocation", removed.ID,
		fmt.Sprintf("removed allocation of %s from receipt %d to invoice %d", removed.Amount, removed.ReceiptID, removed.InvoiceID))
	return nil
}

// recomputePaid derives amountPaid from the full allocation set rather than
// applying a delta, so repeated allocate/remove cycles cannot drift.
func (s *Service) recomputePaid(ctx context.Context, tx TxRepository, invoice SalesInvoice) error {
	paid, err := tx.SumAllocationsForInvoice(ctx, invoice.ID)
	if err != nil {
		return err
	}
	status := invoice.Status
	switch {
	case paid.GreaterThanOrEqual(invoice.Total) && invoice.Status == InvoiceStatusIssued:
		status = InvoiceStatusPaid
	case paid.LessThan(invoice.Total) && invoice.Status == InvoiceStatusPaid:
		status = InvoiceStatusIssued
	}
	return tx.UpdateInvoicePaid(ctx, invoice.ID, paid, status)
}

// UnallocatedAmount reports how much of a posted receipt remains
// unapplied. The receipt's value is the total credited to bank or cash
// accounts; when that sum is zero the amount of the first debit line is
// used instead. Existing allocations are then subtracted.
func (s *Service) UnallocatedAmount(ctx context.Context, receiptID int64) (decimal.Decimal, error) {
	receipt, err := s.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		return decimal.Zero, err
	}
	base, err := s.receiptValue(ctx, receipt)
	if err != nil {
		return decimal.Zero, err
	}
	allocated, err := s.repo.SumAllocationsForReceipt(ctx, receipt.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return base.Sub(allocated), nil
}

func (s *Service) unallocatedLocked(ctx context.Context, tx TxRepository, receipt ledger.Transaction) (decimal.Decimal, error) {
	base, err := s.receiptValue(ctx, receipt)
	if err != nil {
		return decimal.Zero, err
	}
	allocated, err := tx.SumAllocationsForReceipt(ctx, receipt.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return base.Sub(allocated), nil
}

func (s *Service) receiptValue(ctx context.Context, receipt ledger.Transaction) (decimal.Decimal, error) {
	ids := make([]int64, 0, len(receipt.Lines))
	for _, line := range receipt.Lines {
		ids = append(ids, line.AccountID)
	}
	accts, err := s.accounts.GetMany(ctx, ids)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, line := range receipt.Lines {
		if line.Direction != ledger.DirectionCredit {
			continue
		}
		if acct, ok := accts[line.AccountID]; ok && acct.IsBank {
			total = total.Add(line.Amount)
		}
	}
	if total.IsZero() {
		for _, line := range receipt.Lines {
			if line.Direction == ledger.DirectionDebit {
				total = line.Amount
				break
			}
		}
	}
	return total, nil
}

// SuggestAllocations proposes how to spread a receipt amount across
// outstanding invoices: a single invoice whose balance matches exactly wins
// outright; otherwise invoices are filled oldest due date first.
func (s *Service) SuggestAllocations(ctx context.Context, companyID, contactID int64, receiptAmount decimal.Decimal) ([]Suggestion, error) {
	if !receiptAmount.IsPositive() {
		return nil, shared.Validationf("receipt amount %s must be positive", receiptAmount)
	}
	invoices, err := s.repo.ListOutstandingInvoices(ctx, companyID, contactID)
	if err != nil {
		return nil, err
	}

	for _, inv := range invoices {
		if inv.Balance().Equal(receiptAmount) {
			return []Suggestion{{
				InvoiceID:  inv.ID,
				Number:     inv.Number,
				DueDate:    inv.DueDate,
				Amount:     receiptAmount,
				ExactMatch: true,
			}}, nil
		}
	}

	sort.SliceStable(invoices, func(i, j int) bool {
		return invoices[i].DueDate.Before(invoices[j].DueDate)
	})
	var suggestions []Suggestion
	remaining := receiptAmount
	for _, inv := range invoices {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, inv.Balance())
		if !take.IsPositive() {
			continue
		}
		suggestions = append(suggestions, Suggestion{
			InvoiceID: inv.ID,
			Number:    inv.Number,
			DueDate:   inv.DueDate,
			Amount:    take,
		})
		remaining = remaining.Sub(take)
	}
	return suggestions, nil
}

// GetInvoice loads a sales invoice.
func (s *Service) GetInvoice(ctx context.Context, id int64) (SalesInvoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// ListAllocationsForInvoice returns the allocations applied to an invoice.
func (s *Service) ListAllocationsForInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error) {
	return s.repo.ListAllocationsForInvoice(ctx, invoiceID)
}

func (s *Service) record(ctx context.Context, companyID, actorID int64, action, entity string, entityID int64, message string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditEvent{
		CompanyID: companyID,
		ActorID:   actorID,
		Action:    action,
		Entity:    entity,
		EntityID:  fmt.Sprintf("%d", entityID),
		Message:   message,
		At:        s.now(),
	})
}
