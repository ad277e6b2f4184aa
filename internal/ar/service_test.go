package ar

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ledgerkeep/ledgerkeep/internal/accounts"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

type memoryARRepo struct {
	invoices    map[int64]*SalesInvoice
	receipts    map[int64]*ledger.Transaction
	allocations map[int64]*Allocation
	nextInvID   int64
	nextAllocID int64
}

func newMemoryARRepo() *memoryARRepo {
	return &memoryARRepo{
		invoices:    make(map[int64]*SalesInvoice),
		receipts:    make(map[int64]*ledger.Transaction),
		allocations: make(map[int64]*Allocation),
	}
}

// WithTx snapshots state so a failing fn rolls everything back, matching
// the transactional repository it stands in for.
func (r *memoryARRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	invoices := make(map[int64]*SalesInvoice, len(r.invoices))
	for id, inv := range r.invoices {
		copied := *inv
		invoices[id] = &copied
	}
	allocations := make(map[int64]*Allocation, len(r.allocations))
	for id, a := range r.allocations {
		copied := *a
		allocations[id] = &copied
	}
	if err := fn(ctx, r); err != nil {
		r.invoices = invoices
		r.allocations = allocations
		return err
	}
	return nil
}

func (r *memoryARRepo) InsertInvoice(ctx context.Context, in CreateInvoiceInput) (SalesInvoice, error) {
	r.nextInvID++
	inv := SalesInvoice{
		ID:         r.nextInvID,
		CompanyID:  in.CompanyID,
		ContactID:  in.ContactID,
		Number:     in.Number,
		Total:      in.Total,
		AmountPaid: decimal.Zero,
		Status:     InvoiceStatusIssued,
		IssueDate:  in.IssueDate,
		DueDate:    in.DueDate,
	}
	stored := inv
	r.invoices[inv.ID] = &stored
	return inv, nil
}

func (r *memoryARRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (SalesInvoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return SalesInvoice{}, shared.NotFoundf("invoice %d not found", id)
	}
	return *inv, nil
}

func (r *memoryARRepo) GetReceiptForUpdate(ctx context.Context, id int64) (ledger.Transaction, error) {
	receipt, ok := r.receipts[id]
	if !ok {
		return ledger.Transaction{}, shared.NotFoundf("receipt %d not found", id)
	}
	return *receipt, nil
}

func (r *memoryARRepo) GetAllocationForUpdate(ctx context.Context, id int64) (Allocation, error) {
	a, ok := r.allocations[id]
	if !ok {
		return Allocation{}, shared.NotFoundf("allocation %d not found", id)
	}
	return *a, nil
}

func (r *memoryARRepo) InsertAllocation(ctx context.Context, alloc Allocation) (Allocation, error) {
	r.nextAllocID++
	alloc.ID = r.nextAllocID
	stored := alloc
	r.allocations[alloc.ID] = &stored
	return alloc, nil
}

func (r *memoryARRepo) DeleteAllocation(ctx context.Context, id int64) error {
	if _, ok := r.allocations[id]; !ok {
		return shared.NotFoundf("allocation %d not found", id)
	}
	delete(r.allocations, id)
	return nil
}

func (r *memoryARRepo) SumAllocationsForInvoice(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, a := range r.allocations {
		if a.InvoiceID == invoiceID {
			sum = sum.Add(a.Amount)
		}
	}
	return sum, nil
}

func (r *memoryARRepo) SumAllocationsForReceipt(ctx context.Context, receiptID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, a := range r.allocations {
		if a.ReceiptID == receiptID {
			sum = sum.Add(a.Amount)
		}
	}
	return sum, nil
}

func (r *memoryARRepo) UpdateInvoicePaid(ctx context.Context, invoiceID int64, paid decimal.Decimal, status InvoiceStatus) error {
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return shared.NotFoundf("invoice %d not found", invoiceID)
	}
	inv.AmountPaid = paid
	inv.Status = status
	return nil
}

func (r *memoryARRepo) GetInvoice(ctx context.Context, id int64) (SalesInvoice, error) {
	return r.GetInvoiceForUpdate(ctx, id)
}

func (r *memoryARRepo) GetReceipt(ctx context.Context, id int64) (ledger.Transaction, error) {
	return r.GetReceiptForUpdate(ctx, id)
}

func (r *memoryARRepo) ListOutstandingInvoices(ctx context.Context, companyID int64, contactID int64) ([]SalesInvoice, error) {
	var out []SalesInvoice
	for _, inv := range r.invoices {
		if inv.CompanyID != companyID || inv.Status != InvoiceStatusIssued {
			continue
		}
		if contactID != 0 && inv.ContactID != contactID {
			continue
		}
		if inv.Balance().IsPositive() {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (r *memoryARRepo) ListAllocationsForInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error) {
	var out []Allocation
	for _, a := range r.allocations {
		if a.InvoiceID == invoiceID {
			out = append(out, *a)
		}
	}
	return out, nil
}

type memoryARAccounts struct {
	accounts map[int64]accounts.Account
}

func (m *memoryARAccounts) GetMany(ctx context.Context, ids []int64) (map[int64]accounts.Account, error) {
	out := make(map[int64]accounts.Account, len(ids))
	for _, id := range ids {
		if a, ok := m.accounts[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

const (
	bankAccountID = int64(1)
	arAccountID   = int64(2)
)

func newARService(t *testing.T) (*Service, *memoryARRepo) {
	t.Helper()
	repo := newMemoryARRepo()
	lookup := &memoryARAccounts{accounts: map[int64]accounts.Account{
		bankAccountID: {ID: bankAccountID, CompanyID: 1, Code: "1000", Type: accounts.AccountTypeAsset, IsBank: true, IsActive: true},
		arAccountID:   {ID: arAccountID, CompanyID: 1, Code: "1200", Type: accounts.AccountTypeAsset, IsActive: true},
	}}
	svc := NewService(repo, lookup, nil)
	svc.WithNow(func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) })
	return svc, repo
}

func (r *memoryARRepo) addReceipt(id int64, amount decimal.Decimal) {
	r.receipts[id] = &ledger.Transaction{
		ID:        id,
		CompanyID: 1,
		Date:      time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC),
		Type:      ledger.TransactionTypeReceipt,
		Status:    ledger.TransactionStatusPosted,
		Lines: []ledger.TransactionLine{
			{Index: 1, AccountID: bankAccountID, Amount: amount, Direction: ledger.DirectionDebit},
			{Index: 2, AccountID: arAccountID, Amount: amount, Direction: ledger.DirectionCredit},
		},
	}
}

func (r *memoryARRepo) addBankCreditReceipt(id int64, amount decimal.Decimal) {
	r.receipts[id] = &ledger.Transaction{
		ID:        id,
		CompanyID: 1,
		Date:      time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC),
		Type:      ledger.TransactionTypeReceipt,
		Status:    ledger.TransactionStatusPosted,
		Lines: []ledger.TransactionLine{
			{Index: 1, AccountID: arAccountID, Amount: amount, Direction: ledger.DirectionDebit},
			{Index: 2, AccountID: bankAccountID, Amount: amount, Direction: ledger.DirectionCredit},
		},
	}
}

func (s *Service) mustCreateInvoice(t *testing.T, total decimal.Decimal, due time.Time) SalesInvoice {
	t.Helper()
	inv, err := s.CreateInvoice(context.Background(), CreateInvoiceInput{
		CompanyID: 1,
		ContactID: 5,
		Number:    "INV-" + due.Format("20060102"),
		Total:     total,
		IssueDate: due.AddDate(0, -1, 0),
		DueDate:   due,
		ActorID:   7,
	})
	require.NoError(t, err)
	return inv
}

func TestAllocateAppliesReceiptToInvoice(t *testing.T) {
	svc, repo := newARService(t)
	inv := svc.mustCreateInvoice(t, decimal.NewFromInt(120), time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC))
	repo.addReceipt(100, decimal.NewFromInt(120))

	alloc, err := svc.Allocate(context.Background(), 100, inv.ID, decimal.NewFromInt(120), 7)
	require.NoError(t, err)
	require.True(t, alloc.Amount.Equal(decimal.NewFromInt(120)))

	stored, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusPaid, stored.Status)
	require.True(t, stored.AmountPaid.Equal(decimal.NewFromInt(120)))
}

func TestAllocateRejectsOverInvoiceBalance(t *testing.T) {
	svc, repo := newARService(t)
	inv := svc.mustCreateInvoice(t, decimal.NewFromInt(100), time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC))
	repo.addReceipt(100, decimal.NewFromInt(500))

	_, err := svc.Allocate(context.Background(), 100, inv.ID, decimal.NewFromInt(101), 7)
	require.Error(t, err)
	require.True(t, shared.IsValidation(err))
	require.Contains(t, err.Error(), "101")
	require.Contains(t, err.Error(), "100")

	stored, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.True(t, stored.AmountPaid.IsZero())
	require.Equal(t, InvoiceStatusIssued, stored.Status)
}

func TestAllocateRejectsOverReceiptRemainder(t *testing.T) {
	svc, repo := newARService(t)
	first := svc.mustCreateInvoice(t, decimal.NewFromInt(80), time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC))
	second := svc.mustCreateInvoice(t, decimal.NewFromInt(80), time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC))
	repo.addReceipt(100, decimal.NewFromInt(100))

	_, err := svc.Allocate(context.Background(), 100, first.ID, decimal.NewFromInt(80), 7)
	require.NoError(t, err)

	_, err = svc.Allocate(context.Background(), 100, second.ID, decimal.NewFromInt(30), 7)
	require.Error(t, err)
	require.True(t, shared.IsValidation(err))
	require.Contains(t, err.Error(), "unallocated")
}

func TestAllocateRejectsUnpostedReceipt(t *testing.T) {
	svc, repo := newARService(t)
	inv := svc.mustCreateInvoice(t, decimal.NewFromInt(50), time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC))
	repo.addReceipt(100, decimal.NewFromInt(50))
	repo.receipts[100].Status = ledger.TransactionStatusDraft

	_, err := svc.Allocate(context.Background(), 100, inv.ID, decimal.NewFromInt(50), 7)
	require.Error(t, err)
	require.True(t, shared.IsState(err))
}

func TestAllocateToMultipleIsAllOrNothing(t *testing.T) {
	svc, repo := newARService(t)
	first := svc.mustCreateInvoice(t, decimal.NewFromInt(60), time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC))
	second := svc.mustCreateInvoice(t, decimal.NewFromInt(60), time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC))
	repo.addReceipt(100, decimal.NewFromInt(100))

	// Second target exceeds the receipt's remainder, so the whole batch fails.
	_, err := svc.AllocateToMultiple(context.Background(), 100, []AllocationTarget{
		{InvoiceID: first.ID, Amount: decimal.NewFromInt(60)},
		{InvoiceID: second.ID, Amount: decimal.NewFromInt(60)},
	}, 7)
	require.Error(t, err)
	require.True(t, shared.IsValidation(err))

	require.Empty(t, repo.allocations)
	stored, err := svc.GetInvoice(context.Background(), first.ID)
	require.NoError(t, err)
	require.True(t, stored.AmountPaid.IsZero())

	// A batch that fits commits all targets.
	allocs, err := svc.AllocateToMultiple(context.Background(), 100, []AllocationTarget{
		{InvoiceID: first.ID, Amount: decimal.NewFromInt(60)},
		{InvoiceID: second.ID, Amount: decimal.NewFromInt(40)},
	}, 7)
	require.NoError(t, err)
	require.Len(t, allocs, 2)
}

func TestRemoveAllocationRecomputesPaid(t *testing.T) {
	svc, repo := newARService(t)
	inv := svc.mustCreateInvoice(t, decimal.NewFromInt(120), time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC))
	repo.addReceipt(100, decimal.NewFromInt(120))

	alloc, err := svc.Allocate(context.Background(), 100, inv.ID, decimal.NewFromInt(120), 7)
	require.NoError(t, err)

	paid, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusPaid, paid.Status)

	require.NoError(t, svc.RemoveAllocation(context.Background(), alloc.ID, 7))

	reverted, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusIssued, reverted.Status)
	require.True(t, reverted.AmountPaid.IsZero())

	unallocated, err := svc.UnallocatedAmount(context.Background(), 100)
	require.NoError(t, err)
	require.True(t, unallocated.Equal(decimal.NewFromInt(120)))
}

func TestUnallocatedAmountUsesBankCredits(t *testing.T) {
	svc, repo := newARService(t)
	repo.addBankCreditReceipt(200, decimal.NewFromInt(90))

	got, err := svc.UnallocatedAmount(context.Background(), 200)
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(90)))
}

func TestUnallocatedAmountFallsBackToFirstDebitLine(t *testing.T) {
	svc, repo := newARService(t)
	// No credit line touches a bank account, so the first debit wins.
	repo.addReceipt(300, decimal.NewFromInt(70))

	got, err := svc.UnallocatedAmount(context.Background(), 300)
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(70)))
}

func TestSuggestAllocationsPrefersExactMatch(t *testing.T) {
	svc, _ := newARService(t)
	svc.mustCreateInvoice(t, decimal.NewFromInt(50), time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	exact := svc.mustCreateInvoice(t, decimal.NewFromInt(120), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	svc.mustCreateInvoice(t, decimal.NewFromInt(80), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))

	suggestions, err := svc.SuggestAllocations(context.Background(), 1, 5, decimal.NewFromInt(120))
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	require.Equal(t, exact.ID, suggestions[0].InvoiceID)
	require.True(t, suggestions[0].ExactMatch)
	require.True(t, suggestions[0].Amount.Equal(decimal.NewFromInt(120)))
}

func TestSuggestAllocationsGreedyOldestFirst(t *testing.T) {
	svc, _ := newARService(t)
	jan := svc.mustCreateInvoice(t, decimal.NewFromInt(50), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	feb := svc.mustCreateInvoice(t, decimal.NewFromInt(80), time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC))

	suggestions, err := svc.SuggestAllocations(context.Background(), 1, 5, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	require.Equal(t, jan.ID, suggestions[0].InvoiceID)
	require.True(t, suggestions[0].Amount.Equal(decimal.NewFromInt(50)))
	require.False(t, suggestions[0].ExactMatch)
	require.Equal(t, feb.ID, suggestions[1].InvoiceID)
	require.True(t, suggestions[1].Amount.Equal(decimal.NewFromInt(50)))
}

func TestSuggestAllocationsRejectsNonPositiveAmount(t *testing.T) {
	svc, _ := newARService(t)
	_, err := svc.SuggestAllocations(context.Background(), 1, 5, decimal.Zero)
	require.Error(t, err)
	require.True(t, shared.IsValidation(err))
}
