package ap

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ledgerkeep/ledgerkeep/internal/accounts"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

type memoryAPRepo struct {
	bills       map[int64]*Bill
	runs        map[int64]*PaymentRun
	items       map[int64]*PaymentItem
	allocations map[int64]*PayableAllocation
	contacts    map[int64]string
	payments    map[int64]*ledger.Transaction
	nextBillID  int64
	nextRunID   int64
	nextItemID  int64
	nextAllocID int64
}

func newMemoryAPRepo() *memoryAPRepo {
	return &memoryAPRepo{
		bills:       make(map[int64]*Bill),
		runs:        make(map[int64]*PaymentRun),
		items:       make(map[int64]*PaymentItem),
		allocations: make(map[int64]*PayableAllocation),
		contacts:    map[int64]string{10: "Acme Supplies", 11: "Globex"},
		payments:    make(map[int64]*ledger.Transaction),
	}
}

func (r *memoryAPRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	bills := make(map[int64]*Bill, len(r.bills))
	for id, b := range r.bills {
		copied := *b
		bills[id] = &copied
	}
	items := make(map[int64]*PaymentItem, len(r.items))
	for id, i := range r.items {
		copied := *i
		items[id] = &copied
	}
	allocations := make(map[int64]*PayableAllocation, len(r.allocations))
	for id, a := range r.allocations {
		copied := *a
		allocations[id] = &copied
	}
	if err := fn(ctx, r); err != nil {
		r.bills = bills
		r.items = items
		r.allocations = allocations
		return err
	}
	return nil
}

func (r *memoryAPRepo) InsertBill(ctx context.Context, in CreateBillInput) (Bill, error) {
	r.nextBillID++
	bill := Bill{
		ID:         r.nextBillID,
		CompanyID:  in.CompanyID,
		ContactID:  in.ContactID,
		Number:     in.Number,
		Total:      in.Total,
		AmountPaid: decimal.Zero,
		Status:     BillStatusPosted,
		IssueDate:  in.IssueDate,
		DueDate:    in.DueDate,
	}
	stored := bill
	r.bills[bill.ID] = &stored
	return bill, nil
}

func (r *memoryAPRepo) GetBillForUpdate(ctx context.Context, id int64) (Bill, error) {
	b, ok := r.bills[id]
	if !ok {
		return Bill{}, shared.NotFoundf("bill %d not found", id)
	}
	return *b, nil
}

func (r *memoryAPRepo) UpdateBillPaid(ctx context.Context, billID int64, paid decimal.Decimal, status BillStatus) error {
	b, ok := r.bills[billID]
	if !ok {
		return shared.NotFoundf("bill %d not found", billID)
	}
	b.AmountPaid = paid
	b.Status = status
	return nil
}

func (r *memoryAPRepo) InsertRun(ctx context.Context, in CreatePaymentRunInput) (PaymentRun, error) {
	r.nextRunID++
	run := PaymentRun{
		ID:            r.nextRunID,
		CompanyID:     in.CompanyID,
		RunDate:       in.RunDate,
		BankAccountID: in.BankAccountID,
		Status:        RunStatusDraft,
		CreatedBy:     in.ActorID,
	}
	stored := run
	r.runs[run.ID] = &stored
	return run, nil
}

func (r *memoryAPRepo) GetRunForUpdate(ctx context.Context, id int64) (PaymentRun, error) {
	return r.GetRun(ctx, id)
}

func (r *memoryAPRepo) UpdateRunStatus(ctx context.Context, runID int64, status RunStatus, completedAt time.Time) error {
	run, ok := r.runs[runID]
	if !ok {
		return shared.NotFoundf("payment run %d not found", runID)
	}
	run.Status = status
	run.CompletedAt = &completedAt
	return nil
}

func (r *memoryAPRepo) InsertItem(ctx context.Context, item PaymentItem) (PaymentItem, error) {
	r.nextItemID++
	item.ID = r.nextItemID
	stored := item
	r.items[item.ID] = &stored
	return item, nil
}

func (r *memoryAPRepo) DeleteItemsForBill(ctx context.Context, runID, billID int64) error {
	found := false
	for id, item := range r.items {
		if item.RunID == runID && item.BillID == billID {
			delete(r.items, id)
			found = true
		}
	}
	if !found {
		return shared.NotFoundf("bill %d is not in payment run %d", billID, runID)
	}
	return nil
}

func (r *memoryAPRepo) SetItemTransaction(ctx context.Context, itemID, transactionID int64) error {
	item, ok := r.items[itemID]
	if !ok {
		return shared.NotFoundf("payment run item %d not found", itemID)
	}
	item.TransactionID = &transactionID
	return nil
}

func (r *memoryAPRepo) InsertPayableAllocation(ctx context.Context, alloc PayableAllocation) (PayableAllocation, error) {
	r.nextAllocID++
	alloc.ID = r.nextAllocID
	stored := alloc
	r.allocations[alloc.ID] = &stored
	return alloc, nil
}

func (r *memoryAPRepo) SumPayableAllocationsForBill(ctx context.Context, billID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, a := range r.allocations {
		if a.BillID == billID {
			sum = sum.Add(a.Amount)
		}
	}
	return sum, nil
}

func (r *memoryAPRepo) SumPayableAllocationsForPayment(ctx context.Context, paymentID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, a := range r.allocations {
		if a.PaymentID == paymentID {
			sum = sum.Add(a.Amount)
		}
	}
	return sum, nil
}

func (r *memoryAPRepo) GetRun(ctx context.Context, id int64) (PaymentRun, error) {
	run, ok := r.runs[id]
	if !ok {
		return PaymentRun{}, shared.NotFoundf("payment run %d not found", id)
	}
	out := *run
	out.Items = nil
	for i := int64(1); i <= r.nextItemID; i++ {
		if item, ok := r.items[i]; ok && item.RunID == id {
			out.Items = append(out.Items, *item)
		}
	}
	return out, nil
}

func (r *memoryAPRepo) GetBill(ctx context.Context, id int64) (Bill, error) {
	return r.GetBillForUpdate(ctx, id)
}

func (r *memoryAPRepo) GetPayment(ctx context.Context, id int64) (ledger.Transaction, error) {
	p, ok := r.payments[id]
	if !ok {
		return ledger.Transaction{}, shared.NotFoundf("payment %d not found", id)
	}
	return *p, nil
}

func (r *memoryAPRepo) FindPaymentBySourceRef(ctx context.Context, companyID int64, ref uuid.UUID) (ledger.Transaction, bool, error) {
	for i := int64(1); i <= int64(len(r.payments)); i++ {
		if p, ok := r.payments[i]; ok && p.CompanyID == companyID && p.SourceRef == ref {
			return *p, true, nil
		}
	}
	return ledger.Transaction{}, false, nil
}

func (r *memoryAPRepo) ListOutstandingBills(ctx context.Context, companyID int64, contactID int64) ([]Bill, error) {
	var out []Bill
	for _, b := range r.bills {
		if b.CompanyID != companyID || b.Status != BillStatusPosted {
			continue
		}
		if contactID != 0 && b.ContactID != contactID {
			continue
		}
		if b.Balance().IsPositive() {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *memoryAPRepo) ContactName(ctx context.Context, contactID int64) (string, error) {
	name, ok := r.contacts[contactID]
	if !ok {
		return "", shared.NotFoundf("contact %d not found", contactID)
	}
	return name, nil
}

type memoryAPAccounts struct {
	accounts map[int64]accounts.Account
	byCode   map[string]int64
}

func newMemoryAPAccounts() *memoryAPAccounts {
	accts := map[int64]accounts.Account{
		1: {ID: 1, CompanyID: 1, Code: "1000", Type: accounts.AccountTypeAsset, IsBank: true, IsActive: true},
		2: {ID: 2, CompanyID: 1, Code: "2100", Type: accounts.AccountTypeLiability, IsActive: true},
		3: {ID: 3, CompanyID: 1, Code: "6000", Type: accounts.AccountTypeExpense, IsActive: true},
	}
	byCode := make(map[string]int64, len(accts))
	for id, a := range accts {
		byCode[a.Code] = id
	}
	return &memoryAPAccounts{accounts: accts, byCode: byCode}
}

func (m *memoryAPAccounts) GetByID(ctx context.Context, id int64) (accounts.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return accounts.Account{}, shared.NotFoundf("account %d not found", id)
	}
	return a, nil
}

func (m *memoryAPAccounts) GetByCode(ctx context.Context, companyID int64, code string) (accounts.Account, error) {
	id, ok := m.byCode[code]
	if !ok {
		return accounts.Account{}, shared.NotFoundf("account %s not found for company %d", code, companyID)
	}
	return m.accounts[id], nil
}

func (m *memoryAPAccounts) GetMany(ctx context.Context, ids []int64) (map[int64]accounts.Account, error) {
	out := make(map[int64]accounts.Account, len(ids))
	for _, id := range ids {
		if a, ok := m.accounts[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (m *memoryAPAccounts) GetSettings(ctx context.Context, companyID int64) (accounts.Settings, error) {
	return accounts.Settings{CompanyID: companyID, PayablesCode: accounts.DefaultPayablesCode}, nil
}

// fakePoster records drafts and posts them straight into the repo's payment
// map so allocation lookups see them.
type fakePoster struct {
	repo   *memoryAPRepo
	nextID int64
	posted []ledger.Transaction
}

func (p *fakePoster) CreateDraft(ctx context.Context, in ledger.DraftInput) (ledger.Transaction, error) {
	if err := in.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	p.nextID++
	txn := ledger.Transaction{
		ID:           p.nextID,
		CompanyID:    in.CompanyID,
		Date:         in.Date,
		Type:         in.Type,
		Description:  in.Description,
		Reference:    in.Reference,
		Status:       ledger.TransactionStatusDraft,
		SourceModule: in.SourceModule,
		SourceRef:    in.SourceRef,
	}
	for i, line := range in.Lines {
		txn.Lines = append(txn.Lines, ledger.TransactionLine{
			TransactionID: txn.ID,
			Index:         i + 1,
			AccountID:     line.AccountID,
			Amount:        line.Amount,
			Direction:     line.Direction,
			Memo:          line.Memo,
		})
	}
	stored := txn
	p.repo.payments[txn.ID] = &stored
	return txn, nil
}

func (p *fakePoster) PostTransaction(ctx context.Context, transactionID, actorID int64) (ledger.Transaction, error) {
	txn, ok := p.repo.payments[transactionID]
	if !ok {
		return ledger.Transaction{}, shared.NotFoundf("transaction %d not found", transactionID)
	}
	if txn.Status == ledger.TransactionStatusPosted {
		return ledger.Transaction{}, shared.Statef("transaction %d is already posted", transactionID)
	}
	txn.Status = ledger.TransactionStatusPosted
	p.posted = append(p.posted, *txn)
	return *txn, nil
}

func newAPService(t *testing.T) (*Service, *memoryAPRepo, *fakePoster) {
	t.Helper()
	repo := newMemoryAPRepo()
	poster := &fakePoster{repo: repo}
	svc := NewService(repo, newMemoryAPAccounts(), poster, nil)
	svc.WithNow(func() time.Time { return time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC) })
	return svc, repo, poster
}

func (s *Service) mustCreateBill(t *testing.T, contactID int64, number string, total decimal.Decimal) Bill {
	t.Helper()
	bill, err := s.CreateBill(context.Background(), CreateBillInput{
		CompanyID: 1,
		ContactID: contactID,
		Number:    number,
		Total:     total,
		IssueDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		DueDate:   time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		ActorID:   7,
	})
	require.NoError(t, err)
	return bill
}

func (s *Service) mustCreateRun(t *testing.T) PaymentRun {
	t.Helper()
	run, err := s.CreatePaymentRun(context.Background(), CreatePaymentRunInput{
		CompanyID:     1,
		RunDate:       time.Date(2024, 7, 5, 0, 0, 0, 0, time.UTC),
		BankAccountID: 1,
		ActorID:       7,
	})
	require.NoError(t, err)
	return run
}

func TestCreatePaymentRunRequiresBankAccount(t *testing.T) {
	svc, _, _ := newAPService(t)
	_, err := svc.CreatePaymentRun(context.Background(), CreatePaymentRunInput{
		CompanyID:     1,
		RunDate:       time.Date(2024, 7, 5, 0, 0, 0, 0, time.UTC),
		BankAccountID: 2,
		ActorID:       7,
	})
	require.Error(t, err)
	require.True(t, shared.IsValidation(err))
	require.Contains(t, err.Error(), "not a bank account")
}

func TestAddBillsToRunSnapshotsBalances(t *testing.T) {
	svc, _, _ := newAPService(t)
	bill := svc.mustCreateBill(t, 10, "B-001", decimal.NewFromInt(100))
	run := svc.mustCreateRun(t)

	updated, err := svc.AddBillsToRun(context.Background(), run.ID, []int64{bill.ID}, 7)
	require.NoError(t, err)
	require.Len(t, updated.Items, 1)
	require.True(t, updated.Items[0].Amount.Equal(decimal.NewFromInt(100)))
	require.Equal(t, bill.ContactID, updated.Items[0].ContactID)
	require.Nil(t, updated.Items[0].TransactionID)
}

func TestAddBillsToRunRejectsPaidAndDraftRun(t *testing.T) {
	svc, repo, _ := newAPService(t)
	bill := svc.mustCreateBill(t, 10, "B-001", decimal.NewFromInt(100))
	run := svc.mustCreateRun(t)

	repo.bills[bill.ID].AmountPaid = decimal.NewFromInt(100)
	repo.bills[bill.ID].Status = BillStatusPaid
	_, err := svc.AddBillsToRun(context.Background(), run.ID, []int64{bill.ID}, 7)
	require.Error(t, err)
	require.True(t, shared.IsValidation(err))

	repo.runs[run.ID].Status = RunStatusCompleted
	other := svc.mustCreateBill(t, 10, "B-002", decimal.NewFromInt(40))
	_, err = svc.AddBillsToRun(context.Background(), run.ID, []int64{other.ID}, 7)
	require.Error(t, err)
	require.True(t, shared.IsState(err))
}

func TestRemoveBillFromRunOnlyWhileDraft(t *testing.T) {
	svc, repo, _ := newAPService(t)
	bill := svc.mustCreateBill(t, 10, "B-001", decimal.NewFromInt(100))
	run := svc.mustCreateRun(t)
	_, err := svc.AddBillsToRun(context.Background(), run.ID, []int64{bill.ID}, 7)
	require.NoError(t, err)

	updated, err := svc.RemoveBillFromRun(context.Background(), run.ID, bill.ID, 7)
	require.NoError(t, err)
	require.Empty(t, updated.Items)

	repo.runs[run.ID].Status = RunStatusCompleted
	_, err = svc.RemoveBillFromRun(context.Background(), run.ID, bill.ID, 7)
	require.Error(t, err)
	require.True(t, shared.IsState(err))
}

func TestCompletePaymentRunBatchesBySupplier(t *testing.T) {
	svc, repo, poster := newAPService(t)
	acme1 := svc.mustCreateBill(t, 10, "ACME-1", decimal.NewFromInt(100))
	acme2 := svc.mustCreateBill(t, 10, "ACME-2", decimal.NewFromInt(50))
	globex := svc.mustCreateBill(t, 11, "GLB-1", decimal.NewFromInt(30))
	run := svc.mustCreateRun(t)
	_, err := svc.AddBillsToRun(context.Background(), run.ID, []int64{acme1.ID, acme2.ID, globex.ID}, 7)
	require.NoError(t, err)

	completed, err := svc.CompletePaymentRun(context.Background(), run.ID, 7)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	// One payment per supplier, in selection order.
	require.Len(t, poster.posted, 2)
	require.True(t, poster.posted[0].DebitTotal().Equal(decimal.NewFromInt(150)))
	require.Equal(t, "Payment to Acme Supplies (2 bills)", poster.posted[0].Description)
	require.True(t, poster.posted[1].DebitTotal().Equal(decimal.NewFromInt(30)))
	require.Equal(t, "Payment to Globex (1 bills)", poster.posted[1].Description)

	// Payments credit the bank and debit the payables control account.
	for _, payment := range poster.posted {
		require.Equal(t, ledger.TransactionTypePayment, payment.Type)
		require.Len(t, payment.Lines, 2)
		require.Equal(t, int64(2), payment.Lines[0].AccountID)
		require.Equal(t, ledger.DirectionDebit, payment.Lines[0].Direction)
		require.Equal(t, int64(1), payment.Lines[1].AccountID)
		require.Equal(t, ledger.DirectionCredit, payment.Lines[1].Direction)
	}

	// Each item carries an allocation and the paying transaction's id.
	require.Len(t, repo.allocations, 3)
	for _, item := range completed.Items {
		require.NotNil(t, item.TransactionID)
	}

	for _, billID := range []int64{acme1.ID, acme2.ID, globex.ID} {
		bill, err := svc.GetBill(context.Background(), billID)
		require.NoError(t, err)
		require.Equal(t, BillStatusPaid, bill.Status)
		require.True(t, bill.Balance().IsZero())
	}
}

func TestCompletePaymentRunRetryDoesNotDoublePay(t *testing.T) {
	svc, repo, poster := newAPService(t)
	globex := svc.mustCreateBill(t, 11, "GLB-1", decimal.NewFromInt(30))
	acme := svc.mustCreateBill(t, 10, "ACME-1", decimal.NewFromInt(100))
	run := svc.mustCreateRun(t)
	_, err := svc.AddBillsToRun(context.Background(), run.ID, []int64{globex.ID, acme.ID}, 7)
	require.NoError(t, err)

	// A competing settlement shrinks the Acme balance below the item amount,
	// so its allocation fails after the payment has been posted.
	repo.bills[acme.ID].AmountPaid = decimal.NewFromInt(60)

	_, err = svc.CompletePaymentRun(context.Background(), run.ID, 7)
	require.Error(t, err)
	require.True(t, shared.IsValidation(err))

	partial, err := svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusDraft, partial.Status)
	require.Len(t, poster.posted, 2)
	require.NotNil(t, partial.Items[0].TransactionID) // Globex settled
	require.Nil(t, partial.Items[1].TransactionID)    // Acme rolled back

	// Retrying while the balance is still short must reuse the posted Acme
	// payment, not post a second one.
	_, err = svc.CompletePaymentRun(context.Background(), run.ID, 7)
	require.Error(t, err)
	require.Len(t, poster.posted, 2)

	repo.bills[acme.ID].AmountPaid = decimal.Zero

	completed, err := svc.CompletePaymentRun(context.Background(), run.ID, 7)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, completed.Status)
	require.Len(t, poster.posted, 2)
	require.NotNil(t, completed.Items[1].TransactionID)
	require.Equal(t, poster.posted[1].ID, *completed.Items[1].TransactionID)

	bill, err := svc.GetBill(context.Background(), acme.ID)
	require.NoError(t, err)
	require.Equal(t, BillStatusPaid, bill.Status)
}

func TestCompletePaymentRunRejectsEmptyOrCompleted(t *testing.T) {
	svc, repo, _ := newAPService(t)
	run := svc.mustCreateRun(t)

	_, err := svc.CompletePaymentRun(context.Background(), run.ID, 7)
	require.Error(t, err)
	require.True(t, shared.IsValidation(err))

	repo.runs[run.ID].Status = RunStatusCompleted
	_, err = svc.CompletePaymentRun(context.Background(), run.ID, 7)
	require.Error(t, err)
	require.True(t, shared.IsState(err))
}

func TestAllocatePaymentBoundsAndRecompute(t *testing.T) {
	svc, repo, poster := newAPService(t)
	bill := svc.mustCreateBill(t, 10, "B-001", decimal.NewFromInt(100))

	draft, err := poster.CreateDraft(context.Background(), ledger.DraftInput{
		CompanyID: 1,
		Date:      time.Date(2024, 7, 5, 0, 0, 0, 0, time.UTC),
		Type:      ledger.TransactionTypePayment,
		Lines: []ledger.DraftLine{
			{AccountID: 2, Amount: decimal.NewFromInt(60), Direction: ledger.DirectionDebit},
			{AccountID: 1, Amount: decimal.NewFromInt(60), Direction: ledger.DirectionCredit},
		},
	})
	require.NoError(t, err)
	_, err = poster.PostTransaction(context.Background(), draft.ID, 7)
	require.NoError(t, err)

	alloc, err := svc.AllocatePayment(context.Background(), draft.ID, bill.ID, decimal.NewFromInt(60), 7)
	require.NoError(t, err)
	require.True(t, alloc.Amount.Equal(decimal.NewFromInt(60)))

	stored, err := svc.GetBill(context.Background(), bill.ID)
	require.NoError(t, err)
	require.True(t, stored.AmountPaid.Equal(decimal.NewFromInt(60)))
	require.Equal(t, BillStatusPosted, stored.Status)

	// The payment is exhausted; further allocation fails and changes nothing.
	_, err = svc.AllocatePayment(context.Background(), draft.ID, bill.ID, decimal.NewFromInt(10), 7)
	require.Error(t, err)
	require.True(t, shared.IsValidation(err))
	require.Contains(t, err.Error(), "unallocated")
	require.Len(t, repo.allocations, 1)
}
