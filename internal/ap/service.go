package ap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgerkeep/ledgerkeep/internal/accounts"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRun(ctx context.Context, id int64) (PaymentRun, error)
	GetBill(ctx context.Context, id int64) (Bill, error)
	GetPayment(ctx context.Context, id int64) (ledger.Transaction, error)
	FindPaymentBySourceRef(ctx context.Context, companyID int64, ref uuid.UUID) (ledger.Transaction, bool, error)
	ListOutstandingBills(ctx context.Context, companyID int64, contactID int64) ([]Bill, error)
	ContactName(ctx context.Context, contactID int64) (string, error)
}

// AccountLookup resolves accounts for bank checks and the payables control
// account.
type AccountLookup interface {
	GetByID(ctx context.Context, id int64) (accounts.Account, error)
	GetByCode(ctx context.Context, companyID int64, code string) (accounts.Account, error)
	GetMany(ctx context.Context, ids []int64) (map[int64]accounts.Account, error)
	GetSettings(ctx context.Context, companyID int64) (accounts.Settings, error)
}

// Poster is the slice of the posting engine the payment run engine needs.
type Poster interface {
	CreateDraft(ctx context.Context, in ledger.DraftInput) (ledger.Transaction, error)
	PostTransaction(ctx context.Context, transactionID, actorID int64) (ledger.Transaction, error)
}

// Remittances receives a notification for each supplier payment created by
// a completed run. Delivery is fire-and-forget.
type Remittances interface {
	NotifyPayment(ctx context.Context, companyID, contactID, transactionID int64, amount decimal.Decimal) error
}

// Service batches unpaid supplier bills into payment runs and settles them
// through the posting engine.
type Service struct {
	repo        RepositoryPort
	accounts    AccountLookup
	poster      Poster
	audit       shared.AuditPort
	remittances Remittances
	now         func() time.Time
}

// NewService constructs the payment run engine.
func NewService(repo RepositoryPort, lookup AccountLookup, poster Poster, audit shared.AuditPort) *Service {
	return &Service{repo: repo, accounts: lookup, poster: poster, audit: audit, now: time.Now}
}

// WithRemittances injects the remittance notification hook.
func (s *Service) WithRemittances(r Remittances) {
	s.remittances = r
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateBill records a supplier bill in POSTED state, ready for payment.
func (s *Service) CreateBill(ctx context.Context, in CreateBillInput) (Bill, error) {
	if err := in.Validate(); err != nil {
		return Bill{}, err
	}
	var bill Bill
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		bill, err = tx.InsertBill(ctx, in)
		return err
	})
	if err != nil {
		return Bill{}, err
	}
	s.record(ctx, in.CompanyID, in.ActorID, "ap.bill.create", "bill", bill.ID,
		fmt.Sprintf("created bill %s for %s", bill.Number, bill.Total))
	return bill, nil
}

// CreatePaymentRun opens a DRAFT run against a bank account.
func (s *Service) CreatePaymentRun(ctx context.Context, in CreatePaymentRunInput) (PaymentRun, error) {
	if err := in.Validate(); err != nil {
		return PaymentRun{}, err
	}
	bank, err := s.accounts.GetByID(ctx, in.BankAccountID)
	if err != nil {
		return PaymentRun{}, err
	}
	if !bank.IsBank {
		return PaymentRun{}, shared.Validationf("account %s (%d) is not a bank account", bank.Code, bank.ID)
	}
	var run PaymentRun
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		run, err = tx.InsertRun(ctx, in)
		return err
	})
	if err != nil {
		return PaymentRun{}, err
	}
	s.record(ctx, in.CompanyID, in.ActorID, "ap.run.create", "payment_run", run.ID,
		fmt.Sprintf("created payment run dated %s on account %s", run.RunDate.Format("2006-01-02"), bank.Code))
	return run, nil
}

// AddBillsToRun appends one payment item per bill, snapshotting each bill's
// current balance as the amount to pay.
func (s *Service) AddBillsToRun(ctx context.Context, runID int64, billIDs []int64, actorID int64) (PaymentRun, error) {
	if len(billIDs) == 0 {
		return PaymentRun{}, shared.Validationf("ap: at least one bill required")
	}
	var run PaymentRun
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		run, err = tx.GetRunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != RunStatusDraft {
			return shared.Statef("payment run %d is %s; bills can only be added while DRAFT", run.ID, run.Status)
		}
		for _, billID := range billIDs {
			bill, err := tx.GetBillForUpdate(ctx, billID)
			if err != nil {
				return err
			}
			if bill.Status != BillStatusPosted {
				return shared.Validationf("bill %d is %s; only posted bills can be paid", bill.ID, bill.Status)
			}
			balance := bill.Balance()
			if !balance.IsPositive() {
				return shared.Validationf("bill %d has balance %s; nothing to pay", bill.ID, balance)
			}
			item, err := tx.InsertItem(ctx, PaymentItem{
				RunID:     run.ID,
				BillID:    bill.ID,
				ContactID: bill.ContactID,
				Amount:    balance,
			})
			if err != nil {
				return err
			}
			run.Items = append(run.Items, item)
		}
		return nil
	})
	if err != nil {
		return PaymentRun{}, err
	}
	s.record(ctx, run.CompanyID, actorID, "ap.run.add_bills", "payment_run", run.ID,
		fmt.Sprintf("added %d bills to payment run %d", len(billIDs), run.ID))
	return run, nil
}

// RemoveBillFromRun drops every item referencing the bill from a DRAFT run.
func (s *Service) RemoveBillFromRun(ctx context.Context, runID, billID, actorID int64) (PaymentRun, error) {
	var run PaymentRun
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		run, err = tx.GetRunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != RunStatusDraft {
			return shared.Statef("payment run %d is %s; bills can only be removed while DRAFT", run.ID, run.Status)
		}
		if err := tx.DeleteItemsForBill(ctx, run.ID, billID); err != nil {
			return err
		}
		kept := run.Items[:0]
		for _, item := range run.Items {
			if item.BillID != billID {
				kept = append(kept, item)
			}
		}
		run.Items = kept
		return nil
	})
	if err != nil {
		return PaymentRun{}, err
	}
	s.record(ctx, run.CompanyID, actorID, "ap.run.remove_bill", "payment_run", run.ID,
		fmt.Sprintf("removed bill %d from payment run %d", billID, run.ID))
	return run, nil
}

// supplierGroup collects a supplier's items in selection order.
type supplierGroup struct {
	contactID int64
	items     []PaymentItem
}

func groupBySupplier(items []PaymentItem) []supplierGroup {
	index := make(map[int64]int)
	var groups []supplierGroup
	for _, item := range items {
		if item.TransactionID != nil {
			// Stamped on a previous, partially failed completion attempt.
			continue
		}
		i, ok := index[item.ContactID]
		if !ok {
			i = len(groups)
			index[item.ContactID] = i
			groups = append(groups, supplierGroup{contactID: item.ContactID})
		}
		groups[i].items = append(groups[i].items, item)
	}
	return groups
}

// CompletePaymentRun posts one payment transaction per supplier and
// allocates each item's amount to its bill. Every supplier group commits as
// its own unit of work, so a failure partway leaves the run DRAFT with the
// succeeded groups' items stamped; re-invoking resumes with the remaining
// groups. Each group's payment carries a source ref derived from the run
// and supplier, so a retry that finds the payment already posted reuses it
// instead of posting a duplicate.
func (s *Service) CompletePaymentRun(ctx context.Context, runID, actorID int64) (PaymentRun, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return PaymentRun{}, err
	}
	if run.Status != RunStatusDraft {
		return PaymentRun{}, shared.Statef("payment run %d is %s; only DRAFT runs can be completed", run.ID, run.Status)
	}
	if len(run.Items) == 0 {
		return PaymentRun{}, shared.Validationf("payment run %d has no items", run.ID)
	}

	settings, err := s.accounts.GetSettings(ctx, run.CompanyID)
	if err != nil {
		return PaymentRun{}, err
	}
	apAccount, err := s.accounts.GetByCode(ctx, run.CompanyID, settings.PayablesCode)
	if err != nil {
		return PaymentRun{}, err
	}

	for _, group := range groupBySupplier(run.Items) {
		if err := s.paySupplierGroup(ctx, run, group, apAccount.ID, actorID); err != nil {
			return PaymentRun{}, err
		}
	}

	now := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetRunForUpdate(ctx, run.ID)
		if err != nil {
			return err
		}
		if current.Status != RunStatusDraft {
			return shared.Statef("payment run %d is %s; only DRAFT runs can be completed", run.ID, current.Status)
		}
		return tx.UpdateRunStatus(ctx, run.ID, RunStatusCompleted, now)
	})
	if err != nil {
		return PaymentRun{}, err
	}
	completed, err := s.repo.GetRun(ctx, run.ID)
	if err != nil {
		return PaymentRun{}, err
	}
	s.record(ctx, run.CompanyID, actorID, "ap.run.complete", "payment_run", run.ID,
		fmt.Sprintf("completed payment run %d with %d items", run.ID, len(completed.Items)))
	return completed, nil
}

// runPaymentNamespace anchors the derived source refs for run payments.
var runPaymentNamespace = uuid.MustParse("3f1a2b9c-77d4-4a08-9a6e-5b2cf0d81e42")

// runPaymentRef is stable per run and supplier, so a retried completion can
// find the payment it already created instead of drafting another.
func runPaymentRef(runID, contactID int64) uuid.UUID {
	return uuid.NewSHA1(runPaymentNamespace, []byte(fmt.Sprintf("payment-run/%d/supplier/%d", runID, contactID)))
}

func (s *Service) paySupplierGroup(ctx context.Context, run PaymentRun, group supplierGroup, apAccountID, actorID int64) error {
	total := decimal.Zero
	for _, item := range group.items {
		total = total.Add(item.Amount)
	}

	posted, err := s.postGroupPayment(ctx, run, group, apAccountID, actorID, total)
	if err != nil {
		return err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, item := range group.items {
			if _, err := s.allocatePaymentLocked(ctx, tx, posted, item.BillID, item.Amount, actorID); err != nil {
				return err
			}
			if err := tx.SetItemTransaction(ctx, item.ID, posted.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.remittances != nil {
		_ = s.remittances.NotifyPayment(ctx, run.CompanyID, group.contactID, posted.ID, total)
	}
	return nil
}

// postGroupPayment returns the posted payment for a supplier group. A
// payment left behind by an earlier attempt is picked up by its source ref:
// posted ones are reused as-is, drafts are posted. Only when none exists is
// a new draft created and posted.
func (s *Service) postGroupPayment(ctx context.Context, run PaymentRun, group supplierGroup, apAccountID, actorID int64, total decimal.Decimal) (ledger.Transaction, error) {
	ref := runPaymentRef(run.ID, group.contactID)
	existing, found, err := s.repo.FindPaymentBySourceRef(ctx, run.CompanyID, ref)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if found {
		if existing.Status == ledger.TransactionStatusPosted {
			return existing, nil
		}
		return s.poster.PostTransaction(ctx, existing.ID, actorID)
	}

	supplier, err := s.repo.ContactName(ctx, group.contactID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	draft, err := s.poster.CreateDraft(ctx, ledger.DraftInput{
		CompanyID:    run.CompanyID,
		Date:         run.RunDate,
		Type:         ledger.TransactionTypePayment,
		Description:  fmt.Sprintf("Payment to %s (%d bills)", supplier, len(group.items)),
		Reference:    fmt.Sprintf("PR-%d", run.ID),
		SourceModule: "AP_RUN",
		SourceRef:    ref,
		Lines: []ledger.DraftLine{
			{AccountID: apAccountID, Amount: total, Direction: ledger.DirectionDebit,
				Memo: fmt.Sprintf("payment run %d, supplier %d", run.ID, group.contactID)},
			{AccountID: run.BankAccountID, Amount: total, Direction: ledger.DirectionCredit,
				Memo: fmt.Sprintf("payment run %d, supplier %d", run.ID, group.contactID)},
		},
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return s.poster.PostTransaction(ctx, draft.ID, actorID)
}

// AllocatePayment applies part of a posted payment transaction to a posted
// bill; the payable counterpart of receivable allocation.
func (s *Service) AllocatePayment(ctx context.Context, paymentID, billID int64, amount decimal.Decimal, actorID int64) (PayableAllocation, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return PayableAllocation{}, err
	}
	var alloc PayableAllocation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		alloc, err = s.allocatePaymentLocked(ctx, tx, payment, billID, amount, actorID)
		return err
	})
	if err != nil {
		return PayableAllocation{}, err
	}
	s.record(ctx, alloc.CompanyID, actorID, "ap.allocate", "payable_allocation", alloc.ID,
		fmt.Sprintf("allocated %s from payment %d to bill %d", alloc.Amount, paymentID, billID))
	return alloc, nil
}

func (s *Service) allocatePaymentLocked(ctx context.Context, tx TxRepository, payment ledger.Transaction, billID int64, amount decimal.Decimal, actorID int64) (PayableAllocation, error) {
	if !amount.IsPositive() {
		return PayableAllocation{}, shared.Validationf("allocation amount %s must be positive", amount)
	}
	if payment.Status != ledger.TransactionStatusPosted {
		return PayableAllocation{}, shared.Statef("payment %d is %s; only posted payments can be allocated", payment.ID, payment.Status)
	}
	if payment.Type != ledger.TransactionTypePayment {
		return PayableAllocation{}, shared.Validationf("transaction %d is a %s, not a payment", payment.ID, payment.Type)
	}
	bill, err := tx.GetBillForUpdate(ctx, billID)
	if err != nil {
		return PayableAllocation{}, err
	}
	if bill.Status != BillStatusPosted {
		return PayableAllocation{}, shared.Statef("bill %d is %s; only posted bills accept allocations", bill.ID, bill.Status)
	}
	if bill.CompanyID != payment.CompanyID {
		return PayableAllocation{}, shared.Validationf("payment %d (company %d) and bill %d (company %d) belong to different companies",
			payment.ID, payment.CompanyID, bill.ID, bill.CompanyID)
	}
	balance := bill.Balance()
	if amount.GreaterThan(balance) {
		return PayableAllocation{}, shared.Validationf("allocation %s exceeds bill %d balance %s", amount, bill.ID, balance)
	}
	unallocated, err := s.paymentUnallocatedLocked(ctx, tx, payment)
	if err != nil {
		return PayableAllocation{}, err
	}
	if amount.GreaterThan(unallocated) {
		return PayableAllocation{}, shared.Validationf("allocation %s exceeds payment %d unallocated amount %s", amount, payment.ID, unallocated)
	}

	alloc, err := tx.InsertPayableAllocation(ctx, PayableAllocation{
		CompanyID:   bill.CompanyID,
		PaymentID:   payment.ID,
		BillID:      bill.ID,
		Amount:      amount,
		AllocatedBy: actorID,
	})
	if err != nil {
		return PayableAllocation{}, err
	}
	paid, err := tx.SumPayableAllocationsForBill(ctx, bill.ID)
	if err != nil {
		return PayableAllocation{}, err
	}
	status := bill.Status
	if paid.GreaterThanOrEqual(bill.Total) {
		status = BillStatusPaid
	}
	if err := tx.UpdateBillPaid(ctx, bill.ID, paid, status); err != nil {
		return PayableAllocation{}, err
	}
	return alloc, nil
}

// paymentUnallocatedLocked mirrors the receivable rule: payment value is
// the total credited to bank accounts, falling back to the first debit
// line's amount, less existing allocations.
func (s *Service) paymentUnallocatedLocked(ctx context.Context, tx TxRepository, payment ledger.Transaction) (decimal.Decimal, error) {
	ids := make([]int64, 0, len(payment.Lines))
	for _, line := range payment.Lines {
		ids = append(ids, line.AccountID)
	}
	accts, err := s.accounts.GetMany(ctx, ids)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, line := range payment.Lines {
		if line.Direction != ledger.DirectionCredit {
			continue
		}
		if acct, ok := accts[line.AccountID]; ok && acct.IsBank {
			total = total.Add(line.Amount)
		}
	}
	if total.IsZero() {
		for _, line := range payment.Lines {
			if line.Direction == ledger.DirectionDebit {
				total = line.Amount
				break
			}
		}
	}
	allocated, err := tx.SumPayableAllocationsForPayment(ctx, payment.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return total.Sub(allocated), nil
}

// GetRun loads a payment run with its items.
func (s *Service) GetRun(ctx context.Context, id int64) (PaymentRun, error) {
	return s.repo.GetRun(ctx, id)
}

// GetBill loads a supplier bill.
func (s *Service) GetBill(ctx context.Context, id int64) (Bill, error) {
	return s.repo.GetBill(ctx, id)
}

// ListOutstandingBills returns posted bills with a positive balance,
// optionally filtered by supplier.
func (s *Service) ListOutstandingBills(ctx context.Context, companyID, contactID int64) ([]Bill, error) {
	return s.repo.ListOutstandingBills(ctx, companyID, contactID)
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
