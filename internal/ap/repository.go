package ap

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Repository persists bills, payment runs and payable allocations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertBill(ctx context.Context, in CreateBillInput) (Bill, error)
	GetBillForUpdate(ctx context.Context, id int64) (Bill, error)
	UpdateBillPaid(ctx context.Context, billID int64, paid decimal.Decimal, status BillStatus) error
	InsertRun(ctx context.Context, in CreatePaymentRunInput) (PaymentRun, error)
	GetRunForUpdate(ctx context.Context, id int64) (PaymentRun, error)
	UpdateRunStatus(ctx context.Context, runID int64, status RunStatus, completedAt time.Time) error
	InsertItem(ctx context.Context, item PaymentItem) (PaymentItem, error)
	DeleteItemsForBill(ctx context.Context, runID, billID int64) error
	SetItemTransaction(ctx context.Context, itemID, transactionID int64) error
	InsertPayableAllocation(ctx context.Context, alloc PayableAllocation) (PayableAllocation, error)
	SumPayableAllocationsForBill(ctx context.Context, billID int64) (decimal.Decimal, error)
	SumPayableAllocationsForPayment(ctx context.Context, paymentID int64) (decimal.Decimal, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ap repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const billColumns = `id, company_id, contact_id, number, total, amount_paid, status, issue_date, due_date, created_at, updated_at`

func scanBill(row pgx.Row) (Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.CompanyID, &b.ContactID, &b.Number, &b.Total, &b.AmountPaid,
		&b.Status, &b.IssueDate, &b.DueDate, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (r *txRepository) InsertBill(ctx context.Context, in CreateBillInput) (Bill, error) {
	bill := Bill{
		CompanyID:  in.CompanyID,
		ContactID:  in.ContactID,
		Number:     in.Number,
		Total:      in.Total,
		AmountPaid: decimal.Zero,
		Status:     BillStatusPosted,
		IssueDate:  in.IssueDate,
		DueDate:    in.DueDate,
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO bills (company_id, contact_id, number, total, amount_paid, status, issue_date, due_date)
VALUES ($1,$2,$3,$4,0,'POSTED',$5,$6) RETURNING id, created_at, updated_at`,
		in.CompanyID, in.ContactID, in.Number, in.Total, in.IssueDate, in.DueDate).
		Scan(&bill.ID, &bill.CreatedAt, &bill.UpdatedAt)
	if err != nil {
		return Bill{}, err
	}
	return bill, nil
}

func (r *txRepository) GetBillForUpdate(ctx context.Context, id int64) (Bill, error) {
	bill, err := scanBill(r.tx.QueryRow(ctx, `SELECT `+billColumns+` FROM bills WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bill{}, shared.NotFoundf("bill %d not found", id)
		}
		return Bill{}, err
	}
	return bill, nil
}

func (r *txRepository) UpdateBillPaid(ctx context.Context, billID int64, paid decimal.Decimal, status BillStatus) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE bills SET amount_paid=$2, status=$3, updated_at=NOW() WHERE id=$1`, billID, paid, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.NotFoundf("bill %d not found", billID)
	}
	return nil
}

func (r *txRepository) InsertRun(ctx context.Context, in CreatePaymentRunInput) (PaymentRun, error) {
	run := PaymentRun{
		CompanyID:     in.CompanyID,
		RunDate:       in.RunDate,
		BankAccountID: in.BankAccountID,
		Status:        RunStatusDraft,
		CreatedBy:     in.ActorID,
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO payment_runs (company_id, run_date, bank_account_id, status, created_by)
VALUES ($1,$2,$3,'DRAFT',$4) RETURNING id, created_at, updated_at`,
		in.CompanyID, in.RunDate, in.BankAccountID, in.ActorID).
		Scan(&run.ID, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return PaymentRun{}, err
	}
	return run, nil
}

const runColumns = `id, company_id, run_date, bank_account_id, status, created_by, completed_at, created_at, updated_at`

func scanRun(row pgx.Row) (PaymentRun, error) {
	var run PaymentRun
	err := row.Scan(&run.ID, &run.CompanyID, &run.RunDate, &run.BankAccountID, &run.Status,
		&run.CreatedBy, &run.CompletedAt, &run.CreatedAt, &run.UpdatedAt)
	return run, err
}

func (r *txRepository) GetRunForUpdate(ctx context.Context, id int64) (PaymentRun, error) {
	run, err := scanRun(r.tx.QueryRow(ctx, `SELECT `+runColumns+` FROM payment_runs WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentRun{}, shared.NotFoundf("payment run %d not found", id)
		}
		return PaymentRun{}, err
	}
	run.Items, err = loadItems(ctx, r.tx, id)
	if err != nil {
		return PaymentRun{}, err
	}
	return run, nil
}

func (r *txRepository) UpdateRunStatus(ctx context.Context, runID int64, status RunStatus, completedAt time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE payment_runs SET status=$2, completed_at=$3, updated_at=NOW() WHERE id=$1`,
		runID, status, completedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.NotFoundf("payment run %d not found", runID)
	}
	return nil
}

func (r *txRepository) InsertItem(ctx context.Context, item PaymentItem) (PaymentItem, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO payment_run_items (run_id, bill_id, contact_id, amount)
VALUES ($1,$2,$3,$4) RETURNING id, created_at`,
		item.RunID, item.BillID, item.ContactID, item.Amount).
		Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return PaymentItem{}, err
	}
	return item, nil
}

func (r *txRepository) DeleteItemsForBill(ctx context.Context, runID, billID int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM payment_run_items WHERE run_id=$1 AND bill_id=$2`, runID, billID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.NotFoundf("bill %d is not in payment run %d", billID, runID)
	}
	return nil
}

func (r *txRepository) SetItemTransaction(ctx context.Context, itemID, transactionID int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE payment_run_items SET transaction_id=$2 WHERE id=$1`, itemID, transactionID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.NotFoundf("payment run item %d not found", itemID)
	}
	return nil
}

func (r *txRepository) InsertPayableAllocation(ctx context.Context, alloc PayableAllocation) (PayableAllocation, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO payable_allocations (company_id, payment_id, bill_id, amount, allocated_by)
VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at`,
		alloc.CompanyID, alloc.PaymentID, alloc.BillID, alloc.Amount, alloc.AllocatedBy).
		Scan(&alloc.ID, &alloc.CreatedAt)
	if err != nil {
		return PayableAllocation{}, err
	}
	return alloc, nil
}

func (r *txRepository) SumPayableAllocationsForBill(ctx context.Context, billID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payable_allocations WHERE bill_id=$1`, billID).Scan(&sum)
	return sum, err
}

func (r *txRepository) SumPayableAllocationsForPayment(ctx context.Context, paymentID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payable_allocations WHERE payment_id=$1`, paymentID).Scan(&sum)
	return sum, err
}

// GetRun loads a payment run with its items.
func (r *Repository) GetRun(ctx context.Context, id int64) (PaymentRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM payment_runs WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentRun{}, shared.NotFoundf("payment run %d not found", id)
		}
		return PaymentRun{}, err
	}
	run.Items, err = loadItems(ctx, r.pool, id)
	if err != nil {
		return PaymentRun{}, err
	}
	return run, nil
}

func loadItems(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, runID int64) ([]PaymentItem, error) {
	rows, err := q.Query(ctx, `SELECT id, run_id, bill_id, contact_id, amount, transaction_id, created_at
FROM payment_run_items WHERE run_id=$1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PaymentItem
	for rows.Next() {
		var item PaymentItem
		if err := rows.Scan(&item.ID, &item.RunID, &item.BillID, &item.ContactID, &item.Amount, &item.TransactionID, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetBill loads a supplier bill.
func (r *Repository) GetBill(ctx context.Context, id int64) (Bill, error) {
	bill, err := scanBill(r.pool.QueryRow(ctx, `SELECT `+billColumns+` FROM bills WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bill{}, shared.NotFoundf("bill %d not found", id)
		}
		return Bill{}, err
	}
	return bill, nil
}

// GetPayment loads a payment transaction with its lines.
func (r *Repository) GetPayment(ctx context.Context, id int64) (ledger.Transaction, error) {
	var t ledger.Transaction
	err := r.pool.QueryRow(ctx, `SELECT id, company_id, date, type, description, reference, status, source_ref, posted_at, created_at, updated_at
FROM transactions WHERE id=$1`, id).
		Scan(&t.ID, &t.CompanyID, &t.Date, &t.Type, &t.Description, &t.Reference, &t.Status,
			&t.SourceRef, &t.PostedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transaction{}, shared.NotFoundf("payment %d not found", id)
		}
		return ledger.Transaction{}, err
	}
	t.Lines, err = r.loadTransactionLines(ctx, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

// FindPaymentBySourceRef looks up the transaction a payment run attempt
// created for a supplier, if any.
func (r *Repository) FindPaymentBySourceRef(ctx context.Context, companyID int64, ref uuid.UUID) (ledger.Transaction, bool, error) {
	var t ledger.Transaction
	err := r.pool.QueryRow(ctx, `SELECT id, company_id, date, type, description, reference, status, source_ref, posted_at, created_at, updated_at
FROM transactions WHERE company_id=$1 AND source_ref=$2 ORDER BY id ASC LIMIT 1`, companyID, ref).
		Scan(&t.ID, &t.CompanyID, &t.Date, &t.Type, &t.Description, &t.Reference, &t.Status,
			&t.SourceRef, &t.PostedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transaction{}, false, nil
		}
		return ledger.Transaction{}, false, err
	}
	t.Lines, err = r.loadTransactionLines(ctx, t.ID)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return t, true, nil
}

func (r *Repository) loadTransactionLines(ctx context.Context, transactionID int64) ([]ledger.TransactionLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, transaction_id, idx, account_id, amount, direction, tax_code, memo
FROM transaction_lines WHERE transaction_id=$1 ORDER BY idx ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []ledger.TransactionLine
	for rows.Next() {
		var l ledger.TransactionLine
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.Index, &l.AccountID, &l.Amount, &l.Direction, &l.TaxCode, &l.Memo); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ListOutstandingBills returns POSTED bills with a positive balance,
// optionally filtered by supplier.
func (r *Repository) ListOutstandingBills(ctx context.Context, companyID int64, contactID int64) ([]Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bills
WHERE company_id=$1 AND status='POSTED' AND total > amount_paid`
	args := []any{companyID}
	if contactID != 0 {
		query += ` AND contact_id=$2`
		args = append(args, contactID)
	}
	query += ` ORDER BY due_date ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Bill
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bill)
	}
	return out, rows.Err()
}

// ContactName resolves a contact's display name.
func (r *Repository) ContactName(ctx context.Context, contactID int64) (string, error) {
	var name string
	err := r.pool.QueryRow(ctx, `SELECT name FROM contacts WHERE id=$1`, contactID).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.NotFoundf("contact %d not found", contactID)
		}
		return "", err
	}
	return name, nil
}
