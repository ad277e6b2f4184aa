package ar

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Repository persists sales invoices and receivable allocations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertInvoice(ctx context.Context, in CreateInvoiceInput) (SalesInvoice, error)
	GetInvoiceForUpdate(ctx context.Context, id int64) (SalesInvoice, error)
	GetReceiptForUpdate(ctx context.Context, id int64) (ledger.Transaction, error)
	GetAllocationForUpdate(ctx context.Context, id int64) (Allocation, error)
	InsertAllocation(ctx context.Context, alloc Allocation) (Allocation, error)
	DeleteAllocation(ctx context.Context, id int64) error
	SumAllocationsForInvoice(ctx context.Context, invoiceID int64) (decimal.Decimal, error)
	SumAllocationsForReceipt(ctx context.Context, receiptID int64) (decimal.Decimal, error)
	UpdateInvoicePaid(ctx context.Context, invoiceID int64, paid decimal.Decimal, status InvoiceStatus) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ar repository not initialised")
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

const invoiceColumns = `id, company_id, contact_id, number, total, amount_paid, status, issue_date, due_date, created_at, updated_at`

func scanInvoice(row pgx.Row) (SalesInvoice, error) {
	var inv SalesInvoice
	err := row.Scan(&inv.ID, &inv.CompanyID, &inv.ContactID, &inv.Number, &inv.Total, &inv.AmountPaid,
		&inv.Status, &inv.IssueDate, &inv.DueDate, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}

func (r *txRepository) InsertInvoice(ctx context.Context, in CreateInvoiceInput) (SalesInvoice, error) {
	inv := SalesInvoice{
		CompanyID:  in.CompanyID,
		ContactID:  in.ContactID,
		Number:     in.Number,
		Total:      in.Total,
		AmountPaid: decimal.Zero,
		Status:     InvoiceStatusIssued,
		IssueDate:  in.IssueDate,
		DueDate:    in.DueDate,
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO sales_invoices (company_id, contact_id, number, total, amount_paid, status, issue_date, due_date)
VALUES ($1,$2,$3,$4,0,'ISSUED',$5,$6) RETURNING id, created_at, updated_at`,
		in.CompanyID, in.ContactID, in.Number, in.Total, in.IssueDate, in.DueDate).
		Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return SalesInvoice{}, err
	}
	return inv, nil
}

func (r *txRepository) GetInvoiceForUpdate(ctx context.Context, id int64) (SalesInvoice, error) {
	inv, err := scanInvoice(r.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM sales_invoices WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SalesInvoice{}, shared.NotFoundf("invoice %d not found", id)
		}
		return SalesInvoice{}, err
	}
	return inv, nil
}

func (r *txRepository) GetReceiptForUpdate(ctx context.Context, id int64) (ledger.Transaction, error) {
	txn, err := scanReceipt(r.tx.QueryRow(ctx, `SELECT id, company_id, date, type, description, reference, status, posted_at, created_at, updated_at
FROM transactions WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transaction{}, shared.NotFoundf("receipt %d not found", id)
		}
		return ledger.Transaction{}, err
	}
	txn.Lines, err = loadReceiptLines(ctx, r.tx, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return txn, nil
}

func scanReceipt(row pgx.Row) (ledger.Transaction, error) {
	var t ledger.Transaction
	err := row.Scan(&t.ID, &t.CompanyID, &t.Date, &t.Type, &t.Description, &t.Reference, &t.Status,
		&t.PostedAt, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func loadReceiptLines(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, transactionID int64) ([]ledger.TransactionLine, error) {
	rows, err := q.Query(ctx, `SELECT id, transaction_id, idx, account_id, amount, direction, tax_code, memo
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

func (r *txRepository) GetAllocationForUpdate(ctx context.Context, id int64) (Allocation, error) {
	var a Allocation
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, receipt_id, invoice_id, amount, allocated_by, created_at
FROM receivable_allocations WHERE id=$1 FOR UPDATE`, id).
		Scan(&a.ID, &a.CompanyID, &a.ReceiptID, &a.InvoiceID, &a.Amount, &a.AllocatedBy, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Allocation{}, shared.NotFoundf("allocation %d not found", id)
		}
		return Allocation{}, err
	}
	return a, nil
}

func (r *txRepository) InsertAllocation(ctx context.Context, alloc Allocation) (Allocation, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO receivable_allocations (company_id, receipt_id, invoice_id, amount, allocated_by)
VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at`,
		alloc.CompanyID, alloc.ReceiptID, alloc.InvoiceID, alloc.Amount, alloc.AllocatedBy).
		Scan(&alloc.ID, &alloc.CreatedAt)
	if err != nil {
		return Allocation{}, err
	}
	return alloc, nil
}

func (r *txRepository) DeleteAllocation(ctx context.Context, id int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM receivable_allocations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.NotFoundf("allocation %d not found", id)
	}
	return nil
}

func (r *txRepository) SumAllocationsForInvoice(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM receivable_allocations WHERE invoice_id=$1`, invoiceID).Scan(&sum)
	return sum, err
}

func (r *txRepository) SumAllocationsForReceipt(ctx context.Context, receiptID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM receivable_allocations WHERE receipt_id=$1`, receiptID).Scan(&sum)
	return sum, err
}

func (r *txRepository) UpdateInvoicePaid(ctx context.Context, invoiceID int64, paid decimal.Decimal, status InvoiceStatus) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE sales_invoices SET amount_paid=$2, status=$3, updated_at=NOW() WHERE id=$1`, invoiceID, paid, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.NotFoundf("invoice %d not found", invoiceID)
	}
	return nil
}

// GetInvoice loads a sales invoice.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (SalesInvoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM sales_invoices WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SalesInvoice{}, shared.NotFoundf("invoice %d not found", id)
		}
		return SalesInvoice{}, err
	}
	return inv, nil
}

// GetReceipt loads a receipt transaction with its lines.
func (r *Repository) GetReceipt(ctx context.Context, id int64) (ledger.Transaction, error) {
	txn, err := scanReceipt(r.pool.QueryRow(ctx, `SELECT id, company_id, date, type, description, reference, status, posted_at, created_at, updated_at
FROM transactions WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transaction{}, shared.NotFoundf("receipt %d not found", id)
		}
		return ledger.Transaction{}, err
	}
	txn.Lines, err = loadReceiptLines(ctx, r.pool, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return txn, nil
}

// SumAllocationsForReceipt totals existing allocations against a receipt.
func (r *Repository) SumAllocationsForReceipt(ctx context.Context, receiptID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM receivable_allocations WHERE receipt_id=$1`, receiptID).Scan(&sum)
	return sum, err
}

// ListOutstandingInvoices returns ISSUED invoices with a positive balance,
// optionally filtered by contact.
func (r *Repository) ListOutstandingInvoices(ctx context.Context, companyID int64, contactID int64) ([]SalesInvoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM sales_invoices
WHERE company_id=$1 AND status='ISSUED' AND total > amount_paid`
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
	var out []SalesInvoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ListAllocationsForInvoice returns allocations applied to an invoice.
func (r *Repository) ListAllocationsForInvoice(ctx context.Context, invoiceID int64) ([]Allocation, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, company_id, receipt_id, invoice_id, amount, allocated_by, created_at
FROM receivable_allocations WHERE invoice_id=$1 ORDER BY id ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.ReceiptID, &a.InvoiceID, &a.Amount, &a.AllocatedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
