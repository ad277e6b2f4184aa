package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Repository persists transactions, lines, ledger entries, and tax lines.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertTransaction(ctx context.Context, in DraftInput) (Transaction, error)
	GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error)
	CountLedgerEntries(ctx context.Context, transactionID int64) (int, error)
	InsertLedgerEntries(ctx context.Context, entries []LedgerEntry) error
	InsertTaxLines(ctx context.Context, lines []TaxLine) error
	MarkPosted(ctx context.Context, transactionID, actorID int64, at time.Time) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
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

func (r *txRepository) InsertTransaction(ctx context.Context, in DraftInput) (Transaction, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO transactions (company_id, date, type, description, reference, status, source_module, source_ref)
VALUES ($1,$2,$3,$4,$5,'DRAFT',$6,$7) RETURNING id, created_at, updated_at`,
		in.CompanyID, in.Date, in.Type, in.Description, in.Reference, in.SourceModule, in.SourceRef)
	txn := Transaction{
		CompanyID:    in.CompanyID,
		Date:         in.Date,
		Type:         in.Type,
		Description:  in.Description,
		Reference:    in.Reference,
		Status:       TransactionStatusDraft,
		SourceModule: in.SourceModule,
		SourceRef:    in.SourceRef,
	}
	if err := row.Scan(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	for i, line := range in.Lines {
		inserted := TransactionLine{
			TransactionID: txn.ID,
			Index:         i + 1,
			AccountID:     line.AccountID,
			Amount:        line.Amount,
			Direction:     line.Direction,
			TaxCode:       line.TaxCode,
			Department:    line.Department,
			Memo:          line.Memo,
		}
		err := r.tx.QueryRow(ctx, `INSERT INTO transaction_lines (transaction_id, idx, account_id, amount, direction, tax_code, department, memo)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id, created_at`,
			txn.ID, inserted.Index, inserted.AccountID, inserted.Amount, inserted.Direction, inserted.TaxCode, inserted.Department, inserted.Memo).
			Scan(&inserted.ID, &inserted.CreatedAt)
		if err != nil {
			return Transaction{}, err
		}
		txn.Lines = append(txn.Lines, inserted)
	}
	return txn, nil
}

const transactionColumns = `id, company_id, date, type, description, reference, status, source_module, source_ref, posted_at, posted_by, created_at, updated_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.CompanyID, &t.Date, &t.Type, &t.Description, &t.Reference, &t.Status,
		&t.SourceModule, &t.SourceRef, &t.PostedAt, &t.PostedBy, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func loadLines(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, transactionID int64) ([]TransactionLine, error) {
	rows, err := q.Query(ctx, `SELECT id, transaction_id, idx, account_id, amount, direction, tax_code, department, memo, created_at
FROM transaction_lines WHERE transaction_id=$1 ORDER BY idx ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []TransactionLine
	for rows.Next() {
		var l TransactionLine
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.Index, &l.AccountID, &l.Amount, &l.Direction, &l.TaxCode, &l.Department, &l.Memo, &l.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *txRepository) GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error) {
	txn, err := scanTransaction(r.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, shared.NotFoundf("transaction %d not found", id)
		}
		return Transaction{}, err
	}
	txn.Lines, err = loadLines(ctx, r.tx, id)
	if err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

func (r *txRepository) CountLedgerEntries(ctx context.Context, transactionID int64) (int, error) {
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE transaction_id=$1`, transactionID).Scan(&count)
	return count, err
}

func (r *txRepository) InsertLedgerEntries(ctx context.Context, entries []LedgerEntry) error {
	for _, e := range entries {
		_, err := r.tx.Exec(ctx, `INSERT INTO ledger_entries (company_id, transaction_id, line_idx, account_id, amount, direction, tax_code, entry_date)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.CompanyID, e.TransactionID, e.LineIndex, e.AccountID, e.Amount, e.Direction, e.TaxCode, e.EntryDate)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_ledger_entries_txn_line" {
				return shared.Statef("duplicate posting: ledger entry already exists for transaction %d line %d", e.TransactionID, e.LineIndex)
			}
			return err
		}
	}
	return nil
}

func (r *txRepository) InsertTaxLines(ctx context.Context, lines []TaxLine) error {
	for _, l := range lines {
		_, err := r.tx.Exec(ctx, `INSERT INTO tax_lines (company_id, transaction_id, line_idx, tax_code, amount)
VALUES ($1,$2,$3,$4,$5)`, l.CompanyID, l.TransactionID, l.LineIndex, l.TaxCode, l.Amount)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) MarkPosted(ctx context.Context, transactionID, actorID int64, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE transactions SET status='POSTED', posted_at=$2, posted_by=$3, updated_at=NOW() WHERE id=$1`,
		transactionID, at, actorID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.NotFoundf("transaction %d not found", transactionID)
	}
	return nil
}

// GetTransaction loads a transaction with its lines.
func (r *Repository) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	txn, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, shared.NotFoundf("transaction %d not found", id)
		}
		return Transaction{}, err
	}
	txn.Lines, err = loadLines(ctx, r.pool, id)
	if err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// ListEntriesByTransaction returns posted ledger entries for a transaction.
func (r *Repository) ListEntriesByTransaction(ctx context.Context, transactionID int64) ([]LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, company_id, transaction_id, line_idx, account_id, amount, direction, tax_code, entry_date, created_at
FROM ledger_entries WHERE transaction_id=$1 ORDER BY line_idx ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.TransactionID, &e.LineIndex, &e.AccountID, &e.Amount, &e.Direction, &e.TaxCode, &e.EntryDate, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
