package fiscal

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Repository persists fiscal years and periods.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertFiscalYear(ctx context.Context, year FiscalYear) (FiscalYear, error)
	InsertPeriod(ctx context.Context, period Period) (Period, error)
	LatestFiscalYearForUpdate(ctx context.Context, companyID int64) (FiscalYear, error)
	YearRangeConflict(ctx context.Context, companyID int64, start, end time.Time) (bool, error)
	GetPeriodForUpdate(ctx context.Context, periodID int64) (Period, error)
	UpdatePeriodStatus(ctx context.Context, periodID int64, status PeriodStatus, actorID int64, at time.Time) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("fiscal repository not initialised")
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

const periodColumns = `id, fiscal_year_id, company_id, idx, start_date, end_date, status, locked_by, locked_at, created_at, updated_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.FiscalYearID, &p.CompanyID, &p.Index, &p.StartDate, &p.EndDate, &p.Status, &p.LockedBy, &p.LockedAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *txRepository) InsertFiscalYear(ctx context.Context, year FiscalYear) (FiscalYear, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO fiscal_years (company_id, label, start_date, end_date)
VALUES ($1,$2,$3,$4) RETURNING id, created_at, updated_at`, year.CompanyID, year.Label, year.StartDate, year.EndDate)
	if err := row.Scan(&year.ID, &year.CreatedAt, &year.UpdatedAt); err != nil {
		return FiscalYear{}, err
	}
	return year, nil
}

func (r *txRepository) InsertPeriod(ctx context.Context, period Period) (Period, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO periods (fiscal_year_id, company_id, idx, start_date, end_date, status)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at, updated_at`,
		period.FiscalYearID, period.CompanyID, period.Index, period.StartDate, period.EndDate, period.Status)
	if err := row.Scan(&period.ID, &period.CreatedAt, &period.UpdatedAt); err != nil {
		return Period{}, err
	}
	return period, nil
}

func (r *txRepository) LatestFiscalYearForUpdate(ctx context.Context, companyID int64) (FiscalYear, error) {
	var y FiscalYear
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, label, start_date, end_date, created_at, updated_at
FROM fiscal_years WHERE company_id=$1 ORDER BY end_date DESC LIMIT 1 FOR UPDATE`, companyID).
		Scan(&y.ID, &y.CompanyID, &y.Label, &y.StartDate, &y.EndDate, &y.CreatedAt, &y.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FiscalYear{}, shared.NotFoundf("no fiscal year exists for company %d", companyID)
		}
		return FiscalYear{}, err
	}
	return y, nil
}

func (r *txRepository) YearRangeConflict(ctx context.Context, companyID int64, start, end time.Time) (bool, error) {
	var conflict bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM fiscal_years WHERE company_id=$1 AND start_date <= $3 AND end_date >= $2)`, companyID, start, end).Scan(&conflict)
	return conflict, err
}

func (r *txRepository) GetPeriodForUpdate(ctx context.Context, periodID int64) (Period, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods WHERE id=$1 FOR UPDATE`, periodID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, shared.NotFoundf("period %d not found", periodID)
		}
		return Period{}, err
	}
	return p, nil
}

func (r *txRepository) UpdatePeriodStatus(ctx context.Context, periodID int64, status PeriodStatus, actorID int64, at time.Time) error {
	var lockedBy any
	var lockedAt any
	if status == PeriodStatusLocked {
		lockedBy = actorID
		lockedAt = at
	}
	cmd, err := r.tx.Exec(ctx, `UPDATE periods SET status=$2, locked_by=$3, locked_at=$4, updated_at=NOW() WHERE id=$1`,
		periodID, status, lockedBy, lockedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.NotFoundf("period %d not found", periodID)
	}
	return nil
}

// FindPeriodByDate returns the period covering the supplied date for the
// company, regardless of status.
func (r *Repository) FindPeriodByDate(ctx context.Context, companyID int64, date time.Time) (Period, error) {
	p, err := scanPeriod(r.pool.QueryRow(ctx, `SELECT `+periodColumns+`
FROM periods WHERE company_id=$1 AND $2 BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1`, companyID, DateOnly(date)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, shared.NotFoundf("no period covers %s for company %d", DateOnly(date).Format("2006-01-02"), companyID)
		}
		return Period{}, err
	}
	return p, nil
}

// GetFiscalYear loads a fiscal year with its periods.
func (r *Repository) GetFiscalYear(ctx context.Context, id int64) (FiscalYear, error) {
	var y FiscalYear
	err := r.pool.QueryRow(ctx, `SELECT id, company_id, label, start_date, end_date, created_at, updated_at
FROM fiscal_years WHERE id=$1`, id).
		Scan(&y.ID, &y.CompanyID, &y.Label, &y.StartDate, &y.EndDate, &y.CreatedAt, &y.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FiscalYear{}, shared.NotFoundf("fiscal year %d not found", id)
		}
		return FiscalYear{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM periods WHERE fiscal_year_id=$1 ORDER BY idx ASC`, id)
	if err != nil {
		return FiscalYear{}, err
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return FiscalYear{}, err
		}
		y.Periods = append(y.Periods, p)
	}
	return y, rows.Err()
}
