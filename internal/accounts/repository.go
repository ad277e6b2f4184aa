package accounts

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Repository resolves chart of accounts entries and company settings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const accountColumns = `id, company_id, code, name, type, tax_code, is_bank, is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.CompanyID, &a.Code, &a.Name, &a.Type, &a.TaxCode, &a.IsBank, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// GetByID resolves an account by primary key.
func (r *Repository) GetByID(ctx context.Context, id int64) (Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, shared.NotFoundf("account %d not found", id)
		}
		return Account{}, err
	}
	return a, nil
}

// GetByCode resolves an account by company and code.
func (r *Repository) GetByCode(ctx context.Context, companyID int64, code string) (Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE company_id=$1 AND code=$2`, companyID, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, shared.NotFoundf("account with code %q not found for company %d", code, companyID)
		}
		return Account{}, err
	}
	return a, nil
}

// GetMany resolves a set of accounts by id in one round trip.
func (r *Repository) GetMany(ctx context.Context, ids []int64) (map[int64]Account, error) {
	out := make(map[int64]Account, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

// GetSettings loads company accounting settings, falling back to defaults
// when no row exists.
func (r *Repository) GetSettings(ctx context.Context, companyID int64) (Settings, error) {
	var s Settings
	err := r.pool.QueryRow(ctx, `SELECT company_id, payables_code, receivables_code, retained_earnings_code
FROM company_settings WHERE company_id=$1`, companyID).
		Scan(&s.CompanyID, &s.PayablesCode, &s.ReceivablesCode, &s.RetainedEarnings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Settings{CompanyID: companyID, PayablesCode: DefaultPayablesCode}, nil
		}
		return Settings{}, err
	}
	if s.PayablesCode == "" {
		s.PayablesCode = DefaultPayablesCode
	}
	return s, nil
}
