// Package tax implements the tax collaborator consumed by the posting
// engine: it derives tax lines for ledger entries that carry a tax code.
package tax

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Deriver computes tax lines from posted ledger entries using company
// tax-code rates.
type Deriver struct {
	pool *pgxpool.Pool
}

// NewDeriver constructs Deriver.
func NewDeriver(pool *pgxpool.Pool) *Deriver {
	return &Deriver{pool: pool}
}

// Derive returns one tax line per entry carrying a tax code, amount scaled
// by the code's rate. An unknown code is an error; the posting unit of work
// rolls back rather than posting with silently missing tax.
func (d *Deriver) Derive(ctx context.Context, companyID int64, entries []ledger.LedgerEntry) ([]ledger.TaxLine, error) {
	rates := make(map[string]decimal.Decimal)
	var out []ledger.TaxLine
	for _, entry := range entries {
		if entry.TaxCode == "" {
			continue
		}
		rate, ok := rates[entry.TaxCode]
		if !ok {
			var err error
			rate, err = d.rateFor(ctx, companyID, entry.TaxCode)
			if err != nil {
				return nil, err
			}
			rates[entry.TaxCode] = rate
		}
		out = append(out, ledger.TaxLine{
			CompanyID:     companyID,
			TransactionID: entry.TransactionID,
			LineIndex:     entry.LineIndex,
			TaxCode:       entry.TaxCode,
			Amount:        entry.Amount.Mul(rate).Round(2),
		})
	}
	return out, nil
}

func (d *Deriver) rateFor(ctx context.Context, companyID int64, code string) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := d.pool.QueryRow(ctx, `SELECT rate FROM tax_codes WHERE company_id=$1 AND code=$2`, companyID, code).Scan(&rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, shared.NotFoundf("tax code %q not found for company %d", code, companyID)
		}
		return decimal.Zero, err
	}
	return rate, nil
}
