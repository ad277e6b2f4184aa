package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerkeep/ledgerkeep/internal/accounts"
	"github.com/ledgerkeep/ledgerkeep/internal/fiscal"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	ListEntriesByTransaction(ctx context.Context, transactionID int64) ([]LedgerEntry, error)
}

// AccountLookup resolves chart of accounts entries for validation.
type AccountLookup interface {
	GetMany(ctx context.Context, ids []int64) (map[int64]accounts.Account, error)
}

// PeriodCalendar answers whether a date is postable.
type PeriodCalendar interface {
	FindPeriodByDate(ctx context.Context, companyID int64, date time.Time) (fiscal.Period, error)
}

// TaxDeriver computes tax lines from newly created ledger entries that
// carry a tax code. Failures propagate; they are never swallowed.
type TaxDeriver interface {
	Derive(ctx context.Context, companyID int64, entries []LedgerEntry) ([]TaxLine, error)
}

// Service coordinates draft creation, posting, and reversal of transactions.
type Service struct {
	repo     RepositoryPort
	accounts AccountLookup
	calendar PeriodCalendar
	tax      TaxDeriver
	audit    shared.AuditPort
	now      func() time.Time
}

// NewService constructs the posting engine.
func NewService(repo RepositoryPort, lookup AccountLookup, calendar PeriodCalendar, tax TaxDeriver, audit shared.AuditPort) *Service {
	return &Service{repo: repo, accounts: lookup, calendar: calendar, tax: tax, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateDraft persists a new DRAFT transaction with its lines.
func (s *Service) CreateDraft(ctx context.Context, in DraftInput) (Transaction, error) {
	if err := in.Validate(); err != nil {
		return Transaction{}, err
	}
	if in.SourceRef == uuid.Nil {
		in.SourceRef = uuid.New()
	}
	var txn Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		txn, err = tx.InsertTransaction(ctx, in)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// PostTransaction validates a draft and converts its lines into immutable
// ledger entries, derives tax lines, and marks the transaction POSTED, all
// as one unit of work. The transaction row is locked for the duration so
// concurrent posting attempts serialize; the ledger-entry unique constraint
// is the storage-level backstop.
func (s *Service) PostTransaction(ctx context.Context, transactionID, actorID int64) (Transaction, error) {
	var posted Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		posted, err = s.postLocked(ctx, tx, transactionID, actorID)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	s.record(ctx, posted.CompanyID, actorID, "ledger.post", "transaction", posted.ID,
		fmt.Sprintf("posted %s transaction %d with %d lines (debits %s)", posted.Type, posted.ID, len(posted.Lines), posted.DebitTotal()))
	return posted, nil
}

// postLocked runs the posting sequence against an already-open unit of work.
// Reversal reuses it so the reversal draft and its posting commit together.
func (s *Service) postLocked(ctx context.Context, tx TxRepository, transactionID, actorID int64) (Transaction, error) {
	txn, err := tx.GetTransactionForUpdate(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if err := s.validateForPosting(ctx, tx, txn); err != nil {
		return Transaction{}, err
	}

	now := s.now()
	entries := make([]LedgerEntry, 0, len(txn.Lines))
	for _, line := range txn.Lines {
		entries = append(entries, LedgerEntry{
			CompanyID:     txn.CompanyID,
			TransactionID: txn.ID,
			LineIndex:     line.Index,
			AccountID:     line.AccountID,
			Amount:        line.Amount,
			Direction:     line.Direction,
			TaxCode:       line.TaxCode,
			EntryDate:     fiscal.DateOnly(txn.Date),
		})
	}
	if err := tx.InsertLedgerEntries(ctx, entries); err != nil {
		return Transaction{}, err
	}

	if s.tax != nil {
		taxLines, err := s.tax.Derive(ctx, txn.CompanyID, entries)
		if err != nil {
			return Transaction{}, err
		}
		if len(taxLines) > 0 {
			if err := tx.InsertTaxLines(ctx, taxLines); err != nil {
				return Transaction{}, err
			}
		}
	}

	if err := tx.MarkPosted(ctx, txn.ID, actorID, now); err != nil {
		return Transaction{}, err
	}
	txn.Status = TransactionStatusPosted
	txn.PostedAt = &now
	txn.PostedBy = &actorID
	return txn, nil
}

// validateForPosting checks every posting precondition before any write.
func (s *Service) validateForPosting(ctx context.Context, tx TxRepository, txn Transaction) error {
	if txn.Status == TransactionStatusPosted {
		return shared.Statef("transaction %d is already posted", txn.ID)
	}
	count, err := tx.CountLedgerEntries(ctx, txn.ID)
	if err != nil {
		return err
	}
	if count > 0 {
		return shared.Statef("duplicate posting: %d ledger entries already exist for transaction %d", count, txn.ID)
	}
	if len(txn.Lines) == 0 {
		return shared.Validationf("transaction %d has no lines", txn.ID)
	}

	ids := make([]int64, 0, len(txn.Lines))
	seen := make(map[int64]struct{}, len(txn.Lines))
	for _, line := range txn.Lines {
		if _, ok := seen[line.AccountID]; !ok {
			seen[line.AccountID] = struct{}{}
			ids = append(ids, line.AccountID)
		}
	}
	accts, err := s.accounts.GetMany(ctx, ids)
	if err != nil {
		return err
	}
	for _, line := range txn.Lines {
		acct, ok := accts[line.AccountID]
		if !ok {
			return shared.NotFoundf("account %d on line %d of transaction %d not found", line.AccountID, line.Index, txn.ID)
		}
		if !acct.IsActive {
			return shared.Validationf("account %s (%d) on line %d of transaction %d is inactive", acct.Code, acct.ID, line.Index, txn.ID)
		}
	}

	debits, credits := txn.DebitTotal(), txn.CreditTotal()
	if !debits.Equal(credits) {
		return shared.Validationf("transaction %d is unbalanced: debits %s != credits %s", txn.ID, debits, credits)
	}

	period, err := s.calendar.FindPeriodByDate(ctx, txn.CompanyID, txn.Date)
	if err != nil {
		return err
	}
	if period.Status == fiscal.PeriodStatusLocked {
		return shared.Statef("period %d (%s..%s) is locked; transaction %d dated %s cannot be posted",
			period.ID, period.StartDate.Format("2006-01-02"), period.EndDate.Format("2006-01-02"),
			txn.ID, fiscal.DateOnly(txn.Date).Format("2006-01-02"))
	}
	return nil
}

// ReverseTransaction builds a mirrored transaction for a posted original and
// posts it through the normal posting path, in one unit of work. The
// original is never mutated.
func (s *Service) ReverseTransaction(ctx context.Context, originalID, actorID int64, reason string) (Transaction, error) {
	var reversal Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetTransactionForUpdate(ctx, originalID)
		if err != nil {
			return err
		}
		if original.Status != TransactionStatusPosted {
			return shared.Statef("transaction %d is %s; only posted transactions can be reversed", original.ID, original.Status)
		}
		draft := DraftInput{
			CompanyID:    original.CompanyID,
			Date:         original.Date,
			Type:         original.Type,
			Description:  "Reversal: " + original.Description,
			Reference:    fmt.Sprintf("REV-%d", original.ID),
			SourceModule: original.SourceModule + ":REVERSAL",
			SourceRef:    uuid.New(),
		}
		for _, line := range original.Lines {
			draft.Lines = append(draft.Lines, DraftLine{
				AccountID:  line.AccountID,
				Amount:     line.Amount,
				Direction:  opposite(line.Direction),
				TaxCode:    line.TaxCode,
				Department: line.Department,
				Memo:       fmt.Sprintf("reverses line %d of transaction %d", line.Index, original.ID),
			})
		}
		inserted, err := tx.InsertTransaction(ctx, draft)
		if err != nil {
			return err
		}
		reversal, err = s.postLocked(ctx, tx, inserted.ID, actorID)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	s.record(ctx, reversal.CompanyID, actorID, "ledger.reverse", "transaction", originalID,
		fmt.Sprintf("reversed transaction %d with transaction %d: %s", originalID, reversal.ID, reason))
	return reversal, nil
}

// GetTransaction loads a transaction with its lines.
func (s *Service) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// ListEntries returns the ledger entries posted for a transaction.
func (s *Service) ListEntries(ctx context.Context, transactionID int64) ([]LedgerEntry, error) {
	return s.repo.ListEntriesByTransaction(ctx, transactionID)
}

func opposite(dir Direction) Direction {
	if dir == DirectionDebit {
		return DirectionCredit
	}
	return DirectionDebit
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
