package fiscal

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	FindPeriodByDate(ctx context.Context, companyID int64, date time.Time) (Period, error)
	GetFiscalYear(ctx context.Context, id int64) (FiscalYear, error)
}

// Service owns the period calendar: fiscal year creation and period locking.
type Service struct {
	repo  RepositoryPort
	audit shared.AuditPort
	now   func() time.Time
}

// NewService constructs the calendar service.
func NewService(repo RepositoryPort, audit shared.AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateFiscalYear builds a fiscal year of twelve monthly periods starting
// at the supplied date. The final period is clipped so the year spans
// exactly one calendar year.
func (s *Service) CreateFiscalYear(ctx context.Context, in CreateFiscalYearInput) (FiscalYear, error) {
	if err := in.Validate(); err != nil {
		return FiscalYear{}, shared.Validationf("%s", err.Error())
	}
	start := DateOnly(in.StartDate)
	end := start.AddDate(1, 0, 0).AddDate(0, 0, -1)

	var year FiscalYear
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		conflict, err := tx.YearRangeConflict(ctx, in.CompanyID, start, end)
		if err != nil {
			return err
		}
		if conflict {
			return shared.Validationf("fiscal year %s..%s overlaps an existing year for company %d",
				start.Format("2006-01-02"), end.Format("2006-01-02"), in.CompanyID)
		}
		year, err = tx.InsertFiscalYear(ctx, FiscalYear{
			CompanyID: in.CompanyID,
			Label:     in.Label,
			StartDate: start,
			EndDate:   end,
		})
		if err != nil {
			return err
		}
		for i, r := range BuildPeriodRanges(start) {
			period, err := tx.InsertPeriod(ctx, Period{
				FiscalYearID: year.ID,
				CompanyID:    in.CompanyID,
				Index:        i + 1,
				StartDate:    r[0],
				EndDate:      r[1],
				Status:       PeriodStatusOpen,
			})
			if err != nil {
				return err
			}
			year.Periods = append(year.Periods, period)
		}
		return nil
	})
	if err != nil {
		return FiscalYear{}, err
	}
	s.record(ctx, in.CompanyID, in.ActorID, "fiscal.year.create", "fiscal_year", year.ID,
		fmt.Sprintf("created fiscal year %s (%s..%s)", year.Label, start.Format("2006-01-02"), end.Format("2006-01-02")))
	return year, nil
}

// CreateNextFiscalYear derives a fiscal year starting the day after the
// latest existing year ends, with an auto-generated label.
func (s *Service) CreateNextFiscalYear(ctx context.Context, companyID, actorID int64) (FiscalYear, error) {
	if companyID == 0 {
		return FiscalYear{}, shared.Validationf("fiscal: company id required")
	}
	var year FiscalYear
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		latest, err := tx.LatestFiscalYearForUpdate(ctx, companyID)
		if err != nil {
			return err
		}
		start := DateOnly(latest.EndDate).AddDate(0, 0, 1)
		end := start.AddDate(1, 0, 0).AddDate(0, 0, -1)
		year, err = tx.InsertFiscalYear(ctx, FiscalYear{
			CompanyID: companyID,
			Label:     NextLabel(start),
			StartDate: start,
			EndDate:   end,
		})
		if err != nil {
			return err
		}
		for i, r := range BuildPeriodRanges(start) {
			period, err := tx.InsertPeriod(ctx, Period{
				FiscalYearID: year.ID,
				CompanyID:    companyID,
				Index:        i + 1,
				StartDate:    r[0],
				EndDate:      r[1],
				Status:       PeriodStatusOpen,
			})
			if err != nil {
				return err
			}
			year.Periods = append(year.Periods, period)
		}
		return nil
	})
	if err != nil {
		return FiscalYear{}, err
	}
	s.record(ctx, companyID, actorID, "fiscal.year.create_next", "fiscal_year", year.ID,
		fmt.Sprintf("created fiscal year %s", year.Label))
	return year, nil
}

// LockPeriod transitions a period from OPEN to LOCKED.
func (s *Service) LockPeriod(ctx context.Context, periodID, actorID int64) (Period, error) {
	return s.setPeriodStatus(ctx, periodID, actorID, PeriodStatusLocked)
}

// UnlockPeriod transitions a period from LOCKED back to OPEN.
func (s *Service) UnlockPeriod(ctx context.Context, periodID, actorID int64) (Period, error) {
	return s.setPeriodStatus(ctx, periodID, actorID, PeriodStatusOpen)
}

func (s *Service) setPeriodStatus(ctx context.Context, periodID, actorID int64, target PeriodStatus) (Period, error) {
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if current.Status == target {
			return shared.Statef("period %d is already %s", periodID, target)
		}
		now := s.now()
		if err := tx.UpdatePeriodStatus(ctx, periodID, target, actorID, now); err != nil {
			return err
		}
		period = current
		period.Status = target
		if target == PeriodStatusLocked {
			period.LockedBy = &actorID
			period.LockedAt = &now
		} else {
			period.LockedBy = nil
			period.LockedAt = nil
		}
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	action := "fiscal.period.lock"
	if target == PeriodStatusOpen {
		action = "fiscal.period.unlock"
	}
	s.record(ctx, period.CompanyID, actorID, action, "period", period.ID,
		fmt.Sprintf("period %d set to %s", period.ID, target))
	return period, nil
}

// FindPeriodByDate is the point lookup used by the posting engine.
func (s *Service) FindPeriodByDate(ctx context.Context, companyID int64, date time.Time) (Period, error) {
	return s.repo.FindPeriodByDate(ctx, companyID, date)
}

// IsDateInOpenPeriod reports whether date is postable for the company.
// A date covered by no period at all yields false, not an error.
func (s *Service) IsDateInOpenPeriod(ctx context.Context, companyID int64, date time.Time) (bool, error) {
	period, err := s.repo.FindPeriodByDate(ctx, companyID, date)
	if err != nil {
		if shared.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return period.Status == PeriodStatusOpen, nil
}

// GetFiscalYear loads a fiscal year with its periods.
func (s *Service) GetFiscalYear(ctx context.Context, id int64) (FiscalYear, error) {
	return s.repo.GetFiscalYear(ctx, id)
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
