package fiscal

import (
	"fmt"
	"strings"
	"time"
)

// PeriodStatus enumerates valid period states.
type PeriodStatus string

const (
	PeriodStatusOpen   PeriodStatus = "OPEN"
	PeriodStatusLocked PeriodStatus = "LOCKED"
)

// PeriodsPerYear is fixed: every fiscal year carries twelve periods.
const PeriodsPerYear = 12

// FiscalYear is a 12-period accounting year for a company.
type FiscalYear struct {
	ID        int64
	CompanyID int64
	Label     string
	StartDate time.Time
	EndDate   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	Periods   []Period
}

// Period represents a postable date range within a fiscal year.
type Period struct {
	ID           int64
	FiscalYearID int64
	CompanyID    int64
	Index        int
	StartDate    time.Time
	EndDate      time.Time
	Status       PeriodStatus
	LockedBy     *int64
	LockedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contains reports whether date falls inside the period range (inclusive).
func (p Period) Contains(date time.Time) bool {
	d := DateOnly(date)
	return !d.Before(DateOnly(p.StartDate)) && !d.After(DateOnly(p.EndDate))
}

// CreateFiscalYearInput captures parameters for a new fiscal year.
type CreateFiscalYearInput struct {
	CompanyID int64
	StartDate time.Time
	Label     string
	ActorID   int64
}

// Validate ensures the input is coherent.
func (in CreateFiscalYearInput) Validate() error {
	if in.CompanyID == 0 {
		return fmt.Errorf("fiscal: company id required")
	}
	if in.StartDate.IsZero() {
		return fmt.Errorf("fiscal: start date required")
	}
	if strings.TrimSpace(in.Label) == "" {
		return fmt.Errorf("fiscal: label required")
	}
	return nil
}

// DateOnly truncates a timestamp to a UTC calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// BuildPeriodRanges derives the twelve period boundaries for a fiscal year
// starting at start. Period boundaries fall on the monthly anniversaries of
// the start date; the last period is clipped so the whole year spans exactly
// start..start+1y-1d.
func BuildPeriodRanges(start time.Time) [PeriodsPerYear][2]time.Time {
	start = DateOnly(start)
	yearEnd := start.AddDate(1, 0, 0).AddDate(0, 0, -1)
	var out [PeriodsPerYear][2]time.Time
	for i := 0; i < PeriodsPerYear; i++ {
		ps := start.AddDate(0, i, 0)
		var pe time.Time
		if i == PeriodsPerYear-1 {
			pe = yearEnd
		} else {
			pe = start.AddDate(0, i+1, 0).AddDate(0, 0, -1)
		}
		out[i] = [2]time.Time{ps, pe}
	}
	return out
}

// NextLabel generates the auto label for a fiscal year starting at start,
// of the form "<startYear>-<startYear+1>".
func NextLabel(start time.Time) string {
	return fmt.Sprintf("%d-%d", start.Year(), start.Year()+1)
}
