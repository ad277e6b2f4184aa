package fiscal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Handler manages fiscal calendar endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers fiscal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/years", h.createFiscalYear)
	r.Post("/years/next", h.createNextFiscalYear)
	r.Get("/years/{id}", h.getFiscalYear)
	r.Post("/periods/{id}/lock", h.lockPeriod)
	r.Post("/periods/{id}/unlock", h.unlockPeriod)
	r.Get("/periods/by-date", h.findPeriodByDate)
	r.Get("/periods/open", h.isDateInOpenPeriod)
}

type createFiscalYearRequest struct {
	CompanyID int64  `json:"company_id" validate:"required"`
	Label     string `json:"label" validate:"required"`
	StartDate string `json:"start_date" validate:"required"`
	ActorID   int64  `json:"actor_id"`
}

func (h *Handler) createFiscalYear(w http.ResponseWriter, r *http.Request) {
	var req createFiscalYearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, shared.Validationf("invalid request body: %s", err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, shared.Validationf("%s", err.Error()))
		return
	}
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		shared.RespondError(w, shared.Validationf("invalid start_date %q", req.StartDate))
		return
	}
	year, err := h.service.CreateFiscalYear(r.Context(), CreateFiscalYearInput{
		CompanyID: req.CompanyID,
		Label:     req.Label,
		StartDate: start,
		ActorID:   req.ActorID,
	})
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, year)
}

type createNextFiscalYearRequest struct {
	CompanyID int64 `json:"company_id" validate:"required"`
	ActorID   int64 `json:"actor_id"`
}

func (h *Handler) createNextFiscalYear(w http.ResponseWriter, r *http.Request) {
	var req createNextFiscalYearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, shared.Validationf("invalid request body: %s", err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, shared.Validationf("%s", err.Error()))
		return
	}
	year, err := h.service.CreateNextFiscalYear(r.Context(), req.CompanyID, req.ActorID)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, year)
}

func (h *Handler) getFiscalYear(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	year, err := h.service.GetFiscalYear(r.Context(), id)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, year)
}

type periodActionRequest struct {
	ActorID int64 `json:"actor_id"`
}

func (h *Handler) lockPeriod(w http.ResponseWriter, r *http.Request) {
	h.setPeriodStatus(w, r, h.service.LockPeriod)
}

func (h *Handler) unlockPeriod(w http.ResponseWriter, r *http.Request) {
	h.setPeriodStatus(w, r, h.service.UnlockPeriod)
}

func (h *Handler) setPeriodStatus(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, periodID, actorID int64) (Period, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	var req periodActionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	period, err := op(r.Context(), id, req.ActorID)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, period)
}

func (h *Handler) findPeriodByDate(w http.ResponseWriter, r *http.Request) {
	companyID, date, err := companyAndDate(r)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	period, err := h.service.FindPeriodByDate(r.Context(), companyID, date)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, period)
}

func (h *Handler) isDateInOpenPeriod(w http.ResponseWriter, r *http.Request) {
	companyID, date, err := companyAndDate(r)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	open, err := h.service.IsDateInOpenPeriod(r.Context(), companyID, date)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]bool{"open": open})
}

func companyAndDate(r *http.Request) (int64, time.Time, error) {
	companyID, err := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	if err != nil || companyID == 0 {
		return 0, time.Time{}, shared.Validationf("company_id query parameter required")
	}
	date, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		return 0, time.Time{}, shared.Validationf("date query parameter must be YYYY-MM-DD")
	}
	return companyID, date, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		return 0, shared.Validationf("invalid %s path parameter", name)
	}
	return id, nil
}
