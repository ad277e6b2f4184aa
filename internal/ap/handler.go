package ap

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Handler manages payable endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers payable routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/bills", h.createBill)
	r.Get("/bills/{id}", h.getBill)
	r.Get("/bills/outstanding", h.listOutstandingBills)
	r.Post("/runs", h.createPaymentRun)
	r.Get("/runs/{id}", h.getRun)
	r.Post("/runs/{id}/bills", h.addBillsToRun)
	r.Delete("/runs/{id}/bills/{billID}", h.removeBillFromRun)
	r.Post("/runs/{id}/complete", h.completePaymentRun)
	r.Post("/allocations", h.allocatePayment)
}

type createBillRequest struct {
	CompanyID int64           `json:"company_id" validate:"required"`
	ContactID int64           `json:"contact_id" validate:"required"`
	Number    string          `json:"number" validate:"required"`
	Total     decimal.Decimal `json:"total"`
	IssueDate string          `json:"issue_date" validate:"required"`
	DueDate   string          `json:"due_date" validate:"required"`
	ActorID   int64           `json:"actor_id"`
}

func (h *Handler) createBill(w http.ResponseWriter, r *http.Request) {
	var req createBillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, shared.Validationf("invalid request body: %s", err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, shared.Validationf("%s", err.Error()))
		return
	}
	issue, err := time.Parse("2006-01-02", req.IssueDate)
	if err != nil {
		shared.RespondError(w, shared.Validationf("invalid issue_date %q", req.IssueDate))
		return
	}
	due, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		shared.RespondError(w, shared.Validationf("invalid due_date %q", req.DueDate))
		return
	}
	bill, err := h.service.CreateBill(r.Context(), CreateBillInput{
		CompanyID: req.CompanyID,
		ContactID: req.ContactID,
		Number:    req.Number,
		Total:     req.Total,
		IssueDate: issue,
		DueDate:   due,
		ActorID:   req.ActorID,
	})
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, bill)
}

func (h *Handler) getBill(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	bill, err := h.service.GetBill(r.Context(), id)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, bill)
}

func (h *Handler) listOutstandingBills(w http.ResponseWriter, r *http.Request) {
	companyID, err := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	if err != nil || companyID == 0 {
		shared.RespondError(w, shared.Validationf("company_id query parameter required"))
		return
	}
	contactID, _ := strconv.ParseInt(r.URL.Query().Get("contact_id"), 10, 64)
	bills, err := h.service.ListOutstandingBills(r.Context(), companyID, contactID)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, bills)
}

type createRunRequest struct {
	CompanyID     int64  `json:"company_id" validate:"required"`
	RunDate       string `json:"run_date" validate:"required"`
	BankAccountID int64  `json:"bank_account_id" validate:"required"`
	ActorID       int64  `json:"actor_id"`
}

func (h *Handler) createPaymentRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, shared.Validationf("invalid request body: %s", err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, shared.Validationf("%s", err.Error()))
		return
	}
	runDate, err := time.Parse("2006-01-02", req.RunDate)
	if err != nil {
		shared.RespondError(w, shared.Validationf("invalid run_date %q", req.RunDate))
		return
	}
	run, err := h.service.CreatePaymentRun(r.Context(), CreatePaymentRunInput{
		CompanyID:     req.CompanyID,
		RunDate:       runDate,
		BankAccountID: req.BankAccountID,
		ActorID:       req.ActorID,
	})
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, run)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	run, err := h.service.GetRun(r.Context(), id)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, run)
}

type addBillsRequest struct {
	BillIDs []int64 `json:"bill_ids" validate:"min=1"`
	ActorID int64   `json:"actor_id"`
}

func (h *Handler) addBillsToRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	var req addBillsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, shared.Validationf("invalid request body: %s", err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, shared.Validationf("%s", err.Error()))
		return
	}
	run, err := h.service.AddBillsToRun(r.Context(), id, req.BillIDs, req.ActorID)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, run)
}

func (h *Handler) removeBillFromRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	billID, err := pathID(r, "billID")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	actorID, _ := strconv.ParseInt(r.URL.Query().Get("actor_id"), 10, 64)
	run, err := h.service.RemoveBillFromRun(r.Context(), runID, billID, actorID)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, run)
}

type actorRequest struct {
	ActorID int64 `json:"actor_id"`
}

func (h *Handler) completePaymentRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	var req actorRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	run, err := h.service.CompletePaymentRun(r.Context(), id, req.ActorID)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, run)
}

type allocatePaymentRequest struct {
	PaymentID int64           `json:"payment_id" validate:"required"`
	BillID    int64           `json:"bill_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	ActorID   int64           `json:"actor_id"`
}

func (h *Handler) allocatePayment(w http.ResponseWriter, r *http.Request) {
	var req allocatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, shared.Validationf("invalid request body: %s", err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, shared.Validationf("%s", err.Error()))
		return
	}
	alloc, err := h.service.AllocatePayment(r.Context(), req.PaymentID, req.BillID, req.Amount, req.ActorID)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, alloc)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		return 0, shared.Validationf("invalid %s path parameter", name)
	}
	return id, nil
}
