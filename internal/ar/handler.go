package ar

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

// Handler manages receivable endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers receivable routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/invoices", h.createInvoice)
	r.Get("/invoices/{id}", h.getInvoice)
	r.Get("/invoices/{id}/allocations", h.listAllocationsForInvoice)
	r.Post("/allocations", h.allocate)
	r.Post("/allocations/batch", h.allocateToMultiple)
	r.Delete("/allocations/{id}", h.removeAllocation)
	r.Get("/receipts/{id}/unallocated", h.unallocatedAmount)
	r.Get("/suggestions", h.suggestAllocations)
}

type createInvoiceRequest struct {
	CompanyID int64           `json:"company_id" validate:"required"`
	ContactID int64           `json:"contact_id" validate:"required"`
	Number    string          `json:"number" validate:"required"`
	Total     decimal.Decimal `json:"total"`
	IssueDate string          `json:"issue_date" validate:"required"`
	DueDate   string          `json:"due_date" validate:"required"`
	ActorID   int64           `json:"actor_id"`
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
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
	invoice, err := h.service.CreateInvoice(r.Context(), CreateInvoiceInput{
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
	shared.RespondJSON(w, http.StatusCreated, invoice)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	invoice, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, invoice)
}

func (h *Handler) listAllocationsForInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	allocs, err := h.service.ListAllocationsForInvoice(r.Context(), id)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, allocs)
}

type allocateRequest struct {
	ReceiptID int64           `json:"receipt_id" validate:"required"`
	InvoiceID int64           `json:"invoice_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	ActorID   int64           `json:"actor_id"`
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, shared.Validationf("invalid request body: %s", err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, shared.Validationf("%s", err.Error()))
		return
	}
	alloc, err := h.service.Allocate(r.Context(), req.ReceiptID, req.InvoiceID, req.Amount, req.ActorID)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, alloc)
}

type allocateBatchRequest struct {
	ReceiptID int64 `json:"receipt_id" validate:"required"`
	Targets   []struct {
		InvoiceID int64           `json:"invoice_id" validate:"required"`
		Amount    decimal.Decimal `json:"amount"`
	} `json:"targets" validate:"min=1,dive"`
	ActorID int64 `json:"actor_id"`
}

func (h *Handler) allocateToMultiple(w http.ResponseWriter, r *http.Request) {
	var req allocateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, shared.Validationf("invalid request body: %s", err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, shared.Validationf("%s", err.Error()))
		return
	}
	targets := make([]AllocationTarget, 0, len(req.Targets))
	for _, t := range req.Targets {
		targets = append(targets, AllocationTarget{InvoiceID: t.InvoiceID, Amount: t.Amount})
	}
	allocs, err := h.service.AllocateToMultiple(r.Context(), req.ReceiptID, targets, req.ActorID)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, allocs)
}

func (h *Handler) removeAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	actorID, _ := strconv.ParseInt(r.URL.Query().Get("actor_id"), 10, 64)
	if err := h.service.RemoveAllocation(r.Context(), id, actorID); err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) unallocatedAmount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	amount, err := h.service.UnallocatedAmount(r.Context(), id)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]decimal.Decimal{"unallocated": amount})
}

func (h *Handler) suggestAllocations(w http.ResponseWriter, r *http.Request) {
	companyID, _ := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	contactID, _ := strconv.ParseInt(r.URL.Query().Get("contact_id"), 10, 64)
	if companyID == 0 || contactID == 0 {
		shared.RespondError(w, shared.Validationf("company_id and contact_id query parameters required"))
		return
	}
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		shared.RespondError(w, shared.Validationf("amount query parameter must be a decimal"))
		return
	}
	suggestions, err := h.service.SuggestAllocations(r.Context(), companyID, contactID, amount)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, suggestions)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		return 0, shared.Validationf("invalid %s path parameter", name)
	}
	return id, nil
}
