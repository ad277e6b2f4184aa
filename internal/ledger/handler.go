package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// Handler manages posting engine endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transactions", h.createDraft)
	r.Get("/transactions/{id}", h.getTransaction)
	r.Post("/transactions/{id}/post", h.postTransaction)
	r.Post("/transactions/{id}/reverse", h.reverseTransaction)
	r.Get("/transactions/{id}/entries", h.listEntries)
}

type draftLineRequest struct {
	AccountID  int64           `json:"account_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Direction  string          `json:"direction" validate:"required,oneof=DEBIT CREDIT"`
	TaxCode    string          `json:"tax_code"`
	Department string          `json:"department"`
	Memo       string          `json:"memo"`
}

type createDraftRequest struct {
	CompanyID    int64              `json:"company_id" validate:"required"`
	Date         string             `json:"date" validate:"required"`
	Type         string             `json:"type" validate:"required"`
	Description  string             `json:"description"`
	Reference    string             `json:"reference"`
	SourceModule string             `json:"source_module"`
	SourceRef    string             `json:"source_ref"`
	Lines        []draftLineRequest `json:"lines" validate:"dive"`
}

func (h *Handler) createDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, shared.Validationf("invalid request body: %s", err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, shared.Validationf("%s", err.Error()))
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		shared.RespondError(w, shared.Validationf("invalid date %q", req.Date))
		return
	}
	in := DraftInput{
		CompanyID:    req.CompanyID,
		Date:         date,
		Type:         TransactionType(req.Type),
		Description:  req.Description,
		Reference:    req.Reference,
		SourceModule: req.SourceModule,
	}
	if req.SourceRef != "" {
		ref, err := uuid.Parse(req.SourceRef)
		if err != nil {
			shared.RespondError(w, shared.Validationf("invalid source_ref %q", req.SourceRef))
			return
		}
		in.SourceRef = ref
	}
	for _, line := range req.Lines {
		in.Lines = append(in.Lines, DraftLine{
			AccountID:  line.AccountID,
			Amount:     line.Amount,
			Direction:  Direction(line.Direction),
			TaxCode:    line.TaxCode,
			Department: line.Department,
			Memo:       line.Memo,
		})
	}
	txn, err := h.service.CreateDraft(r.Context(), in)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, txn)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	txn, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, txn)
}

type actorRequest struct {
	ActorID int64 `json:"actor_id"`
}

func (h *Handler) postTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	var req actorRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	txn, err := h.service.PostTransaction(r.Context(), id, req.ActorID)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, txn)
}

type reverseRequest struct {
	ActorID int64  `json:"actor_id"`
	Reason  string `json:"reason"`
}

func (h *Handler) reverseTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	var req reverseRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	txn, err := h.service.ReverseTransaction(r.Context(), id, req.ActorID, req.Reason)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, txn)
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	entries, err := h.service.ListEntries(r.Context(), id)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, entries)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		return 0, shared.Validationf("invalid %s path parameter", name)
	}
	return id, nil
}
