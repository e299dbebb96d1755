package billing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/harborview-assoc/harborview/internal/platform/httpx"
)

// SweepEnqueuer schedules an asynchronous late-fee sweep. The HTTP layer only
// enqueues; the worker runs the sweep.
type SweepEnqueuer interface {
	EnqueueLateFeeSweep(ctx context.Context) error
}

// Handler exposes the billing engine over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	sweeps    SweepEnqueuer
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sweeps SweepEnqueuer) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		sweeps:    sweeps,
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/invoices", h.createInvoice)
	r.Get("/invoices/{id}", h.getInvoice)
	r.Post("/invoices/batch", h.createBatch)
	r.Post("/invoices/batch/{batchID}/cancel", h.cancelBatch)
	r.Post("/invoices/batch/{batchID}/finalize", h.finalizeBatch)

	r.Post("/payments", h.recordPayment)
	r.Post("/credits/apply", h.applyCredit)

	r.Post("/late-fees/{userID}", h.applyLateFee)
	r.Post("/late-fees/run", h.runLateFeeSweep)

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/balance", h.userBalance)
		r.Get("/invoices", h.userInvoices)
		r.Get("/credits", h.userCredits)
		r.Get("/payments", h.userPayments)
	})
}

type createInvoiceRequest struct {
	UserID      int64  `json:"user_id" validate:"required,gt=0"`
	InvoiceDate string `json:"invoice_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate     string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Description string `json:"description" validate:"required,max=500"`
	Amount      string `json:"amount" validate:"required"`
	Type        string `json:"type" validate:"required,oneof=DUES FINE LATE_FEE MISC_CHARGE"`
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal string")
		return
	}

	result, err := h.service.CreateInvoice(r.Context(), CreateInvoiceInput{
		UserID:      req.UserID,
		InvoiceDate: parseDate(req.InvoiceDate),
		DueDate:     parseDate(req.DueDate),
		Description: req.Description,
		Amount:      amount,
		Type:        InvoiceType(req.Type),
	})
	if err != nil {
		h.respondError(w, "create invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"invoice":    result.Invoice,
		"allocation": result.Allocation,
	})
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	inv, apps, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.respondError(w, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoice":      inv,
		"applications": apps,
	})
}

type createBatchRequest struct {
	Description string `json:"description" validate:"required,max=200"`
	InvoiceDate string `json:"invoice_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate     string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.CreateBatch(r.Context(), CreateBatchInput{
		Description: req.Description,
		InvoiceDate: parseDate(req.InvoiceDate),
		DueDate:     parseDate(req.DueDate),
	})
	if err != nil {
		h.respondError(w, "create batch", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) cancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.uuidParam(w, r, "batchID")
	if !ok {
		return
	}
	result, err := h.service.CancelBatch(r.Context(), batchID)
	if err != nil {
		h.respondError(w, "cancel batch", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) finalizeBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.uuidParam(w, r, "batchID")
	if !ok {
		return
	}
	result, err := h.service.FinalizeBatch(r.Context(), batchID)
	if err != nil {
		h.respondError(w, "finalize batch", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type recordPaymentRequest struct {
	UserID    int64  `json:"user_id" validate:"required,gt=0"`
	InvoiceID string `json:"invoice_id" validate:"required,uuid4"`
	Amount    string `json:"amount" validate:"required"`
	PaidAt    string `json:"paid_at" validate:"omitempty,datetime=2006-01-02"`
	Method    string `json:"method" validate:"omitempty,max=50"`
	Reference string `json:"reference" validate:"omitempty,max=100"`
	Notes     string `json:"notes" validate:"omitempty,max=500"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	invoiceID, err := uuid.Parse(req.InvoiceID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal string")
		return
	}

	result, err := h.service.RecordPayment(r.Context(), RecordPaymentInput{
		UserID:    req.UserID,
		InvoiceID: invoiceID,
		Amount:    amount,
		PaidAt:    parseDate(req.PaidAt),
		Method:    req.Method,
		Reference: req.Reference,
		Notes:     req.Notes,
	})
	if err != nil {
		h.respondError(w, "record payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type applyCreditRequest struct {
	UserID    int64  `json:"user_id" validate:"required,gt=0"`
	CreditID  string `json:"credit_id" validate:"required,uuid4"`
	InvoiceID string `json:"invoice_id" validate:"required,uuid4"`
	Amount    string `json:"amount" validate:"required"`
}

func (h *Handler) applyCredit(w http.ResponseWriter, r *http.Request) {
	var req applyCreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	creditID, err := uuid.Parse(req.CreditID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid credit id")
		return
	}
	invoiceID, err := uuid.Parse(req.InvoiceID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal string")
		return
	}

	result, err := h.service.ApplyCredit(r.Context(), ApplyCreditInput{
		UserID:    req.UserID,
		CreditID:  creditID,
		InvoiceID: invoiceID,
		Amount:    amount,
	})
	if err != nil {
		h.respondError(w, "apply credit", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) applyLateFee(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}
	result, err := h.service.ApplyLateFee(r.Context(), userID)
	if err != nil {
		h.respondError(w, "apply late fee", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) runLateFeeSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeps == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "background jobs are not configured")
		return
	}
	if err := h.sweeps.EnqueueLateFeeSweep(r.Context()); err != nil {
		h.logger.Error("enqueue late fee sweep", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) userBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}
	balance, err := h.service.BalanceOf(r.Context(), userID)
	if err != nil {
		h.respondError(w, "user balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) userInvoices(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}
	req := ListInvoicesRequest{
		Status: InvoiceStatus(r.URL.Query().Get("status")),
		Type:   InvoiceType(r.URL.Query().Get("type")),
		Limit:  100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			req.Limit = limit
		}
	}
	invoices, err := h.service.ListInvoices(r.Context(), userID, req)
	if err != nil {
		h.respondError(w, "list invoices", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (h *Handler) userCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}
	credits, err := h.service.ListCredits(r.Context(), userID)
	if err != nil {
		h.respondError(w, "list credits", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"credits": credits})
}

func (h *Handler) userPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userParam(w, r)
	if !ok {
		return
	}
	payments, err := h.service.ListPayments(r.Context(), userID)
	if err != nil {
		h.respondError(w, "list payments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments})
}

// decode parses and validates a JSON body, responding on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed",
				"invalid field "+fieldErrs[0].Field())
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "")
		return false
	}
	return true
}

func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) userParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid member id")
		return 0, false
	}
	return userID, true
}

// respondError maps engine errors onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvoiceNotFound), errors.Is(err, ErrCreditNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrWrongOwner):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrNoBillableAssets):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrCreditVoided), errors.Is(err, ErrCreditExhausted):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid State", err.Error())
	case errors.Is(err, ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", "the ledger changed underneath this operation; retry")
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseDate(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, _ := time.Parse("2006-01-02", raw)
	return t
}
