package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridian-erp/meridian/internal/platform/httpx"
	"github.com/meridian-erp/meridian/internal/shared"
)

// Handler exposes the ledger over JSON HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateGeneration):
		httpx.Problem(w, http.StatusConflict, "Already Generated", err.Error())
	case errors.Is(err, ErrPostingInProgress):
		httpx.Problem(w, http.StatusConflict, "Posting In Progress", err.Error())
	case errors.Is(err, ErrOrderNotApproved), errors.Is(err, ErrOrderNoItems),
		errors.Is(err, ErrUnbalancedGroup), errors.Is(err, ErrStateTransition):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Cannot Process", err.Error())
	default:
		h.logger.Error("ledger request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Upstream Failure", err.Error())
	}
}

// List returns ledger lines matching the query filters, paginated.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", err.Error())
		return
	}
	lines, err := h.service.ListLines(r.Context(), filter)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("perPage"))
	pagination := shared.NewPagination(page, perPage, len(lines))
	start := (pagination.Page - 1) * pagination.PerPage
	if start > len(lines) {
		start = len(lines)
	}
	end := start + pagination.PerPage
	if end > len(lines) {
		end = len(lines)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"data":       toLineViews(lines[start:end]),
		"pagination": pagination,
	})
}

// Get returns one ledger line.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "line id must be a UUID")
		return
	}
	line, err := h.service.GetLine(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": toLineView(line)})
}

// Generate creates the balanced group for an approved order.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	lines, err := h.service.GenerateFromOrder(r.Context(), req.OrderID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"data": toLineViews(lines)})
}

// PostGroup submits one group to the external accounting service.
func (h *Handler) PostGroup(w http.ResponseWriter, r *http.Request) {
	groupKey := chi.URLParam(r, "groupKey")
	result, err := h.service.PostGroup(r.Context(), groupKey)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": result})
}

// PostLine reposts the group owning one line, retrying it when failed.
func (h *Handler) PostLine(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "line id must be a UUID")
		return
	}
	result, err := h.service.PostLine(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": result})
}

// PostAllForOrder submits every outstanding group of an order.
func (h *Handler) PostAllForOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "order id must be numeric")
		return
	}
	results, err := h.service.PostAllForOrder(r.Context(), orderID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": results})
}

// Retry resets one failed line to pending without posting it.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "line id must be a UUID")
		return
	}
	line, err := h.service.RetryLine(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": toLineView(line)})
}

// Pending lists lines awaiting posting in a date range.
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	from, err := parseDate(r.URL.Query().Get("from"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", err.Error())
		return
	}
	to, err := parseDate(r.URL.Query().Get("to"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", err.Error())
		return
	}
	includeErrors := r.URL.Query().Get("includeErrors") == "true"
	lines, err := h.service.PendingTransactions(r.Context(), from, to, includeErrors)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": toLineViews(lines)})
}

// ExternalEntries proxies the external listing endpoint.
func (h *Handler) ExternalEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseExternalFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", err.Error())
		return
	}
	entries, err := h.service.ExternalEntries(r.Context(), filter)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": entries})
}

// Reconcile audits local lines against the external listing.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	params, err := parseReconcileParams(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", err.Error())
		return
	}
	report, err := h.service.Reconcile(r.Context(), ReconcileInput{
		From:          params.From,
		To:            params.To,
		IncludeErrors: params.IncludeErrors,
		AccountID:     params.AccountID,
		Movement:      MovementType(params.Movement),
		EntryDate:     params.EntryDate,
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": report})
}
