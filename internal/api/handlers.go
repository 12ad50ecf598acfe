package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/grab"
	"github.com/carelink/escortd/internal/ingestion"
	"github.com/carelink/escortd/internal/logger"
	"github.com/carelink/escortd/internal/order"
	"github.com/carelink/escortd/internal/reconciliation"
	"github.com/carelink/escortd/internal/repository"
	"github.com/carelink/escortd/internal/settlement"
	"github.com/carelink/escortd/internal/wallet"
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	orders    *order.Service
	grab      *grab.Coordinator
	settle    *settlement.Orchestrator
	orderRepo *repository.OrderRepo
	distRepo  *repository.DistributionRepo
	discRepo  *repository.DiscrepancyRepo
	ingestion *ingestion.Service
	recon     *reconciliation.Service
	wallet    *wallet.Ledger
	throttle  *claimThrottle
	validate  *validator.Validate
	log       *logger.Logger
}

// --- request bodies ---

type createOrderRequest struct {
	AmountCents int64 `json:"amount_cents" validate:"required,gt=0"`
}

type claimRequest struct {
	EscortID        string `json:"escort_id" validate:"required"`
	ExpectedVersion int64  `json:"expected_version" validate:"required,gte=1"`
}

type advanceRequest struct {
	EscortID        string `json:"escort_id" validate:"required"`
	Status          string `json:"status" validate:"required,oneof=arrived in_progress completed"`
	ExpectedVersion int64  `json:"expected_version" validate:"required,gte=1"`
}

type completeRequest struct {
	EscortID        string `json:"escort_id" validate:"required"`
	ExpectedVersion int64  `json:"expected_version" validate:"required,gte=1"`
}

type cancelRequest struct {
	Actor           string `json:"actor" validate:"required"`
	Reason          string `json:"reason" validate:"max=500"`
	ExpectedVersion int64  `json:"expected_version" validate:"required,gte=1"`
}

type refundRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON body into dst and validates it. It writes the 400
// response itself and reports false on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeServiceError maps the domain error taxonomy to HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	var assigned *domain.AlreadyAssignedError
	var transition *domain.TransitionError
	var conflict *domain.ConflictError

	switch {
	case errors.As(err, &assigned):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": domain.ErrAlreadyAssigned.Error(),
			"code":  "already_assigned",
		})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          err.Error(),
			"code":           "invalid_transition",
			"current_status": transition.Current,
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": err.Error(),
			"code":  "version_conflict",
			"order": conflict.Current,
		})
	case errors.Is(err, domain.ErrNotAssignee):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotSettleable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrLedgerWrite), errors.Is(err, domain.ErrWalletUnavailable):
		h.log.Error("request failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// --- Orders ---

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.orders.Create(r.Context(), req.AmountCents)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.OrderFilter{
		Status: q.Get("status"),
		Escort: q.Get("escort"),
		From:   parseTime(q.Get("from")),
		To:     parseTime(q.Get("to")),
		Page:   parseIntDefault(q.Get("page"), 1),
		Limit:  parseIntDefault(q.Get("limit"), 50),
	}

	orders, total, err := h.orderRepo.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"orders": orders,
		"total":  total,
		"page":   filter.Page,
		"limit":  filter.Limit,
	})
}

func (h *Handlers) ListPool(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parseIntDefault(q.Get("page"), 1)
	limit := parseIntDefault(q.Get("limit"), 50)

	orders, total, err := h.grab.Pool(r.Context(), page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"orders": orders,
		"total":  total,
		"page":   page,
		"limit":  limit,
	})
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handlers) ListOrderEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.orders.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handlers) MarkPaid(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.MarkPaid(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ClaimOrder is the grab endpoint. Exactly one concurrent caller wins; the
// rest get 409 and should pick another order.
func (h *Handlers) ClaimOrder(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.throttle.Allow(req.EscortID) {
		writeError(w, http.StatusTooManyRequests, "too many claim attempts, slow down")
		return
	}

	o, err := h.grab.Claim(r.Context(), chi.URLParam(r, "id"), req.EscortID, req.ExpectedVersion)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handlers) AdvanceOrder(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.orders.Advance(r.Context(), chi.URLParam(r, "id"), req.EscortID,
		domain.OrderStatus(req.Status), req.ExpectedVersion)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handlers) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.orders.Complete(r.Context(), chi.URLParam(r, "id"), req.EscortID, req.ExpectedVersion)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.orders.Cancel(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason, req.ExpectedVersion)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handlers) RefundOrder(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.orders.Refund(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if o.Status == domain.StatusRefunding {
		// Reversal still outstanding; repeating the call resumes it.
		status = http.StatusAccepted
	}
	writeJSON(w, status, o)
}

func (h *Handlers) SettleOrder(w http.ResponseWriter, r *http.Request) {
	rep, err := h.settle.Settle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handlers) ListOrderDistributions(w http.ResponseWriter, r *http.Request) {
	records, err := h.settle.Records(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"distributions": records})
}

// --- Distributions ---

func (h *Handlers) ListDistributions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.DistributionFilter{
		Status:      q.Get("status"),
		Beneficiary: q.Get("beneficiary"),
		OrderID:     q.Get("order_id"),
		From:        parseTime(q.Get("from")),
		To:          parseTime(q.Get("to")),
		Page:        parseIntDefault(q.Get("page"), 1),
		Limit:       parseIntDefault(q.Get("limit"), 50),
	}

	records, total, err := h.distRepo.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var totalCents int64
	for _, rec := range records {
		totalCents += rec.AmountCents
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"distributions":    records,
		"total":            total,
		"page":             filter.Page,
		"limit":            filter.Limit,
		"page_total_cents": totalCents,
	})
}

// --- Referrals ---

func (h *Handlers) ImportReferrals(w http.ResponseWriter, r *http.Request) {
	// Accept multipart form.
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	format := r.FormValue("format")
	source := r.FormValue("source")

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()
	if source == "" {
		source = header.Filename
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read file: "+err.Error())
		return
	}

	result, err := h.ingestion.Import(r.Context(), data, format, source)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) GetUpline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	upline, err := h.ingestion.Upline(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escort_id": id,
		"upline":    upline,
	})
}

func (h *Handlers) GetWallet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	balance, err := h.wallet.Balance(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	txns, err := h.wallet.Transactions(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escort_id":     id,
		"balance_cents": balance,
		"transactions":  txns,
	})
}

// --- Reconciliation ---

func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.recon.RunFullReconciliation(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.DiscrepancyFilter{
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
		From:     parseTime(q.Get("from")),
		To:       parseTime(q.Get("to")),
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseIntDefault(q.Get("limit"), 50),
	}

	discs, total, err := h.discRepo.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Calculate total impact for the result set.
	var totalImpact int64
	for _, d := range discs {
		if d.DifferenceCents < 0 {
			totalImpact -= d.DifferenceCents
		} else {
			totalImpact += d.DifferenceCents
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"discrepancies":      discs,
		"total":              total,
		"page":               filter.Page,
		"limit":              filter.Limit,
		"total_impact_cents": totalImpact,
	})
}

func (h *Handlers) GetDiscrepancySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.discRepo.GetSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// --- Dashboard ---

func (h *Handlers) GetDashboard(w http.ResponseWriter, r *http.Request) {
	byStatus, err := h.orderRepo.StatusCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	discSummary, err := h.discRepo.GetSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	total := 0
	for _, n := range byStatus {
		total += n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"orders": map[string]any{
			"total":     total,
			"by_status": byStatus,
		},
		"discrepancies": map[string]any{
			"total":              discSummary.TotalCount,
			"critical":           discSummary.BySeverity["CRITICAL"],
			"high":               discSummary.BySeverity["HIGH"],
			"medium":             discSummary.BySeverity["MEDIUM"],
			"low":                discSummary.BySeverity["LOW"],
			"total_impact_cents": discSummary.TotalImpact,
		},
	})
}
