/**
 * @description
 * HTTP handlers of the corebanking service. Handlers parse the request, call the
 * matching engine component and write JSON. Domain error kinds map to status codes in
 * one place (writeDomainError).
 */
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/app"
	"github.com/serenityneo/corebanking-service/internal/domain"
)

const maxBodyBytes = 1 << 20

// Handler holds the engine components the routes call into.
type Handler struct {
	currency    *app.CurrencyConverter
	ledger      *app.AccountLedger
	eligibility *app.EligibilityEvaluator
	credits     *app.CreditLifecycleEngine
	allocation  *app.AllocationBufferManager
	approvals   *app.ApprovalWorkflow
	logger      *slog.Logger
}

// Services groups the components passed to NewHandler.
type Services struct {
	Currency    *app.CurrencyConverter
	Ledger      *app.AccountLedger
	Eligibility *app.EligibilityEvaluator
	Credits     *app.CreditLifecycleEngine
	Allocation  *app.AllocationBufferManager
	Approvals   *app.ApprovalWorkflow
}

func NewHandler(s Services, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		currency:    s.Currency,
		ledger:      s.Ledger,
		eligibility: s.Eligibility,
		credits:     s.Credits,
		allocation:  s.Allocation,
		approvals:   s.Approvals,
		logger:      logger.With("component", "api"),
	}
}

type errorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
}

type movementRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    domain.Currency `json:"currency"`
	Description string          `json:"description"`
}

type transferRequest struct {
	FromAccountID uuid.UUID       `json:"from_account_id"`
	ToAccountID   uuid.UUID       `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      domain.Currency `json:"currency"`
	Description   string          `json:"description"`
}

type registerCustomerRequest struct {
	ID           uuid.UUID `json:"id"`
	FullName     string    `json:"full_name"`
	CustomerType string    `json:"customer_type"`
}

type setRateRequest struct {
	Rate   decimal.Decimal `json:"rate"`
	Reason string          `json:"reason"`
}

// Exchange rate

func (h *Handler) handleGetRate(w http.ResponseWriter, r *http.Request) {
	quote, err := h.currency.GetCurrentRate(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) handleSetRate(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	var req setRateRequest
	if !h.decode(w, r, &req) {
		return
	}
	quote, err := h.currency.SetRate(r.Context(), req.Rate, actor.ID, app.RateChangeMeta{
		Reason:    strings.TrimSpace(req.Reason),
		IPAddress: r.RemoteAddr,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) handleRateHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.currency.GetHistory(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) handleRateStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.currency.GetStats(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		h.writeDomainError(w, r, domain.Validationf("amount must be a decimal, got %q", q.Get("amount")))
		return
	}
	from, err := domain.ParseCurrency(q.Get("from"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	to, err := domain.ParseCurrency(q.Get("to"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	converted, err := h.currency.Convert(r.Context(), amount, from, to)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"amount":    amount,
		"from":      from,
		"to":        to,
		"converted": converted,
	})
}

// Customers and accounts

func (h *Handler) handleRegisterCustomer(w http.ResponseWriter, r *http.Request) {
	var req registerCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}
	customer, accounts, err := h.ledger.RegisterCustomer(r.Context(), app.RegisterCustomerRequest{
		ID:           req.ID,
		FullName:     req.FullName,
		CustomerType: req.CustomerType,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"customer": customer,
		"accounts": accounts,
	})
}

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.pathUUID(w, r, "customerID")
	if !ok {
		return
	}
	accounts, err := h.ledger.GetAccounts(r.Context(), customerID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) handleOpenAccounts(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.pathUUID(w, r, "customerID")
	if !ok {
		return
	}
	accounts, err := h.ledger.OpenCustomerAccounts(r.Context(), customerID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathUUID(w, r, "accountID")
	if !ok {
		return
	}
	account, err := h.ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathUUID(w, r, "accountID")
	if !ok {
		return
	}
	entries, err := h.ledger.GetTransactions(r.Context(), accountID, queryInt(r, "limit", 50))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathUUID(w, r, "accountID")
	if !ok {
		return
	}
	var req movementRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.ledger.Credit(r.Context(), accountID, req.Amount, req.Currency, req.Description)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathUUID(w, r, "accountID")
	if !ok {
		return
	}
	var req movementRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.ledger.Debit(r.Context(), accountID, req.Amount, req.Currency, req.Description)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.ledger.Transfer(r.Context(), req.FromAccountID, req.ToAccountID, req.Amount, req.Currency, req.Description)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Helpers

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	return h.decodeBody(w, r, out, false)
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	return h.decodeBody(w, r, out, true)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, out interface{}, allowEmpty bool) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "VALIDATION_ERROR",
			Message: fmt.Sprintf("invalid request body: %v", err),
		})
		return false
	}
	return true
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "VALIDATION_ERROR",
			Message: fmt.Sprintf("%s must be a UUID, got %q", param, raw),
		})
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func statusForKind(kind string) int {
	switch kind {
	case "VALIDATION_ERROR":
		return http.StatusBadRequest
	case "NOT_ELIGIBLE", "INSUFFICIENT_FUNDS":
		return http.StatusUnprocessableEntity
	case "INVALID_STATE", "ACCOUNT_NOT_ACTIVE", "ALREADY_DECIDED":
		return http.StatusConflict
	case "ROLE_INSUFFICIENT":
		return http.StatusForbidden
	case "NOT_FOUND":
		return http.StatusNotFound
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError maps err to its status code. Internal errors are logged and hidden.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.ErrorKind(err)
	status := statusForKind(kind)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		message = "internal error"
	}
	resp := errorResponse{Error: kind, Message: message}
	var notEligible *domain.NotEligibleError
	if errors.As(err, &notEligible) {
		resp.Reasons = notEligible.Reasons
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
