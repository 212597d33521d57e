package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/serenityneo/corebanking-service/internal/app"
	"github.com/serenityneo/corebanking-service/internal/domain"
)

type applyCreditRequest struct {
	CustomerID     uuid.UUID       `json:"customer_id"`
	ProductCode    string          `json:"product_code"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       domain.Currency `json:"currency"`
	DurationMonths int             `json:"duration_months"`
}

type repayCreditRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency domain.Currency `json:"currency"`
}

type cancelCreditRequest struct {
	Reason string `json:"reason"`
}

type allocationRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) handleEvaluateEligibility(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.pathUUID(w, r, "customerID")
	if !ok {
		return
	}
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		h.writeDomainError(w, r, domain.Validationf("amount must be a decimal, got %q", q.Get("amount")))
		return
	}
	result, err := h.eligibility.Evaluate(r.Context(), customerID, q.Get("product"), amount)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleApplyCredit(w http.ResponseWriter, r *http.Request) {
	var req applyCreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	credit, err := h.credits.Apply(r.Context(), app.ApplyCreditRequest{
		CustomerID:     req.CustomerID,
		ProductCode:    req.ProductCode,
		Amount:         req.Amount,
		Currency:       req.Currency,
		DurationMonths: req.DurationMonths,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, credit)
}

func (h *Handler) handleGetCredit(w http.ResponseWriter, r *http.Request) {
	creditID, ok := h.pathUUID(w, r, "creditID")
	if !ok {
		return
	}
	credit, err := h.credits.Get(r.Context(), creditID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credit)
}

func (h *Handler) handleCreditHistory(w http.ResponseWriter, r *http.Request) {
	creditID, ok := h.pathUUID(w, r, "creditID")
	if !ok {
		return
	}
	events, err := h.credits.History(r.Context(), creditID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleListCustomerCredits(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.pathUUID(w, r, "customerID")
	if !ok {
		return
	}
	credits, err := h.credits.ListByCustomer(r.Context(), customerID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credits)
}

func (h *Handler) handleApproveCredit(w http.ResponseWriter, r *http.Request) {
	h.creditAction(w, r, h.credits.Approve)
}

func (h *Handler) handleActivateCredit(w http.ResponseWriter, r *http.Request) {
	h.creditAction(w, r, h.credits.Activate)
}

func (h *Handler) handleMarkOverdue(w http.ResponseWriter, r *http.Request) {
	h.creditAction(w, r, h.credits.MarkOverdue)
}

func (h *Handler) handleCancelCredit(w http.ResponseWriter, r *http.Request) {
	creditID, ok := h.pathUUID(w, r, "creditID")
	if !ok {
		return
	}
	var req cancelCreditRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	credit, err := h.credits.Cancel(r.Context(), creditID, actor.ID, strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credit)
}

func (h *Handler) handleRepayCredit(w http.ResponseWriter, r *http.Request) {
	creditID, ok := h.pathUUID(w, r, "creditID")
	if !ok {
		return
	}
	var req repayCreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	result, err := h.credits.Repay(r.Context(), creditID, req.Amount, req.Currency, actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type creditActionFunc func(ctx context.Context, creditID, actorID uuid.UUID) (*domain.Credit, error)

// creditAction runs a body-less credit transition on behalf of the caller.
func (h *Handler) creditAction(w http.ResponseWriter, r *http.Request, action creditActionFunc) {
	creditID, ok := h.pathUUID(w, r, "creditID")
	if !ok {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	credit, err := action(r.Context(), creditID, actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credit)
}

// Allocation buffer

func (h *Handler) allocationTarget(w http.ResponseWriter, r *http.Request) (uuid.UUID, domain.Currency, bool) {
	customerID, ok := h.pathUUID(w, r, "customerID")
	if !ok {
		return uuid.Nil, "", false
	}
	currency, err := domain.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return uuid.Nil, "", false
	}
	return customerID, currency, true
}

func (h *Handler) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	customerID, currency, ok := h.allocationTarget(w, r)
	if !ok {
		return
	}
	buffer, err := h.allocation.Get(r.Context(), customerID, currency)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buffer)
}

func (h *Handler) handleAllocationMovements(w http.ResponseWriter, r *http.Request) {
	customerID, currency, ok := h.allocationTarget(w, r)
	if !ok {
		return
	}
	movements, err := h.allocation.Movements(r.Context(), customerID, currency, queryInt(r, "limit", 50))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, movements)
}

type allocationActionFunc func(ctx context.Context, customerID uuid.UUID, currency domain.Currency, amount decimal.Decimal, actorID uuid.UUID) (*app.AllocationResult, error)

func (h *Handler) allocationAction(w http.ResponseWriter, r *http.Request, action allocationActionFunc) {
	customerID, currency, ok := h.allocationTarget(w, r)
	if !ok {
		return
	}
	var req allocationRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	result, err := action(r.Context(), customerID, currency, req.Amount, actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleAllocationDisburse(w http.ResponseWriter, r *http.Request) {
	h.allocationAction(w, r, h.allocation.Disburse)
}

func (h *Handler) handleAllocationDraw(w http.ResponseWriter, r *http.Request) {
	h.allocationAction(w, r, h.allocation.Draw)
}

func (h *Handler) handleAllocationRepay(w http.ResponseWriter, r *http.Request) {
	h.allocationAction(w, r, h.allocation.Repay)
}
