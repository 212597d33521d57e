package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/serenityneo/corebanking-service/internal/app"
	"github.com/serenityneo/corebanking-service/internal/domain"
)

type submitApprovalRequest struct {
	Type        domain.ApprovalType `json:"request_type"`
	ReferenceID uuid.UUID           `json:"reference_id"`
	Payload     json.RawMessage     `json:"payload"`
	Reason      string              `json:"reason"`
}

type rejectApprovalRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	var req submitApprovalRequest
	if !h.decode(w, r, &req) {
		return
	}
	request, err := h.approvals.Submit(r.Context(), app.SubmitRequest{
		Type:        domain.ApprovalType(strings.ToUpper(strings.TrimSpace(string(req.Type)))),
		ReferenceID: req.ReferenceID,
		Requester:   actor,
		Payload:     req.Payload,
		Reason:      req.Reason,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, request)
}

func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ApprovalFilter{Limit: queryInt(r, "limit", 50)}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := domain.ApprovalStatus(strings.ToUpper(raw))
		filter.Status = &status
	}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		kind := domain.ApprovalType(strings.ToUpper(raw))
		filter.Type = &kind
	}
	if raw := strings.TrimSpace(q.Get("approver_role")); raw != "" {
		role, ok := domain.ParseRole(raw)
		if !ok {
			h.writeDomainError(w, r, domain.Validationf("unknown role %q", raw))
			return
		}
		filter.ApproverRole = &role
	}

	requests, err := h.approvals.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (h *Handler) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.pathUUID(w, r, "requestID")
	if !ok {
		return
	}
	request, err := h.approvals.Get(r.Context(), requestID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (h *Handler) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.pathUUID(w, r, "requestID")
	if !ok {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	request, err := h.approvals.Approve(r.Context(), requestID, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (h *Handler) handleRejectRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.pathUUID(w, r, "requestID")
	if !ok {
		return
	}
	var req rejectApprovalRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	request, err := h.approvals.Reject(r.Context(), requestID, actor, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (h *Handler) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.pathUUID(w, r, "requestID")
	if !ok {
		return
	}
	actor, _ := ActorFromContext(r.Context())
	request, err := h.approvals.Cancel(r.Context(), requestID, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}
