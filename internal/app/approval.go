/**
 * @description
 * ApprovalWorkflow enforces dual control on sensitive mutations. A request is stored as
 * PENDING with the role that must sign it off; approving it applies the payload through
 * the applier registered for its type in the same transaction as the decision.
 *
 * @notes
 * - Expiry is lazy: reads report past-TTL requests as EXPIRED and a decision attempt
 *   persists the EXPIRED status before failing. ExpireStale sweeps the rest.
 * - A requester can never decide their own request, whatever their role.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/serenityneo/corebanking-service/internal/domain"
	"github.com/serenityneo/corebanking-service/internal/store"
)

const (
	minRejectReasonLength = 10
	defaultApprovalTTL    = 72 * time.Hour
	expirySweepBatch      = 100
)

// PayloadValidator checks a payload and returns the id of the entity it targets.
type PayloadValidator func(payload json.RawMessage) (uuid.UUID, error)

// Applier performs the approved mutation inside the decision transaction.
type Applier func(ctx context.Context, tx store.Tx, request domain.ApprovalRequest, approver domain.Actor) error

type approvalHandler struct {
	validate PayloadValidator
	apply    Applier
}

type SubmitRequest struct {
	Type        domain.ApprovalType
	ReferenceID uuid.UUID
	Requester   domain.Actor
	Payload     json.RawMessage
	Reason      string
}

type ApprovalWorkflow struct {
	store    store.Store
	handlers map[domain.ApprovalType]approvalHandler
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewApprovalWorkflow(st store.Store, ttl time.Duration, logger *slog.Logger) *ApprovalWorkflow {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = defaultApprovalTTL
	}
	return &ApprovalWorkflow{
		store:    st,
		handlers: make(map[domain.ApprovalType]approvalHandler),
		ttl:      ttl,
		logger:   logger.With("component", "approval"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register installs the validator and applier of one request type.
func (w *ApprovalWorkflow) Register(kind domain.ApprovalType, validate PayloadValidator, apply Applier) {
	w.handlers[kind] = approvalHandler{validate: validate, apply: apply}
}

// Submit stores a PENDING request addressed to the role above the requester.
func (w *ApprovalWorkflow) Submit(ctx context.Context, req SubmitRequest) (*domain.ApprovalRequest, error) {
	handler, ok := w.handlers[req.Type]
	if !ok {
		return nil, domain.Validationf("unsupported approval type %q", req.Type)
	}
	if req.Requester.ID == uuid.Nil {
		return nil, domain.Validationf("requester is required")
	}
	requiredRole, ok := domain.RequiredApprover(req.Requester.Role)
	if !ok {
		return nil, fmt.Errorf("%w: role %q cannot submit approval requests", domain.ErrRoleInsufficient, req.Requester.Role)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, domain.Validationf("reason is required")
	}
	if len(req.Payload) == 0 {
		return nil, domain.Validationf("payload is required")
	}
	target, err := handler.validate(req.Payload)
	if err != nil {
		return nil, err
	}
	reference := req.ReferenceID
	if reference == uuid.Nil {
		reference = target
	}

	now := w.now()
	request := domain.ApprovalRequest{
		ID:                   uuid.New(),
		Type:                 req.Type,
		ReferenceID:          reference,
		Payload:              append(json.RawMessage(nil), req.Payload...),
		Reason:               reason,
		RequestedBy:          req.Requester.ID,
		RequestedByRole:      req.Requester.Role,
		RequiredApproverRole: requiredRole,
		Status:               domain.ApprovalPending,
		ExpiresAt:            now.Add(w.ttl),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	err = w.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertApproval(ctx, &request); err != nil {
			return err
		}
		return w.enqueue(ctx, tx, domain.RoutingApprovalSubmitted, request)
	})
	if err != nil {
		return nil, err
	}

	w.logger.Info("approval request submitted", "request_id", request.ID, "type", request.Type, "requested_by", request.RequestedBy, "required_role", requiredRole)
	return &request, nil
}

// Approve signs off the request and applies its payload atomically.
func (w *ApprovalWorkflow) Approve(ctx context.Context, requestID uuid.UUID, approver domain.Actor) (*domain.ApprovalRequest, error) {
	return w.decide(ctx, requestID, approver, domain.ApprovalApproved, "")
}

// Reject declines the request. The reason must be at least 10 characters.
func (w *ApprovalWorkflow) Reject(ctx context.Context, requestID uuid.UUID, approver domain.Actor, reason string) (*domain.ApprovalRequest, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < minRejectReasonLength {
		return nil, domain.Validationf("rejection reason must be at least %d characters", minRejectReasonLength)
	}
	return w.decide(ctx, requestID, approver, domain.ApprovalRejected, reason)
}

func (w *ApprovalWorkflow) decide(ctx context.Context, requestID uuid.UUID, approver domain.Actor, outcome domain.ApprovalStatus, reason string) (*domain.ApprovalRequest, error) {
	var (
		request *domain.ApprovalRequest
		expired bool
	)
	err := w.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if request, err = tx.LockApproval(ctx, requestID); err != nil {
			return err
		}
		now := w.now()
		if request.Expired(now) {
			expired = true
			return w.expireTx(ctx, tx, request, now)
		}
		if request.Status != domain.ApprovalPending {
			return fmt.Errorf("%w: request %s is %s", domain.ErrAlreadyDecided, request.ID, request.Status)
		}
		if !approver.Role.AtLeast(request.RequiredApproverRole) {
			return fmt.Errorf("%w: %s requires %s, got %q", domain.ErrRoleInsufficient, request.Type, request.RequiredApproverRole, approver.Role)
		}
		if approver.ID == request.RequestedBy {
			return fmt.Errorf("%w: requester cannot decide their own request", domain.ErrRoleInsufficient)
		}

		role := approver.Role
		request.Status = outcome
		request.DecidedBy = &approver.ID
		request.DecidedByRole = &role
		request.DecisionReason = optionalString(reason)
		request.DecidedAt = &now
		request.UpdatedAt = now
		if err := tx.UpdateApproval(ctx, request); err != nil {
			return err
		}

		if outcome == domain.ApprovalApproved {
			handler, ok := w.handlers[request.Type]
			if !ok {
				return domain.Validationf("no applier registered for %s", request.Type)
			}
			if err := handler.apply(ctx, tx, *request, approver); err != nil {
				return fmt.Errorf("failed to apply %s: %w", request.Type, err)
			}
		}
		return w.enqueue(ctx, tx, domain.RoutingApprovalDecided, *request)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("%w: request %s expired at %s", domain.ErrAlreadyDecided, request.ID, request.ExpiresAt.Format(time.RFC3339))
	}

	w.logger.Info("approval request decided", "request_id", request.ID, "type", request.Type, "status", request.Status, "decided_by", approver.ID)
	return request, nil
}

// Cancel withdraws a PENDING request. Only the requester may cancel.
func (w *ApprovalWorkflow) Cancel(ctx context.Context, requestID uuid.UUID, actor domain.Actor) (*domain.ApprovalRequest, error) {
	var (
		request *domain.ApprovalRequest
		expired bool
	)
	err := w.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if request, err = tx.LockApproval(ctx, requestID); err != nil {
			return err
		}
		now := w.now()
		if request.Expired(now) {
			expired = true
			return w.expireTx(ctx, tx, request, now)
		}
		if request.Status != domain.ApprovalPending {
			return fmt.Errorf("%w: request %s is %s", domain.ErrAlreadyDecided, request.ID, request.Status)
		}
		if actor.ID != request.RequestedBy {
			return fmt.Errorf("%w: only the requester can cancel a request", domain.ErrRoleInsufficient)
		}
		role := actor.Role
		request.Status = domain.ApprovalCancelled
		request.DecidedBy = &actor.ID
		request.DecidedByRole = &role
		request.DecidedAt = &now
		request.UpdatedAt = now
		if err := tx.UpdateApproval(ctx, request); err != nil {
			return err
		}
		return w.enqueue(ctx, tx, domain.RoutingApprovalDecided, *request)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("%w: request %s expired at %s", domain.ErrAlreadyDecided, request.ID, request.ExpiresAt.Format(time.RFC3339))
	}
	return request, nil
}

// Get returns the request with its effective status.
func (w *ApprovalWorkflow) Get(ctx context.Context, requestID uuid.UUID) (*domain.ApprovalRequest, error) {
	request, err := w.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	request.Status = request.EffectiveStatus(w.now())
	return request, nil
}

// List returns requests newest first, filtering on the effective status.
func (w *ApprovalWorkflow) List(ctx context.Context, filter domain.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := filter
	lazy := filter.Status != nil && (*filter.Status == domain.ApprovalPending || *filter.Status == domain.ApprovalExpired)
	if lazy {
		// stored PENDING rows may already read as EXPIRED
		query.Status = nil
		query.Limit = 500
	}
	requests, err := w.store.ListApprovals(ctx, query)
	if err != nil {
		return nil, err
	}

	now := w.now()
	out := make([]domain.ApprovalRequest, 0, len(requests))
	for _, r := range requests {
		r.Status = r.EffectiveStatus(now)
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ExpireStale persists EXPIRED on pending requests past their TTL.
func (w *ApprovalWorkflow) ExpireStale(ctx context.Context) (int, error) {
	ids, err := w.store.ListExpiredApprovalIDs(ctx, w.now(), expirySweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		var changed bool
		err := w.store.InTx(ctx, func(tx store.Tx) error {
			request, err := tx.LockApproval(ctx, id)
			if err != nil {
				return err
			}
			now := w.now()
			if !request.Expired(now) {
				return nil
			}
			changed = true
			return w.expireTx(ctx, tx, request, now)
		})
		if err != nil {
			w.logger.Error("failed to expire approval request", "request_id", id, "error", err)
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

func (w *ApprovalWorkflow) expireTx(ctx context.Context, tx store.Tx, request *domain.ApprovalRequest, now time.Time) error {
	request.Status = domain.ApprovalExpired
	request.UpdatedAt = now
	if err := tx.UpdateApproval(ctx, request); err != nil {
		return err
	}
	w.logger.Info("approval request expired", "request_id", request.ID, "expires_at", request.ExpiresAt)
	return w.enqueue(ctx, tx, domain.RoutingApprovalDecided, *request)
}

func (w *ApprovalWorkflow) enqueue(ctx context.Context, tx store.Tx, routingKey string, request domain.ApprovalRequest) error {
	return tx.EnqueueEvent(ctx, domain.EventsExchange, routingKey, domain.ApprovalEventPayload{
		RequestID:    request.ID,
		Type:         request.Type,
		ReferenceID:  request.ReferenceID,
		Status:       request.Status,
		RequestedBy:  request.RequestedBy,
		RequiredRole: request.RequiredApproverRole,
		DecidedBy:    request.DecidedBy,
		OccurredAt:   w.now(),
	})
}
