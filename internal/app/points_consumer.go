package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/serenityneo/corebanking-service/internal/domain"
	"github.com/serenityneo/corebanking-service/pkg/rabbitmq"
)

const loyaltyMaxAttempts = 5

// LoyaltyStore records loyalty point awards.
type LoyaltyStore interface {
	AwardLoyaltyPoints(ctx context.Context, award domain.LoyaltyAward) (bool, error)
}

// LoyaltyPointsHandler awards points when a credit application is recorded. It runs
// from the message broker, after the credit transaction committed.
type LoyaltyPointsHandler struct {
	store  LoyaltyStore
	points int
	logger *slog.Logger
}

func NewLoyaltyPointsHandler(st LoyaltyStore, pointsPerCredit int, logger *slog.Logger) *LoyaltyPointsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoyaltyPointsHandler{
		store:  st,
		points: pointsPerCredit,
		logger: logger.With("component", "loyalty_points"),
	}
}

// Subscription binds the handler to credit.applied events on queue.
func (h *LoyaltyPointsHandler) Subscription(queue string) rabbitmq.Subscription {
	return rabbitmq.Subscription{
		Exchange:    domain.EventsExchange,
		Queue:       queue,
		RoutingKey:  domain.RoutingCreditApplied,
		MaxAttempts: loyaltyMaxAttempts,
		Handler:     h.HandleCreditApplied,
	}
}

// HandleCreditApplied processes a credit.applied event. Events that can never award
// points are rejected to the dead-letter queue; store failures are retried.
func (h *LoyaltyPointsHandler) HandleCreditApplied(ctx context.Context, body []byte) rabbitmq.Outcome {
	var event domain.CreditEventPayload
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("malformed credit.applied event", "error", err)
		return rabbitmq.Reject
	}
	if event.CreditID == uuid.Nil || event.CustomerID == uuid.Nil {
		h.logger.Error("credit.applied event without ids")
		return rabbitmq.Reject
	}
	if h.points <= 0 {
		return rabbitmq.Ack
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	created, err := h.store.AwardLoyaltyPoints(ctx, domain.LoyaltyAward{
		CustomerID: event.CustomerID,
		Points:     h.points,
		Reason:     "credit application " + event.ProductCode,
		Reference:  "credit_applied:" + event.CreditID.String(),
		AwardedAt:  time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("customer unknown; loyalty award rejected", "customer_id", event.CustomerID, "credit_id", event.CreditID)
			return rabbitmq.Reject
		}
		h.logger.Error("loyalty award failed; retrying", "credit_id", event.CreditID, "error", err)
		return rabbitmq.Retry
	}
	if created {
		h.logger.Info("loyalty points awarded", "customer_id", event.CustomerID, "credit_id", event.CreditID, "points", h.points)
	}
	return rabbitmq.Ack
}
