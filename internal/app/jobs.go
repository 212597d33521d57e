/**
 * @description
 * Business logic for the scheduled jobs of the corebanking service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const overdueBatchSize = 500

// ApprovalExpirer expires pending approval requests past their deadline.
type ApprovalExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// OverdueCreditMarker finds credits past maturity and flags them.
type OverdueCreditMarker interface {
	ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	MarkOverdue(ctx context.Context, creditID, actorID uuid.UUID) error
}

// Jobs contains the dependencies for the scheduled jobs.
type Jobs struct {
	approvals     ApprovalExpirer
	credits       OverdueCreditMarker
	logger        *slog.Logger
	systemActorID uuid.UUID
	graceDays     int
	now           func() time.Time
}

// NewJobs creates a new Jobs instance.
func NewJobs(approvals ApprovalExpirer, credits OverdueCreditMarker, logger *slog.Logger, systemActorID uuid.UUID, graceDays int) *Jobs {
	return &Jobs{
		approvals:     approvals,
		credits:       credits,
		logger:        logger,
		systemActorID: systemActorID,
		graceDays:     graceDays,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// ExpireApprovals closes pending approval requests whose expiry passed.
func (j *Jobs) ExpireApprovals() {
	j.logger.Info("starting approval expiry job")
	ctx := context.Background()

	expired, err := j.approvals.ExpireStale(ctx)
	if err != nil {
		j.logger.Error("failed to expire approval requests", "error", err)
		return
	}

	j.logger.Info("approval expiry job finished", "expired", expired)
}

// MarkOverdueCredits moves active credits past maturity (plus the grace period) to OVERDUE.
func (j *Jobs) MarkOverdueCredits() {
	j.logger.Info("starting overdue credit job")
	ctx := context.Background()

	cutoff := j.now().AddDate(0, 0, -j.graceDays)
	ids, err := j.credits.ListOverdue(ctx, cutoff, overdueBatchSize)
	if err != nil {
		j.logger.Error("failed to list overdue credits", "error", err)
		return
	}

	marked := 0
	for _, id := range ids {
		if err := j.credits.MarkOverdue(ctx, id, j.systemActorID); err != nil {
			j.logger.Error("failed to mark credit overdue", "credit_id", id, "error", err)
			continue
		}
		marked++
	}

	j.logger.Info("overdue credit job finished", "candidates", len(ids), "marked", marked)
}

// overdueAdapter narrows the credit engine to the job interface.
type overdueAdapter struct {
	engine *CreditLifecycleEngine
}

// OverdueMarker adapts the engine for NewJobs.
func OverdueMarker(engine *CreditLifecycleEngine) OverdueCreditMarker {
	return overdueAdapter{engine: engine}
}

func (a overdueAdapter) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	return a.engine.ListOverdue(ctx, cutoff, limit)
}

func (a overdueAdapter) MarkOverdue(ctx context.Context, creditID, actorID uuid.UUID) error {
	_, err := a.engine.MarkOverdue(ctx, creditID, actorID)
	return err
}
