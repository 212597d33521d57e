package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/serenityneo/corebanking-service/internal/config"
)

type approvalExpirerStub struct {
	calls int
	err   error
}

func (s *approvalExpirerStub) ExpireStale(ctx context.Context) (int, error) {
	s.calls++
	return 3, s.err
}

type overdueMarkerStub struct {
	ids     []uuid.UUID
	listErr error
	failOn  uuid.UUID
	cutoff  time.Time
	marked  []uuid.UUID
	actors  []uuid.UUID
}

func (s *overdueMarkerStub) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	s.cutoff = cutoff
	return s.ids, s.listErr
}

func (s *overdueMarkerStub) MarkOverdue(ctx context.Context, creditID, actorID uuid.UUID) error {
	if creditID == s.failOn {
		return errors.New("boom")
	}
	s.marked = append(s.marked, creditID)
	s.actors = append(s.actors, actorID)
	return nil
}

func newTestJobs(approvals ApprovalExpirer, credits OverdueCreditMarker, graceDays int) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(approvals, credits, logger, uuid.MustParse("00000000-0000-0000-0000-000000000001"), graceDays)
}

func TestExpireApprovals_CallsExpirer(t *testing.T) {
	expirer := &approvalExpirerStub{}
	jobs := newTestJobs(expirer, &overdueMarkerStub{}, 0)

	jobs.ExpireApprovals()

	if expirer.calls != 1 {
		t.Fatalf("expected one expiry call, got %d", expirer.calls)
	}
}

func TestMarkOverdueCredits_ContinuesPastFailures(t *testing.T) {
	first, second, third := uuid.New(), uuid.New(), uuid.New()
	marker := &overdueMarkerStub{ids: []uuid.UUID{first, second, third}, failOn: second}
	jobs := newTestJobs(&approvalExpirerStub{}, marker, 0)

	jobs.MarkOverdueCredits()

	if len(marker.marked) != 2 || marker.marked[0] != first || marker.marked[1] != third {
		t.Fatalf("unexpected marked credits: %v", marker.marked)
	}
	for _, actor := range marker.actors {
		if actor != jobs.systemActorID {
			t.Fatalf("expected system actor, got %s", actor)
		}
	}
}

func TestMarkOverdueCredits_AppliesGracePeriod(t *testing.T) {
	marker := &overdueMarkerStub{}
	jobs := newTestJobs(&approvalExpirerStub{}, marker, 3)
	now := time.Date(2025, 6, 10, 2, 0, 0, 0, time.UTC)
	jobs.now = func() time.Time { return now }

	jobs.MarkOverdueCredits()

	if want := now.AddDate(0, 0, -3); !marker.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, marker.cutoff)
	}
}

func TestMarkOverdueCredits_StopsOnListError(t *testing.T) {
	marker := &overdueMarkerStub{ids: []uuid.UUID{uuid.New()}, listErr: errors.New("db down")}
	jobs := newTestJobs(&approvalExpirerStub{}, marker, 0)

	jobs.MarkOverdueCredits()

	if len(marker.marked) != 0 {
		t.Fatalf("expected no credits marked, got %d", len(marker.marked))
	}
}

func TestSchedulerStart_SkipsInvalidSchedules(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := newTestJobs(&approvalExpirerStub{}, &overdueMarkerStub{}, 0)
	scheduler := NewScheduler(jobs, logger, config.Config{
		ApprovalExpirySchedule: "*/15 * * * *",
		OverdueCreditSchedule:  "not a schedule",
	})

	scheduled := scheduler.Start()
	<-scheduler.Stop().Done()

	if scheduled != 1 {
		t.Fatalf("expected 1 scheduled job, got %d", scheduled)
	}
}
