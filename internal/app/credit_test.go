package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/serenityneo/corebanking-service/internal/domain"
	"github.com/serenityneo/corebanking-service/internal/store"
)

func applyTestCredit(t *testing.T, env *testEnv, customerID uuid.UUID, amount string) *domain.Credit {
	t.Helper()
	credit, err := env.credits.Apply(context.Background(), ApplyCreditRequest{
		CustomerID:  customerID,
		ProductCode: "TEST",
		Amount:      dec(amount),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return credit
}

func TestCreditLifecycle_ApplyApproveRepay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)
	approver := uuid.New()
	env.deposit(t, customerID, domain.SubAccountMandatorySaving, "100")

	_, err := env.credits.Apply(ctx, ApplyCreditRequest{CustomerID: customerID, ProductCode: "TEST", Amount: dec("250")})
	if !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	reasons := domain.EligibilityReasons(err)
	if len(reasons) != 1 || !strings.HasPrefix(reasons[0], "insufficient savings") {
		t.Fatalf("unexpected reasons: %v", reasons)
	}

	credit := applyTestCredit(t, env, customerID, "100")
	if credit.Status != domain.CreditPending || !credit.OutstandingDebt.IsZero() {
		t.Fatalf("expected PENDING with no debt, got %s debt=%s", credit.Status, credit.OutstandingDebt)
	}

	approved, err := env.credits.Approve(ctx, credit.ID, approver)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.CreditApproved {
		t.Fatalf("expected APPROVED, got %s", approved.Status)
	}
	if !approved.CautionAmount.Equal(dec("30")) || !approved.OutstandingDebt.Equal(dec("100")) {
		t.Fatalf("unexpected caution=%s debt=%s", approved.CautionAmount, approved.OutstandingDebt)
	}
	assertBalance(t, env, customerID, domain.SubAccountMandatorySaving, "70")
	assertBalance(t, env, customerID, domain.SubAccountCaution, "30")
	assertBalance(t, env, customerID, domain.SubAccountCredit, "100")

	result, err := env.credits.Repay(ctx, credit.ID, dec("100"), domain.CurrencyUSD, customerID)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !result.Completed || result.Credit.Status != domain.CreditCompleted {
		t.Fatalf("expected completion, got %+v", result)
	}
	if !result.Credit.OutstandingDebt.IsZero() {
		t.Fatalf("expected zero debt, got %s", result.Credit.OutstandingDebt)
	}
	assertBalance(t, env, customerID, domain.SubAccountMandatorySaving, "100")
	assertBalance(t, env, customerID, domain.SubAccountCaution, "0")
	assertBalance(t, env, customerID, domain.SubAccountCredit, "100")
	if caution := env.account(t, customerID, domain.SubAccountCaution, domain.CurrencyUSD); caution.Status != domain.AccountClosed {
		t.Fatalf("expected caution account CLOSED, got %s", caution.Status)
	}

	history, err := env.credits.History(ctx, credit.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var path []string
	for _, event := range history {
		path = append(path, string(event.ToStatus))
	}
	if got := strings.Join(path, ">"); got != "PENDING>APPROVED>COMPLETED" {
		t.Fatalf("unexpected status path %s", got)
	}
}

func TestCreditRepay_PartialActivatesAndClampsExcess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)
	env.deposit(t, customerID, domain.SubAccountMandatorySaving, "100")
	credit := applyTestCredit(t, env, customerID, "100")
	if _, err := env.credits.Approve(ctx, credit.ID, uuid.New()); err != nil {
		t.Fatalf("approve: %v", err)
	}

	partial, err := env.credits.Repay(ctx, credit.ID, dec("40"), "", customerID)
	if err != nil {
		t.Fatalf("partial repay: %v", err)
	}
	if partial.Credit.Status != domain.CreditActive || !partial.Credit.OutstandingDebt.Equal(dec("60")) {
		t.Fatalf("expected ACTIVE with 60 outstanding, got %s %s", partial.Credit.Status, partial.Credit.OutstandingDebt)
	}

	final, err := env.credits.Repay(ctx, credit.ID, dec("75"), domain.CurrencyUSD, customerID)
	if err != nil {
		t.Fatalf("final repay: %v", err)
	}
	if !final.Applied.Equal(dec("60")) || !final.Excess.Equal(dec("15")) || !final.Completed {
		t.Fatalf("unexpected final repayment applied=%s excess=%s completed=%v", final.Applied, final.Excess, final.Completed)
	}

	_, err = env.credits.Repay(ctx, credit.ID, dec("1"), domain.CurrencyUSD, customerID)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on completed credit, got %v", err)
	}
}

func TestCreditTransitions_RejectIllegalMoves(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)
	env.deposit(t, customerID, domain.SubAccountMandatorySaving, "100")
	credit := applyTestCredit(t, env, customerID, "50")

	if _, err := env.credits.Activate(ctx, credit.ID, customerID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected PENDING to refuse ACTIVE, got %v", err)
	}
	if _, err := env.credits.Repay(ctx, credit.ID, dec("10"), domain.CurrencyUSD, customerID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected PENDING to refuse repayment, got %v", err)
	}

	cancelled, err := env.credits.Cancel(ctx, credit.ID, customerID, "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.CreditCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("expected CANCELLED with timestamp, got %s", cancelled.Status)
	}

	if _, err := env.credits.Approve(ctx, credit.ID, uuid.New()); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected terminal credit to refuse approval, got %v", err)
	}
	if _, err := env.credits.Cancel(ctx, credit.ID, customerID, ""); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected second cancel to fail, got %v", err)
	}
	assertBalance(t, env, customerID, domain.SubAccountMandatorySaving, "100")
}

func TestCreditApprove_FailsWithoutCautionFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)
	env.deposit(t, customerID, domain.SubAccountMandatorySaving, "50")
	credit := applyTestCredit(t, env, customerID, "100")

	savings := env.account(t, customerID, domain.SubAccountMandatorySaving, domain.CurrencyUSD)
	if _, err := env.ledger.Debit(ctx, savings.ID, dec("40"), domain.CurrencyUSD, "withdrawal"); err != nil {
		t.Fatalf("debit: %v", err)
	}

	if _, err := env.credits.Approve(ctx, credit.ID, uuid.New()); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	stored, err := env.credits.Get(ctx, credit.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.CreditPending {
		t.Fatalf("expected credit to stay PENDING, got %s", stored.Status)
	}
	assertBalance(t, env, customerID, domain.SubAccountCredit, "0")
}

func TestMarkOverdue_BooksPenaltyAndBlocksNewCredit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID := env.registerCustomer(t)
	env.deposit(t, customerID, domain.SubAccountMandatorySaving, "200")
	credit := applyTestCredit(t, env, customerID, "100")
	if _, err := env.credits.Approve(ctx, credit.ID, uuid.New()); err != nil {
		t.Fatalf("approve: %v", err)
	}

	overdue, err := env.credits.ListOverdue(ctx, time.Now().UTC().AddDate(0, 0, 31), 10)
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	if len(overdue) != 1 || overdue[0] != credit.ID {
		t.Fatalf("expected credit to be overdue, got %v", overdue)
	}

	defaulted, err := env.credits.MarkOverdue(ctx, credit.ID, uuid.New())
	if err != nil {
		t.Fatalf("mark overdue: %v", err)
	}
	if defaulted.Status != domain.CreditDefaulted || !defaulted.PenaltiesAccrued.Equal(dec("7")) {
		t.Fatalf("expected DEFAULTED with penalty 7, got %s %s", defaulted.Status, defaulted.PenaltiesAccrued)
	}
	assertBalance(t, env, customerID, domain.SubAccountFines, "7")

	result, err := env.evaluator.Evaluate(ctx, customerID, "TEST", dec("50"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Eligible {
		t.Fatal("expected a recent default to block eligibility")
	}
}

func approvedTestCredit(t *testing.T, env *testEnv) (uuid.UUID, *domain.Credit) {
	t.Helper()
	customerID := env.registerCustomer(t)
	env.deposit(t, customerID, domain.SubAccountMandatorySaving, "200")
	credit := applyTestCredit(t, env, customerID, "100")
	if _, err := env.credits.Approve(context.Background(), credit.ID, uuid.New()); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return customerID, credit
}

func TestDefaultedCreditCompletesOnRepayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID, credit := approvedTestCredit(t, env)
	if _, err := env.credits.MarkOverdue(ctx, credit.ID, uuid.New()); err != nil {
		t.Fatalf("mark overdue: %v", err)
	}

	tests := []struct {
		amount    string
		status    domain.CreditStatus
		completed bool
	}{
		{amount: "40", status: domain.CreditDefaulted},
		{amount: "60", status: domain.CreditCompleted, completed: true},
	}
	for _, tc := range tests {
		result, err := env.credits.Repay(ctx, credit.ID, dec(tc.amount), domain.CurrencyUSD, customerID)
		if err != nil {
			t.Fatalf("repay %s: %v", tc.amount, err)
		}
		if result.Credit.Status != tc.status || result.Completed != tc.completed {
			t.Fatalf("repay %s: expected %s completed=%v, got %s completed=%v", tc.amount, tc.status, tc.completed, result.Credit.Status, result.Completed)
		}
	}
	assertBalance(t, env, customerID, domain.SubAccountCaution, "0")
	assertBalance(t, env, customerID, domain.SubAccountMandatorySaving, "200")
	assertBalance(t, env, customerID, domain.SubAccountFines, "7")
}

func TestMarkOverdue_RefusesFinishedCredits(t *testing.T) {
	tests := []struct {
		name   string
		finish func(t *testing.T, env *testEnv, customerID uuid.UUID, credit *domain.Credit)
	}{
		{
			name: "completed",
			finish: func(t *testing.T, env *testEnv, customerID uuid.UUID, credit *domain.Credit) {
				if _, err := env.credits.Repay(context.Background(), credit.ID, dec("100"), domain.CurrencyUSD, customerID); err != nil {
					t.Fatalf("repay: %v", err)
				}
			},
		},
		{
			name: "already defaulted",
			finish: func(t *testing.T, env *testEnv, _ uuid.UUID, credit *domain.Credit) {
				if _, err := env.credits.MarkOverdue(context.Background(), credit.ID, uuid.New()); err != nil {
					t.Fatalf("first mark overdue: %v", err)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			customerID, credit := approvedTestCredit(t, env)
			tc.finish(t, env, customerID, credit)
			before := env.account(t, customerID, domain.SubAccountFines, domain.CurrencyUSD).Balance

			_, err := env.credits.MarkOverdue(context.Background(), credit.ID, uuid.New())
			if !errors.Is(err, domain.ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState, got %v", err)
			}
			assertBalance(t, env, customerID, domain.SubAccountFines, before.String())
		})
	}
}

func TestMarkOverdue_KeepsClosedCustomerFinesClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	customerID, credit := approvedTestCredit(t, env)
	fines := env.account(t, customerID, domain.SubAccountFines, domain.CurrencyUSD)

	err := env.store.InTx(ctx, func(tx store.Tx) error {
		customer, err := tx.LockCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		customer.Status = domain.CustomerClosed
		if err := tx.UpdateCustomer(ctx, customer); err != nil {
			return err
		}
		return tx.UpdateAccountStatus(ctx, fines.ID, domain.AccountClosed, time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("close customer: %v", err)
	}

	if _, err := env.credits.MarkOverdue(ctx, credit.ID, uuid.New()); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if got := env.account(t, customerID, domain.SubAccountFines, domain.CurrencyUSD); got.Status != domain.AccountClosed || !got.Balance.IsZero() {
		t.Fatalf("expected fines account closed and empty, got %s %s", got.Status, got.Balance)
	}
	current, err := env.credits.Get(ctx, credit.ID)
	if err != nil {
		t.Fatalf("get credit: %v", err)
	}
	if current.Status != domain.CreditApproved {
		t.Fatalf("expected credit still APPROVED, got %s", current.Status)
	}
}

type applyLimiterStub struct {
	err   error
	calls []string
}

func (s *applyLimiterStub) AllowApplication(_ context.Context, _ uuid.UUID, productCode string) error {
	s.calls = append(s.calls, productCode)
	return s.err
}

func TestApply_HonoursApplyLimiter(t *testing.T) {
	tests := []struct {
		name       string
		limiterErr error
		wantErr    error
	}{
		{name: "allowed", limiterErr: nil},
		{name: "refused", limiterErr: fmt.Errorf("%w: slow down", domain.ErrRateLimited), wantErr: domain.ErrRateLimited},
		{name: "limiter down lets the application through", limiterErr: errors.New("dial tcp: connection refused")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			limiter := &applyLimiterStub{err: tc.limiterErr}
			env.credits.WithApplyLimiter(limiter)
			customerID := env.registerCustomer(t)
			env.deposit(t, customerID, domain.SubAccountMandatorySaving, "100")

			_, err := env.credits.Apply(context.Background(), ApplyCreditRequest{CustomerID: customerID, ProductCode: "TEST", Amount: dec("20")})
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if len(limiter.calls) != 1 || limiter.calls[0] != "TEST" {
				t.Fatalf("expected one TEST check, got %v", limiter.calls)
			}
		})
	}
}

func TestApplyRateLimit_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t)
	env.credits.WithApplyLimiter(NewRedisApplyLimiter(client, "test", 1, time.Hour))
	customerID := env.registerCustomer(t)
	env.deposit(t, customerID, domain.SubAccountMandatorySaving, "100")

	applyTestCredit(t, env, customerID, "20")
	_, err := env.credits.Apply(context.Background(), ApplyCreditRequest{CustomerID: customerID, ProductCode: "TEST", Amount: dec("20")})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
