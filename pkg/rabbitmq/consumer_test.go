package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestSettle(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		attempt int
		want    settlement
	}{
		{name: "ack", outcome: Ack, attempt: 1, want: settleAck},
		{name: "ack on last attempt", outcome: Ack, attempt: 3, want: settleAck},
		{name: "retry with budget left", outcome: Retry, attempt: 2, want: settleRequeue},
		{name: "retry out of budget", outcome: Retry, attempt: 3, want: settleDeadLetter},
		{name: "reject on first attempt", outcome: Reject, attempt: 1, want: settleDeadLetter},
		{name: "unknown outcome", outcome: Outcome(42), attempt: 1, want: settleDeadLetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := settle(tt.outcome, tt.attempt, 3); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestAttemptOf(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{name: "first delivery", headers: nil, want: 1},
		{name: "stamped int32", headers: amqp.Table{attemptsHeader: int32(2)}, want: 3},
		{name: "stamped int64", headers: amqp.Table{attemptsHeader: int64(4)}, want: 5},
		{name: "garbage header", headers: amqp.Table{attemptsHeader: "two"}, want: 1},
		{name: "negative header", headers: amqp.Table{attemptsHeader: int32(-3)}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := attemptOf(tt.headers); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestRetryHeadersKeepsOriginalsAndStampsAttempt(t *testing.T) {
	original := amqp.Table{"trace_id": "abc", attemptsHeader: int32(1)}
	headers := retryHeaders(original, 2)
	if headers["trace_id"] != "abc" || headers[attemptsHeader] != int32(2) {
		t.Fatalf("unexpected headers %v", headers)
	}
	if original[attemptsHeader] != int32(1) {
		t.Fatal("original headers must not change")
	}
	if got := attemptOf(headers); got != 3 {
		t.Fatalf("expected next attempt 3, got %d", got)
	}
}

func TestHandleTurnsPanicIntoReject(t *testing.T) {
	c := &Consumer{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	tests := []struct {
		name    string
		handler Handler
		want    Outcome
	}{
		{name: "passes outcome through", handler: func(context.Context, []byte) Outcome { return Retry }, want: Retry},
		{name: "panic", handler: func(context.Context, []byte) Outcome { panic("nil customer") }, want: Reject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.handle(context.Background(), tt.handler, amqp.Delivery{RoutingKey: "credit.applied"}); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSubscriptionValidateAndDeadLetterNames(t *testing.T) {
	noop := func(context.Context, []byte) Outcome { return Ack }
	valid := Subscription{Exchange: "corebanking.events", Queue: "loyalty", RoutingKey: "credit.applied", Handler: noop}
	if err := valid.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if valid.deadLetterExchange() != "loyalty.dlx" || valid.deadLetterQueue() != "loyalty.dead" {
		t.Fatalf("unexpected dead-letter names %s %s", valid.deadLetterExchange(), valid.deadLetterQueue())
	}
	if valid.maxAttempts() != defaultMaxAttempts {
		t.Fatalf("expected default attempts, got %d", valid.maxAttempts())
	}

	broken := []Subscription{
		{Queue: "loyalty", RoutingKey: "credit.applied", Handler: noop},
		{Exchange: "corebanking.events", RoutingKey: "credit.applied", Handler: noop},
		{Exchange: "corebanking.events", Queue: "loyalty", Handler: noop},
		{Exchange: "corebanking.events", Queue: "loyalty", RoutingKey: "credit.applied"},
	}
	for i, sub := range broken {
		if err := sub.validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
