package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/serenityneo/corebanking-service/internal/domain"
	"github.com/serenityneo/corebanking-service/internal/store"
	"github.com/serenityneo/corebanking-service/pkg/rabbitmq"
)

type publishedMessage struct {
	exchange   string
	routingKey string
	body       []byte
}

type fakePublisher struct {
	failNext bool
	messages []publishedMessage
	closed   int
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.failNext {
		p.failNext = false
		return errors.New("channel closed")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	p.messages = append(p.messages, publishedMessage{exchange: exchange, routingKey: routingKey, body: raw})
	return nil
}

func (p *fakePublisher) Close() { p.closed++ }

func TestRetryDelaySeconds(t *testing.T) {
	tests := []struct {
		attempt int
		want    int
	}{
		{attempt: 0, want: 1},
		{attempt: 1, want: 2},
		{attempt: 3, want: 8},
		{attempt: 8, want: 256},
		{attempt: 20, want: 256},
	}
	for _, tt := range tests {
		if got := retryDelaySeconds(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: expected %d, got %d", tt.attempt, tt.want, got)
		}
	}
}

func TestOutboxDispatcher_PublishesAndRetries(t *testing.T) {
	st := store.NewMemoryStore(dec("2800"))
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	ctx := context.Background()

	creditID := uuid.New()
	if err := st.InTx(ctx, func(tx store.Tx) error {
		return tx.EnqueueEvent(ctx, domain.EventsExchange, domain.RoutingCreditApplied, domain.CreditEventPayload{CreditID: creditID})
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	publisher := &fakePublisher{failNext: true}
	factoryCalls := 0
	dispatcher := NewOutboxDispatcher(st, func() (rabbitmq.Publisher, error) {
		factoryCalls++
		return publisher, nil
	}, time.Second, discardLogger())

	published, err := dispatcher.flushOnce(ctx)
	if err != nil {
		t.Fatalf("first flush: %v", err)
	}
	if published != 0 || publisher.closed != 1 {
		t.Fatalf("expected failed publish to close the producer, published=%d closed=%d", published, publisher.closed)
	}
	rows := st.OutboxStatus()
	if len(rows) != 1 || rows[0].Status != "pending" || rows[0].LastError == "" {
		t.Fatalf("expected row back to pending with an error, got %+v", rows)
	}

	if published, _ := dispatcher.flushOnce(ctx); published != 0 {
		t.Fatal("expected the row to wait for its retry delay")
	}

	now = now.Add(5 * time.Second)
	published, err = dispatcher.flushOnce(ctx)
	if err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if published != 1 || factoryCalls != 2 {
		t.Fatalf("expected one publish through a fresh producer, published=%d factory=%d", published, factoryCalls)
	}
	if st.OutboxStatus()[0].Status != "published" {
		t.Fatalf("expected row published, got %s", st.OutboxStatus()[0].Status)
	}

	var payload domain.CreditEventPayload
	if err := json.Unmarshal(publisher.messages[0].body, &payload); err != nil {
		t.Fatalf("decode published body: %v", err)
	}
	if payload.CreditID != creditID || publisher.messages[0].routingKey != domain.RoutingCreditApplied {
		t.Fatalf("unexpected published message %+v", publisher.messages[0])
	}
}
