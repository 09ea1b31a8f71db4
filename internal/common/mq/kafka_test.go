package mq

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKafkaMessageHeadersSurviveConversion(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &Message{
		ID:         "42",
		Body:       []byte(`{"submission_id":42}`),
		Headers:    map[string]string{"source": "rejudge"},
		Timestamp:  ts,
		RetryCount: 1,
		MaxRetries: 5,
	}

	km := toKafkaMessage("judge.dispatch", msg)
	if string(km.Key) != "42" {
		t.Fatalf("expected key to be message id, got %q", km.Key)
	}

	got := fromKafkaMessage(km)
	if got.ID != "42" || got.RetryCount != 1 || got.MaxRetries != 5 {
		t.Fatalf("unexpected message: %+v", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("timestamp mismatch: %v", got.Timestamp)
	}
	if got.Headers["source"] != "rejudge" {
		t.Fatalf("custom header lost: %+v", got.Headers)
	}
	if _, ok := got.Headers[headerID]; ok {
		t.Fatalf("internal header leaked into custom headers")
	}
}

func TestNewKafkaQueueRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaQueue(KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, m *Message) error {
		calls++
		if calls < 3 {
			return errors.New("queue full")
		}
		return nil
	}
	deadLetters := 0
	opts := SubscribeOptions{MaxRetries: 3, RetryDelay: time.Millisecond, DeadLetterTopic: "dlq"}
	err := deliver(context.Background(), handler, NewMessage([]byte("x")), opts, func(context.Context, *Message) error {
		deadLetters++
		return nil
	})
	if err != nil || calls != 3 || deadLetters != 0 {
		t.Fatalf("err=%v calls=%d deadLetters=%d", err, calls, deadLetters)
	}
}

func TestDeliverDeadLettersAfterBudget(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, m *Message) error {
		calls++
		return errors.New("boom")
	}
	var dead *Message
	msg := &Message{ID: "7", Body: []byte("x")}
	opts := SubscribeOptions{MaxRetries: 2, RetryDelay: time.Millisecond, DeadLetterTopic: "dlq"}
	err := deliver(context.Background(), handler, msg, opts, func(_ context.Context, m *Message) error {
		dead = m
		return nil
	})
	if err != nil {
		t.Fatalf("exhausted message should be handled, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls)
	}
	if dead == nil || dead.Headers[headerLastError] != "boom" {
		t.Fatalf("unexpected dead letter %+v", dead)
	}
}

func TestDeliverStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := func(ctx context.Context, m *Message) error {
		cancel()
		return errors.New("shutting down")
	}
	opts := SubscribeOptions{MaxRetries: 5, RetryDelay: time.Hour}
	if err := deliver(ctx, handler, NewMessage(nil), opts, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
