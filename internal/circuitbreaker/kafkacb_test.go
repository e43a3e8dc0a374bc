// v1
// internal/circuitbreaker/kafkacb_test.go
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestNewKafkaBreakerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		s    KafkaSettings
	}{
		{name: "zero attempts", s: KafkaSettings{Attempts: 0}},
		{name: "negative timeout", s: KafkaSettings{Attempts: 1, Timeout: -time.Second}},
		{name: "negative backoff", s: KafkaSettings{Attempts: 1, Backoff: -time.Second}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewKafkaBreaker("x", tc.s, nil, nil); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestCBKafkaWriterRetriesUntilSuccess(t *testing.T) {
	kb, err := NewKafkaBreaker("writer-breaker", KafkaSettings{
		Enabled:  true,
		Breaker:  Config{MaxFailures: 5, ResetTimeout: time.Minute, SuccessesToClose: 1},
		Attempts: 3,
		Timeout:  50 * time.Millisecond,
		Backoff:  time.Millisecond,
	}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stub := &stubKafkaWriter{failuresBeforeSuccess: 2}
	writer := NewCBKafkaWriter(stub, kb)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := writer.WriteMessages(ctx, kafka.Message{Value: []byte("payload")}); err != nil {
		t.Fatalf("unexpected error on write: %v", err)
	}
	if stub.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", stub.calls)
	}
	if kb.Breaker().State() != Closed {
		t.Fatalf("expected breaker closed, got %s", kb.Breaker().State())
	}
}

func TestCBKafkaWriterOpensAndFastFails(t *testing.T) {
	kb, err := NewKafkaBreaker("writer-breaker", KafkaSettings{
		Enabled:  true,
		Breaker:  Config{MaxFailures: 2, ResetTimeout: time.Hour, SuccessesToClose: 1},
		Attempts: 5,
	}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stub := &stubKafkaWriter{failuresBeforeSuccess: 100}
	writer := NewCBKafkaWriter(stub, kb)

	err = writer.WriteMessages(context.Background(), kafka.Message{Value: []byte("v")})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("expected 2 calls before opening, got %d", stub.calls)
	}

	err = writer.WriteMessages(context.Background(), kafka.Message{Value: []byte("v")})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected fast fail, got %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("expected no call while open, got %d", stub.calls)
	}
}

func TestCBKafkaWriterDisabled(t *testing.T) {
	kb, err := NewKafkaBreaker("writer-breaker", KafkaSettings{Attempts: 1}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kb.Enabled() {
		t.Fatalf("expected breaker disabled")
	}

	stub := &stubKafkaWriter{failuresBeforeSuccess: 1}
	writer := NewCBKafkaWriter(stub, kb)

	if err := writer.WriteMessages(context.Background(), kafka.Message{Value: []byte("v")}); err == nil {
		t.Fatalf("expected the single failure to surface")
	}
	if stub.calls != 1 {
		t.Fatalf("expected single call when breaker disabled, got %d", stub.calls)
	}
}

func TestBreakerHalfOpenCloses(t *testing.T) {
	b := New("probe", Config{MaxFailures: 1, ResetTimeout: time.Minute, SuccessesToClose: 2}, func(context.Context) error { return nil }, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	var transitions []State
	b.OnStateChange(func(_ string, s State) { transitions = append(transitions, s) })

	fail := func(context.Context) error { return errors.New("boom") }
	ok := func(context.Context) error { return nil }

	if err := b.Execute(context.Background(), fail); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen after first failure, got %v", err)
	}
	if err := b.Execute(context.Background(), ok); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected fast fail inside reset window, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := b.Execute(context.Background(), ok); err != nil {
		t.Fatalf("unexpected half-open error: %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HalfOpen after first success, got %s", b.State())
	}
	if err := b.Execute(context.Background(), ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected Closed, got %s", b.State())
	}

	want := []State{Open, HalfOpen, Closed}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, transitions)
		}
	}
}

type stubKafkaWriter struct {
	mu                    sync.Mutex
	calls                 int
	failuresBeforeSuccess int
}

func (s *stubKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.calls++
	if s.calls <= s.failuresBeforeSuccess {
		return errors.New("synthetic failure")
	}
	return nil
}
