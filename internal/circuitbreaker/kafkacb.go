// v3
// internal/circuitbreaker/kafkacb.go
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaMessageWriter mirrors the subset of kafka.Writer used by the breaker wrapper.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSettings carries the runtime tunables for the Kafka writer wrapper.
type KafkaSettings struct {
	Enabled  bool
	Breaker  Config
	Attempts int           // write attempts before giving up
	Timeout  time.Duration // per-attempt deadline, zero disables it
	Backoff  time.Duration // pause between attempts
}

// KafkaBreaker applies retry/back-off and breaker protection to Kafka writes.
type KafkaBreaker struct {
	enabled  bool
	attempts int
	timeout  time.Duration
	backoff  time.Duration
	breaker  *Breaker
}

// NewKafkaBreaker validates the settings and builds the breaker. A disabled
// breaker is still returned so callers can wrap writers unconditionally.
func NewKafkaBreaker(name string, s KafkaSettings, probe func(ctx context.Context) error, logger *slog.Logger) (*KafkaBreaker, error) {
	if s.Attempts < 1 {
		return nil, fmt.Errorf("kafka breaker attempts must be >= 1")
	}
	if s.Timeout < 0 {
		return nil, fmt.Errorf("kafka breaker timeout must be >= 0")
	}
	if s.Backoff < 0 {
		return nil, fmt.Errorf("kafka breaker backoff must be >= 0")
	}
	kb := &KafkaBreaker{
		enabled:  s.Enabled,
		attempts: s.Attempts,
		timeout:  s.Timeout,
		backoff:  s.Backoff,
	}
	if s.Enabled {
		kb.breaker = New(name, s.Breaker, probe, logger)
	}
	return kb, nil
}

// Enabled reports whether breaker protections are active.
func (k *KafkaBreaker) Enabled() bool {
	return k != nil && k.enabled && k.breaker != nil
}

// Breaker exposes the underlying breaker for inspection and testing.
func (k *KafkaBreaker) Breaker() *Breaker {
	if k == nil {
		return nil
	}
	return k.breaker
}

// CBKafkaWriter wraps a kafka.Writer with circuit-breaker protection.
type CBKafkaWriter struct {
	breaker *KafkaBreaker
	writer  kafkaMessageWriter
}

// NewCBKafkaWriter wires breaker protections around the provided kafka writer.
func NewCBKafkaWriter(writer kafkaMessageWriter, breaker *KafkaBreaker) *CBKafkaWriter {
	return &CBKafkaWriter{writer: writer, breaker: breaker}
}

// WriteMessages publishes messages with retry/back-off driven by the breaker policy.
func (w *CBKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w == nil || w.writer == nil {
		return errors.New("nil kafka writer")
	}
	if !w.breaker.Enabled() {
		return w.writer.WriteMessages(ctx, msgs...)
	}
	return w.breaker.do(ctx, func(execCtx context.Context) error {
		return w.writer.WriteMessages(execCtx, msgs...)
	})
}

func (k *KafkaBreaker) do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts++
		attemptCtx, cancel := k.withAttemptContext(ctx)
		err := k.breaker.Execute(attemptCtx, op)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// An open breaker is final for this write: the event stream is
		// best-effort and must not stall the ingestion loop.
		if errors.Is(err, ErrOpen) || attempts >= k.attempts {
			return err
		}
		if waitErr := k.waitBackoff(ctx); waitErr != nil {
			return waitErr
		}
	}
}

func (k *KafkaBreaker) withAttemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if k.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, k.timeout)
}

func (k *KafkaBreaker) waitBackoff(ctx context.Context) error {
	if k.backoff <= 0 {
		return nil
	}
	timer := time.NewTimer(k.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
