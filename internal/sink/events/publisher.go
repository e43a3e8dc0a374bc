// v1
// internal/sink/events/publisher.go
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bodycomp"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/circuitbreaker"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/dispatch"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/metrics"
)

const (
	// SinkName is the dispatcher name of this sink.
	SinkName = "events"
	// EventType tags every payload on the topic.
	EventType = "scale.measurement"
	// SchemaVersion is the current payload version.
	SchemaVersion = "v1"

	queueSize    = 128
	breakerName  = "events-writer"
	drainTimeout = 5 * time.Second
)

// Config holds the Kafka publishing options.
type Config struct {
	Enabled bool
	Brokers []string
	Topic   string
	Acks    int
	Breaker circuitbreaker.KafkaSettings
}

// Event is the JSON document written per dispatched measurement.
type Event struct {
	Type          string           `json:"type"`
	SchemaVersion string           `json:"schemaVersion"`
	ID            string           `json:"id"`
	Identity      string           `json:"identity"`
	Timestamp     time.Time        `json:"timestamp"`
	DeviceID      string           `json:"deviceId,omitempty"`
	WeightKg      float64          `json:"weightKg"`
	Impedance     int              `json:"impedance"`
	Metrics       bodycomp.Metrics `json:"metrics"`
}

// NewEvent builds the payload for m.
func NewEvent(m dispatch.Measurement) Event {
	return Event{
		Type:          EventType,
		SchemaVersion: SchemaVersion,
		ID:            m.ID,
		Identity:      m.Identity(),
		Timestamp:     m.Timestamp().UTC(),
		DeviceID:      m.Reading.DeviceID,
		WeightKg:      m.Reading.WeightKg,
		Impedance:     m.Reading.Impedance,
		Metrics:       m.Metrics,
	}
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type kafkaWriteCloser interface {
	Close() error
}

var (
	errNilLogger  = errors.New("events publisher requires a logger")
	errNilWriter  = errors.New("events publisher requires a writer")
	errNotStarted = errors.New("events publisher not started")
	errStopped    = errors.New("events publisher stopped")
	// ErrQueueFull is returned when the backlog is saturated.
	ErrQueueFull = errors.New("events publisher queue full")
)

// Publisher writes measurement events to Kafka from a background loop so
// the ingestion path only pays for an enqueue.
type Publisher struct {
	cfg     Config
	log     *slog.Logger
	writer  kafkaMessageWriter
	closer  kafkaWriteCloser
	breaker *circuitbreaker.KafkaBreaker
	queue   chan kafka.Message

	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// NewPublisher builds a Kafka-backed publisher guarded by the breaker.
func NewPublisher(cfg Config, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		return nil, errNilLogger
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("events topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one events broker is required")
	}
	base := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		AllowAutoTopicCreation: true,
		Balancer:               &kafka.Hash{},
	}
	breaker, err := circuitbreaker.NewKafkaBreaker(breakerName, cfg.Breaker, nil, log)
	if err != nil {
		return nil, fmt.Errorf("events breaker: %w", err)
	}
	if breaker.Enabled() {
		log.Info("events_publisher_cb_enabled", slog.String("name", breakerName))
	}
	return newPublisherWithWriter(cfg, log, circuitbreaker.NewCBKafkaWriter(base, breaker), base, breaker)
}

// newPublisherWithWriter wires the provided writer. It is used in tests.
func newPublisherWithWriter(cfg Config, log *slog.Logger, writer kafkaMessageWriter, closer kafkaWriteCloser, breaker *circuitbreaker.KafkaBreaker) (*Publisher, error) {
	if log == nil {
		return nil, errNilLogger
	}
	if writer == nil {
		return nil, errNilWriter
	}
	return &Publisher{
		cfg:     cfg,
		log:     log.With(slog.String("component", "events_publisher")),
		writer:  writer,
		closer:  closer,
		breaker: breaker,
		queue:   make(chan kafka.Message, queueSize),
	}, nil
}

// Breaker exposes the writer breaker, nil when disabled.
func (p *Publisher) Breaker() *circuitbreaker.Breaker { return p.breaker.Breaker() }

// Name implements dispatch.Sink.
func (p *Publisher) Name() string { return SinkName }

// Start launches the background writer loop.
func (p *Publisher) Start(ctx context.Context) error {
	p.startOnce.Do(func() {
		p.runCtx, p.cancel = context.WithCancel(ctx)
		p.started.Store(true)
		p.wg.Add(1)
		go p.run()
		p.log.Info("events_publisher_started", slog.String("topic", p.cfg.Topic))
	})
	if !p.started.Load() {
		return errNotStarted
	}
	return nil
}

// Stop cancels the loop, drains the backlog and closes the writer.
func (p *Publisher) Stop(ctx context.Context) error {
	var stopErr error
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if p.closer != nil {
			if err := p.closer.Close(); err != nil {
				p.log.Error("events_publisher_close_err", slog.Any("err", err))
			}
		}
		metrics.SetEventQueueDepth(0)
		p.log.Info("events_publisher_stopped")
	})
	return stopErr
}

// Deliver enqueues the event for m keyed by identity. It never blocks on
// Kafka; a full queue is reported as an error.
func (p *Publisher) Deliver(ctx context.Context, m dispatch.Measurement) error {
	if !p.started.Load() {
		return errNotStarted
	}
	value, err := json.Marshal(NewEvent(m))
	if err != nil {
		metrics.IncEventPublish("fail")
		return err
	}
	msg := kafka.Message{Key: []byte(m.Identity()), Value: value}
	select {
	case p.queue <- msg:
		metrics.SetEventQueueDepth(len(p.queue))
		return nil
	case <-p.runCtx.Done():
		metrics.IncEventPublish("fail")
		return errStopped
	case <-ctx.Done():
		metrics.IncEventPublish("fail")
		return ctx.Err()
	default:
		metrics.IncEventPublish("dropped")
		return ErrQueueFull
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			p.drain()
			p.started.Store(false)
			p.log.Info("events_publisher_loop_exit")
			return
		case msg := <-p.queue:
			metrics.SetEventQueueDepth(len(p.queue))
			p.write(p.runCtx, msg)
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.runCtx), drainTimeout)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			metrics.SetEventQueueDepth(len(p.queue))
			p.write(ctx, msg)
		default:
			return
		}
	}
}

func (p *Publisher) write(ctx context.Context, msg kafka.Message) {
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.IncEventPublish("fail")
		p.log.Error("events_publish_err", slog.Any("err", err), slog.String("identity", string(msg.Key)))
		return
	}
	metrics.IncEventPublish("ok")
	p.log.Debug("events_publish_success", slog.String("identity", string(msg.Key)))
}
