// v1
// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bodycomp"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/dispatch"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/filter"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/metrics"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/scale"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/users"
)

// DefaultBuffer is the number of transport messages queued ahead of the loop.
const DefaultBuffer = 64

// Outcome is what happened to one transport message.
type Outcome string

const (
	OutcomeMalformed    Outcome = "malformed"
	OutcomeUnsupported  Outcome = "unsupported"
	OutcomeNotPerson    Outcome = "not_person"
	OutcomeIncomplete   Outcome = "incomplete"
	OutcomeUnresolved   Outcome = "unresolved"
	OutcomeInvalidInput Outcome = "invalid_input"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeSameSession  Outcome = "same_session"
	OutcomeNoImpedance  Outcome = "no_impedance"
	OutcomeDispatched   Outcome = "dispatched"
)

// Message is a raw transport delivery.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// Dispatcher fans accepted measurements out to the sinks.
type Dispatcher interface {
	Dispatch(ctx context.Context, m dispatch.Measurement) dispatch.Report
}

// Config tunes the ingestion loop.
type Config struct {
	Buffer  int
	Session filter.SessionConfig
}

// Pipeline owns the ingestion state. Messages are processed one at a time,
// in arrival order, by the single goroutine running Run.
type Pipeline struct {
	decoder    *scale.Decoder
	resolver   *users.Resolver
	dispatcher Dispatcher
	log        *slog.Logger

	dup     filter.DuplicateSuppressor
	session *filter.Session

	in       chan Message
	done     chan struct{}
	doneOnce sync.Once

	now   func() time.Time
	newID func() string
}

// New builds a pipeline.
func New(cfg Config, decoder *scale.Decoder, resolver *users.Resolver, dispatcher Dispatcher, log *slog.Logger) *Pipeline {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		decoder:    decoder,
		resolver:   resolver,
		dispatcher: dispatcher,
		log:        log.With(slog.String("component", "pipeline")),
		session:    filter.NewSession(cfg.Session),
		in:         make(chan Message, cfg.Buffer),
		done:       make(chan struct{}),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Handle is the transport callback. It blocks while the queue is full and
// drops the message once the loop has stopped.
func (p *Pipeline) Handle(topic string, payload []byte) {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...), Received: p.now()}
	select {
	case p.in <- msg:
	case <-p.done:
		p.log.Debug("message_dropped_after_stop", slog.String("topic", topic))
	}
}

// Run consumes messages until ctx is cancelled. The message in progress is
// always finished first.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.doneOnce.Do(func() { close(p.done) })
	p.log.Info("pipeline_started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info("pipeline_stopped")
			return nil
		case msg := <-p.in:
			p.Process(ctx, msg)
		}
	}
}

// Process runs one message through decode, resolve, calculate, duplicate
// suppression, the session filter and dispatch.
func (p *Pipeline) Process(ctx context.Context, msg Message) Outcome {
	reading, err := p.decoder.Decode(msg.Topic, msg.Payload, msg.Received)
	if err != nil {
		out := decodeOutcome(err)
		metrics.IncMessage(string(out))
		p.log.Debug("message_rejected", slog.String("topic", msg.Topic), slog.String("outcome", string(out)), slog.Any("err", err))
		return out
	}
	metrics.IncMessage("decoded")

	profile, ok := p.resolver.Resolve(reading.WeightKg)
	if !ok {
		p.log.Warn("user_unresolved",
			slog.Float64("weight_kg", reading.WeightKg),
			slog.String("device_id", reading.DeviceID),
		)
		return p.finish(OutcomeUnresolved)
	}

	in := bodycomp.Input{
		WeightKg:  reading.WeightKg,
		Impedance: float64(reading.Impedance),
		HeightCm:  profile.HeightCm,
		Age:       profile.Age(reading.Timestamp),
		Sex:       profile.Sex,
	}
	if err := in.Validate(); err != nil {
		p.log.Warn("measurement_out_of_range", slog.String("identity", profile.Email), slog.Any("err", err))
		return p.finish(OutcomeInvalidInput)
	}
	m := bodycomp.Calculate(in)

	if p.dup.Seen(reading.WeightKg, reading.Impedance, m) {
		p.log.Debug("measurement_duplicate", slog.String("identity", profile.Email), slog.Float64("weight_kg", reading.WeightKg))
		return p.finish(OutcomeDuplicate)
	}

	switch v := p.session.Evaluate(filter.Candidate{At: reading.Timestamp, WeightKg: reading.WeightKg, HasImpedance: reading.HasImpedance()}); v {
	case filter.RejectedNoImpedance:
		p.log.Debug("measurement_no_impedance", slog.String("identity", profile.Email))
		return p.finish(OutcomeNoImpedance)
	case filter.RejectedSameSession:
		p.log.Debug("measurement_same_session", slog.String("identity", profile.Email), slog.Float64("weight_kg", reading.WeightKg))
		return p.finish(OutcomeSameSession)
	}

	meas := dispatch.Measurement{ID: p.newID(), Reading: reading, Profile: profile, Metrics: m}
	p.log.Info("measurement_accepted",
		slog.String("measurement_id", meas.ID),
		slog.String("identity", profile.Email),
		slog.Int("age", in.Age),
		slog.Float64("weight_kg", m.Weight),
		slog.Int("impedance", reading.Impedance),
		slog.Float64("bmi", m.BMI),
		slog.Float64("fat_percent", m.FatPercent),
		slog.Float64("muscle_kg", m.MuscleMass),
		slog.Float64("water_percent", m.WaterPercent),
		slog.Float64("visceral_fat", m.VisceralFat),
		slog.Float64("metabolic_age", m.MetabolicAge),
	)
	p.dispatcher.Dispatch(ctx, meas)
	metrics.SetLastMeasurement(profile.Email, reading.Timestamp)
	return p.finish(OutcomeDispatched)
}

func (p *Pipeline) finish(out Outcome) Outcome {
	metrics.IncReading(string(out))
	return out
}

func decodeOutcome(err error) Outcome {
	switch {
	case errors.Is(err, scale.ErrUnsupportedDevice):
		return OutcomeUnsupported
	case errors.Is(err, scale.ErrNotPerson):
		return OutcomeNotPerson
	case errors.Is(err, scale.ErrIncomplete):
		return OutcomeIncomplete
	default:
		return OutcomeMalformed
	}
}
