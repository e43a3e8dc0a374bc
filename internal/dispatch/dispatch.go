// v1
// internal/dispatch/dispatch.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bodycomp"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/scale"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/users"
)

// Measurement is an accepted, attributed reading with its metrics.
type Measurement struct {
	ID      string
	Reading scale.Reading
	Profile users.Profile
	Metrics bodycomp.Metrics
}

// Identity is the profile email the measurement belongs to.
func (m Measurement) Identity() string { return m.Profile.Email }

// Timestamp is the reading time.
func (m Measurement) Timestamp() time.Time { return m.Reading.Timestamp }

// Uploader is the health-service sink. Authenticate is called with the
// resolved identity right before every Upload.
type Uploader interface {
	Authenticate(ctx context.Context, identity string) error
	Upload(ctx context.Context, ts time.Time, m bodycomp.Metrics) error
}

// Backup is the append-only record sink.
type Backup interface {
	Append(ctx context.Context, identity string, ts time.Time, m bodycomp.Metrics) error
}

// Sink is any additional consumer of dispatched measurements.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, m Measurement) error
}

// Status is the per-sink outcome.
type Status string

const (
	StatusDelivered  Status = "delivered"
	StatusDisabled   Status = "disabled"
	StatusAuthFailed Status = "auth_failed"
	StatusFailed     Status = "failed"
)

// Outcome records what happened in one sink.
type Outcome struct {
	Sink   string
	Status Status
	Err    error
}

// Report collects the outcomes of one Dispatch call in sink order.
type Report struct {
	Outcomes []Outcome
}

// Status returns the outcome for sink, if it ran.
func (r Report) Status(sink string) (Status, bool) {
	for _, o := range r.Outcomes {
		if o.Sink == sink {
			return o.Status, true
		}
	}
	return "", false
}

// Recorder observes sink outcomes, typically for metrics.
type Recorder interface {
	SinkResult(sink string, status string, elapsed time.Duration)
}

// Names of the built-in sinks.
const (
	SinkUpload = "upload"
	SinkBackup = "backup"
)

// ErrSinkPanic wraps a recovered panic from a sink.
var ErrSinkPanic = errors.New("sink panicked")

// Options wires the sinks. Nil sinks are disabled.
type Options struct {
	Uploader    Uploader
	Backup      Backup
	Extra       []Sink
	Recorder    Recorder
	SinkTimeout time.Duration
}

// Dispatcher fans a measurement out to independent sinks. A failure in one
// sink never prevents or alters the others.
type Dispatcher struct {
	opts Options
	log  *slog.Logger
}

// New builds a dispatcher.
func New(opts Options, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{opts: opts, log: log.With(slog.String("component", "dispatch"))}
}

// Dispatch delivers m to every sink. The shutdown signal carried by ctx is
// detached so in-flight writes finish; SinkTimeout still bounds each sink.
func (d *Dispatcher) Dispatch(ctx context.Context, m Measurement) Report {
	ctx = context.WithoutCancel(ctx)
	var rep Report

	rep.Outcomes = append(rep.Outcomes, d.run(ctx, SinkUpload, m, d.opts.Uploader != nil, func(ctx context.Context) (Status, error) {
		if err := d.opts.Uploader.Authenticate(ctx, m.Identity()); err != nil {
			return StatusAuthFailed, err
		}
		if err := d.opts.Uploader.Upload(ctx, m.Timestamp(), m.Metrics); err != nil {
			return StatusFailed, err
		}
		return StatusDelivered, nil
	}))

	rep.Outcomes = append(rep.Outcomes, d.run(ctx, SinkBackup, m, d.opts.Backup != nil, func(ctx context.Context) (Status, error) {
		if err := d.opts.Backup.Append(ctx, m.Identity(), m.Timestamp(), m.Metrics); err != nil {
			return StatusFailed, err
		}
		return StatusDelivered, nil
	}))

	for _, s := range d.opts.Extra {
		s := s
		rep.Outcomes = append(rep.Outcomes, d.run(ctx, s.Name(), m, true, func(ctx context.Context) (Status, error) {
			if err := s.Deliver(ctx, m); err != nil {
				return StatusFailed, err
			}
			return StatusDelivered, nil
		}))
	}
	return rep
}

func (d *Dispatcher) run(ctx context.Context, sink string, m Measurement, enabled bool, fn func(context.Context) (Status, error)) Outcome {
	if !enabled {
		d.log.Debug("sink_disabled", slog.String("sink", sink))
		d.record(sink, StatusDisabled, 0)
		return Outcome{Sink: sink, Status: StatusDisabled}
	}

	if d.opts.SinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.SinkTimeout)
		defer cancel()
	}

	start := time.Now()
	status, err := safeCall(ctx, fn)
	elapsed := time.Since(start)
	d.record(sink, status, elapsed)

	attrs := []any{
		slog.String("sink", sink),
		slog.String("identity", m.Identity()),
		slog.Time("timestamp", m.Timestamp()),
		slog.String("measurement_id", m.ID),
		slog.Duration("elapsed", elapsed),
	}
	if err != nil {
		d.log.Error("sink_failed", append(attrs, slog.String("status", string(status)), slog.Any("err", err))...)
		return Outcome{Sink: sink, Status: status, Err: err}
	}
	d.log.Info("sink_delivered", attrs...)
	return Outcome{Sink: sink, Status: status}
}

func (d *Dispatcher) record(sink string, status Status, elapsed time.Duration) {
	if d.opts.Recorder != nil {
		d.opts.Recorder.SinkResult(sink, string(status), elapsed)
	}
}

func safeCall(ctx context.Context, fn func(context.Context) (Status, error)) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = StatusFailed
			err = fmt.Errorf("%w: %v", ErrSinkPanic, r)
		}
	}()
	return fn(ctx)
}
