// v1
// internal/circuitbreaker/circuitbreaker.go
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State enumerates the breaker positions.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Config holds the breaker tunables.
type Config struct {
	MaxFailures      int           // number of consecutive failures before opening
	ResetTimeout     time.Duration // how long to wait before probing again
	SuccessesToClose int           // number of successes required in HalfOpen before closing
}

// Breaker guards an unreliable dependency. Once MaxFailures consecutive calls
// fail it fast-fails until ResetTimeout has elapsed, then runs the optional
// probe and lets calls through in HalfOpen until SuccessesToClose of them pass.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	recentFails int
	halfOpenOK  int
	openedAt    time.Time
	now         func() time.Time

	probe    func(ctx context.Context) error
	onChange func(name string, s State)
}

// New builds a breaker. A nil logger discards breaker logs.
func New(name string, cfg Config, probe func(ctx context.Context) error, logger *slog.Logger) *Breaker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessesToClose < 1 {
		cfg.SuccessesToClose = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With(slog.String("breaker", name)),
		state:  Closed,
		probe:  probe,
		now:    time.Now,
	}
	b.logger.Info("breaker_created", "state", b.state.String(), "maxFailures", cfg.MaxFailures, "resetTimeout", cfg.ResetTimeout.String())
	return b
}

// OnStateChange registers a callback fired after every transition. It is used
// to export the breaker position as a metric.
func (b *Breaker) OnStateChange(fn func(name string, s State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Execute runs op under breaker protection.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	state := b.state
	openedAt := b.openedAt
	b.mu.Unlock()

	switch state {
	case Open:
		if b.now().Sub(openedAt) < b.cfg.ResetTimeout {
			b.logger.Warn("breaker_fast_fail", "since_open", b.now().Sub(openedAt).String())
			return ErrOpen
		}
		return b.tryProbeThenOp(ctx, op)
	case HalfOpen:
		return b.halfOpenOp(ctx, op)
	}

	err := op(ctx)
	if err == nil {
		b.onSuccess()
		return nil
	}
	b.onFailure(err)
	if b.State() == Open {
		return ErrOpen
	}
	return err
}

func (b *Breaker) tryProbeThenOp(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	had := b.recentFails
	b.setStateLocked(HalfOpen)
	b.halfOpenOK = 0
	b.mu.Unlock()
	b.logger.Info("breaker_probe_start", "previous_failures", had)

	if b.probe != nil {
		if err := b.probe(ctx); err != nil {
			b.logger.Warn("breaker_probe_failed", "error", err.Error())
			b.mu.Lock()
			b.setStateLocked(Open)
			b.openedAt = b.now()
			b.mu.Unlock()
			return ErrOpen
		}
		b.logger.Info("breaker_probe_ok")
	}
	return b.halfOpenOp(ctx, op)
}

func (b *Breaker) halfOpenOp(ctx context.Context, op func(ctx context.Context) error) error {
	if err := op(ctx); err != nil {
		b.logger.Warn("breaker_halfopen_op_failed", "error", err.Error())
		b.mu.Lock()
		b.setStateLocked(Open)
		b.openedAt = b.now()
		b.recentFails++
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	b.halfOpenOK++
	closed := b.halfOpenOK >= b.cfg.SuccessesToClose
	if closed {
		b.setStateLocked(Closed)
		b.recentFails = 0
		b.halfOpenOK = 0
	}
	b.mu.Unlock()
	if closed {
		b.logger.Info("breaker_closed_after_probe")
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFails = 0
	b.logger.Debug("operation_success")
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFails++
	b.logger.Warn("operation_failure", "failures", b.recentFails, "error", err.Error())
	if b.recentFails >= b.cfg.MaxFailures {
		b.setStateLocked(Open)
		b.openedAt = b.now()
		b.logger.Error("breaker_opened", "maxFailures", b.cfg.MaxFailures)
	}
}

// setStateLocked must be called with b.mu held.
func (b *Breaker) setStateLocked(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(b.name, s)
	}
}

// State reports the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}
