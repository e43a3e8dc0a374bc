// v2
// internal/bridgeconfig/controller.go
package bridgeconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Transport is the subset of the MQTT client the controller needs.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(ctx context.Context, topic string) error
}

// LiveSubscriber is implemented by transports that can skip retained
// deliveries. Status snapshots are read through it when available.
type LiveSubscriber interface {
	SubscribeLive(ctx context.Context, topic string, handler func(topic string, payload []byte)) error
}

// Options tunes the protocol. Zero durations fall back to defaults.
type Options struct {
	ConfigTopic   string
	StatusTopic   string
	SnapshotKeys  []string
	CheckTimeout  time.Duration
	VerifyTimeout time.Duration
	CommandDelay  time.Duration
	SettleDelay   time.Duration
	RetryDelay    time.Duration
	MaxRetries    int
	Verify        bool
}

// DefaultOptions mirrors the gateway firmware's known timings.
func DefaultOptions() Options {
	return Options{
		SnapshotKeys:  DefaultSnapshotKeys,
		CheckTimeout:  10 * time.Second,
		VerifyTimeout: 15 * time.Second,
		CommandDelay:  2 * time.Second,
		SettleDelay:   5 * time.Second,
		RetryDelay:    3 * time.Second,
		MaxRetries:    2,
		Verify:        true,
	}
}

// Controller drives the check, apply, verify and retry protocol against a
// gateway that only answers asynchronously on its status topic.
type Controller struct {
	tr   Transport
	opts Options
	log  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu      sync.Mutex
	waiters map[string]chan Observed
	state   State
	last    *Result
	onState func(State)
}

// New builds a controller.
func New(tr Transport, opts Options, log *slog.Logger) (*Controller, error) {
	if tr == nil {
		return nil, errors.New("bridgeconfig: transport is required")
	}
	if opts.ConfigTopic == "" || opts.StatusTopic == "" {
		return nil, errors.New("bridgeconfig: config and status topics are required")
	}
	def := DefaultOptions()
	if len(opts.SnapshotKeys) == 0 {
		opts.SnapshotKeys = def.SnapshotKeys
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = def.CheckTimeout
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = def.VerifyTimeout
	}
	if opts.CommandDelay < 0 {
		opts.CommandDelay = 0
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		tr:      tr,
		opts:    opts,
		log:     log.With(slog.String("component", "bridge_config")),
		sleep:   sleepCtx,
		now:     time.Now,
		waiters: make(map[string]chan Observed),
		state:   StateIdle,
	}, nil
}

// OnStateChange registers a callback fired on every transition.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current protocol state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Last returns the most recent finished result.
func (c *Controller) Last() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// Check requests a settings dump and waits up to timeout for a snapshot.
// ok is false when no snapshot arrived in time.
func (c *Controller) Check(ctx context.Context, timeout time.Duration) (Observed, bool) {
	token := uuid.NewString()
	ch := make(chan Observed, 1)

	c.mu.Lock()
	c.waiters[token] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, token)
		c.mu.Unlock()
	}()

	subscribe := c.tr.Subscribe
	if ls, ok := c.tr.(LiveSubscriber); ok {
		subscribe = ls.SubscribeLive
	}
	if err := subscribe(ctx, c.opts.StatusTopic, c.handleStatus); err != nil {
		c.log.Error("bridge_status_subscribe_failed", slog.String("topic", c.opts.StatusTopic), slog.Any("err", err))
		return nil, false
	}
	defer func() {
		if err := c.tr.Unsubscribe(context.WithoutCancel(ctx), c.opts.StatusTopic); err != nil {
			c.log.Warn("bridge_status_unsubscribe_failed", slog.String("topic", c.opts.StatusTopic), slog.Any("err", err))
		}
	}()

	if err := c.publishJSON(ctx, map[string]any{"dump": true}); err != nil {
		c.log.Error("bridge_dump_request_failed", slog.Any("err", err))
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case obs := <-ch:
		c.log.Debug("bridge_snapshot_received", slog.String("token", token), slog.Any("keys", sortedKeys(obs)))
		return obs, true
	case <-timer.C:
		c.log.Warn("bridge_snapshot_timeout", slog.String("token", token), slog.Duration("timeout", timeout))
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (c *Controller) handleStatus(topic string, payload []byte) {
	var obs Observed
	if err := json.Unmarshal(payload, &obs); err != nil {
		return
	}
	if !isSnapshot(obs, c.opts.SnapshotKeys) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.waiters {
		select {
		case ch <- obs:
		default:
		}
	}
}

// Apply publishes every setting in declared order, then the save command,
// then waits the settle delay. Nothing is published once ctx is done.
func (c *Controller) Apply(ctx context.Context, desired Desired) error {
	for i, s := range desired.Settings {
		if i > 0 {
			if err := c.sleep(ctx, c.opts.CommandDelay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.publishJSON(ctx, map[string]any{s.Key: s.Value}); err != nil {
			return fmt.Errorf("apply %s: %w", s.Key, err)
		}
		c.log.Info("bridge_setting_sent", slog.String("key", s.Key), slog.Any("value", s.Value))
	}
	if desired.Save {
		if len(desired.Settings) > 0 {
			if err := c.sleep(ctx, c.opts.CommandDelay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.publishJSON(ctx, map[string]any{SaveKey: true}); err != nil {
			return fmt.Errorf("apply save: %w", err)
		}
		c.log.Info("bridge_settings_saved")
	}
	return c.sleep(ctx, c.opts.SettleDelay)
}

// Configure runs a single check, apply and verify attempt.
func (c *Controller) Configure(ctx context.Context, desired Desired) Result {
	res := c.attempt(ctx, desired, false)
	res.Attempts = 1
	return c.finish(res)
}

// EnsureConfigured retries Configure up to MaxRetries extra times. Retries
// always re-apply, since single commands can be dropped silently.
func (c *Controller) EnsureConfigured(ctx context.Context, desired Desired) Result {
	var res Result
	total := c.opts.MaxRetries + 1
	for attempt := 1; attempt <= total; attempt++ {
		if attempt > 1 {
			c.log.Warn("bridge_config_retry", slog.Int("attempt", attempt), slog.Int("of", total))
			if err := c.sleep(ctx, c.opts.RetryDelay); err != nil {
				res.Error = err.Error()
				break
			}
		}
		res = c.attempt(ctx, desired, attempt > 1)
		res.Attempts = attempt
		if res.OK || ctx.Err() != nil {
			break
		}
	}
	if !res.OK {
		c.log.Error("bridge_config_failed", slog.Int("attempts", res.Attempts), slog.Any("mismatches", res.Mismatches), slog.String("err", res.Error))
	}
	return c.finish(res)
}

func (c *Controller) attempt(ctx context.Context, desired Desired, force bool) Result {
	c.transition(StateCheckingCurrent)
	obs, ok := c.Check(ctx, c.opts.CheckTimeout)
	if err := ctx.Err(); err != nil {
		c.transition(StateFailed)
		return Result{State: StateFailed, Error: err.Error()}
	}
	mismatches := Mismatches(desired, obs)
	if ok && len(mismatches) == 0 && !force {
		c.transition(StateMatched)
		c.log.Info("bridge_config_matched", slog.Int("settings", len(desired.Settings)))
		return Result{OK: true, State: StateMatched}
	}

	c.transition(StateMismatched)
	c.log.Info("bridge_config_mismatch",
		slog.Bool("snapshot", ok),
		slog.Any("keys", mismatches),
		slog.Bool("forced", force),
	)

	c.transition(StateApplying)
	if err := c.Apply(ctx, desired); err != nil {
		c.transition(StateFailed)
		return Result{State: StateFailed, Mismatches: mismatches, Error: err.Error()}
	}
	if !c.opts.Verify {
		c.transition(StateVerified)
		return Result{OK: true, State: StateVerified, Applied: true}
	}

	c.transition(StateVerifying)
	obs, ok = c.Check(ctx, c.opts.VerifyTimeout)
	if err := ctx.Err(); err != nil {
		c.transition(StateFailed)
		return Result{State: StateFailed, Applied: true, Error: err.Error()}
	}
	if !ok {
		c.transition(StateFailed)
		return Result{State: StateFailed, Applied: true, Mismatches: Mismatches(desired, nil), Error: "no snapshot after apply"}
	}
	if mismatches = Mismatches(desired, obs); len(mismatches) > 0 {
		c.transition(StateFailed)
		return Result{State: StateFailed, Applied: true, Mismatches: mismatches, Error: "settings did not stick"}
	}
	c.transition(StateVerified)
	return Result{OK: true, State: StateVerified, Applied: true, Verified: true}
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	fn := c.onState
	c.mu.Unlock()
	c.log.Debug("bridge_config_state", slog.String("from", string(from)), slog.String("to", string(to)))
	if fn != nil {
		fn(to)
	}
}

func (c *Controller) finish(res Result) Result {
	res.FinishedAt = c.now()
	c.mu.Lock()
	c.last = &res
	c.mu.Unlock()
	return res
}

func (c *Controller) publishJSON(ctx context.Context, v map[string]any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.tr.Publish(ctx, c.opts.ConfigTopic, payload)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
