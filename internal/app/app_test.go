// v0
// internal/app/app_test.go
package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bridgeconfig"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/config"
)

const (
	ingestTopic = "home/+/BTtoMQTT/#"
	configTopic = "home/OMG_ESP32_BLE/commands/MQTTtoBT/config"
	statusTopic = "home/OMG_ESP32_BLE/BTtoMQTT"
)

type fakeBus struct {
	connectErr error
	snapshot   map[string]any

	mu         sync.Mutex
	handlers   map[string]func(string, []byte)
	published  []string
	closed     bool
	lost       chan error
	subscribed chan string
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers:   make(map[string]func(string, []byte)),
		lost:       make(chan error, 1),
		subscribed: make(chan string, 8),
	}
}

func (b *fakeBus) Connect(context.Context) error { return b.connectErr }
func (b *fakeBus) Lost() <-chan error            { return b.lost }

func (b *fakeBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *fakeBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	b.published = append(b.published, string(payload))
	h := b.handlers[statusTopic]
	b.mu.Unlock()
	if topic == configTopic && strings.Contains(string(payload), `"dump"`) && h != nil && b.snapshot != nil {
		raw, _ := json.Marshal(b.snapshot)
		go h(statusTopic, raw)
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, topic string, handler func(string, []byte)) error {
	b.mu.Lock()
	b.handlers[topic] = handler
	b.mu.Unlock()
	b.subscribed <- topic
	return nil
}

func (b *fakeBus) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	delete(b.handlers, topic)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) handler(topic string) func(string, []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[topic]
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.MQTT.Host = "broker.lan"
	cfg.Users = []config.UserConfig{
		{Email: "him@example.com", Sex: "male", Height: 180, Birthdate: "15-06-1984", MinWeight: 70.01, MaxWeight: 95},
	}
	cfg.Garmin.Enabled = false
	cfg.HTTP.Enabled = false
	return cfg
}

// newForTest builds an application around a provided bus and log writer.
func newForTest(t *testing.T, cfg config.Config, w io.Writer, b bus) *Application {
	t.Helper()
	cfg.Logging.File = ""
	logger, _, err := openLogger(cfg.Logging, w)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	a, err := build(cfg, logger, b)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return a
}

func waitSubscribed(t *testing.T, b *fakeBus, topic string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-b.subscribed:
			if got == topic {
				return
			}
		case <-deadline:
			t.Fatalf("no subscription to %s", topic)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return")
		return nil
	}
}

func TestRunConfiguresGatewayThenIngests(t *testing.T) {
	cfg := testConfig()
	cfg.OMGBridge.AutoConfigure = true
	cfg.OMGBridge.ConfigTopic = configTopic
	cfg.OMGBridge.StatusTopic = statusTopic
	cfg.OMGBridge.Settings = config.OrderedSettings{{Key: "interval", Value: 3000}, {Key: "save", Value: true}}

	b := newFakeBus()
	b.snapshot = map[string]any{"interval": 3000, "intervalcnct": 3600000, "bleconnect": false}
	a := newForTest(t, cfg, io.Discard, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitSubscribed(t, b, ingestTopic)
	waitFor(t, "readiness", a.health.Ready)
	last, ok := a.controller.Last()
	if !ok || !last.OK || last.State != bridgeconfig.StateMatched {
		t.Fatalf("expected matched gateway, got %+v", last)
	}

	b.handler(ingestTopic)("home/OMG_ESP32_BLE/BTtoMQTT/C8478C000001",
		[]byte(`{"id":"C8:47:8C:00:00:01","model_id":"XMTZC05HM","weighing_mode":"person","unit":"kg","weight":82.4,"impedance":510}`))

	waitFor(t, "history entry", func() bool { return len(a.history.ForIdentity("him@example.com", 0)) == 1 })

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		t.Fatalf("expected bus closed on shutdown")
	}
	if len(b.published) != 1 || !strings.Contains(b.published[0], "dump") {
		t.Fatalf("matched gateway must only see the dump request, got %v", b.published)
	}
	if a.health.Ready() {
		t.Fatalf("expected not ready after shutdown")
	}
}

func TestRunConnectFailure(t *testing.T) {
	b := newFakeBus()
	b.connectErr = errors.New("connection refused")
	a := newForTest(t, testConfig(), io.Discard, b)

	err := a.Run(context.Background())
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

func TestRunEndsOnLostConnection(t *testing.T) {
	b := newFakeBus()
	a := newForTest(t, testConfig(), io.Discard, b)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	waitSubscribed(t, b, ingestTopic)
	b.lost <- errors.New("EOF")

	if err := waitRun(t, done); err != nil {
		t.Fatalf("expected clean exit after lost link, got %v", err)
	}
}

func TestBuildRejectsInvalidUsers(t *testing.T) {
	cfg := testConfig()
	cfg.Users[0].Birthdate = "1984-06-15"
	logger, _, err := openLogger(cfg.Logging, io.Discard)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	if _, err := build(cfg, logger, newFakeBus()); err == nil {
		t.Fatalf("expected error for invalid birthdate")
	}
}

func TestStartupLogsOverlappingBands(t *testing.T) {
	cfg := testConfig()
	cfg.Users = append(cfg.Users, config.UserConfig{Email: "her@example.com", Sex: "female", Height: 165, Birthdate: "02-11-1990", MinWeight: 45, MaxWeight: 72})
	cfg.Users[0].MinWeight = 70
	var buf bytes.Buffer
	newForTest(t, cfg, &buf, newFakeBus())

	out := buf.String()
	for _, want := range []string{"user_loaded", "user_bands_overlap", "users_summary"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in startup log", want)
		}
	}
}

func TestOpenLoggerTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")
	var stdout bytes.Buffer
	logger, lf, err := openLogger(config.LoggingConfig{Level: "warn", Format: "json", File: path}, &stdout)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer lf.Close()

	logger.Info("hidden_event")
	logger.With("component", "test").Warn("visible_event")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for name, out := range map[string]string{"stdout": stdout.String(), "file": string(raw)} {
		if strings.Contains(out, "hidden_event") {
			t.Errorf("%s: info must be filtered at warn level", name)
		}
		if !strings.Contains(out, `"msg":"visible_event"`) || !strings.Contains(out, `"component":"test"`) {
			t.Errorf("%s: missing warn record: %s", name, out)
		}
	}
}
