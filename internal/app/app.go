// v4
// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bridgeconfig"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/circuitbreaker"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/config"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/dispatch"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/filter"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/history"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/httpserver"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/metrics"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/mqttbus"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/pipeline"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/scale"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/sink/backup"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/sink/events"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/sink/garmin"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/users"
)

// ErrConnect marks a broker connection failure at startup.
var ErrConnect = errors.New("mqtt connect failed")

// bus is the MQTT surface the application drives.
type bus interface {
	bridgeconfig.Transport
	Connect(ctx context.Context) error
	Lost() <-chan error
	Close()
}

// Application wires configuration, logging, the MQTT link, the ingestion
// pipeline, the sinks, the gateway controller and the status API.
type Application struct {
	cfg     config.Config
	logger  *slog.Logger
	logFile *os.File

	bus        bus
	pipeline   *pipeline.Pipeline
	history    *history.Store
	events     *events.Publisher
	controller *bridgeconfig.Controller
	desired    bridgeconfig.Desired

	health *httpserver.HealthState
	server *http.Server
}

// New builds a fully wired application from a validated configuration.
func New(cfg config.Config) (*Application, error) {
	logger, lf, err := openLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return nil, err
	}
	b := mqttbus.New(mqttbus.Config{
		Host:           cfg.MQTT.Host,
		Port:           cfg.MQTT.Port,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.MQTT.ClientID,
		QoS:            byte(cfg.MQTT.QoS),
		KeepAlive:      cfg.MQTT.KeepAlive.Std(),
		ConnectTimeout: cfg.MQTT.ConnectTimeout.Std(),
		AutoReconnect:  cfg.MQTT.AutoReconnect,
	}, logger)
	a, err := build(cfg, logger, b)
	if err != nil {
		if lf != nil {
			_ = lf.Close()
		}
		return nil, err
	}
	a.logFile = lf
	return a, nil
}

func build(cfg config.Config, logger *slog.Logger, b bus) (*Application, error) {
	profiles, err := cfg.Profiles()
	if err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}
	logUsers(logger, profiles, time.Now())

	breakerCfg := circuitbreaker.Config{
		MaxFailures:      cfg.Breaker.MaxFailures,
		ResetTimeout:     cfg.Breaker.ResetTimeout.Std(),
		SuccessesToClose: cfg.Breaker.SuccessesToClose,
	}
	opts := dispatch.Options{Recorder: metrics.SinkRecorder{}}

	if cfg.Garmin.Enabled {
		up := garmin.New(garmin.Config{
			BaseURL:    cfg.Garmin.BaseURL,
			TokensPath: cfg.Garmin.TokensPath,
			Timeout:    cfg.Garmin.Timeout.Std(),
			Breaker:    breakerCfg,
		}, logger)
		watchBreaker(up.Breaker())
		opts.Uploader = up
	}
	if cfg.Backup.Enabled {
		csv, err := backup.NewCSV(cfg.Backup.Path, logger)
		if err != nil {
			return nil, err
		}
		opts.Backup = csv
	}

	store := history.New(cfg.History.Capacity)
	opts.Extra = append(opts.Extra, store)

	var pub *events.Publisher
	if cfg.Events.Enabled {
		pub, err = events.NewPublisher(events.Config{
			Enabled: true,
			Brokers: cfg.Events.Brokers,
			Topic:   cfg.Events.Topic,
			Acks:    cfg.Events.Acks,
			Breaker: circuitbreaker.KafkaSettings{
				Enabled:  cfg.Breaker.Enabled,
				Breaker:  breakerCfg,
				Attempts: cfg.Breaker.Attempts,
				Timeout:  cfg.Breaker.AttemptTimeout.Std(),
				Backoff:  cfg.Breaker.Backoff.Std(),
			},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("events publisher: %w", err)
		}
		if brk := pub.Breaker(); brk != nil {
			watchBreaker(brk)
		}
		opts.Extra = append(opts.Extra, pub)
	}

	pipe := pipeline.New(pipeline.Config{
		Buffer: cfg.MQTT.QueueSize,
		Session: filter.SessionConfig{
			Cooldown:         cfg.Scale.Cooldown.Std(),
			Tolerance:        cfg.Scale.Tolerance,
			RequireImpedance: cfg.Scale.RequireImpedance,
		},
	}, scale.NewDecoder(cfg.Scale.ModelFamily), users.NewResolver(profiles, logger), dispatch.New(opts, logger), logger)

	a := &Application{
		cfg:      cfg,
		logger:   logger,
		bus:      b,
		pipeline: pipe,
		history:  store,
		events:   pub,
		health:   httpserver.NewHealthState(),
	}

	if cfg.OMGBridge.AutoConfigure {
		ctrl, err := bridgeconfig.New(b, bridgeconfig.Options{
			ConfigTopic:   cfg.OMGBridge.ConfigTopic,
			StatusTopic:   cfg.OMGBridge.StatusTopic,
			SnapshotKeys:  cfg.OMGBridge.SnapshotKeys,
			CheckTimeout:  cfg.OMGBridge.CheckTimeout.Std(),
			VerifyTimeout: cfg.OMGBridge.VerifyTimeout.Std(),
			CommandDelay:  cfg.OMGBridge.CommandDelay.Std(),
			SettleDelay:   cfg.OMGBridge.SettleDelay.Std(),
			RetryDelay:    cfg.OMGBridge.RetryDelay.Std(),
			MaxRetries:    cfg.OMGBridge.MaxRetries,
			Verify:        cfg.OMGBridge.Verify,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("bridge config: %w", err)
		}
		names := make([]string, 0, len(bridgeconfig.AllStates))
		for _, s := range bridgeconfig.AllStates {
			names = append(names, string(s))
		}
		ctrl.OnStateChange(func(s bridgeconfig.State) { metrics.SetBridgeConfigState(string(s), names) })
		a.controller = ctrl
		a.desired = desiredSettings(cfg.OMGBridge.Settings)
	}

	if cfg.HTTP.Enabled {
		deps := httpserver.Deps{Health: a.health, History: store}
		if a.controller != nil {
			deps.Bridge = a.controller
		}
		a.server = &http.Server{
			Addr:              cfg.HTTP.ListenAddress,
			Handler:           httpserver.Wrap(logger, httpserver.NewRouter(logger, deps)),
			ReadTimeout:       cfg.HTTP.ReadTimeout.Std(),
			ReadHeaderTimeout: cfg.HTTP.ReadTimeout.Std(),
			WriteTimeout:      cfg.HTTP.WriteTimeout.Std(),
			IdleTimeout:       cfg.HTTP.WriteTimeout.Std(),
		}
	}
	return a, nil
}

// Logger exposes the configured logger.
func (a *Application) Logger() *slog.Logger {
	return a.logger
}

// Run connects, configures the gateway when asked to, then ingests until ctx
// is cancelled or the broker link is lost. Failing to connect or subscribe
// at startup is an error; a lost link ends the run cleanly.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var httpCh chan error
	if a.server != nil {
		httpCh = make(chan error, 1)
		go func() {
			a.logger.Info("http_server_listen", slog.String("address", a.server.Addr))
			err := a.server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			httpCh <- err
		}()
	}

	if err := a.bus.Connect(ctx); err != nil {
		a.shutdownHTTP(httpCh)
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	metrics.SetMQTTConnected(true)
	defer func() {
		a.bus.Close()
		metrics.SetMQTTConnected(false)
	}()

	if a.events != nil {
		if err := a.events.Start(ctx); err != nil {
			a.logger.Error("events_publisher_start_failed", slog.Any("err", err))
		}
		defer a.stopEvents()
	}

	if a.controller != nil {
		res := a.controller.EnsureConfigured(ctx, a.desired)
		metrics.IncBridgeConfigRun(res.OK)
		if res.OK {
			a.logger.Info("bridge_config_done",
				slog.String("state", string(res.State)),
				slog.Int("attempts", res.Attempts),
				slog.Bool("applied", res.Applied),
			)
		} else {
			a.logger.Error("bridge_config_failed",
				slog.String("state", string(res.State)),
				slog.Int("attempts", res.Attempts),
				slog.String("err", res.Error),
				slog.Any("mismatches", res.Mismatches),
			)
		}
	}

	if ctx.Err() != nil {
		a.shutdownHTTP(httpCh)
		a.logger.Info("shutdown_before_ingestion")
		return nil
	}
	if err := a.bus.Subscribe(ctx, a.cfg.MQTT.Topic, a.pipeline.Handle); err != nil {
		a.shutdownHTTP(httpCh)
		return fmt.Errorf("subscribe %s: %w", a.cfg.MQTT.Topic, err)
	}
	a.health.SetReady(true)
	a.logger.Info("ingestion_started", slog.String("topic", a.cfg.MQTT.Topic))

	pipeCh := make(chan error, 1)
	go func() { pipeCh <- a.pipeline.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown_signal")
	case err := <-a.bus.Lost():
		a.logger.Error("mqtt_connection_lost", slog.Any("err", err))
	case err := <-httpCh:
		httpCh = nil
		if err != nil {
			a.logger.Error("http_server_error", slog.Any("err", err))
			runErr = err
		}
	}

	a.health.SetReady(false)
	cancel()
	if err := <-pipeCh; err != nil && runErr == nil {
		runErr = err
	}
	a.shutdownHTTP(httpCh)
	a.logger.Info("shutdown_complete")
	return runErr
}

func (a *Application) shutdownHTTP(httpCh chan error) {
	if a.server == nil || httpCh == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout.Std())
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("server_shutdown_failed", slog.Any("err", err))
	}
	if err := <-httpCh; err != nil {
		a.logger.Error("server_shutdown_error", slog.Any("err", err))
	}
}

func (a *Application) stopEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.events.Stop(ctx); err != nil {
		a.logger.Error("events_publisher_stop_failed", slog.Any("err", err))
	}
}

// Close releases the log file.
func (a *Application) Close() error {
	if a.logFile == nil {
		return nil
	}
	if err := a.logFile.Close(); err != nil {
		return err
	}
	a.logFile = nil
	return nil
}

func watchBreaker(b *circuitbreaker.Breaker) {
	metrics.SetBreakerState(b.Name(), int(b.State()))
	b.OnStateChange(func(name string, s circuitbreaker.State) {
		metrics.SetBreakerState(name, int(s))
	})
}

func desiredSettings(in config.OrderedSettings) bridgeconfig.Desired {
	settings := make([]bridgeconfig.Setting, 0, len(in))
	for _, s := range in {
		settings = append(settings, bridgeconfig.Setting{Key: s.Key, Value: s.Value})
	}
	return bridgeconfig.NewDesired(settings)
}

func logUsers(logger *slog.Logger, profiles []users.Profile, now time.Time) {
	for _, p := range profiles {
		logger.Info("user_loaded",
			slog.String("identity", p.Email),
			slog.String("sex", string(p.Sex)),
			slog.Float64("height_cm", p.HeightCm),
			slog.Int("age", p.Age(now)),
			slog.Float64("min_weight", p.MinWeight),
			slog.Float64("max_weight", p.MaxWeight),
		)
	}
	for _, pair := range users.Overlaps(profiles) {
		logger.Warn("user_bands_overlap",
			slog.String("first", pair[0]),
			slog.String("second", pair[1]),
			slog.String("resolution", "first declared wins"),
		)
	}
	logger.Info("users_summary", slog.Int("count", len(profiles)), slog.String("identities", identities(profiles)))
}

func identities(profiles []users.Profile) string {
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.Email)
	}
	return strings.Join(out, ",")
}

