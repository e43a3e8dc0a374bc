// v0
// cmd/scalebridge/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/app"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/config"
)

func main() {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var configPath string
	flagSet := pflag.NewFlagSet("scalebridge", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", fmt.Sprintf("path to the YAML configuration (env %s, default %s)", config.EnvPath, config.DefaultPath))
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		bootstrap.Error("flag_parse_failed", slog.Any("err", err))
		os.Exit(2)
	}

	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		bootstrap.Error("config_load_failed", slog.Any("err", err))
		os.Exit(1)
	}

	application, err := app.New(cfg)
	if err != nil {
		bootstrap.Error("app_init_failed", slog.Any("err", err))
		os.Exit(1)
	}

	logger := application.Logger()
	logger.Info("service_boot",
		slog.String("config_path", cfg.Path),
		slog.String("broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)),
		slog.String("topic", cfg.MQTT.Topic),
		slog.Int("users", len(cfg.Users)),
		slog.Bool("garmin", cfg.Garmin.Enabled),
		slog.Bool("backup", cfg.Backup.Enabled),
		slog.Bool("events", cfg.Events.Enabled),
		slog.Bool("omg_auto_configure", cfg.OMGBridge.AutoConfigure),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	runErr := application.Run(ctx)
	stop()

	if runErr != nil {
		logger.Error("service_terminated", slog.Any("err", runErr))
	} else {
		logger.Info("service_stopped")
	}
	if cerr := application.Close(); cerr != nil {
		bootstrap.Error("app_close_failed", slog.Any("err", cerr))
	}
	if runErr != nil {
		os.Exit(1)
	}
}
