// v2
// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every runtime setting of the bridge. Values are layered:
// built-in defaults, then the YAML file, then SCALEBRIDGE_* environment
// variables, then validation.
type Config struct {
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Users     []UserConfig  `yaml:"users"`
	Scale     ScaleConfig   `yaml:"scale"`
	Garmin    GarminConfig  `yaml:"garmin"`
	Backup    BackupConfig  `yaml:"backup"`
	Events    EventsConfig  `yaml:"events"`
	History   HistoryConfig `yaml:"history"`
	OMGBridge BridgeConfig  `yaml:"omg_bridge"`
	HTTP      HTTPConfig    `yaml:"http"`
	Breaker   BreakerConfig `yaml:"breaker"`
	Logging   LoggingConfig `yaml:"logging"`

	// Path records the file the configuration was read from.
	Path string `yaml:"-"`
}

// MQTTConfig describes the broker connection and ingestion topic.
type MQTTConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	ClientID       string   `yaml:"client_id"`
	Topic          string   `yaml:"topic"`
	QoS            int      `yaml:"qos"`
	KeepAlive      Duration `yaml:"keepalive"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	AutoReconnect  bool     `yaml:"auto_reconnect"`
	QueueSize      int      `yaml:"queue_size"`
}

// UserConfig is one scale user as written in the file.
type UserConfig struct {
	Email     string  `yaml:"email"`
	Sex       string  `yaml:"sex"`
	Height    float64 `yaml:"height"`
	Birthdate string  `yaml:"birthdate"`
	MinWeight float64 `yaml:"min_weight"`
	MaxWeight float64 `yaml:"max_weight"`
}

// ScaleConfig tunes decoding and the session filter.
type ScaleConfig struct {
	ModelFamily      string   `yaml:"model_family"`
	Cooldown         Duration `yaml:"cooldown"`
	Tolerance        float64  `yaml:"tolerance"`
	RequireImpedance bool     `yaml:"require_impedance"`
}

// GarminConfig enables the upload sink.
type GarminConfig struct {
	Enabled    bool     `yaml:"enabled"`
	TokensPath string   `yaml:"tokens_path"`
	BaseURL    string   `yaml:"base_url"`
	Timeout    Duration `yaml:"timeout"`
}

// BackupConfig enables the CSV sink.
type BackupConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// EventsConfig enables the Kafka measurement stream.
type EventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Acks    int      `yaml:"acks"`
}

// HistoryConfig sizes the in-memory measurement buffer.
type HistoryConfig struct {
	Capacity int `yaml:"capacity"`
}

// BridgeConfig drives the gateway configuration controller.
type BridgeConfig struct {
	AutoConfigure bool            `yaml:"auto_configure"`
	ConfigTopic   string          `yaml:"config_topic"`
	StatusTopic   string          `yaml:"status_topic"`
	Settings      OrderedSettings `yaml:"settings"`
	SnapshotKeys  []string        `yaml:"snapshot_keys"`
	CheckTimeout  Duration        `yaml:"check_timeout"`
	VerifyTimeout Duration        `yaml:"verify_timeout"`
	CommandDelay  Duration        `yaml:"command_delay"`
	SettleDelay   Duration        `yaml:"settle_delay"`
	RetryDelay    Duration        `yaml:"retry_delay"`
	MaxRetries    int             `yaml:"max_retries"`
	Verify        bool            `yaml:"verify"`
}

// HTTPConfig controls the operational HTTP server.
type HTTPConfig struct {
	Enabled         bool     `yaml:"enabled"`
	ListenAddress   string   `yaml:"listen_address"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// BreakerConfig tunes the circuit breakers around Garmin and Kafka.
type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	MaxFailures      int      `yaml:"max_failures"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
	SuccessesToClose int      `yaml:"successes_to_close"`
	Attempts         int      `yaml:"attempts"`
	AttemptTimeout   Duration `yaml:"attempt_timeout"`
	Backoff          Duration `yaml:"backoff"`
}

// LoggingConfig selects level, format and the optional log file.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

const (
	// DefaultPath is used when neither the flag nor SCALEBRIDGE_CONFIG is set.
	DefaultPath = "config/config.yaml"
	// EnvPath overrides the configuration file location.
	EnvPath = "SCALEBRIDGE_CONFIG"
)

// Defaults returns the configuration used before the file is applied.
func Defaults() Config {
	return Config{
		MQTT: MQTTConfig{
			Port:           1883,
			ClientID:       "scalebridge",
			Topic:          "home/+/BTtoMQTT/#",
			KeepAlive:      Duration(30 * time.Second),
			ConnectTimeout: Duration(10 * time.Second),
			AutoReconnect:  true,
			QueueSize:      64,
		},
		Scale: ScaleConfig{
			ModelFamily:      "XMTZC",
			Cooldown:         Duration(30 * time.Second),
			Tolerance:        0.1,
			RequireImpedance: true,
		},
		Garmin: GarminConfig{
			Enabled:    true,
			TokensPath: "tokens",
			BaseURL:    "https://connectapi.garmin.com",
			Timeout:    Duration(30 * time.Second),
		},
		Backup: BackupConfig{
			Enabled: false,
			Path:    "backup",
		},
		Events: EventsConfig{
			Topic: "scale.measurements",
			Acks:  -1,
		},
		History: HistoryConfig{
			Capacity: 50,
		},
		OMGBridge: BridgeConfig{
			CheckTimeout:  Duration(10 * time.Second),
			VerifyTimeout: Duration(15 * time.Second),
			CommandDelay:  Duration(2 * time.Second),
			SettleDelay:   Duration(5 * time.Second),
			RetryDelay:    Duration(3 * time.Second),
			MaxRetries:    2,
			Verify:        true,
		},
		HTTP: HTTPConfig{
			Enabled:         true,
			ListenAddress:   ":8090",
			ReadTimeout:     Duration(5 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			MaxFailures:      5,
			ResetTimeout:     Duration(60 * time.Second),
			SuccessesToClose: 1,
			Attempts:         3,
			AttemptTimeout:   Duration(5 * time.Second),
			Backoff:          Duration(500 * time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "logs/scalebridge.log",
		},
	}
}

// ResolvePath picks the configuration file: explicit flag value first,
// then SCALEBRIDGE_CONFIG, then DefaultPath.
func ResolvePath(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v, ok := lookupEnvTrimmed(EnvPath); ok && v != "" {
		return v
	}
	return DefaultPath
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. A missing file is an error: the bridge cannot run
// without users.
func Load(path string) (Config, error) {
	cfg := Defaults()
	cfg.Path = filepath.Clean(path)

	raw, err := os.ReadFile(cfg.Path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", cfg.Path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", cfg.Path, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", cfg.Path, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_MQTT_HOST"); ok {
		if v == "" {
			return errors.New("SCALEBRIDGE_MQTT_HOST cannot be empty")
		}
		cfg.MQTT.Host = v
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_MQTT_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCALEBRIDGE_MQTT_PORT: %w", err)
		}
		cfg.MQTT.Port = n
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_MQTT_USERNAME"); ok {
		cfg.MQTT.Username = v
	}
	if v, ok := os.LookupEnv("SCALEBRIDGE_MQTT_PASSWORD"); ok {
		cfg.MQTT.Password = v
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_MQTT_TOPIC"); ok {
		if v == "" {
			return errors.New("SCALEBRIDGE_MQTT_TOPIC cannot be empty")
		}
		cfg.MQTT.Topic = v
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_GARMIN_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SCALEBRIDGE_GARMIN_ENABLED: %w", err)
		}
		cfg.Garmin.Enabled = b
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_GARMIN_TOKENS_PATH"); ok {
		cfg.Garmin.TokensPath = v
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_BACKUP_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SCALEBRIDGE_BACKUP_ENABLED: %w", err)
		}
		cfg.Backup.Enabled = b
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_BACKUP_PATH"); ok {
		cfg.Backup.Path = v
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_EVENTS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SCALEBRIDGE_EVENTS_ENABLED: %w", err)
		}
		cfg.Events.Enabled = b
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_EVENTS_BROKERS"); ok {
		cfg.Events.Brokers = splitAndTrim(v)
	} else if v, ok := lookupEnvTrimmed("KAFKA_BROKERS"); ok {
		cfg.Events.Brokers = splitAndTrim(v)
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_OMG_AUTO_CONFIGURE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SCALEBRIDGE_OMG_AUTO_CONFIGURE: %w", err)
		}
		cfg.OMGBridge.AutoConfigure = b
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_HTTP_LISTEN_ADDRESS"); ok {
		if v == "" {
			return errors.New("SCALEBRIDGE_HTTP_LISTEN_ADDRESS cannot be empty")
		}
		cfg.HTTP.ListenAddress = v
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_LOG_LEVEL"); ok {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_LOG_FORMAT"); ok {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v, ok := lookupEnvTrimmed("SCALEBRIDGE_LOG_FILE"); ok {
		cfg.Logging.File = v
	}
	return nil
}

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
