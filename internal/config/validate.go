// v0
// internal/config/validate.go
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bodycomp"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/users"
)

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.MQTT.Host) == "" {
		errs = append(errs, errors.New("mqtt.host is required"))
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if strings.TrimSpace(c.MQTT.Topic) == "" {
		errs = append(errs, errors.New("mqtt.topic is required"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}

	if len(c.Users) == 0 {
		errs = append(errs, errors.New("at least one user is required"))
	} else if _, err := c.Profiles(); err != nil {
		errs = append(errs, err)
	}

	if c.Scale.Tolerance < 0 {
		errs = append(errs, errors.New("scale.tolerance must not be negative"))
	}
	if c.Garmin.Enabled && strings.TrimSpace(c.Garmin.TokensPath) == "" {
		errs = append(errs, errors.New("garmin.tokens_path is required when garmin is enabled"))
	}
	if c.Backup.Enabled && strings.TrimSpace(c.Backup.Path) == "" {
		errs = append(errs, errors.New("backup.path is required when backup is enabled"))
	}
	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			errs = append(errs, errors.New("events.brokers is required when events are enabled"))
		}
		if strings.TrimSpace(c.Events.Topic) == "" {
			errs = append(errs, errors.New("events.topic is required when events are enabled"))
		}
	}
	if c.OMGBridge.AutoConfigure {
		if strings.TrimSpace(c.OMGBridge.ConfigTopic) == "" || strings.TrimSpace(c.OMGBridge.StatusTopic) == "" {
			errs = append(errs, errors.New("omg_bridge.config_topic and omg_bridge.status_topic are required"))
		}
		if len(c.OMGBridge.Settings) == 0 {
			errs = append(errs, errors.New("omg_bridge.settings must not be empty"))
		}
		if c.OMGBridge.MaxRetries < 0 {
			errs = append(errs, errors.New("omg_bridge.max_retries must not be negative"))
		}
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.ListenAddress) == "" {
		errs = append(errs, errors.New("http.listen_address is required when http is enabled"))
	}
	if c.Breaker.Attempts < 1 {
		errs = append(errs, errors.New("breaker.attempts must be >= 1"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Profiles converts the configured users, in declaration order.
func (c Config) Profiles() ([]users.Profile, error) {
	out := make([]users.Profile, 0, len(c.Users))
	var errs []error
	for i, u := range c.Users {
		sex, err := bodycomp.ParseSex(u.Sex)
		if err != nil {
			errs = append(errs, fmt.Errorf("users[%d]: %w", i, err))
			continue
		}
		birth, err := users.ParseBirthdate(u.Birthdate)
		if err != nil {
			errs = append(errs, fmt.Errorf("users[%d]: %w", i, err))
			continue
		}
		p := users.Profile{
			Email:     strings.TrimSpace(u.Email),
			Sex:       sex,
			HeightCm:  u.Height,
			Birthdate: birth,
			MinWeight: u.MinWeight,
			MaxWeight: u.MaxWeight,
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("users[%d]: %w", i, err))
			continue
		}
		out = append(out, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
