package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"ajnotify/internal/ns"
)

// Defaults applied by the accessors below.
const (
	DefaultBusDriver      = "dbus"
	DefaultBusAddress     = "session"
	DefaultSessionTimeout = 10 * time.Second
	DefaultScheduleTTL    = time.Hour
	DefaultScheduleLang   = "en"
)

// specParser accepts 5-field and 6-field (with seconds) specs and descriptors.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks cross-field rules the decoder can't express. It never mutates cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch d := cfg.BusDriver(); d {
	case "dbus", "mem":
	default:
		errs = append(errs, fmt.Errorf("bus.driver: unknown driver %q", d))
	}

	if cfg.Producer.Enabled {
		if _, err := cfg.About.ParseAppID(); err != nil {
			errs = append(errs, err)
		}
		for k, v := range map[string]string{
			"about.app_name":    cfg.About.AppName,
			"about.device_id":   cfg.About.DeviceID,
			"about.device_name": cfg.About.DeviceName,
		} {
			if strings.TrimSpace(v) == "" {
				errs = append(errs, fmt.Errorf("%s is required when the producer is enabled", k))
			}
		}
	}
	if cfg.Producer.DismissRatePerSec < 0 || cfg.Consumer.DismissRatePerSec < 0 {
		errs = append(errs, errors.New("dismiss_rate_per_sec must be >= 0"))
	}
	if _, err := ParseDuration("consumer.session_timeout", cfg.Consumer.SessionTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.Tasks.Workers < 0 || cfg.Tasks.QueueSize < 0 {
		errs = append(errs, errors.New("tasks: workers and queue_size must be >= 0"))
	}

	if s := cfg.Storage; s != nil {
		if _, err := ParseDuration("storage.busy_timeout", s.BusyTimeout, 0); err != nil {
			errs = append(errs, err)
		}
	}

	seen := map[string]bool{}
	for i, s := range cfg.Schedules {
		if err := validateSchedule(s); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: %w", i, err))
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("schedules[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	if len(cfg.Schedules) > 0 && !cfg.Producer.Enabled {
		errs = append(errs, errors.New("schedules need producer.enabled"))
	}

	if t := cfg.Telegram; t != nil && t.Enabled {
		if strings.TrimSpace(t.Token) == "" || t.ChatID == 0 {
			errs = append(errs, errors.New("telegram: token and chat_id are required"))
		}
		if t.RatePerSec < 0 {
			errs = append(errs, errors.New("telegram.rate_per_sec must be >= 0"))
		}
		for _, c := range t.Categories {
			if _, err := ns.ParseCategory(c); err != nil {
				errs = append(errs, fmt.Errorf("telegram.categories: %w", err))
			}
		}
		if !cfg.Consumer.Enabled {
			errs = append(errs, errors.New("telegram relay needs consumer.enabled"))
		}
	}

	if d := cfg.Debug; d != nil && d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(d.Addr); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}
	return errors.Join(errs...)
}

func validateSchedule(s ScheduleConfig) error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	if _, err := specParser.Parse(s.Spec); err != nil {
		return fmt.Errorf("spec %q: %w", s.Spec, err)
	}
	if _, err := ns.ParseCategory(s.Category); err != nil {
		return err
	}
	if s.Text == "" {
		return errors.New("text is required")
	}
	ttl, err := s.TTLOrDefault()
	if err != nil {
		return err
	}
	if ttl < ns.MinTTL || ttl > ns.MaxTTL {
		return fmt.Errorf("ttl %s: %w", ttl, ns.ErrInvalidTTL)
	}
	return nil
}

// BusDriver returns the normalized driver name.
func (c *Config) BusDriver() string {
	d := strings.ToLower(strings.TrimSpace(c.Bus.Driver))
	if d == "" {
		return DefaultBusDriver
	}
	return d
}

// BusAddress returns the normalized bus address.
func (c *Config) BusAddress() string {
	a := strings.TrimSpace(c.Bus.Address)
	if a == "" {
		return DefaultBusAddress
	}
	return a
}

func (c *Config) SessionTimeout() time.Duration {
	d, err := ParseDuration("consumer.session_timeout", c.Consumer.SessionTimeout, DefaultSessionTimeout)
	if err != nil {
		return DefaultSessionTimeout
	}
	return d
}

// ParseAppID parses about.app_id as a UUID (with or without dashes).
func (a AboutConfig) ParseAppID() (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(a.AppID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("about.app_id: %w", err)
	}
	if id == uuid.Nil {
		return uuid.Nil, errors.New("about.app_id must not be the nil uuid")
	}
	return id, nil
}

func (s ScheduleConfig) TTLOrDefault() (time.Duration, error) {
	return ParseDuration("ttl", s.TTL, DefaultScheduleTTL)
}

func (s ScheduleConfig) LangOrDefault() string {
	if l := strings.TrimSpace(s.Lang); l != "" {
		return l
	}
	return DefaultScheduleLang
}
