package config

import (
	"bytes"
	"encoding/json"
)

// Config is the daemon configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "12h").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Bus      BusConfig      `json:"bus"`
	About    AboutConfig    `json:"about"`
	Tasks    TasksConfig    `json:"tasks"`
	Producer ProducerConfig `json:"producer"`
	Consumer ConsumerConfig `json:"consumer"`

	Storage   *StorageConfig   `json:"storage,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Telegram  *TelegramConfig  `json:"telegram,omitempty"`
	Debug     *DebugConfig     `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BusConfig selects the message bus.
//
// Driver values:
//   - "dbus": a D-Bus daemon; Address is "session", "system" or a bus address
//   - "mem": an in-process hub (single process demos and tests)
type BusConfig struct {
	Driver  string `json:"driver"`
	Address string `json:"address,omitempty"`
	// Name is an optional well-known name requested after connecting.
	Name string `json:"name,omitempty"`
}

// AboutConfig is the property store stamped onto sent notifications.
type AboutConfig struct {
	AppID      string `json:"app_id"`
	AppName    string `json:"app_name"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// TasksConfig sizes the callback worker pool.
//
// Defaults: workers 4, queue_size 64.
type TasksConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

type ProducerConfig struct {
	Enabled bool `json:"enabled"`
	// DismissRatePerSec paces outgoing Dismiss broadcasts. 0 disables pacing.
	DismissRatePerSec float64 `json:"dismiss_rate_per_sec,omitempty"`
}

type ConsumerConfig struct {
	Enabled          bool   `json:"enabled"`
	SearchSuperAgent bool   `json:"search_super_agent"`
	SessionTimeout   string `json:"session_timeout,omitempty"` // default "10s"
	// DismissRatePerSec paces fallback Dismiss broadcasts. 0 disables pacing.
	DismissRatePerSec float64 `json:"dismiss_rate_per_sec,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./nsd_store" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	HistoryLimit int    `json:"history_limit,omitempty"`
}

// ScheduleConfig sends one notification every time Spec fires.
//
// Spec is a standard 5-field cron expression or a descriptor such as "@every 1h".
type ScheduleConfig struct {
	Name     string `json:"name"`
	Spec     string `json:"spec"`
	Category string `json:"category"`
	TTL      string `json:"ttl,omitempty"`  // default "1h"
	Lang     string `json:"lang,omitempty"` // default "en"
	Text     string `json:"text"`

	CustomAttributes map[string]string `json:"custom_attributes,omitempty"`
	// ReplaceLast withdraws the previous notification of the category before sending.
	ReplaceLast bool `json:"replace_last,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in a schedule entry are caught
// at reload instead of silently ignored.
func (s *ScheduleConfig) UnmarshalJSON(b []byte) error {
	type plain ScheduleConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*s = ScheduleConfig(p)
	return nil
}

// TelegramConfig enables relaying received notifications to a chat.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// RatePerSec caps outgoing messages. Default 1.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// Lang picks the text to relay. Falls back to the first text.
	Lang string `json:"lang,omitempty"`
	// Categories limits relayed notifications by category name. Empty means all.
	Categories []string `json:"categories,omitempty"`
}

// DebugConfig enables the local status and profiling HTTP server.
//
// A non-loopback Addr needs Token or AllowInsecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}
