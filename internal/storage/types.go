package storage

import (
	"errors"
	"time"

	"ajnotify/internal/ns"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// HistoryLimit caps the rows kept in history. 0 means DefaultHistoryLimit.
	HistoryLimit int
}

const DefaultHistoryLimit = 1000

// Event kinds recorded in history.
const (
	KindReceived  = "received"
	KindDismissed = "dismissed"
)

// HistoryEntry records one notification event seen by the receiver side.
// Keep it compact and schema-stable.
type HistoryEntry struct {
	At         time.Time   `json:"at"`
	Kind       string      `json:"kind"`
	MsgID      int32       `json:"msg_id"`
	AppID      ns.AppID    `json:"app_id"`
	Category   ns.Category `json:"category"`
	Sender     string      `json:"sender,omitempty"`
	DeviceName string      `json:"device_name,omitempty"`
	AppName    string      `json:"app_name,omitempty"`
	Text       string      `json:"text,omitempty"`
}

func historyLimit(cfg Config) int {
	if cfg.HistoryLimit <= 0 {
		return DefaultHistoryLimit
	}
	return cfg.HistoryLimit
}
