package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ajnotify/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.BusDriver() != newCfg.BusDriver() || oldCfg.BusAddress() != newCfg.BusAddress() ||
		strings.TrimSpace(oldCfg.Bus.Name) != strings.TrimSpace(newCfg.Bus.Name) {
		changed = append(changed, "bus")
		attrs = append(attrs,
			logx.String("bus.driver", newCfg.BusDriver()),
			logx.String("bus.address", newCfg.BusAddress()),
		)
	}

	if oldCfg.About != newCfg.About {
		changed = append(changed, "about")
		attrs = append(attrs,
			logx.String("about.app_id", newCfg.About.AppID),
			logx.String("about.device_name", newCfg.About.DeviceName),
		)
	}

	if oldCfg.Tasks != newCfg.Tasks {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.workers", newCfg.Tasks.Workers),
			logx.Int("tasks.queue_size", newCfg.Tasks.QueueSize),
		)
	}

	if oldCfg.Producer != newCfg.Producer {
		changed = append(changed, "producer")
		attrs = append(attrs, logx.Bool("producer.enabled", newCfg.Producer.Enabled))
	}

	if oldCfg.Consumer != newCfg.Consumer {
		changed = append(changed, "consumer")
		attrs = append(attrs,
			logx.Bool("consumer.enabled", newCfg.Consumer.Enabled),
			logx.Bool("consumer.search_super_agent", newCfg.Consumer.SearchSuperAgent),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.HistoryLimit != nS.HistoryLimit {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	// Telegram (never log token)
	var oT, nT TelegramConfig
	if oldCfg.Telegram != nil {
		oT = *oldCfg.Telegram
	}
	if newCfg.Telegram != nil {
		nT = *newCfg.Telegram
	}
	if !reflect.DeepEqual(oT, nT) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nT.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Int64("telegram.chat_id", nT.ChatID),
		)
	}

	var oD, nD DebugConfig
	if oldCfg.Debug != nil {
		oD = *oldCfg.Debug
	}
	if newCfg.Debug != nil {
		nD = *newCfg.Debug
	}
	if oD != nD {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nD.Enabled),
			logx.String("debug.addr", nD.Addr),
			logx.Bool("debug.token_set", strings.TrimSpace(nD.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that can't be applied to a running daemon.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "bus", "about", "tasks", "producer", "consumer", "storage", "telegram":
			out = append(out, s)
		}
	}
	return out
}
