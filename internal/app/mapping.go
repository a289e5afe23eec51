package app

import (
	"fmt"
	"time"

	"ajnotify/internal/ns"
	"ajnotify/internal/observability/debugsrv"
	"ajnotify/internal/service"
	"ajnotify/internal/sink/telegram"
	"ajnotify/internal/taskmgr"
	"ajnotify/internal/transport/feedback"
	"ajnotify/internal/transport/producer"
	logx "ajnotify/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTasksConfig(cfg *Config) taskmgr.Config {
	return taskmgr.Config{Workers: cfg.Tasks.Workers, QueueSize: cfg.Tasks.QueueSize}
}

func mapProps(cfg *Config) (service.Props, error) {
	id, err := cfg.About.ParseAppID()
	if err != nil {
		return service.Props{}, err
	}
	return service.Props{
		AppID:      id,
		AppName:    cfg.About.AppName,
		DeviceID:   cfg.About.DeviceID,
		DeviceName: cfg.About.DeviceName,
	}, nil
}

func mapServiceOptions(cfg *Config) []service.Option {
	return []service.Option{
		service.WithProducerOptions(producer.Options{DismissRatePerSec: cfg.Producer.DismissRatePerSec}),
		service.WithFeedbackOptions(feedback.Options{
			SessionTimeout:    cfg.SessionTimeout(),
			DismissRatePerSec: cfg.Consumer.DismissRatePerSec,
		}),
	}
}

// mapTelegramConfig returns ok=false when relaying is off.
func mapTelegramConfig(cfg *Config) (telegram.Config, bool, error) {
	tc := cfg.Telegram
	if tc == nil || !tc.Enabled {
		return telegram.Config{}, false, nil
	}
	cats := make([]ns.Category, 0, len(tc.Categories))
	for i, name := range tc.Categories {
		c, err := ns.ParseCategory(name)
		if err != nil {
			return telegram.Config{}, false, fmt.Errorf("telegram.categories[%d]: %w", i, err)
		}
		cats = append(cats, c)
	}
	return telegram.Config{
		Token:      tc.Token,
		ChatID:     tc.ChatID,
		ThreadID:   tc.ThreadID,
		RatePerSec: tc.RatePerSec,
		Lang:       tc.Lang,
		Categories: cats,
	}, true, nil
}

func mapDebugConfig(cfg *Config) debugsrv.Config {
	d := cfg.Debug
	if d == nil {
		return debugsrv.Config{}
	}
	return debugsrv.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   2 * time.Minute,
	}
}
