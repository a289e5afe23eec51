package app

import (
	"context"
	"fmt"

	"ajnotify/internal/bus"
	"ajnotify/internal/bus/dbusbus"
	"ajnotify/internal/bus/membus"
	logx "ajnotify/pkg/logx"
)

// attachment is a connected bus plus the driver-specific calls the app needs.
type attachment struct {
	bus.Bus
	close    func() error
	announce func(ifaces ...string) error
}

func dialBus(ctx context.Context, cfg *Config, log logx.Logger) (attachment, error) {
	switch cfg.BusDriver() {
	case "mem":
		hub := membus.NewHub(membus.WithLogger(log.With(logx.String("comp", "membus"))))
		var (
			c   *membus.Conn
			err error
		)
		if cfg.Bus.Name != "" {
			if c, err = hub.AttachNamed(cfg.Bus.Name); err != nil {
				return attachment{}, err
			}
		} else {
			c = hub.Attach()
		}
		return attachment{
			Bus:   c,
			close: c.Close,
			announce: func(ifaces ...string) error {
				c.Announce(ifaces...)
				return nil
			},
		}, nil
	case "dbus":
		c, err := dbusbus.Dial(ctx, cfg.BusAddress(), dbusbus.WithLogger(log), dbusbus.WithName(cfg.Bus.Name))
		if err != nil {
			return attachment{}, err
		}
		return attachment{Bus: c, close: c.Close, announce: c.Announce}, nil
	default:
		return attachment{}, fmt.Errorf("unknown bus.driver: %s", cfg.Bus.Driver)
	}
}
