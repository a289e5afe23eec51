package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ajnotify/internal/ns"
	"ajnotify/internal/payload"
	"ajnotify/internal/service"
	"ajnotify/internal/storage"
	"ajnotify/internal/taskmgr"
	"ajnotify/internal/transport"
	logx "ajnotify/pkg/logx"
)

// SendRequest is one notification sent from the command line.
type SendRequest struct {
	Category ns.Category
	Texts    []ns.Text
	Custom   map[string]string
	TTL      time.Duration
	// Linger keeps the connection open after sending so late receivers still
	// get the retained broadcast.
	Linger time.Duration
}

// SendOnce attaches to the configured bus, sends req and detaches.
func SendOnce(ctx context.Context, cfgPath string, req SendRequest, log logx.Logger) (int32, error) {
	cfg, err := NewConfigManager(cfgPath).Load()
	if err != nil {
		return 0, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return 0, err
	} else if enabled {
		if store, err = storage.Open(sc, log); err != nil {
			return 0, err
		}
		defer store.Close()
	}

	att, err := dialBus(ctx, cfg, log)
	if err != nil {
		return 0, err
	}
	defer att.close()

	tasks := taskmgr.New(mapTasksConfig(cfg), log)
	tasks.Start(ctx)
	defer tasks.Stop(context.WithoutCancel(ctx))

	props, err := mapProps(cfg)
	if err != nil {
		return 0, err
	}
	svc := service.New(transport.Env{
		Bus:   att,
		Tasks: tasks,
		Codec: payload.New(log),
		Log:   log,
	}, props, store, mapServiceOptions(cfg)...)

	sender, err := svc.StartSender(ctx)
	if err != nil {
		return 0, err
	}
	defer svc.ShutdownSender()

	n := service.NewNotification(req.Category, req.Texts...)
	n.CustomAttributes = req.Custom
	id, err := sender.Send(ctx, n, req.TTL)
	if err != nil {
		return 0, err
	}
	log.Info("notification sent", logx.Int32("msg_id", id), logx.String("category", req.Category.String()))

	if req.Linger > 0 {
		t := time.NewTimer(req.Linger)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	return id, nil
}

// History reads the most recent entries from the configured store.
func History(ctx context.Context, cfgPath string, limit int) ([]storage.HistoryEntry, error) {
	cfg, err := NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, fmt.Errorf("history: %w", storage.ErrDisabled)
	}
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return nil, err
	}
	entries, err := st.RecentHistory(ctx, limit)
	return entries, errors.Join(err, st.Close())
}
