package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajnotify/internal/config"
	"ajnotify/internal/ns"
	"ajnotify/internal/service"
	"ajnotify/internal/storage"
	logx "ajnotify/pkg/logx"
)

const memConfig = `
logging:
  level: warn
  console: true
  file: {enabled: false, path: ""}
bus:
  driver: mem
about:
  app_id: 0b6f5a11-7d2c-4a55-9a3e-3d2f10c8e4b7
  app_name: doorbell
  device_id: dev-1
  device_name: Front door
producer:
  enabled: true
consumer:
  enabled: true
  search_super_agent: false
storage:
  driver: file
  path: STORE
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := strings.Replace(memConfig, "STORE", filepath.Join(dir, "nsd"), 1)
	p := filepath.Join(dir, "nsd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestAppDeliversOwnNotificationOverMemBus(t *testing.T) {
	a, err := New(writeConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		assert.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	require.NotNil(t, a.sender)
	id, err := a.sender.Send(ctx, service.NewNotification(ns.Info, ns.Text{Lang: "en", Text: "ding"}), time.Minute)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hist, err := a.Service().History(ctx, 10)
		if err != nil {
			return false
		}
		for _, e := range hist {
			if e.Kind == storage.KindReceived && e.MsgID == id {
				return e.Text == "ding" && e.AppName == "doorbell"
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	st, ok := a.status().(Status)
	require.True(t, ok)
	assert.True(t, st.Producer)
	assert.Equal(t, "producer_direct", st.Receiver)
	assert.NotEmpty(t, st.BusName)
	assert.Empty(t, a.debug.Addr(), "debug server is off by default")
}

func TestStopWithoutStartClosesStore(t *testing.T) {
	a, err := New(writeConfig(t))
	require.NoError(t, err)
	require.NotNil(t, a.store)
	require.NoError(t, a.Stop(context.Background(), StopUnknown))
	assert.Nil(t, a.store)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{"absent", nil, false, false},
		{"none", &config.StorageConfig{Driver: "none"}, false, false},
		{"file", &config.StorageConfig{Driver: "file", Path: "./x"}, true, false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "./x.db", BusyTimeout: "2s"}, true, false},
		{"sqlite without path", &config.StorageConfig{Driver: "sqlite"}, false, true},
		{"bad busy timeout", &config.StorageConfig{Driver: "sqlite", Path: "x", BusyTimeout: "soon"}, false, true},
		{"negative history", &config.StorageConfig{Driver: "file", HistoryLimit: -1}, false, true},
		{"unknown", &config.StorageConfig{Driver: "redis"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&Config{Storage: tt.in})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.enabled, enabled)
			if tt.name == "sqlite" {
				assert.Equal(t, "sqlite", sc.Driver)
				assert.Equal(t, 2*time.Second, sc.BusyTimeout)
			}
		})
	}
}

func TestMapTelegramConfig(t *testing.T) {
	t.Parallel()
	_, ok, err := mapTelegramConfig(&Config{})
	require.NoError(t, err)
	assert.False(t, ok)

	tc, ok, err := mapTelegramConfig(&Config{Telegram: &config.TelegramConfig{
		Enabled: true, Token: "t", ChatID: 5, Categories: []string{"emergency", "Warning"},
	}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []ns.Category{ns.Emergency, ns.Warning}, tc.Categories)

	_, _, err = mapTelegramConfig(&Config{Telegram: &config.TelegramConfig{Enabled: true, Categories: []string{"loud"}}})
	assert.ErrorIs(t, err, ns.ErrUnknownCategory)
}

func TestMapDebugConfig(t *testing.T) {
	t.Parallel()
	assert.False(t, mapDebugConfig(&Config{}).Enabled)
	dc := mapDebugConfig(&Config{Debug: &config.DebugConfig{Enabled: true, Addr: "127.0.0.1:0", Pprof: true}})
	assert.True(t, dc.Enabled)
	assert.True(t, dc.Pprof)
	assert.Equal(t, "127.0.0.1:0", dc.Addr)
}

func TestMapProps(t *testing.T) {
	t.Parallel()
	_, err := mapProps(&Config{About: config.AboutConfig{AppID: "nope"}})
	assert.Error(t, err)

	p, err := mapProps(&Config{About: config.AboutConfig{
		AppID: "0b6f5a11-7d2c-4a55-9a3e-3d2f10c8e4b7", AppName: "a", DeviceID: "d", DeviceName: "n",
	}})
	require.NoError(t, err)
	assert.NoError(t, p.Validate())
}

type sinkRecorder struct {
	mu        sync.Mutex
	received  []int32
	dismissed []int32
}

func (s *sinkRecorder) Receive(n service.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, n.ID)
}

func (s *sinkRecorder) Dismiss(id int32, _ ns.AppID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dismissed = append(s.dismissed, id)
}

func TestFanoutForwardsToSinks(t *testing.T) {
	t.Parallel()
	a, b := &sinkRecorder{}, &sinkRecorder{}
	f := newFanout(logx.Nop(), a, nil, b)
	require.Len(t, f.sinks, 2)

	n := service.NewNotification(ns.Warning, ns.Text{Lang: "en", Text: "x"})
	n.ID = 4
	f.Receive(n)
	f.Dismiss(4, ns.AppID{})

	for _, s := range []*sinkRecorder{a, b} {
		assert.Equal(t, []int32{4}, s.received)
		assert.Equal(t, []int32{4}, s.dismissed)
	}
}
