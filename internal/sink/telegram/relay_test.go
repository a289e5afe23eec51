package telegram

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"ajnotify/internal/ns"
	"ajnotify/internal/service"
	"ajnotify/pkg/logx"
)

type fakeAPI struct {
	mu      sync.Mutex
	next    int
	sent    []string
	deleted []string
	failAll bool
	panicOn string
}

func (f *fakeAPI) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, _ := what.(string)
	if f.panicOn != "" && text == f.panicOn {
		f.panicOn = ""
		panic("boom")
	}
	if f.failAll {
		return nil, errors.New("telegram: bad gateway")
	}
	f.next++
	f.sent = append(f.sent, to.Recipient()+"|"+text)
	return &tele.Message{ID: f.next}, nil
}

func (f *fakeAPI) Delete(msg tele.Editable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, chat := msg.MessageSig()
	f.deleted = append(f.deleted, strconv.FormatInt(chat, 10)+"/"+id)
	return nil
}

func (f *fakeAPI) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), append([]string(nil), f.deleted...)
}

var appU = uuid.MustParse("0b6f5a11-7d2c-4a55-9a3e-3d2f10c8e4b7")

func note(id int32, cat ns.Category) service.Notification {
	n := service.NewNotification(cat, ns.Text{Lang: "en", Text: "door open"}, ns.Text{Lang: "id", Text: "pintu terbuka"})
	n.ID = id
	n.AppID = appU
	n.AppName = "doorbell"
	n.DeviceName = "Front door"
	return n
}

func relay(t *testing.T, api API, cfg Config) *Relay {
	t.Helper()
	cfg.ChatID = -100
	cfg.RatePerSec = 1000
	r := NewWithAPI(cfg, api, logx.Nop())
	r.Start(context.Background())
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

func TestFormatPicksLanguage(t *testing.T) {
	t.Parallel()
	n := note(1, ns.Emergency)
	assert.Equal(t, "[EMERGENCY] doorbell @ Front door\npintu terbuka", Format(n, "ID"))
	assert.Equal(t, "[EMERGENCY] doorbell @ Front door\ndoor open", Format(n, "fr"))
}

func TestRelayThenDeleteOnDismiss(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	r := relay(t, api, Config{})

	r.Receive(note(7, ns.Warning))
	r.Receive(note(8, ns.Info))
	require.Eventually(t, func() bool { s, _ := api.snapshot(); return len(s) == 2 }, time.Second, time.Millisecond)
	sent, _ := api.snapshot()
	assert.Equal(t, "-100|[WARNING] doorbell @ Front door\ndoor open", sent[0])

	r.Dismiss(7, appU)
	r.Dismiss(99, appU) // never relayed
	require.Eventually(t, func() bool { _, d := api.snapshot(); return len(d) == 1 }, time.Second, time.Millisecond)
	_, deleted := api.snapshot()
	assert.Equal(t, []string{"-100/1"}, deleted)

	assert.Error(t, r.DismissRelayed(1))
	// a relayed notification that did not come from the bus can't dismiss itself
	assert.Error(t, r.DismissRelayed(2))
}

func TestCategoryFilter(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	r := relay(t, api, Config{Categories: []ns.Category{ns.Emergency}})
	r.Receive(note(1, ns.Info))
	r.Receive(note(2, ns.Emergency))
	require.Eventually(t, func() bool { s, _ := api.snapshot(); return len(s) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	sent, _ := api.snapshot()
	assert.Len(t, sent, 1)
	assert.Contains(t, sent[0], "EMERGENCY")
}

func TestWorkerSurvivesPanicsAndFailures(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{panicOn: Format(note(1, ns.Info), "")}
	r := relay(t, api, Config{})
	r.Receive(note(1, ns.Info))
	r.Receive(note(2, ns.Warning))
	require.Eventually(t, func() bool { s, _ := api.snapshot(); return len(s) == 1 }, 2*time.Second, time.Millisecond)

	api.mu.Lock()
	api.failAll = true
	api.mu.Unlock()
	r.Receive(note(3, ns.Warning))
	r.Dismiss(3, appU)
	time.Sleep(50 * time.Millisecond)
	_, deleted := api.snapshot()
	assert.Empty(t, deleted)
}

func TestStopDrainsAndRejects(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	r := NewWithAPI(Config{ChatID: 1, RatePerSec: 1000}, api, logx.Nop())
	r.Receive(note(1, ns.Info)) // before start: dropped
	r.Start(context.Background())
	for i := int32(2); i <= 6; i++ {
		r.Receive(note(i, ns.Info))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	sent, _ := api.snapshot()
	assert.Len(t, sent, 5)

	r.Receive(note(7, ns.Info))
	assert.EqualValues(t, 2, r.dropped.Load())
	require.NoError(t, r.Stop(ctx))
}

func TestTrackingIsBounded(t *testing.T) {
	t.Parallel()
	r := NewWithAPI(Config{ChatID: 1}, &fakeAPI{}, logx.Nop())
	for i := 0; i < defaultTracked+10; i++ {
		r.track(&tracked{key: key{app: appU, id: int32(i)}, msgID: i})
	}
	assert.Len(t, r.byKey, defaultTracked)
	assert.Len(t, r.byMsgID, defaultTracked)
	assert.Nil(t, r.untrack(key{app: appU, id: 0}))
	assert.NotNil(t, r.untrack(key{app: appU, id: int32(defaultTracked + 9)}))
}
