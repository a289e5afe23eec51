package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajnotify/internal/config"
	"ajnotify/internal/ns"
	"ajnotify/internal/service"
	"ajnotify/pkg/logx"
)

type sent struct {
	n   service.Notification
	ttl time.Duration
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sent
	deleted []ns.Category
	err     error
	next    int32
}

func (f *fakeSender) Send(_ context.Context, n service.Notification, ttl time.Duration) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	f.sent = append(f.sent, sent{n, ttl})
	return f.next, nil
}

func (f *fakeSender) DeleteLastMsg(_ context.Context, cat ns.Category) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, cat)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func heartbeat(spec string) Entry {
	return Entry{
		Name:     "heartbeat",
		Spec:     spec,
		Category: ns.Info,
		TTL:      time.Minute,
		Texts:    []ns.Text{{Lang: "en", Text: "still alive"}},
	}
}

func TestEntriesFromConfig(t *testing.T) {
	t.Parallel()
	got, err := EntriesFromConfig([]config.ScheduleConfig{{
		Name: " door ", Spec: "*/5 * * * *", Category: "Warning", Text: "open",
		TTL: "2m", CustomAttributes: map[string]string{"room": "hall"}, ReplaceLast: true,
	}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	e := got[0]
	assert.Equal(t, "door", e.Name)
	assert.Equal(t, ns.Warning, e.Category)
	assert.Equal(t, 2*time.Minute, e.TTL)
	assert.Equal(t, []ns.Text{{Lang: "en", Text: "open"}}, e.Texts)
	assert.Equal(t, "hall", e.Custom["room"])
	assert.True(t, e.ReplaceLast)

	_, err = EntriesFromConfig([]config.ScheduleConfig{{Name: "x", Category: "loud"}})
	assert.ErrorIs(t, err, ns.ErrUnknownCategory)
}

func TestApplyRejectsBadSetAtomically(t *testing.T) {
	t.Parallel()
	s := New(&fakeSender{}, logx.Nop())
	require.NoError(t, s.Apply([]Entry{heartbeat("@hourly")}))

	bad := heartbeat("every hour")
	bad.Name = "bad"
	assert.Error(t, s.Apply([]Entry{heartbeat("@daily"), bad}))
	assert.Error(t, s.Apply([]Entry{heartbeat("@daily"), heartbeat("@hourly")}))
	assert.Error(t, s.Apply([]Entry{{Spec: "@daily"}}))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "@hourly", snap[0].Spec)
}

func TestRunNowSendsAndRecords(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s := New(f, logx.Nop())
	e := heartbeat("@hourly")
	e.ReplaceLast = true
	e.Custom = map[string]string{"k": "v"}
	require.NoError(t, s.Apply([]Entry{e}))

	id, err := s.RunNow(context.Background(), "heartbeat")
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
	require.Len(t, f.sent, 1)
	assert.Equal(t, ns.Info, f.sent[0].n.Category)
	assert.Equal(t, "still alive", f.sent[0].n.Texts[0].Text)
	assert.Equal(t, "v", f.sent[0].n.CustomAttributes["k"])
	assert.Equal(t, time.Minute, f.sent[0].ttl)
	assert.Equal(t, []ns.Category{ns.Info}, f.deleted)

	f.err = errors.New("bus down")
	_, err = s.RunNow(context.Background(), "heartbeat")
	assert.Error(t, err)

	info := s.Snapshot()[0]
	assert.EqualValues(t, 2, info.Runs)
	assert.EqualValues(t, 1, info.LastID)
	assert.Equal(t, "bus down", info.LastErr)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownEntry)
}

func TestCronFiresAndStops(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s := New(f, logx.Nop(), WithoutStartupSpread(), WithLocation(time.UTC))
	require.NoError(t, s.Apply([]Entry{heartbeat("@every 1s")}))
	s.Start(context.Background())

	require.Eventually(t, func() bool { return f.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
	info := s.Snapshot()[0]
	assert.False(t, info.Next.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	n := f.count()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, n, f.count())
}

func TestApplyWhileRunningReplacesEntries(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s := New(f, logx.Nop(), WithoutStartupSpread())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Apply([]Entry{heartbeat("@every 1s")}))
	require.Eventually(t, func() bool { return f.count() >= 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Apply(nil))
	assert.Empty(t, s.Snapshot())
	time.Sleep(50 * time.Millisecond)
	n := f.count()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, n, f.count())
}

func TestIntervalSpreadDelaysOnlyFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "x")
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, 30*time.Second)
	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.Equal(t, first.Add(time.Minute).Truncate(time.Second), sched.Next(first))
}
