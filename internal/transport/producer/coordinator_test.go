package producer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajnotify/internal/bus/membus"
	"ajnotify/internal/ns"
	"ajnotify/internal/taskmgr"
	"ajnotify/internal/transport"
	"ajnotify/pkg/logx"
)

var appID = uuid.MustParse("9a0b7d2c-8d8e-4f43-9a54-5a1a2e1c0d11")

func newEnv(t *testing.T, conn *membus.Conn) transport.Env {
	t.Helper()
	tasks := taskmgr.New(taskmgr.Config{Workers: 2, QueueSize: 16}, logx.Nop())
	tasks.Start(context.Background())
	t.Cleanup(func() { tasks.Stop(context.Background()) })
	return transport.Env{Bus: conn, Tasks: tasks, Log: logx.Nop(), AppID: appID}
}

func message(id int32, cat ns.Category) ns.Message {
	return ns.Message{
		ID:         id,
		Category:   cat,
		DeviceID:   "dev",
		DeviceName: "Device",
		AppID:      appID,
		AppName:    "app",
		Texts:      []ns.Text{{Lang: "en", Text: "hello"}},
		TTL:        time.Minute,
	}
}

func started(t *testing.T) (*membus.Hub, *membus.Conn, *Coordinator) {
	t.Helper()
	hub := membus.NewHub()
	conn := hub.Attach()
	p := New(newEnv(t, conn), Options{})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })
	return hub, conn, p
}

func TestStartAndStopManageRegistrations(t *testing.T) {
	t.Parallel()
	_, conn, p := started(t)

	c := conn.Counts()
	assert.Equal(t, 3, c.Endpoints)
	assert.Equal(t, 2, c.Methods)
	assert.Equal(t, 1, c.Ports)

	require.NoError(t, p.Start(context.Background()), "start is idempotent")
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.Equal(t, membus.Counts{}, conn.Counts())
}

func TestStartRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	hub := membus.NewHub()
	conn := hub.Attach()
	conn.Fail(membus.OpBindPort, errors.New("port taken"))
	p := New(newEnv(t, conn), Options{})

	err := p.Start(context.Background())
	var te *ns.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ns.ErrTransport)
	assert.Equal(t, membus.Counts{}, conn.Counts())

	_, err = p.Send(context.Background(), message(1, ns.Info))
	assert.ErrorIs(t, err, ns.ErrNotStarted)
}

func TestSendRecordsOnlyTheLatestSerial(t *testing.T) {
	t.Parallel()
	_, _, p := started(t)

	var last uint32
	for i := int32(1); i <= 5; i++ {
		s, err := p.Send(context.Background(), message(i, ns.Warning))
		require.NoError(t, err)
		last = uint32(s)
	}
	serial, id, ok := p.Last(ns.Warning)
	require.True(t, ok)
	assert.EqualValues(t, last, serial)
	assert.Equal(t, int32(5), id)

	_, _, ok = p.Last(ns.Info)
	assert.False(t, ok)
}

func TestSendUnknownCategory(t *testing.T) {
	t.Parallel()
	_, _, p := started(t)
	_, err := p.Send(context.Background(), message(1, ns.Category(7)))
	assert.ErrorIs(t, err, ns.ErrUnknownCategory)
}

func TestSendingGateSkipsBroadcast(t *testing.T) {
	t.Parallel()
	_, conn, p := started(t)

	p.SetSending(false)
	assert.False(t, p.Sending())
	serial, err := p.Send(context.Background(), message(1, ns.Info))
	require.NoError(t, err)
	assert.Zero(t, serial)
	assert.Empty(t, conn.EmittedMember(ns.NotifySignal))
	_, _, ok := p.Last(ns.Info)
	assert.False(t, ok)

	_, err = p.Send(context.Background(), message(2, ns.Category(7)))
	assert.ErrorIs(t, err, ns.ErrUnknownCategory, "the gate does not hide bad categories")

	p.SetSending(true)
	_, err = p.Send(context.Background(), message(3, ns.Info))
	require.NoError(t, err)
	assert.Len(t, conn.EmittedMember(ns.NotifySignal), 1)
	_, id, ok := p.Last(ns.Info)
	require.True(t, ok)
	assert.Equal(t, int32(3), id)
}

func TestCancelLastWithoutPendingIsNoop(t *testing.T) {
	t.Parallel()
	_, conn, p := started(t)
	require.NoError(t, p.CancelLast(context.Background(), ns.Emergency))
	require.NoError(t, p.CancelLast(context.Background(), ns.Emergency))
	assert.Empty(t, conn.EmittedMember(ns.DismissSignal))
}

func TestCancelLastWithdrawsAndDismisses(t *testing.T) {
	t.Parallel()
	hub, conn, p := started(t)

	_, err := p.Send(context.Background(), message(42, ns.Warning))
	require.NoError(t, err)
	require.Equal(t, 1, hub.Retained())

	require.NoError(t, p.CancelLast(context.Background(), ns.Warning))
	_, _, ok := p.Last(ns.Warning)
	assert.False(t, ok)

	dismisses := conn.EmittedMember(ns.DismissSignal)
	require.Len(t, dismisses, 1)
	assert.Equal(t, []any{int32(42), ns.AppIDBytes(appID)}, dismisses[0].Body)
	assert.Equal(t, 1, hub.Retained(), "only the dismiss stays retained")

	require.NoError(t, p.CancelLast(context.Background(), ns.Warning))
	assert.Len(t, conn.EmittedMember(ns.DismissSignal), 1)
}

func TestCancelLastFailureKeepsState(t *testing.T) {
	t.Parallel()
	_, conn, p := started(t)
	_, err := p.Send(context.Background(), message(9, ns.Info))
	require.NoError(t, err)

	conn.Fail(membus.OpWithdraw, errors.New("bus busy"))
	assert.ErrorIs(t, p.CancelLast(context.Background(), ns.Info), ns.ErrTransport)
	_, id, ok := p.Last(ns.Info)
	assert.True(t, ok)
	assert.Equal(t, int32(9), id)

	conn.Heal(membus.OpWithdraw)
	require.NoError(t, p.CancelLast(context.Background(), ns.Info))
}

func TestRemoteDismissCancelsAndBroadcasts(t *testing.T) {
	t.Parallel()
	hub, conn, p := started(t)
	cli := hub.Attach()
	ctx := context.Background()

	_, err := p.Send(ctx, message(7, ns.Emergency))
	require.NoError(t, err)

	sid, err := cli.EstablishSession(ctx, conn.UniqueName(), ns.ProducerSessionPort)
	require.NoError(t, err)
	out, err := cli.CallRemote(ctx, conn.UniqueName(), sid, ns.ProducerPath, ns.ProducerInterface, ns.VersionMethod)
	require.NoError(t, err)
	assert.Equal(t, []any{ns.ProducerVersion}, out)

	_, err = cli.CallRemote(ctx, conn.UniqueName(), sid, ns.ProducerPath, ns.ProducerInterface, ns.DismissMethod, int32(7))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conn.EmittedMember(ns.DismissSignal)) == 1 }, time.Second, time.Millisecond)
	_, _, ok := p.Last(ns.Emergency)
	assert.False(t, ok)

	// Unknown ids still broadcast.
	_, err = cli.CallRemote(ctx, conn.UniqueName(), sid, ns.ProducerPath, ns.ProducerInterface, ns.DismissMethod, int32(999))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conn.EmittedMember(ns.DismissSignal)) == 2 }, time.Second, time.Millisecond)

	_, err = cli.CallRemote(ctx, conn.UniqueName(), sid, ns.ProducerPath, ns.ProducerInterface, ns.DismissMethod, "seven")
	assert.ErrorIs(t, err, ns.ErrInvalidMessage)
}

func TestConcurrentSendAndCancelKeepPairsConsistent(t *testing.T) {
	t.Parallel()
	_, _, p := started(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, cat := range ns.Categories() {
		for w := range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range 20 {
					if (i+w)%3 == 0 {
						_ = p.CancelLast(ctx, cat)
						continue
					}
					_, err := p.Send(ctx, message(int32(i+1), cat))
					assert.NoError(t, err)
				}
			}()
		}
	}
	wg.Wait()

	for _, cat := range ns.Categories() {
		serial, id, ok := p.Last(cat)
		if ok {
			assert.NotZero(t, serial)
			assert.NotZero(t, id)
		} else {
			assert.Zero(t, serial)
			assert.Zero(t, id)
		}
	}
}
