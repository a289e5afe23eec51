package dbusbus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajnotify/internal/bus"
	"ajnotify/internal/ns"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestRetainedStoreExpiry(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newRetainedStore(clk.now)
	s.put(retained{handle: 1, iface: "a", member: "m", serial: 1, expires: clk.t.Add(time.Minute)})
	s.put(retained{handle: 1, iface: "a", member: "m", serial: 2})
	require.Equal(t, 2, s.len())

	clk.t = clk.t.Add(2 * time.Minute)
	assert.Equal(t, 1, s.len())
	got := s.snapshot(":1.5", "a")
	require.Len(t, got, 1)
	assert.Equal(t, uint32(2), got[0].Serial)
	assert.Equal(t, ":1.5", got[0].Sender)
}

func TestRetainedStoreWithdrawAndDrop(t *testing.T) {
	t.Parallel()
	s := newRetainedStore(nil)
	s.put(retained{handle: 1, iface: "a", serial: 1})
	s.put(retained{handle: 1, iface: "a", serial: 2})
	s.put(retained{handle: 2, iface: "b", serial: 3})

	assert.True(t, s.withdraw(1, 1))
	assert.False(t, s.withdraw(1, 1))
	assert.False(t, s.withdraw(2, 2))
	assert.Len(t, s.snapshot("x", "a"), 1)
	assert.Len(t, s.snapshot("x", ""), 2)

	s.dropHandle(1)
	assert.Empty(t, s.snapshot("x", "a"))
	assert.Equal(t, 1, s.len())
}

func TestRetainedWireRoundTripsNotifyBody(t *testing.T) {
	t.Parallel()
	in := ns.NotifyBody{
		Version:          ns.ProtocolVersion,
		MsgID:            9,
		Category:         2,
		DeviceID:         "dev",
		DeviceName:       "Hall",
		AppID:            make([]byte, ns.AppIDLength),
		AppName:          "door",
		Attributes:       map[int32]any{0: "https://example.org/icon"},
		CustomAttributes: map[string]string{"room": "hall"},
		Texts:            []ns.WireText{{Lang: "en", Text: "open"}},
	}
	s := newRetainedStore(nil)
	s.put(retained{handle: 1, path: ns.ProducerPath, iface: ns.NotificationInterface, member: ns.NotifySignal, serial: 4, body: in.Values()})

	items := s.snapshot(":1.3", ns.NotificationInterface)
	require.Len(t, items, 1)
	sig := items[0].signal()
	assert.Equal(t, bus.Signal{
		Sender:      ":1.3",
		Path:        ns.ProducerPath,
		Interface:   ns.NotificationInterface,
		Member:      ns.NotifySignal,
		Serial:      4,
		Sessionless: true,
		Body:        sig.Body,
	}, sig)

	out, err := ns.ParseNotifyBody(sig.Body)
	require.NoError(t, err)
	assert.Equal(t, in.MsgID, out.MsgID)
	assert.Equal(t, in.Attributes, out.Attributes)
	assert.Equal(t, in.CustomAttributes, out.CustomAttributes)
	assert.Equal(t, in.Texts, out.Texts)
}

func TestSeenSetBounded(t *testing.T) {
	t.Parallel()
	s := newSeenSet(3)
	for i := 0; i < 3; i++ {
		assert.True(t, s.add(fmt.Sprint(i)))
	}
	assert.False(t, s.add("0"))
	assert.True(t, s.add("3"))
	// "0" fell out of the window.
	assert.True(t, s.add("0"))
	assert.False(t, s.add("3"))
}
