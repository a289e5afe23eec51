package dbusbus

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajnotify/internal/bus"
	"ajnotify/internal/ns"
)

func TestToWireWrapsInterfaceContainers(t *testing.T) {
	t.Parallel()
	attrs := map[int32]any{0: "https://example.org/icon.png", 2: uint16(7)}
	got := toWire(attrs)
	m, ok := got.(map[int32]dbus.Variant)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "https://example.org/icon.png", m[0].Value())
	assert.Equal(t, uint16(7), m[2].Value())

	list := toWire([]any{"a", int32(1)})
	vs, ok := list.([]dbus.Variant)
	require.True(t, ok)
	assert.Len(t, vs, 2)

	texts := []ns.WireText{{Lang: "en", Text: "hi"}}
	assert.Equal(t, texts, toWire(texts))
	assert.Equal(t, map[string]string{"k": "v"}, toWire(map[string]string{"k": "v"}))
	assert.Nil(t, toWire(nil))
}

func TestFromWireFeedsNotifyParser(t *testing.T) {
	t.Parallel()
	// Shapes as godbus decodes a(ss) and a{iv}.
	decoded := []any{
		int32(2), int32(5), int16(1), "dev", "Kitchen",
		[]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}, "oven",
		map[int32]dbus.Variant{0: dbus.MakeVariant("https://example.org/i.png")},
		map[string]string{"x": "y"},
		[][]any{{"en", "done"}, {"de", "fertig"}},
	}
	body, err := ns.ParseNotifyBody(fromWireAll(decoded))
	require.NoError(t, err)
	assert.Equal(t, int32(5), body.MsgID)
	assert.Equal(t, map[int32]any{0: "https://example.org/i.png"}, body.Attributes)
	assert.Equal(t, []ns.WireText{{Lang: "en", Text: "done"}, {Lang: "de", Text: "fertig"}}, body.Texts)
}

func TestFromWireUnwrapsNestedVariants(t *testing.T) {
	t.Parallel()
	v := dbus.MakeVariant(map[string]dbus.Variant{"inner": dbus.MakeVariant(int32(3))})
	assert.Equal(t, map[string]any{"inner": int32(3)}, fromWire(v))
	assert.Equal(t, []any{"a", int32(1)}, fromWire([]dbus.Variant{dbus.MakeVariant("a"), dbus.MakeVariant(int32(1))}))
}

func TestSplitName(t *testing.T) {
	t.Parallel()
	iface, member := splitName("org.alljoyn.Notification.notify")
	assert.Equal(t, "org.alljoyn.Notification", iface)
	assert.Equal(t, "notify", member)

	iface, member = splitName("bare")
	assert.Empty(t, iface)
	assert.Equal(t, "bare", member)
}

func TestRetainerName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, retainerPrefix+"x_1_42", retainerName(":1.42"))
	assert.Equal(t, retainerPrefix+"xabc-d_e", retainerName("abc-d.e"))
}

func TestContentKeyIsStableForMaps(t *testing.T) {
	t.Parallel()
	a := contentKey(":1.1", "/p", "i", "m", []any{map[int32]any{1: "a", 2: "b"}})
	b := contentKey(":1.1", "/p", "i", "m", []any{map[int32]any{2: "b", 1: "a"}})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, contentKey(":1.2", "/p", "i", "m", []any{map[int32]any{1: "a", 2: "b"}}))
}

func TestMatchOptions(t *testing.T) {
	t.Parallel()
	assert.Len(t, matchOptions(bus.Rule{}), 0)
	assert.Len(t, matchOptions(bus.SessionlessRule(ns.NotificationInterface)), 1)
	assert.Len(t, matchOptions(bus.SessionlessRule(ns.NotificationInterface).FromSender(":1.9")), 2)
	assert.Len(t, matchOptions(bus.Rule{Interface: "i", Member: "m", Sender: "s"}), 3)
}

func TestMapError(t *testing.T) {
	t.Parallel()
	err := mapError(dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"})
	assert.True(t, errors.Is(err, bus.ErrNoSuchPeer))

	err = mapError(&dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownMethod"})
	assert.True(t, errors.Is(err, bus.ErrNoSuchMethod))

	plain := errors.New("boom")
	assert.Same(t, plain, mapError(plain))
}

func TestStringList(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b"}, stringList([]string{"a", "b"}))
	assert.Equal(t, []string{"a"}, stringList([]any{"a", 1}))
	assert.Nil(t, stringList(42))
}
