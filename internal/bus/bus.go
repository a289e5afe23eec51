// Package bus defines the message-bus collaborator the notification transport runs on.
//
// The contract is intentionally small: sessionless broadcast endpoints with withdrawable
// serials, exported methods, point-to-point sessions, signal subscriptions filtered by
// match rules, and discovery (announcements + presence loss).
//
// Callbacks (SignalHandler, DiscoveryHandler, MethodFunc) run on bus-owned goroutines.
// Implementations may invoke them concurrently; handlers must not block for long.
package bus

import (
	"context"
	"errors"
	"time"
)

// Handle identifies a registered broadcast endpoint.
type Handle uint64

// Serial is the transport-assigned sequence id of one broadcast.
type Serial uint32

// SessionID identifies a point-to-point session.
type SessionID uint32

// SubscriptionID identifies a signal or discovery subscription.
type SubscriptionID uint64

var (
	// ErrAlreadyJoined is returned by EstablishSession together with a usable SessionID
	// when the caller already has a session with the target (e.g. it is itself).
	ErrAlreadyJoined = errors.New("bus: session already joined")
	ErrNoSuchPeer    = errors.New("bus: no such peer")
	ErrUnknownSerial = errors.New("bus: unknown serial")
	ErrUnknownHandle = errors.New("bus: unknown handle")
	ErrNoSuchMethod  = errors.New("bus: no such method")
	ErrNoSuchRule    = errors.New("bus: no such match rule")
	ErrPortInUse     = errors.New("bus: session port in use")
	ErrClosed        = errors.New("bus: closed")
)

// Signal is one inbound signal.
type Signal struct {
	Sender      string
	Path        string
	Interface   string
	Member      string
	Serial      Serial
	Sessionless bool
	Body        []any
}

// Announcement is a discovery event: Sender advertises the listed interfaces.
type Announcement struct {
	Sender     string
	Interfaces []string
}

type (
	SignalHandler func(sig Signal)
	MethodFunc    func(ctx context.Context, sender string, args []any) ([]any, error)
)

// DiscoveryHandler receives announcements and presence-lost events.
type DiscoveryHandler interface {
	Announced(a Announcement)
	Lost(sender string)
}

// Bus is the collaborator contract. One implementation per runtime.
type Bus interface {
	// UniqueName is this attachment's bus name.
	UniqueName() string

	RegisterBroadcastEndpoint(path, iface string) (Handle, error)
	UnregisterBroadcastEndpoint(h Handle) error
	// Broadcast emits a sessionless signal from the endpoint and returns its serial.
	// The signal is retained for late matchers until ttl elapses or it is withdrawn.
	Broadcast(h Handle, member string, body []any, ttl time.Duration) (Serial, error)
	WithdrawBroadcast(h Handle, s Serial) error

	ExportMethod(path, iface, member string, fn MethodFunc) error
	UnexportMethod(path, iface, member string) error
	CallRemote(ctx context.Context, target string, sid SessionID, path, iface, member string, args ...any) ([]any, error)

	BindSessionPort(port uint16) error
	UnbindSessionPort(port uint16) error
	EstablishSession(ctx context.Context, target string, port uint16) (SessionID, error)
	ReleaseSession(sid SessionID) error

	// SubscribeSignal registers a handler for iface.member signals. Delivery also
	// requires a match rule admitting the signal.
	SubscribeSignal(iface, member string, fn SignalHandler) (SubscriptionID, error)
	// SubscribeDiscovery registers for announcements of peers implementing iface.
	SubscribeDiscovery(iface string, h DiscoveryHandler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error

	AddMatch(r Rule) error
	RemoveMatch(r Rule) error
}
