// Package dismiss broadcasts and receives the sessionless Dismiss signal that
// withdraws a notification from every consumer.
package dismiss

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"ajnotify/internal/bus"
	"ajnotify/internal/ns"
	"ajnotify/internal/payload"
	"ajnotify/internal/transport"
	"ajnotify/pkg/logx"
)

// Emitter sends Dismiss signals from a short-lived endpoint per message.
type Emitter struct {
	bus     bus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	// one ephemeral endpoint at a time
	mu sync.Mutex
}

// NewEmitter paces sends to perSec signals per second; perSec <= 0 disables pacing.
func NewEmitter(env transport.Env, perSec float64) *Emitter {
	lim := rate.NewLimiter(rate.Inf, 1)
	if perSec > 0 {
		lim = rate.NewLimiter(rate.Limit(perSec), max(1, int(perSec)))
	}
	return &Emitter{bus: env.Bus, log: env.Logger("dismiss.emitter"), limiter: lim}
}

// ObjectPath is the endpoint path a Dismiss for (msgID, appID) is sent from.
func ObjectPath(msgID int32, appID ns.AppID) string {
	id := int64(msgID)
	if id < 0 {
		id = -id
	}
	hex := strings.ReplaceAll(appID.String(), "-", "")
	return ns.DismisserPathPrefix + "/" + hex + "/" + strconv.FormatInt(id, 10)
}

// Send broadcasts Dismiss(msgID, appID) with ns.DismissTTL. It waits for the pacer
// rather than dropping.
func (e *Emitter) Send(ctx context.Context, msgID int32, appID ns.AppID) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return &ns.TransportError{Op: "dismiss pacing", Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	path := ObjectPath(msgID, appID)
	h, err := e.bus.RegisterBroadcastEndpoint(path, ns.DismisserInterface)
	if err != nil {
		e.log.Error("failed to register dismiss endpoint", logx.String("path", path), logx.Err(err))
		return &ns.TransportError{Op: "register " + path, Err: err}
	}
	defer func() {
		if err := e.bus.UnregisterBroadcastEndpoint(h); err != nil {
			e.log.Warn("failed to unregister dismiss endpoint", logx.String("path", path), logx.Err(err))
		}
	}()

	serial, err := e.bus.Broadcast(h, ns.DismissSignal, payload.EncodeDismiss(msgID, appID), ns.DismissTTL)
	if err != nil {
		e.log.Error("failed to send dismiss", logx.Int32("msg_id", msgID), logx.Stringer("app_id", appID), logx.Err(err))
		return &ns.TransportError{Op: fmt.Sprintf("broadcast dismiss %d", msgID), Err: err}
	}
	e.log.Debug("dismiss sent", logx.Int32("msg_id", msgID), logx.Stringer("app_id", appID),
		logx.Uint32("serial", uint32(serial)))
	return nil
}
