package dismiss

import (
	"errors"
	"sync"

	"ajnotify/internal/bus"
	"ajnotify/internal/ns"
	"ajnotify/internal/payload"
	"ajnotify/internal/transport"
	"ajnotify/pkg/logx"
)

// Handler receives a decoded Dismiss. It runs on a bus goroutine.
type Handler func(sender string, msgID int32, appID ns.AppID)

// Rule admits sessionless Dismiss signals.
func Rule() bus.Rule { return bus.SessionlessRule(ns.DismisserInterface) }

// Receiver subscribes to Dismiss signals.
type Receiver struct {
	bus bus.Bus
	log logx.Logger
	fn  Handler

	mu     sync.Mutex
	sub    bus.SubscriptionID
	hasSub bool
	rule   bool
}

func NewReceiver(env transport.Env, fn Handler) *Receiver {
	return &Receiver{bus: env.Bus, log: env.Logger("dismiss.receiver"), fn: fn}
}

// Start registers the handler and the dismiss rule. On failure nothing stays registered.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasSub {
		return nil
	}
	id, err := r.bus.SubscribeSignal(ns.DismisserInterface, ns.DismissSignal, r.onSignal)
	if err != nil {
		return &ns.RegistrationError{What: "dismiss handler", Err: err}
	}
	r.sub, r.hasSub = id, true
	if err := r.bus.AddMatch(Rule()); err != nil {
		_ = r.stopLocked()
		return &ns.RegistrationError{What: "dismiss rule", Err: err}
	}
	r.rule = true
	return nil
}

// Stop removes the rule and the handler. Both are attempted even if one fails.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}

func (r *Receiver) stopLocked() error {
	var errs []error
	if r.rule {
		if err := r.bus.RemoveMatch(Rule()); err != nil {
			errs = append(errs, err)
		}
		r.rule = false
	}
	if r.hasSub {
		if err := r.bus.Unsubscribe(r.sub); err != nil {
			errs = append(errs, err)
		}
		r.hasSub = false
	}
	return errors.Join(errs...)
}

func (r *Receiver) onSignal(sig bus.Signal) {
	msgID, appID, err := payload.DecodeDismiss(sig.Body)
	if err != nil {
		r.log.Warn("dropping malformed dismiss", logx.String("sender", sig.Sender), logx.Err(err))
		return
	}
	r.log.Debug("dismiss received", logx.String("sender", sig.Sender), logx.Int32("msg_id", msgID), logx.Stringer("app_id", appID))
	if r.fn != nil {
		r.fn(sig.Sender, msgID, appID)
	}
}
