// Package producer owns the per-category broadcast channels of a notification
// producer, answers remote Dismiss requests and withdraws sent notifications.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"ajnotify/internal/bus"
	"ajnotify/internal/eventbus"
	"ajnotify/internal/ns"
	"ajnotify/internal/transport"
	"ajnotify/internal/transport/dismiss"
	"ajnotify/pkg/logx"
)

// Options tune a Coordinator.
type Options struct {
	// DismissRatePerSec paces Dismiss broadcasts; <= 0 means unpaced.
	DismissRatePerSec float64
}

// Coordinator is safe for concurrent use. Sends on different categories never
// contend; sends and cancels on one category are serialized by that channel.
type Coordinator struct {
	env       transport.Env
	log       logx.Logger
	dismisser *dismiss.Emitter

	stopSending atomic.Bool

	// lifecycle; the channel table is read-only while started
	mu       sync.RWMutex
	started  bool
	channels map[ns.Category]*channel
	exported []string
	portUp   bool
}

func New(env transport.Env, opts Options) *Coordinator {
	return &Coordinator{
		env:       env,
		log:       env.Logger("producer"),
		dismisser: dismiss.NewEmitter(env, opts.DismissRatePerSec),
	}
}

// Start registers one broadcast endpoint per category, exports the producer
// methods and binds the producer session port. A failure undoes everything.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.env.Validate(); err != nil {
		return &ns.TransportError{Op: "start producer", Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &ns.TransportError{Op: "start producer", Err: err}
	}

	b := c.env.Bus
	c.channels = make(map[ns.Category]*channel, len(ns.Categories()))
	for _, cat := range ns.Categories() {
		h, err := b.RegisterBroadcastEndpoint(cat.Path(), ns.NotificationInterface)
		if err != nil {
			c.teardownLocked()
			return &ns.TransportError{Op: "register channel " + cat.String(), Err: err}
		}
		c.channels[cat] = &channel{category: cat, handle: h}
	}

	methods := []struct {
		member string
		fn     bus.MethodFunc
	}{
		{ns.DismissMethod, c.onDismissCall},
		{ns.VersionMethod, func(context.Context, string, []any) ([]any, error) {
			return []any{ns.ProducerVersion}, nil
		}},
	}
	for _, m := range methods {
		if err := b.ExportMethod(ns.ProducerPath, ns.ProducerInterface, m.member, m.fn); err != nil {
			c.teardownLocked()
			return &ns.TransportError{Op: "export " + m.member, Err: err}
		}
		c.exported = append(c.exported, m.member)
	}

	if err := b.BindSessionPort(ns.ProducerSessionPort); err != nil {
		c.teardownLocked()
		return &ns.TransportError{Op: fmt.Sprintf("bind session port %d", ns.ProducerSessionPort), Err: err}
	}
	c.portUp = true
	c.started = true
	c.log.Info("producer started", logx.String("bus_name", b.UniqueName()))
	return nil
}

// Stop withdraws outstanding broadcasts and releases every registration. It is idempotent.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started && c.channels == nil {
		return nil
	}
	err := c.teardownLocked()
	c.log.Info("producer stopped")
	return err
}

func (c *Coordinator) teardownLocked() error {
	b := c.env.Bus
	var errs []error
	for _, cat := range ns.Categories() {
		ch := c.channels[cat]
		if ch == nil {
			continue
		}
		ch.mu.Lock()
		if _, _, err := ch.withdrawLocked(b); err != nil {
			c.log.Warn("failed to withdraw on stop", logx.Stringer("category", cat), logx.Err(err))
		}
		ch.clear()
		ch.mu.Unlock()
		if err := b.UnregisterBroadcastEndpoint(ch.handle); err != nil {
			errs = append(errs, fmt.Errorf("unregister %s: %w", cat, err))
		}
	}
	c.channels = nil
	if c.portUp {
		if err := b.UnbindSessionPort(ns.ProducerSessionPort); err != nil {
			c.log.Error("failed to unbind session port", logx.Int("port", int(ns.ProducerSessionPort)), logx.Err(err))
			errs = append(errs, err)
		}
		c.portUp = false
	}
	for i := len(c.exported) - 1; i >= 0; i-- {
		if err := b.UnexportMethod(ns.ProducerPath, ns.ProducerInterface, c.exported[i]); err != nil {
			errs = append(errs, err)
		}
	}
	c.exported = nil
	c.started = false
	return errors.Join(errs...)
}

func (c *Coordinator) channel(cat ns.Category) (*channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started {
		return nil, ns.ErrNotStarted
	}
	ch, ok := c.channels[cat]
	if !ok {
		return nil, &ns.UnknownCategoryError{Category: cat}
	}
	return ch, nil
}

// SetSending opens or closes the sending gate without touching registrations.
func (c *Coordinator) SetSending(on bool) { c.stopSending.Store(!on) }

// Sending reports whether Send broadcasts.
func (c *Coordinator) Sending() bool { return !c.stopSending.Load() }

// Send broadcasts m on its category channel with m.TTL and records the serial.
// While sending is off it does nothing and returns serial 0.
func (c *Coordinator) Send(ctx context.Context, m ns.Message) (bus.Serial, error) {
	ch, err := c.channel(m.Category)
	if err != nil {
		return 0, err
	}
	if c.stopSending.Load() {
		c.log.Debug("sending is off, not sending notification", logx.Int32("msg_id", m.ID), logx.Stringer("category", m.Category))
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	body, err := c.env.Payload().Encode(m)
	if err != nil {
		return 0, err
	}

	ch.mu.Lock()
	serial, err := c.env.Bus.Broadcast(ch.handle, ns.NotifySignal, body.Values(), m.TTL)
	if err != nil {
		ch.mu.Unlock()
		c.log.Error("failed to send notification", logx.Int32("msg_id", m.ID), logx.Stringer("category", m.Category), logx.Err(err))
		return 0, &ns.TransportError{Op: "broadcast " + m.Category.String(), Err: err}
	}
	ch.record(serial, m.ID)
	ch.mu.Unlock()

	c.log.Debug("notification sent", logx.Int32("msg_id", m.ID), logx.Stringer("category", m.Category),
		logx.Uint32("serial", uint32(serial)), logx.Duration("ttl", m.TTL))
	c.env.Publish(eventbus.TopicNotificationSent, transport.NotificationEvent(m))
	return serial, nil
}

// Last returns what the category channel has recorded.
func (c *Coordinator) Last(cat ns.Category) (serial bus.Serial, msgID int32, ok bool) {
	ch, err := c.channel(cat)
	if err != nil {
		return 0, 0, false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lastSerial, ch.lastMsgID, ch.pending
}

// CancelLast withdraws the last broadcast of cat and then broadcasts Dismiss for its
// message id. Without a recorded broadcast it only logs. A failed withdrawal keeps
// the record so the caller may retry.
func (c *Coordinator) CancelLast(ctx context.Context, cat ns.Category) error {
	ch, err := c.channel(cat)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	id, ok, err := ch.withdrawLocked(c.env.Bus)
	ch.mu.Unlock()
	if err != nil {
		c.log.Warn("failed to delete last message", logx.Stringer("category", cat), logx.Int32("msg_id", id), logx.Err(err))
		return &ns.TransportError{Op: "withdraw " + cat.String(), Err: err}
	}
	if !ok {
		c.log.Warn("no message to delete", logx.Stringer("category", cat))
		return nil
	}
	c.env.Publish(eventbus.TopicNotificationCanceled, eventbus.NotificationEvent{MsgID: id, AppID: c.env.AppID.String(), Category: cat.String()})
	return c.dismisser.Send(ctx, id, c.env.AppID)
}

// HandleRemoteDismiss withdraws the channel holding msgID, if any, and always
// broadcasts Dismiss(msgID) afterwards.
func (c *Coordinator) HandleRemoteDismiss(ctx context.Context, msgID int32) {
	found := false
	for _, cat := range ns.Categories() {
		ch, err := c.channel(cat)
		if err != nil {
			break
		}
		ch.mu.Lock()
		if ch.pending && ch.lastMsgID == msgID {
			found = true
			if _, _, err := ch.withdrawLocked(c.env.Bus); err != nil {
				c.log.Warn("failed to withdraw dismissed message", logx.Int32("msg_id", msgID), logx.Stringer("category", cat), logx.Err(err))
			}
		}
		ch.mu.Unlock()
		if found {
			break
		}
	}
	if !found {
		c.log.Debug("dismissed message not found among channels", logx.Int32("msg_id", msgID))
	}
	if err := c.dismisser.Send(ctx, msgID, c.env.AppID); err != nil {
		c.log.Error("unable to send dismiss", logx.Int32("msg_id", msgID), logx.Err(err))
	}
}

// onDismissCall is the exported Dismiss(int32) method. It queues the work and returns.
func (c *Coordinator) onDismissCall(_ context.Context, sender string, args []any) ([]any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: Dismiss takes 1 argument, got %d", ns.ErrInvalidMessage, len(args))
	}
	msgID, ok := args[0].(int32)
	if !ok {
		return nil, fmt.Errorf("%w: Dismiss argument is %T, want int32", ns.ErrInvalidMessage, args[0])
	}
	c.log.Debug("remote dismiss requested", logx.String("sender", sender), logx.Int32("msg_id", msgID))
	if err := c.env.Tasks.Enqueue("producer.dismiss", func(ctx context.Context) {
		c.HandleRemoteDismiss(ctx, msgID)
	}); err != nil {
		return nil, err
	}
	return nil, nil
}
