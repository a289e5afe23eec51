// Package consumer receives notifications and dismissals, and elects a super
// agent: once one is seen, only its relayed notifications are accepted until its
// presence is lost.
package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"ajnotify/internal/bus"
	"ajnotify/internal/eventbus"
	"ajnotify/internal/ns"
	"ajnotify/internal/transport"
	"ajnotify/internal/transport/dismiss"
	"ajnotify/pkg/logx"
)

const (
	notificationInterface = ns.NotificationInterface
	superAgentInterface   = ns.SuperAgentInterface
)

// Receiver is the application callback. Calls run on the task manager pool.
type Receiver interface {
	Receive(m ns.Message)
	Dismiss(msgID int32, appID ns.AppID)
}

type Options struct {
	SearchSuperAgent bool
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	env  transport.Env
	log  logx.Logger
	recv Receiver
	opts Options

	stopReceiving atomic.Bool

	// mu guards every registration and the super-agent transition.
	mu           sync.Mutex
	state        State
	agent        string
	producerSub  *bus.SubscriptionID
	producerRule bool
	agentSub     *bus.SubscriptionID
	genericRule  bool
	specificRule *bus.Rule
	discSub      *bus.SubscriptionID
	dismisser    *dismiss.Receiver
}

func New(env transport.Env, recv Receiver, opts Options) *Coordinator {
	return &Coordinator{
		env:  env,
		log:  env.Logger("consumer"),
		recv: recv,
		opts: opts,
	}
}

// Start registers the producer and dismiss receivers and, when searching, the
// super-agent receiver, discovery and the generic super-agent rule. On failure
// everything registered so far is released.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.env.Validate(); err != nil {
		return &ns.RegistrationError{What: "consumer", Err: err}
	}
	if c.recv == nil {
		return &ns.RegistrationError{What: "consumer", Err: errors.New("nil receiver")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Stopped {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &ns.RegistrationError{What: "consumer", Err: err}
	}
	c.stopReceiving.Store(false)

	fail := func(what string, err error) error {
		if serr := c.stopLocked(); serr != nil {
			c.log.Warn("rollback after failed start was incomplete", logx.Err(serr))
		}
		c.log.Error("failed to start consumer", logx.String("what", what), logx.Err(err))
		return &ns.RegistrationError{What: what, Err: err}
	}

	if err := c.subscribeProducerLocked(); err != nil {
		return fail("producer handler", err)
	}
	c.dismisser = dismiss.NewReceiver(c.env, c.onDismiss)
	if err := c.dismisser.Start(); err != nil {
		return fail("dismiss receiver", err)
	}
	if err := c.addProducerRuleLocked(); err != nil {
		return fail("producer rule", err)
	}

	if !c.opts.SearchSuperAgent {
		c.state = ProducerDirect
		c.log.Info("consumer started", logx.Stringer("state", c.state))
		return nil
	}

	id, err := c.env.Bus.SubscribeSignal(superAgentInterface, ns.NotifySignal, c.onAgentNotify)
	if err != nil {
		return fail("super agent handler", err)
	}
	c.agentSub = &id
	did, err := c.env.Bus.SubscribeDiscovery(superAgentInterface, discovery{c})
	if err != nil {
		return fail("super agent discovery", err)
	}
	c.discSub = &did
	if err := c.env.Bus.AddMatch(GenericAgentRule); err != nil {
		return fail("super agent rule", err)
	}
	c.genericRule = true

	c.state = SearchingSuperAgent
	c.log.Info("consumer started", logx.Stringer("state", c.state))
	return nil
}

// Stop releases registrations in reverse order of acquisition. Every release is
// attempted even after an earlier one fails. It is idempotent.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Stopped && c.dismisser == nil && c.producerSub == nil {
		return nil
	}
	err := c.stopLocked()
	c.log.Info("consumer stopped")
	return err
}

func (c *Coordinator) stopLocked() error {
	b := c.env.Bus
	var errs []error
	keep := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.specificRule != nil {
		keep(b.RemoveMatch(*c.specificRule))
		c.specificRule = nil
	}
	if c.genericRule {
		keep(b.RemoveMatch(GenericAgentRule))
		c.genericRule = false
	}
	if c.discSub != nil {
		keep(b.Unsubscribe(*c.discSub))
		c.discSub = nil
	}
	if c.agentSub != nil {
		keep(b.Unsubscribe(*c.agentSub))
		c.agentSub = nil
	}
	if c.producerRule {
		keep(b.RemoveMatch(ProducerRule))
		c.producerRule = false
	}
	if c.dismisser != nil {
		keep(c.dismisser.Stop())
		c.dismisser = nil
	}
	if c.producerSub != nil {
		keep(b.Unsubscribe(*c.producerSub))
		c.producerSub = nil
	}

	c.agent = ""
	c.state = Stopped
	return errors.Join(errs...)
}

func (c *Coordinator) subscribeProducerLocked() error {
	id, err := c.env.Bus.SubscribeSignal(notificationInterface, ns.NotifySignal, c.onProducerNotify)
	if err != nil {
		return err
	}
	c.producerSub = &id
	return nil
}

func (c *Coordinator) addProducerRuleLocked() error {
	if err := c.env.Bus.AddMatch(ProducerRule); err != nil {
		return err
	}
	c.producerRule = true
	return nil
}

// SetReceiving opens or closes the delivery gate without touching registrations.
func (c *Coordinator) SetReceiving(on bool) { c.stopReceiving.Store(!on) }

// Receiving reports whether deliveries pass the gate.
func (c *Coordinator) Receiving() bool { return !c.stopReceiving.Load() }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SuperAgent returns the bound super agent's bus name, or "".
func (c *Coordinator) SuperAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

// bindSuperAgent performs the one-way hand-off to sender. Only the first call while
// searching changes anything; a failure to add the sender rule leaves the state as is.
func (c *Coordinator) bindSuperAgent(sender string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != SearchingSuperAgent {
		return false
	}
	b := c.env.Bus
	rule := SpecificAgentRule(sender)
	if err := b.AddMatch(rule); err != nil {
		c.log.Error("failed to add super agent rule, not listening to it", logx.String("rule", rule.String()), logx.Err(err))
		return false
	}
	c.specificRule = &rule

	if c.genericRule {
		if err := b.RemoveMatch(GenericAgentRule); err != nil {
			c.log.Warn("failed to remove generic super agent rule, other agents may still deliver", logx.Err(err))
		} else {
			c.genericRule = false
		}
	}
	if c.producerRule {
		if err := b.RemoveMatch(ProducerRule); err != nil {
			c.log.Warn("failed to remove producer rule, producers may still deliver", logx.Err(err))
		} else {
			c.producerRule = false
		}
	}
	if c.producerSub != nil {
		if err := b.Unsubscribe(*c.producerSub); err != nil {
			c.log.Warn("failed to unregister producer handler", logx.Err(err))
		}
		c.producerSub = nil
	}

	c.agent = sender
	c.state = SuperAgentBound
	c.log.Info("super agent bound", logx.String("sender", sender))
	c.env.Publish(eventbus.TopicSuperAgentBound, eventbus.SuperAgentEvent{Sender: sender})
	return true
}

// loseSuperAgent returns to searching when the bound agent's presence is lost.
func (c *Coordinator) loseSuperAgent(sender string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != SuperAgentBound || sender != c.agent {
		return false
	}
	b := c.env.Bus
	if c.producerSub == nil {
		if err := c.subscribeProducerLocked(); err != nil {
			c.log.Error("failed to receive from producers again", logx.Err(err))
			return false
		}
	}
	if !c.producerRule {
		if err := c.addProducerRuleLocked(); err != nil {
			c.log.Error("failed to receive from producers again", logx.Err(err))
			return false
		}
	}
	if !c.genericRule {
		if err := b.AddMatch(GenericAgentRule); err != nil {
			c.log.Warn("failed to add generic super agent rule, may miss super agents", logx.Err(err))
		} else {
			c.genericRule = true
		}
	}
	if c.specificRule != nil {
		if err := b.RemoveMatch(*c.specificRule); err != nil {
			c.log.Warn("failed to remove super agent rule", logx.Err(err))
		}
		c.specificRule = nil
	}

	c.agent = ""
	c.state = SearchingSuperAgent
	c.log.Info("super agent lost", logx.String("sender", sender))
	c.env.Publish(eventbus.TopicSuperAgentLost, eventbus.SuperAgentEvent{Sender: sender})
	return true
}

// ---- inbound paths (bus goroutines; never block) ----

func (c *Coordinator) onProducerNotify(sig bus.Signal) {
	if c.stopReceiving.Load() {
		return
	}
	if c.State() == SuperAgentBound {
		// in flight across the hand-off
		c.log.Debug("dropping producer notification while bound", logx.String("sender", sig.Sender))
		return
	}
	c.deliver(sig)
}

func (c *Coordinator) onAgentNotify(sig bus.Signal) {
	if c.stopReceiving.Load() {
		return
	}
	c.mu.Lock()
	state, agent := c.state, c.agent
	c.mu.Unlock()
	switch state {
	case SearchingSuperAgent:
		c.scheduleBind(sig.Sender)
	case SuperAgentBound:
		if sig.Sender != agent {
			c.log.Debug("dropping notification from unbound super agent", logx.String("sender", sig.Sender))
			return
		}
	default:
		return
	}
	c.deliver(sig)
}

func (c *Coordinator) onDismiss(sender string, msgID int32, appID ns.AppID) {
	if c.stopReceiving.Load() {
		return
	}
	err := c.env.Tasks.Execute("consumer.dismiss", func(context.Context) {
		// the gate may have closed while queued
		if c.stopReceiving.Load() {
			return
		}
		c.recv.Dismiss(msgID, appID)
		c.env.Publish(eventbus.TopicNotificationDismissed, eventbus.NotificationEvent{MsgID: msgID, AppID: appID.String(), Sender: sender})
	})
	if err != nil {
		c.log.Error("failed to deliver dismiss", logx.Int32("msg_id", msgID), logx.Stringer("app_id", appID), logx.Err(err))
	}
}

func (c *Coordinator) deliver(sig bus.Signal) {
	m, err := c.env.Payload().Decode(sig.Sender, sig.Body)
	if err != nil {
		c.log.Warn("dropping malformed notification", logx.String("sender", sig.Sender), logx.Err(err))
		return
	}
	err = c.env.Tasks.Execute("consumer.receive", func(context.Context) {
		if c.stopReceiving.Load() {
			return
		}
		c.recv.Receive(m)
		c.env.Publish(eventbus.TopicNotificationReceived, transport.NotificationEvent(m))
	})
	if err != nil {
		c.log.Error("failed to deliver notification", logx.Int32("msg_id", m.ID), logx.Err(err))
	}
}

// scheduleBind runs the hand-off on the ordered queue, off the bus goroutine.
func (c *Coordinator) scheduleBind(sender string) {
	if err := c.env.Tasks.Enqueue("consumer.bind", func(context.Context) { c.bindSuperAgent(sender) }); err != nil {
		c.log.Error("failed to schedule super agent hand-off", logx.String("sender", sender), logx.Err(err))
	}
}

type discovery struct{ c *Coordinator }

func (d discovery) Announced(a bus.Announcement) {
	d.c.log.Debug("super agent announced", logx.String("sender", a.Sender))
	d.c.scheduleBind(a.Sender)
}

func (d discovery) Lost(sender string) {
	c := d.c
	if err := c.env.Tasks.Enqueue("consumer.lost", func(context.Context) { c.loseSuperAgent(sender) }); err != nil {
		c.log.Error("failed to schedule super agent loss", logx.String("sender", sender), logx.Err(err))
	}
}
