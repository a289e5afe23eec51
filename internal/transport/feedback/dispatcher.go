// Package feedback withdraws a received notification on behalf of the consumer:
// it asks the origin producer to Dismiss it over a session and falls back to
// broadcasting Dismiss whenever that is impossible or fails.
package feedback

import (
	"context"
	"errors"
	"time"

	"ajnotify/internal/bus"
	"ajnotify/internal/ns"
	"ajnotify/internal/taskmgr"
	"ajnotify/internal/transport"
	"ajnotify/internal/transport/dismiss"
	"ajnotify/pkg/logx"
)

// DefaultSessionTimeout bounds session establishment and the remote call.
const DefaultSessionTimeout = 10 * time.Second

// broadcastTimeout bounds the fallback broadcast. It is not tied to the caller's
// context: a canceled negotiation still ends in a broadcast.
const broadcastTimeout = 5 * time.Second

// Outcome is the path a withdrawal took.
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomeRemote means the origin accepted Dismiss and will broadcast itself.
	OutcomeRemote
	// OutcomeBroadcast means Dismiss was broadcast locally.
	OutcomeBroadcast
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRemote:
		return "remote"
	case OutcomeBroadcast:
		return "broadcast"
	default:
		return "none"
	}
}

type Options struct {
	SessionTimeout    time.Duration
	DismissRatePerSec float64
}

// Dispatcher runs withdrawals one at a time in submission order.
type Dispatcher struct {
	bus     bus.Bus
	log     logx.Logger
	emitter *dismiss.Emitter
	timeout time.Duration
	queue   *taskmgr.Manager
}

func New(env transport.Env, opts Options) *Dispatcher {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	log := env.Logger("feedback")
	return &Dispatcher{
		bus:     env.Bus,
		log:     log,
		emitter: dismiss.NewEmitter(env, opts.DismissRatePerSec),
		timeout: opts.SessionTimeout,
		queue:   taskmgr.New(taskmgr.Config{Workers: 1, QueueSize: 1}, log),
	}
}

func (d *Dispatcher) Start(ctx context.Context) { d.queue.Start(ctx) }

// Stop finishes queued withdrawals until ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) { d.queue.Stop(ctx) }

// Dismiss queues the withdrawal of m and returns immediately.
func (d *Dispatcher) Dismiss(m ns.Message) error {
	m = m.Clone()
	return d.queue.Enqueue("feedback.dismiss", func(ctx context.Context) {
		if _, err := d.run(ctx, m); err != nil {
			d.log.Error("withdrawal did not reach consumers", logx.Int32("msg_id", m.ID),
				logx.Stringer("app_id", m.AppID), logx.Err(err))
		}
	})
}

// DismissSync queues the withdrawal of m behind earlier ones and waits for it.
// A nil error means the withdrawal reached consumers by the returned path.
func (d *Dispatcher) DismissSync(ctx context.Context, m ns.Message) (Outcome, error) {
	type result struct {
		o   Outcome
		err error
	}
	done := make(chan result, 1)
	m = m.Clone()
	if err := d.queue.Enqueue("feedback.dismiss", func(qctx context.Context) {
		o, err := d.run(qctx, m)
		done <- result{o, err}
	}); err != nil {
		return OutcomeNone, err
	}
	select {
	case r := <-done:
		return r.o, r.err
	case <-ctx.Done():
		return OutcomeNone, ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, m ns.Message) (Outcome, error) {
	log := d.log.With(logx.Int32("msg_id", m.ID), logx.Stringer("app_id", m.AppID))
	if !m.SupportsProducerCallback() {
		log.Debug("origin can't be called, broadcasting dismiss", logx.Int32("version", m.Version))
		return d.broadcast(ctx, m)
	}
	err := d.callOrigin(ctx, m)
	if err == nil {
		log.Debug("origin accepted dismiss", logx.String("origin", m.OriginSender))
		return OutcomeRemote, nil
	}
	log.Error("failed to call dismiss on origin, broadcasting dismiss", logx.String("origin", m.OriginSender), logx.Err(err))
	return d.broadcast(ctx, m)
}

// callOrigin joins the origin's producer session and invokes Dismiss. The session is
// released afterwards unless it was already joined.
func (d *Dispatcher) callOrigin(ctx context.Context, m ns.Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	sid, err := d.bus.EstablishSession(ctx, m.OriginSender, ns.ProducerSessionPort)
	alreadyJoined := errors.Is(err, bus.ErrAlreadyJoined)
	if err != nil && !alreadyJoined {
		return &ns.SessionError{Target: m.OriginSender, Err: err}
	}
	if !alreadyJoined {
		defer func() {
			if err := d.bus.ReleaseSession(sid); err != nil {
				d.log.Error("failed to leave session", logx.Uint32("session", uint32(sid)), logx.Err(err))
			}
		}()
	}

	if _, err := d.bus.CallRemote(ctx, m.OriginSender, sid, ns.ProducerPath, ns.ProducerInterface, ns.DismissMethod, m.ID); err != nil {
		return &ns.RemoteCallError{Target: m.OriginSender, Method: ns.DismissMethod, Err: err}
	}
	return nil
}

func (d *Dispatcher) broadcast(ctx context.Context, m ns.Message) (Outcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), broadcastTimeout)
	defer cancel()
	if err := d.emitter.Send(ctx, m.ID, m.AppID); err != nil {
		return OutcomeBroadcast, err
	}
	return OutcomeBroadcast, nil
}
