// Package transport holds what the notification coordinators share: the bus
// attachment, the task manager, the event fanout and the local application id.
package transport

import (
	"errors"
	"time"

	"ajnotify/internal/bus"
	"ajnotify/internal/eventbus"
	"ajnotify/internal/ns"
	"ajnotify/internal/payload"
	"ajnotify/internal/taskmgr"
	"ajnotify/pkg/logx"
)

// Env is passed explicitly to every coordinator.
type Env struct {
	Bus    bus.Bus
	Tasks  *taskmgr.Manager
	Events eventbus.Bus
	Codec  *payload.Codec
	Log    logx.Logger
	AppID  ns.AppID
}

// Validate reports a missing collaborator.
func (e Env) Validate() error {
	switch {
	case e.Bus == nil:
		return errors.New("transport: env has no bus")
	case e.Tasks == nil:
		return errors.New("transport: env has no task manager")
	}
	return nil
}

// Logger returns the env logger tagged with comp.
func (e Env) Logger(comp string) logx.Logger {
	log := e.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return log.With(logx.String("comp", comp))
}

// Payload returns the codec, creating a default one when unset.
func (e Env) Payload() *payload.Codec {
	if e.Codec != nil {
		return e.Codec
	}
	return payload.New(e.Log)
}

// Publish emits a lifecycle event when an event bus is configured.
func (e Env) Publish(topic string, data any) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(eventbus.Event{Type: topic, Time: time.Now(), Data: data})
}

// NotificationEvent summarises m for the event bus.
func NotificationEvent(m ns.Message) eventbus.NotificationEvent {
	return eventbus.NotificationEvent{
		MsgID:    m.ID,
		AppID:    m.AppID.String(),
		Category: m.Category.String(),
		Sender:   m.Sender,
	}
}
