// Package eventbus is an in-memory, non-blocking fanout of lifecycle events
// (super-agent binding, deliveries, withdrawals) for observers such as logs,
// the relay sink and tests.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event topics.
const (
	TopicSuperAgentBound       = "superagent.bound"
	TopicSuperAgentLost        = "superagent.lost"
	TopicNotificationReceived  = "notification.received"
	TopicNotificationDismissed = "notification.dismissed"
	TopicNotificationSent      = "notification.sent"
	TopicNotificationCanceled  = "notification.canceled"
)

// Event is a small in-memory signal.
//
// Publish never blocks; subscribers use buffered channels and a slow subscriber
// loses events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// SuperAgentEvent is the Data of TopicSuperAgentBound and TopicSuperAgentLost.
type SuperAgentEvent struct {
	Sender string `json:"sender"`
}

// NotificationEvent is the Data of the notification.* topics.
type NotificationEvent struct {
	MsgID    int32  `json:"msg_id"`
	AppID    string `json:"app_id"`
	Category string `json:"category,omitempty"`
	Sender   string `json:"sender,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
