package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TopicSuperAgentBound, Data: SuperAgentEvent{Sender: ":1.4"}})
	b.Publish(Event{Type: TopicSuperAgentLost, Data: SuperAgentEvent{Sender: ":1.4"}})

	first := <-a
	assert.Equal(t, TopicSuperAgentBound, first.Type)
	assert.False(t, first.Time.IsZero())
	assert.Len(t, c, 2)

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
	require.NotPanics(t, func() { b.Publish(Event{Type: TopicNotificationReceived}) })
}

func TestNopBus(t *testing.T) {
	t.Parallel()
	b := Nop()
	b.Publish(Event{Type: "x"})
	ch, unsub := b.Subscribe(1)
	defer unsub()
	_, open := <-ch
	assert.False(t, open)
}
