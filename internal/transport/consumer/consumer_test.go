package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajnotify/internal/bus"
	"ajnotify/internal/bus/membus"
	"ajnotify/internal/eventbus"
	"ajnotify/internal/ns"
	"ajnotify/internal/payload"
	"ajnotify/internal/taskmgr"
	"ajnotify/internal/transport"
	"ajnotify/internal/transport/dismiss"
	"ajnotify/internal/transport/producer"
	"ajnotify/pkg/logx"
)

var appU = uuid.MustParse("5c1e4a0e-2f55-4a4c-8d0e-3c4b9d7f1a22")

type dismissal struct {
	msgID int32
	appID ns.AppID
}

type sink struct {
	mu        sync.Mutex
	received  []ns.Message
	dismissed []dismissal
}

func (s *sink) Receive(m ns.Message) {
	s.mu.Lock()
	s.received = append(s.received, m)
	s.mu.Unlock()
}

func (s *sink) Dismiss(id int32, app ns.AppID) {
	s.mu.Lock()
	s.dismissed = append(s.dismissed, dismissal{id, app})
	s.mu.Unlock()
}

func (s *sink) ids() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int32, 0, len(s.received))
	for _, m := range s.received {
		out = append(out, m.ID)
	}
	return out
}

func (s *sink) dismissals() []dismissal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dismissal(nil), s.dismissed...)
}

type fixture struct {
	hub    *membus.Hub
	conn   *membus.Conn
	env    transport.Env
	events eventbus.Bus
	sink   *sink
	c      *Coordinator
}

func newFixture(t *testing.T, search bool) *fixture {
	t.Helper()
	hub := membus.NewHub()
	conn := hub.Attach()
	tasks := taskmgr.New(taskmgr.Config{Workers: 2, QueueSize: 64}, logx.Nop())
	tasks.Start(context.Background())
	t.Cleanup(func() { tasks.Stop(context.Background()) })

	events := eventbus.New()
	env := transport.Env{Bus: conn, Tasks: tasks, Events: events, Log: logx.Nop(), AppID: uuid.New()}
	f := &fixture{hub: hub, conn: conn, env: env, events: events, sink: &sink{}}
	f.c = New(env, f.sink, Options{SearchSuperAgent: search})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.c.Start(context.Background()))
	t.Cleanup(func() { _ = f.c.Stop() })
}

func note(id int32) ns.Message {
	return ns.Message{
		ID:         id,
		Category:   ns.Warning,
		DeviceID:   "dev",
		DeviceName: "Device",
		AppID:      appU,
		AppName:    "app",
		Texts:      []ns.Text{{Lang: "en", Text: "hi"}},
		TTL:        time.Minute,
	}
}

// agent is a super agent relaying notifications under the super-agent interface.
type agent struct {
	conn *membus.Conn
	h    bus.Handle
}

func newAgent(t *testing.T, hub *membus.Hub) *agent {
	t.Helper()
	conn := hub.Attach()
	h, err := conn.RegisterBroadcastEndpoint(ns.SuperAgentRecvPath, ns.SuperAgentInterface)
	require.NoError(t, err)
	return &agent{conn: conn, h: h}
}

func (a *agent) relay(t *testing.T, m ns.Message) {
	t.Helper()
	body, err := payload.New(logx.Nop()).Encode(m)
	require.NoError(t, err)
	_, err = a.conn.Broadcast(a.h, ns.NotifySignal, body.Values(), time.Minute)
	require.NoError(t, err)
}

// directProducer broadcasts raw notify signals on the producer interface.
func directProducer(t *testing.T, hub *membus.Hub) func(m ns.Message) {
	t.Helper()
	conn := hub.Attach()
	h, err := conn.RegisterBroadcastEndpoint(ns.Warning.Path(), ns.NotificationInterface)
	require.NoError(t, err)
	codec := payload.New(logx.Nop())
	return func(m ns.Message) {
		body, err := codec.Encode(m)
		require.NoError(t, err)
		_, err = conn.Broadcast(h, ns.NotifySignal, body.Values(), time.Minute)
		require.NoError(t, err)
	}
}

func TestStartRegistrations(t *testing.T) {
	t.Parallel()
	direct := newFixture(t, false)
	direct.start(t)
	assert.Equal(t, ProducerDirect, direct.c.State())
	assert.ElementsMatch(t, []bus.Rule{ProducerRule, dismiss.Rule()}, direct.conn.Rules())
	assert.Equal(t, 2, direct.conn.Counts().SignalSubs)

	search := newFixture(t, true)
	search.start(t)
	assert.Equal(t, SearchingSuperAgent, search.c.State())
	assert.ElementsMatch(t, []bus.Rule{ProducerRule, dismiss.Rule(), GenericAgentRule}, search.conn.Rules())
	c := search.conn.Counts()
	assert.Equal(t, 3, c.SignalSubs)
	assert.Equal(t, 1, c.DiscoverySubs)

	require.NoError(t, search.c.Stop())
	require.NoError(t, search.c.Stop())
	assert.Equal(t, membus.Counts{}, search.conn.Counts())
	assert.Equal(t, Stopped, search.c.State())
}

func TestStartFailureRollsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.conn.Fail(membus.OpSubscribeDisc, errors.New("about client not running"))

	err := f.c.Start(context.Background())
	var re *ns.RegistrationError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "super agent discovery", re.What)
	assert.Equal(t, membus.Counts{}, f.conn.Counts())
	assert.Equal(t, Stopped, f.c.State())

	f.conn.Heal(membus.OpSubscribeDisc)
	f.start(t)
	assert.Equal(t, SearchingSuperAgent, f.c.State())
}

func TestProducerDirectDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.start(t)
	send := directProducer(t, f.hub)

	send(note(1))
	send(note(2))
	require.Eventually(t, func() bool { return len(f.sink.ids()) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []int32{1, 2}, f.sink.ids())
}

func TestMalformedNotificationIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.start(t)
	p := f.hub.Attach()
	h, err := p.RegisterBroadcastEndpoint("/info", ns.NotificationInterface)
	require.NoError(t, err)
	_, err = p.Broadcast(h, ns.NotifySignal, []any{int32(2), "garbage"}, time.Minute)
	require.NoError(t, err)

	f.hub.Drain()
	assert.Never(t, func() bool { return len(f.sink.ids()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestAnnouncementLeavesOnlyAgentSpecificRule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.start(t)
	sa := newAgent(t, f.hub)

	sa.conn.Announce(ns.SuperAgentInterface)
	require.Eventually(t, func() bool { return f.c.State() == SuperAgentBound }, time.Second, time.Millisecond)

	assert.Equal(t, sa.conn.UniqueName(), f.c.SuperAgent())
	assert.ElementsMatch(t, []bus.Rule{SpecificAgentRule(sa.conn.UniqueName()), dismiss.Rule()}, f.conn.Rules())
	assert.Equal(t, 2, f.conn.Counts().SignalSubs, "producer handler unregistered")
}

// settle waits until everything queued on the ordered queue so far has run.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, f.env.Tasks.Enqueue("settle", func(context.Context) { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ordered queue did not settle")
	}
}

func agentSignal(t *testing.T, sender string, m ns.Message) bus.Signal {
	t.Helper()
	body, err := payload.New(logx.Nop()).Encode(m)
	require.NoError(t, err)
	return bus.Signal{
		Sender:      sender,
		Path:        ns.SuperAgentRecvPath,
		Interface:   ns.SuperAgentInterface,
		Member:      ns.NotifySignal,
		Sessionless: true,
		Body:        body.Values(),
	}
}

func TestHandOffHappensExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.start(t)
	events, unsub := f.events.Subscribe(64)
	defer unsub()

	const sender = ":9.a"
	sig := agentSignal(t, sender, note(50))
	announce := bus.Announcement{Sender: sender, Interfaces: []string{ns.SuperAgentInterface}}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if i%2 == 0 {
				discovery{f.c}.Announced(announce)
			} else {
				f.c.onAgentNotify(sig)
			}
		}()
	}
	close(start)
	wg.Wait()
	f.settle(t)

	assert.Equal(t, SuperAgentBound, f.c.State())
	assert.Equal(t, sender, f.c.SuperAgent())
	assert.ElementsMatch(t, []bus.Rule{SpecificAgentRule(sender), dismiss.Rule()}, f.conn.Rules())

	// a later, different super agent is ignored on both trigger paths
	discovery{f.c}.Announced(bus.Announcement{Sender: ":9.z", Interfaces: []string{ns.SuperAgentInterface}})
	f.c.onAgentNotify(agentSignal(t, ":9.z", note(51)))
	f.settle(t)
	assert.Equal(t, sender, f.c.SuperAgent())
	assert.ElementsMatch(t, []bus.Rule{SpecificAgentRule(sender), dismiss.Rule()}, f.conn.Rules())

	require.Eventually(t, func() bool { return len(f.sink.ids()) == 8 }, time.Second, time.Millisecond)
	assert.NotContains(t, f.sink.ids(), int32(51))

	n := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TopicSuperAgentBound {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestHandOffAbortsWhenRuleCannotBeAdded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.start(t)
	before := f.conn.Rules()

	f.conn.Fail(membus.OpAddMatch, errors.New("too many rules"))
	assert.False(t, f.c.bindSuperAgent(":5.5"))
	assert.Equal(t, SearchingSuperAgent, f.c.State())
	assert.Equal(t, before, f.conn.Rules())

	f.conn.Heal(membus.OpAddMatch)
	assert.True(t, f.c.bindSuperAgent(":5.5"))
}

func TestBoundConsumerOnlyHearsItsAgent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.start(t)
	sa, other := newAgent(t, f.hub), newAgent(t, f.hub)
	send := directProducer(t, f.hub)

	sa.relay(t, note(10))
	require.Eventually(t, func() bool { return f.c.State() == SuperAgentBound }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(f.sink.ids()) >= 1 }, time.Second, time.Millisecond)

	send(note(11))
	other.relay(t, note(12))
	sa.relay(t, note(13))
	require.Eventually(t, func() bool {
		ids := f.sink.ids()
		return len(ids) > 0 && ids[len(ids)-1] == 13
	}, time.Second, time.Millisecond)
	f.hub.Drain()
	assert.NotContains(t, f.sink.ids(), int32(11))
	assert.NotContains(t, f.sink.ids(), int32(12))
}

// releaseLog records rule removals and unsubscribes in call order.
type releaseLog struct {
	bus.Bus
	mu    sync.Mutex
	rules []bus.Rule
	subs  []bus.SubscriptionID
	order []string
}

func (r *releaseLog) RemoveMatch(rule bus.Rule) error {
	r.mu.Lock()
	r.rules = append(r.rules, rule)
	r.order = append(r.order, "rule")
	r.mu.Unlock()
	return r.Bus.RemoveMatch(rule)
}

func (r *releaseLog) Unsubscribe(id bus.SubscriptionID) error {
	r.mu.Lock()
	r.subs = append(r.subs, id)
	r.order = append(r.order, "sub")
	r.mu.Unlock()
	return r.Bus.Unsubscribe(id)
}

func TestStopReleasesInReverseOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	rec := &releaseLog{Bus: f.conn}
	f.env.Bus = rec
	f.c = New(f.env, f.sink, Options{SearchSuperAgent: true})
	require.NoError(t, f.c.Start(context.Background()))

	f.c.mu.Lock()
	producerSub, agentSub, discSub := *f.c.producerSub, *f.c.agentSub, *f.c.discSub
	f.c.mu.Unlock()

	require.NoError(t, f.c.Stop())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"rule", "sub", "sub", "rule", "rule", "sub", "sub"}, rec.order)
	assert.Equal(t, []bus.Rule{GenericAgentRule, ProducerRule, dismiss.Rule()}, rec.rules)
	require.Len(t, rec.subs, 4)
	assert.Equal(t, discSub, rec.subs[0])
	assert.Equal(t, agentSub, rec.subs[1])
	assert.NotContains(t, []bus.SubscriptionID{producerSub, agentSub, discSub}, rec.subs[2], "dismiss receiver subscription")
	assert.Equal(t, producerSub, rec.subs[3])
	assert.Zero(t, f.conn.Counts().Rules)
	assert.Zero(t, f.conn.Counts().SignalSubs)
}

func TestLostAgentRestoresSearch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.start(t)
	sa := newAgent(t, f.hub)
	sa.conn.Announce(ns.SuperAgentInterface)
	require.Eventually(t, func() bool { return f.c.State() == SuperAgentBound }, time.Second, time.Millisecond)

	assert.False(t, f.c.loseSuperAgent(":not.bound"))

	require.NoError(t, sa.conn.Close())
	require.Eventually(t, func() bool { return f.c.State() == SearchingSuperAgent }, time.Second, time.Millisecond)
	assert.Empty(t, f.c.SuperAgent())
	assert.ElementsMatch(t, []bus.Rule{dismiss.Rule(), ProducerRule, GenericAgentRule}, f.conn.Rules())
	assert.Equal(t, 3, f.conn.Counts().SignalSubs)

	send := directProducer(t, f.hub)
	send(note(20))
	require.Eventually(t, func() bool { return len(f.sink.ids()) == 1 }, time.Second, time.Millisecond)
}

func TestStopReceivingGateDropsDeliveries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.start(t)
	send := directProducer(t, f.hub)
	em := dismiss.NewEmitter(transport.Env{Bus: f.hub.Attach()}, 0)

	f.c.SetReceiving(false)
	assert.False(t, f.c.Receiving())
	send(note(30))
	require.NoError(t, em.Send(context.Background(), 30, appU))
	f.hub.Drain()
	assert.Never(t, func() bool { return len(f.sink.ids())+len(f.sink.dismissals()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	f.c.SetReceiving(true)
	send(note(31))
	require.Eventually(t, func() bool { return len(f.sink.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int32{31}, f.sink.ids())
}

func TestStopReceivingGateDropsQueuedDeliveries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.start(t)
	send := directProducer(t, f.hub)
	em := dismiss.NewEmitter(transport.Env{Bus: f.hub.Attach()}, 0)

	// hold both workers so the deliveries wait in the pool
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()
	var busy sync.WaitGroup
	for range 2 {
		busy.Add(1)
		require.NoError(t, f.env.Tasks.Execute("hold", func(context.Context) {
			busy.Done()
			<-release
		}))
	}
	busy.Wait()
	before := f.env.Tasks.Stats().Executed

	send(note(40))
	require.NoError(t, em.Send(context.Background(), 40, appU))
	f.hub.Drain()

	f.c.SetReceiving(false)
	unblock()
	require.Eventually(t, func() bool { return f.env.Tasks.Stats().Executed >= before+2 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return len(f.sink.ids())+len(f.sink.dismissals()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestEndToEndSendThenCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.start(t)

	pconn := f.hub.Attach()
	penv := f.env
	penv.Bus = pconn
	penv.AppID = appU
	p := producer.New(penv, producer.Options{})
	require.NoError(t, p.Start(context.Background()))
	defer func() { _ = p.Stop() }()

	_, err := p.Send(context.Background(), note(42))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.sink.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int32{42}, f.sink.ids())

	require.NoError(t, p.CancelLast(context.Background(), ns.Warning))
	require.Eventually(t, func() bool { return len(f.sink.dismissals()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, dismissal{42, appU}, f.sink.dismissals()[0])
}
