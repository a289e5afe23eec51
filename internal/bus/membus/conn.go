package membus

import (
	"context"
	"fmt"
	"slices"
	"time"

	"ajnotify/internal/bus"
	"ajnotify/pkg/logx"
)

// Op names a Conn operation for fault injection.
type Op string

const (
	OpRegisterEndpoint Op = "register_endpoint"
	OpBroadcast        Op = "broadcast"
	OpWithdraw         Op = "withdraw"
	OpExportMethod     Op = "export_method"
	OpCallRemote       Op = "call_remote"
	OpBindPort         Op = "bind_port"
	OpEstablishSession Op = "establish_session"
	OpSubscribeSignal  Op = "subscribe_signal"
	OpSubscribeDisc    Op = "subscribe_discovery"
	OpAddMatch         Op = "add_match"
	OpRemoveMatch      Op = "remove_match"
)

// Call records one outbound CallRemote.
type Call struct {
	Target    string
	Session   bus.SessionID
	Path      string
	Interface string
	Member    string
	Args      []any
}

type endpoint struct {
	path  string
	iface string
}

type methodKey struct {
	path, iface, member string
}

type signalSub struct {
	iface, member string
	fn            bus.SignalHandler
}

type discSub struct {
	iface string
	h     bus.DiscoveryHandler
}

type session struct {
	target string
	self   bool
}

// Conn is one attachment to a Hub. It implements bus.Bus.
type Conn struct {
	hub   *Hub
	name  string
	inbox *mailbox

	// guarded by hub.mu
	closed     bool
	endpoints  map[bus.Handle]endpoint
	methods    map[methodKey]bus.MethodFunc
	ports      map[uint16]bool
	sessions   map[bus.SessionID]session
	signalSubs map[bus.SubscriptionID]signalSub
	discSubs   map[bus.SubscriptionID]discSub
	rules      []bus.Rule
	announced  []string
	faults     map[Op]error
	delays     map[Op]time.Duration
	emitted    []bus.Signal
	calls      []Call
}

var _ bus.Bus = (*Conn)(nil)

func newConn(h *Hub, name string) *Conn {
	return &Conn{
		hub:        h,
		name:       name,
		inbox:      newMailbox(),
		endpoints:  map[bus.Handle]endpoint{},
		methods:    map[methodKey]bus.MethodFunc{},
		ports:      map[uint16]bool{},
		sessions:   map[bus.SessionID]session{},
		signalSubs: map[bus.SubscriptionID]signalSub{},
		discSubs:   map[bus.SubscriptionID]discSub{},
		faults:     map[Op]error{},
		delays:     map[Op]time.Duration{},
	}
}

func (c *Conn) UniqueName() string { return c.name }

// ---- fault injection ----

// Fail makes every subsequent op return err until Heal is called.
func (c *Conn) Fail(op Op, err error) {
	c.hub.mu.Lock()
	c.faults[op] = err
	c.hub.mu.Unlock()
}

// Delay makes op wait d (or until its context is done) before running.
// Only ops taking a context honour the delay.
func (c *Conn) Delay(op Op, d time.Duration) {
	c.hub.mu.Lock()
	c.delays[op] = d
	c.hub.mu.Unlock()
}

// Heal clears faults and delays for op.
func (c *Conn) Heal(op Op) {
	c.hub.mu.Lock()
	delete(c.faults, op)
	delete(c.delays, op)
	c.hub.mu.Unlock()
}

// checkLocked returns the injected fault for op or ErrClosed.
func (c *Conn) checkLocked(op Op) error {
	if c.closed {
		return bus.ErrClosed
	}
	if err := c.faults[op]; err != nil {
		return err
	}
	return nil
}

func (c *Conn) wait(ctx context.Context, op Op) error {
	c.hub.mu.Lock()
	d := c.delays[op]
	c.hub.mu.Unlock()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- introspection ----

// Rules returns the active match rules in insertion order.
func (c *Conn) Rules() []bus.Rule {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return slices.Clone(c.rules)
}

// HasRule reports whether r is active.
func (c *Conn) HasRule(r bus.Rule) bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return slices.Contains(c.rules, r)
}

// Emitted returns every signal broadcast from this attachment, oldest first.
func (c *Conn) Emitted() []bus.Signal {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return slices.Clone(c.emitted)
}

// EmittedMember filters Emitted by member name.
func (c *Conn) EmittedMember(member string) []bus.Signal {
	var out []bus.Signal
	for _, s := range c.Emitted() {
		if s.Member == member {
			out = append(out, s)
		}
	}
	return out
}

// Calls returns the remote calls this attachment attempted, including failed ones.
func (c *Conn) Calls() []Call {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return slices.Clone(c.calls)
}

// Counts summarises live registrations.
type Counts struct {
	Endpoints, Methods, Ports, Sessions, SignalSubs, DiscoverySubs, Rules int
}

func (c *Conn) Counts() Counts {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return Counts{
		Endpoints:     len(c.endpoints),
		Methods:       len(c.methods),
		Ports:         len(c.ports),
		Sessions:      len(c.sessions),
		SignalSubs:    len(c.signalSubs),
		DiscoverySubs: len(c.discSubs),
		Rules:         len(c.rules),
	}
}

// Drain waits until this attachment has run every callback queued so far.
func (c *Conn) Drain() { c.inbox.drain() }

// ---- broadcast endpoints ----

func (c *Conn) RegisterBroadcastEndpoint(path, iface string) (bus.Handle, error) {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.checkLocked(OpRegisterEndpoint); err != nil {
		return 0, err
	}
	for _, ep := range c.endpoints {
		if ep.path == path && ep.iface == iface {
			return 0, fmt.Errorf("membus: endpoint %s %s already registered", path, iface)
		}
	}
	h.nextHandle++
	hd := bus.Handle(h.nextHandle)
	c.endpoints[hd] = endpoint{path: path, iface: iface}
	return hd, nil
}

func (c *Conn) UnregisterBroadcastEndpoint(hd bus.Handle) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return bus.ErrClosed
	}
	if _, ok := c.endpoints[hd]; !ok {
		return bus.ErrUnknownHandle
	}
	delete(c.endpoints, hd)
	return nil
}

func (c *Conn) Broadcast(hd bus.Handle, member string, body []any, ttl time.Duration) (bus.Serial, error) {
	h := c.hub
	h.mu.Lock()
	if err := c.checkLocked(OpBroadcast); err != nil {
		h.mu.Unlock()
		return 0, err
	}
	ep, ok := c.endpoints[hd]
	if !ok {
		h.mu.Unlock()
		return 0, bus.ErrUnknownHandle
	}
	h.expireLocked()
	h.nextSerial++
	sig := bus.Signal{
		Sender:      c.name,
		Path:        ep.path,
		Interface:   ep.iface,
		Member:      member,
		Serial:      bus.Serial(h.nextSerial),
		Sessionless: true,
		Body:        slices.Clone(body),
	}
	c.emitted = append(c.emitted, sig)

	var r *retainedSignal
	if ttl > 0 {
		r = &retainedSignal{
			sig:       sig,
			owner:     c,
			handle:    hd,
			expires:   h.now().Add(ttl),
			delivered: map[*Conn]bool{},
		}
		h.retained = append(h.retained, r)
	}
	ds := h.routeLocked(sig, r)
	h.mu.Unlock()

	h.log.Trace("broadcast", logx.String("sender", c.name), logx.String("path", ep.path),
		logx.String("member", member), logx.Uint32("serial", uint32(sig.Serial)), logx.Int("fanout", len(ds)))
	post(ds)
	return sig.Serial, nil
}

func (c *Conn) WithdrawBroadcast(hd bus.Handle, s bus.Serial) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.checkLocked(OpWithdraw); err != nil {
		return err
	}
	if _, ok := c.endpoints[hd]; !ok {
		return bus.ErrUnknownHandle
	}
	h.expireLocked()
	for i, r := range h.retained {
		if r.owner == c && r.handle == hd && r.sig.Serial == s {
			h.retained = slices.Delete(h.retained, i, i+1)
			return nil
		}
	}
	return bus.ErrUnknownSerial
}

// ---- methods ----

func (c *Conn) ExportMethod(path, iface, member string, fn bus.MethodFunc) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if err := c.checkLocked(OpExportMethod); err != nil {
		return err
	}
	k := methodKey{path, iface, member}
	if _, ok := c.methods[k]; ok {
		return fmt.Errorf("membus: method %s %s.%s already exported", path, iface, member)
	}
	c.methods[k] = fn
	return nil
}

func (c *Conn) UnexportMethod(path, iface, member string) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	k := methodKey{path, iface, member}
	if _, ok := c.methods[k]; !ok {
		return bus.ErrNoSuchMethod
	}
	delete(c.methods, k)
	return nil
}

func (c *Conn) CallRemote(ctx context.Context, target string, sid bus.SessionID, path, iface, member string, args ...any) ([]any, error) {
	h := c.hub
	h.mu.Lock()
	c.calls = append(c.calls, Call{Target: target, Session: sid, Path: path, Interface: iface, Member: member, Args: slices.Clone(args)})
	if err := c.checkLocked(OpCallRemote); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	if s, ok := c.sessions[sid]; !ok || s.target != target {
		h.mu.Unlock()
		return nil, fmt.Errorf("membus: no session %d with %s", sid, target)
	}
	peer, ok := h.conns[target]
	if !ok {
		h.mu.Unlock()
		return nil, bus.ErrNoSuchPeer
	}
	fn, ok := peer.methods[methodKey{path, iface, member}]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s %s.%s", bus.ErrNoSuchMethod, path, iface, member)
	}
	if err := c.wait(ctx, OpCallRemote); err != nil {
		return nil, err
	}

	type result struct {
		out []any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("membus: method panic: %v", r)}
			}
		}()
		out, err := fn(ctx, c.name, slices.Clone(args))
		done <- result{out: out, err: err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---- sessions ----

func (c *Conn) BindSessionPort(port uint16) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if err := c.checkLocked(OpBindPort); err != nil {
		return err
	}
	if c.ports[port] {
		return bus.ErrPortInUse
	}
	c.ports[port] = true
	return nil
}

func (c *Conn) UnbindSessionPort(port uint16) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if !c.ports[port] {
		return fmt.Errorf("membus: port %d not bound", port)
	}
	delete(c.ports, port)
	return nil
}

// EstablishSession joins target's port. Joining oneself yields a session together
// with bus.ErrAlreadyJoined.
func (c *Conn) EstablishSession(ctx context.Context, target string, port uint16) (bus.SessionID, error) {
	if err := c.wait(ctx, OpEstablishSession); err != nil {
		return 0, err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.checkLocked(OpEstablishSession); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if target == c.name {
		for id, s := range c.sessions {
			if s.self {
				return id, bus.ErrAlreadyJoined
			}
		}
		h.nextSession++
		id := bus.SessionID(h.nextSession)
		c.sessions[id] = session{target: target, self: true}
		return id, bus.ErrAlreadyJoined
	}
	peer, ok := h.conns[target]
	if !ok || peer.closed {
		return 0, bus.ErrNoSuchPeer
	}
	if !peer.ports[port] {
		return 0, fmt.Errorf("membus: %s has no session port %d", target, port)
	}
	h.nextSession++
	id := bus.SessionID(h.nextSession)
	c.sessions[id] = session{target: target}
	return id, nil
}

func (c *Conn) ReleaseSession(sid bus.SessionID) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.sessions[sid]; !ok {
		return fmt.Errorf("membus: unknown session %d", sid)
	}
	delete(c.sessions, sid)
	return nil
}

// ---- subscriptions & rules ----

func (c *Conn) SubscribeSignal(iface, member string, fn bus.SignalHandler) (bus.SubscriptionID, error) {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.checkLocked(OpSubscribeSignal); err != nil {
		return 0, err
	}
	if fn == nil {
		return 0, fmt.Errorf("membus: nil signal handler")
	}
	h.nextSub++
	id := bus.SubscriptionID(h.nextSub)
	c.signalSubs[id] = signalSub{iface: iface, member: member, fn: fn}
	return id, nil
}

// SubscribeDiscovery registers h and replays current announcers of iface.
func (c *Conn) SubscribeDiscovery(iface string, dh bus.DiscoveryHandler) (bus.SubscriptionID, error) {
	h := c.hub
	h.mu.Lock()
	if err := c.checkLocked(OpSubscribeDisc); err != nil {
		h.mu.Unlock()
		return 0, err
	}
	if dh == nil {
		h.mu.Unlock()
		return 0, fmt.Errorf("membus: nil discovery handler")
	}
	h.nextSub++
	id := bus.SubscriptionID(h.nextSub)
	c.discSubs[id] = discSub{iface: iface, h: dh}

	var ds []delivery
	for _, peer := range h.conns {
		if !slices.Contains(peer.announced, iface) {
			continue
		}
		ann := bus.Announcement{Sender: peer.name, Interfaces: slices.Clone(peer.announced)}
		ds = append(ds, delivery{to: c, fn: func() { dh.Announced(ann) }})
	}
	h.mu.Unlock()
	post(ds)
	return id, nil
}

func (c *Conn) Unsubscribe(id bus.SubscriptionID) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.signalSubs[id]; ok {
		delete(c.signalSubs, id)
		return nil
	}
	if _, ok := c.discSubs[id]; ok {
		delete(c.discSubs, id)
		return nil
	}
	return fmt.Errorf("membus: unknown subscription %d", id)
}

// AddMatch activates r and delivers retained signals it admits that this attachment
// has not received yet.
func (c *Conn) AddMatch(r bus.Rule) error {
	h := c.hub
	h.mu.Lock()
	if err := c.checkLocked(OpAddMatch); err != nil {
		h.mu.Unlock()
		return err
	}
	c.rules = append(c.rules, r)

	h.expireLocked()
	var ds []delivery
	for _, rs := range h.retained {
		if rs.delivered[c] || !r.Matches(rs.sig) {
			continue
		}
		got := c.matchLocked(rs.sig)
		if len(got) == 0 {
			continue
		}
		rs.delivered[c] = true
		ds = append(ds, got...)
	}
	h.mu.Unlock()
	post(ds)
	return nil
}

// RemoveMatch drops one occurrence of r.
func (c *Conn) RemoveMatch(r bus.Rule) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if err := c.checkLocked(OpRemoveMatch); err != nil {
		return err
	}
	i := slices.Index(c.rules, r)
	if i < 0 {
		return bus.ErrNoSuchRule
	}
	c.rules = slices.Delete(c.rules, i, i+1)
	return nil
}

// matchLocked returns one delivery per subscription admitting sig, provided at least
// one active rule admits it.
func (c *Conn) matchLocked(sig bus.Signal) []delivery {
	if c.closed {
		return nil
	}
	admitted := false
	for _, r := range c.rules {
		if r.Matches(sig) {
			admitted = true
			break
		}
	}
	if !admitted {
		return nil
	}
	var out []delivery
	for _, s := range c.signalSubs {
		if s.iface != sig.Interface || s.member != sig.Member {
			continue
		}
		fn := s.fn
		cp := sig
		cp.Body = slices.Clone(sig.Body)
		out = append(out, delivery{to: c, fn: func() { fn(cp) }})
	}
	return out
}

// ---- discovery ----

// Announce advertises ifaces to discovery subscribers, replacing any earlier set.
func (c *Conn) Announce(ifaces ...string) {
	h := c.hub
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	c.announced = slices.Clone(ifaces)
	ds := h.discoveryLocked(c, false)
	h.mu.Unlock()
	post(ds)
}

// LosePresence reports this attachment as lost to discovery subscribers without
// detaching it.
func (c *Conn) LosePresence() {
	h := c.hub
	h.mu.Lock()
	ds := h.discoveryLocked(c, true)
	c.announced = nil
	h.mu.Unlock()
	post(ds)
}

// Close detaches from the hub. Discovery subscribers observe presence loss and the
// attachment's retained signals are dropped.
func (c *Conn) Close() error {
	h := c.hub
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return nil
	}
	ds := h.discoveryLocked(c, true)
	c.closed = true
	delete(h.conns, c.name)
	h.retained = slices.DeleteFunc(h.retained, func(r *retainedSignal) bool { return r.owner == c })
	h.mu.Unlock()

	post(ds)
	c.inbox.close()
	h.log.Debug("detached", logx.String("name", c.name))
	return nil
}
