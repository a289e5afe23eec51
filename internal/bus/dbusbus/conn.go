package dbusbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"ajnotify/internal/bus"
	"ajnotify/internal/ns"
	"ajnotify/pkg/logx"
)

const (
	// ObjectPath and Interface name the helper object every Conn exports for
	// retained-signal fetches and session joins.
	ObjectPath = "/org/ajnotify/Bus"
	Interface  = "org.ajnotify.Bus"

	AboutInterface = "org.alljoyn.About"
	AboutPath      = "/About"

	retainerPrefix = "org.ajnotify.Retainer."
	errNoSuchPort  = "org.ajnotify.Error.NoSuchPort"

	dbusInterface = "org.freedesktop.DBus"
	fetchTimeout  = 5 * time.Second
	seenMax       = 4096
)

type Option func(*options)

type options struct {
	log  logx.Logger
	name string
	now  func() time.Time
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithName requests an additional well-known name after connecting.
func WithName(name string) Option { return func(o *options) { o.name = name } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

type endpoint struct {
	path  string
	iface string
}

type objKey struct {
	path, iface string
}

type signalSub struct {
	iface, member string
	fn            bus.SignalHandler
}

type discSub struct {
	iface string
	h     bus.DiscoveryHandler
}

// Conn is a bus.Bus over a D-Bus connection.
//
// Sessionless retention has no D-Bus counterpart: each Conn keeps its own
// retained broadcasts and serves them through Fetch on ObjectPath under a
// well-known retainer name. AddMatch of a sessionless rule fetches from every
// retainer. Sessions are emulated with a Join call against the peer's bound port.
type Conn struct {
	conn     *dbus.Conn
	log      logx.Logger
	name     string
	now      func() time.Time
	retained *retainedStore
	seen     *seenSet

	ctx     context.Context
	cancel  context.CancelFunc
	signals chan *dbus.Signal
	done    chan struct{}

	mu          sync.Mutex
	closed      bool
	nextHandle  uint64
	nextSub     uint64
	nextSerial  uint32
	nextSession uint32
	endpoints   map[bus.Handle]endpoint
	methods     map[objKey]map[string]any
	ports       map[uint16]bool
	sessions    map[bus.SessionID]string
	hosted      map[uint32]string
	signalSubs  map[bus.SubscriptionID]signalSub
	discSubs    map[bus.SubscriptionID]discSub
	rules       []bus.Rule
	aboutMatch  bool
	announcers  map[string][]string
	about       bus.Handle
	aboutSerial bus.Serial
}

var _ bus.Bus = (*Conn)(nil)

// Dial connects to address: "session", "system" or a D-Bus server address.
func Dial(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	o := options{log: logx.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		dc  *dbus.Conn
		err error
	)
	switch strings.TrimSpace(address) {
	case "", "session":
		dc, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	case "system":
		dc, err = dbus.ConnectSystemBus(dbus.WithContext(ctx))
	default:
		dc, err = dbus.Connect(address, dbus.WithContext(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("dbusbus: connect %q: %w", address, err)
	}
	c, err := newConn(dc, o)
	if err != nil {
		_ = dc.Close()
		return nil, err
	}
	return c, nil
}

func newConn(dc *dbus.Conn, o options) (*Conn, error) {
	names := dc.Names()
	if len(names) == 0 {
		return nil, errors.New("dbusbus: connection has no unique name")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:       dc,
		name:       names[0],
		now:        o.now,
		retained:   newRetainedStore(o.now),
		seen:       newSeenSet(seenMax),
		ctx:        ctx,
		cancel:     cancel,
		signals:    make(chan *dbus.Signal, 256),
		done:       make(chan struct{}),
		endpoints:  map[bus.Handle]endpoint{},
		methods:    map[objKey]map[string]any{},
		ports:      map[uint16]bool{},
		sessions:   map[bus.SessionID]string{},
		hosted:     map[uint32]string{},
		signalSubs: map[bus.SubscriptionID]signalSub{},
		discSubs:   map[bus.SubscriptionID]discSub{},
		announcers: map[string][]string{},
	}
	c.log = o.log.With(logx.String("comp", "dbusbus"), logx.String("name", c.name))

	if err := dc.Export(busObject{c: c}, dbus.ObjectPath(ObjectPath), Interface); err != nil {
		cancel()
		return nil, fmt.Errorf("dbusbus: export %s: %w", Interface, err)
	}
	if err := c.requestName(retainerName(c.name)); err != nil {
		c.log.Warn("retained broadcasts not served", logx.Err(err))
	}
	if o.name != "" {
		if err := c.requestName(o.name); err != nil {
			cancel()
			return nil, err
		}
	}
	if err := dc.AddMatchSignal(
		dbus.WithMatchInterface(dbusInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("dbusbus: watch name owners: %w", err)
	}
	dc.Signal(c.signals)
	go c.loop()
	c.log.Debug("connected")
	return c, nil
}

func (c *Conn) requestName(name string) error {
	reply, err := c.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("dbusbus: request name %s: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("dbusbus: name %s already owned", name)
	}
	return nil
}

func (c *Conn) UniqueName() string { return c.name }

// Retained reports how many of this connection's broadcasts are still retained.
func (c *Conn) Retained() int { return c.retained.len() }

// ---- broadcast endpoints ----

func (c *Conn) RegisterBroadcastEndpoint(path, iface string) (bus.Handle, error) {
	if !dbus.ObjectPath(path).IsValid() {
		return 0, fmt.Errorf("dbusbus: invalid object path %q", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, bus.ErrClosed
	}
	c.nextHandle++
	h := bus.Handle(c.nextHandle)
	c.endpoints[h] = endpoint{path: path, iface: iface}
	return h, nil
}

func (c *Conn) UnregisterBroadcastEndpoint(h bus.Handle) error {
	c.mu.Lock()
	if _, ok := c.endpoints[h]; !ok {
		c.mu.Unlock()
		return bus.ErrUnknownHandle
	}
	delete(c.endpoints, h)
	c.mu.Unlock()
	c.retained.dropHandle(h)
	return nil
}

func (c *Conn) Broadcast(h bus.Handle, member string, body []any, ttl time.Duration) (bus.Serial, error) {
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}
	return c.emit(h, member, body, ttl > 0, expires)
}

func (c *Conn) emit(h bus.Handle, member string, body []any, retain bool, expires time.Time) (bus.Serial, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, bus.ErrClosed
	}
	ep, ok := c.endpoints[h]
	if !ok {
		c.mu.Unlock()
		return 0, bus.ErrUnknownHandle
	}
	c.nextSerial++
	serial := bus.Serial(c.nextSerial)
	c.mu.Unlock()

	if retain {
		c.retained.put(retained{
			handle:  h,
			path:    ep.path,
			iface:   ep.iface,
			member:  member,
			serial:  serial,
			body:    slices.Clone(body),
			expires: expires,
		})
	}
	if err := c.conn.Emit(dbus.ObjectPath(ep.path), ep.iface+"."+member, toWireAll(body)...); err != nil {
		c.retained.withdraw(h, serial)
		return 0, fmt.Errorf("dbusbus: emit %s.%s: %w", ep.iface, member, err)
	}
	c.log.Trace("broadcast", logx.String("path", ep.path), logx.String("member", member),
		logx.Uint32("serial", uint32(serial)), logx.Bool("retained", retain))
	return serial, nil
}

func (c *Conn) WithdrawBroadcast(h bus.Handle, s bus.Serial) error {
	c.mu.Lock()
	_, ok := c.endpoints[h]
	c.mu.Unlock()
	if !ok {
		return bus.ErrUnknownHandle
	}
	if !c.retained.withdraw(h, s) {
		return bus.ErrUnknownSerial
	}
	return nil
}

// ---- methods ----

// ExportMethod exports fn. The method's signature must be known, see RegisterSignature.
func (c *Conn) ExportMethod(path, iface, member string, fn bus.MethodFunc) error {
	sig, ok := lookupSignature(iface, member)
	if !ok {
		return fmt.Errorf("dbusbus: no signature registered for %s.%s", iface, member)
	}
	if fn == nil {
		return errors.New("dbusbus: nil method")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return bus.ErrClosed
	}
	k := objKey{path, iface}
	table := cloneTable(c.methods[k])
	table[member] = makeMethod(c.ctx, sig, fn)
	if err := c.conn.ExportMethodTable(table, dbus.ObjectPath(path), iface); err != nil {
		return fmt.Errorf("dbusbus: export %s.%s: %w", iface, member, err)
	}
	c.methods[k] = table
	return nil
}

func (c *Conn) UnexportMethod(path, iface, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := objKey{path, iface}
	if _, ok := c.methods[k][member]; !ok {
		return fmt.Errorf("%w: %s %s.%s", bus.ErrNoSuchMethod, path, iface, member)
	}
	table := cloneTable(c.methods[k])
	delete(table, member)
	var err error
	if len(table) == 0 {
		err = c.conn.Export(nil, dbus.ObjectPath(path), iface)
		delete(c.methods, k)
	} else {
		err = c.conn.ExportMethodTable(table, dbus.ObjectPath(path), iface)
		c.methods[k] = table
	}
	if err != nil {
		return fmt.Errorf("dbusbus: unexport %s.%s: %w", iface, member, err)
	}
	return nil
}

func cloneTable(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (c *Conn) CallRemote(ctx context.Context, target string, sid bus.SessionID, path, iface, member string, args ...any) ([]any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, bus.ErrClosed
	}
	peer, ok := c.sessions[sid]
	c.mu.Unlock()
	if !ok || peer != target {
		return nil, fmt.Errorf("dbusbus: no session %d with %s", sid, target)
	}

	call := c.conn.Object(target, dbus.ObjectPath(path)).CallWithContext(ctx, iface+"."+member, 0, toWireAll(args)...)
	if call.Err != nil {
		return nil, mapError(call.Err)
	}
	return fromWireAll(call.Body), nil
}

func errorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	return ""
}

func mapError(err error) error {
	switch errorName(err) {
	case "org.freedesktop.DBus.Error.ServiceUnknown", "org.freedesktop.DBus.Error.NameHasNoOwner":
		return fmt.Errorf("%w: %v", bus.ErrNoSuchPeer, err)
	case "org.freedesktop.DBus.Error.UnknownMethod", "org.freedesktop.DBus.Error.UnknownObject",
		"org.freedesktop.DBus.Error.UnknownInterface":
		return fmt.Errorf("%w: %v", bus.ErrNoSuchMethod, err)
	}
	return err
}

// ---- sessions ----

func (c *Conn) BindSessionPort(port uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return bus.ErrClosed
	}
	if c.ports[port] {
		return bus.ErrPortInUse
	}
	c.ports[port] = true
	return nil
}

func (c *Conn) UnbindSessionPort(port uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ports[port] {
		return fmt.Errorf("dbusbus: port %d not bound", port)
	}
	delete(c.ports, port)
	return nil
}

// EstablishSession joins target's port through its Join method. Joining oneself
// yields a session together with bus.ErrAlreadyJoined.
func (c *Conn) EstablishSession(ctx context.Context, target string, port uint16) (bus.SessionID, error) {
	if target == c.name {
		c.mu.Lock()
		defer c.mu.Unlock()
		for id, peer := range c.sessions {
			if peer == c.name {
				return id, bus.ErrAlreadyJoined
			}
		}
		c.nextSession++
		id := bus.SessionID(c.nextSession)
		c.sessions[id] = c.name
		return id, bus.ErrAlreadyJoined
	}

	var hostID uint32
	call := c.conn.Object(target, dbus.ObjectPath(ObjectPath)).CallWithContext(ctx, Interface+".Join", 0, port)
	if call.Err != nil {
		if errorName(call.Err) == errNoSuchPort {
			return 0, fmt.Errorf("dbusbus: %s has no session port %d", target, port)
		}
		return 0, mapError(call.Err)
	}
	if err := call.Store(&hostID); err != nil {
		return 0, fmt.Errorf("dbusbus: join %s: %w", target, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSession++
	id := bus.SessionID(c.nextSession)
	c.sessions[id] = target
	c.log.Debug("session joined", logx.String("peer", target), logx.Uint32("host_id", hostID))
	return id, nil
}

func (c *Conn) ReleaseSession(sid bus.SessionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sid]; !ok {
		return fmt.Errorf("dbusbus: unknown session %d", sid)
	}
	delete(c.sessions, sid)
	return nil
}

// ---- subscriptions and match rules ----

func (c *Conn) SubscribeSignal(iface, member string, fn bus.SignalHandler) (bus.SubscriptionID, error) {
	if fn == nil {
		return 0, errors.New("dbusbus: nil signal handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, bus.ErrClosed
	}
	c.nextSub++
	id := bus.SubscriptionID(c.nextSub)
	c.signalSubs[id] = signalSub{iface: iface, member: member, fn: fn}
	return id, nil
}

// SubscribeDiscovery registers h and replays retained announcements of iface.
func (c *Conn) SubscribeDiscovery(iface string, h bus.DiscoveryHandler) (bus.SubscriptionID, error) {
	if h == nil {
		return 0, errors.New("dbusbus: nil discovery handler")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, bus.ErrClosed
	}
	needMatch := !c.aboutMatch
	c.mu.Unlock()

	if needMatch {
		if err := c.conn.AddMatchSignal(
			dbus.WithMatchInterface(AboutInterface),
			dbus.WithMatchMember(ns.AnnounceSignal),
		); err != nil {
			return 0, fmt.Errorf("dbusbus: watch announcements: %w", err)
		}
	}

	c.mu.Lock()
	c.aboutMatch = true
	c.nextSub++
	id := bus.SubscriptionID(c.nextSub)
	c.discSubs[id] = discSub{iface: iface, h: h}
	var known []bus.Announcement
	for sender, ifaces := range c.announcers {
		if slices.Contains(ifaces, iface) {
			known = append(known, bus.Announcement{Sender: sender, Interfaces: slices.Clone(ifaces)})
		}
	}
	c.mu.Unlock()

	for _, a := range known {
		h.Announced(a)
	}
	go c.replay(AboutInterface, "")
	return id, nil
}

func (c *Conn) Unsubscribe(id bus.SubscriptionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.signalSubs[id]; ok {
		delete(c.signalSubs, id)
		return nil
	}
	if _, ok := c.discSubs[id]; ok {
		delete(c.discSubs, id)
		return nil
	}
	return fmt.Errorf("dbusbus: unknown subscription %d", id)
}

func matchOptions(r bus.Rule) []dbus.MatchOption {
	var opts []dbus.MatchOption
	if r.Interface != "" {
		opts = append(opts, dbus.WithMatchInterface(r.Interface))
	}
	if r.Member != "" {
		opts = append(opts, dbus.WithMatchMember(r.Member))
	}
	if r.Sender != "" {
		opts = append(opts, dbus.WithMatchSender(r.Sender))
	}
	return opts
}

// AddMatch installs r on the daemon. Sessionless rules also fetch the broadcasts
// retained by current retainers.
func (c *Conn) AddMatch(r bus.Rule) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return bus.ErrClosed
	}
	c.mu.Unlock()

	if err := c.conn.AddMatchSignal(matchOptions(r)...); err != nil {
		return fmt.Errorf("dbusbus: add match %s: %w", r, err)
	}
	c.mu.Lock()
	c.rules = append(c.rules, r)
	c.mu.Unlock()

	if r.Sessionless {
		go c.replay(r.Interface, r.Sender)
	}
	return nil
}

// RemoveMatch drops one occurrence of r.
func (c *Conn) RemoveMatch(r bus.Rule) error {
	c.mu.Lock()
	i := slices.Index(c.rules, r)
	if i < 0 {
		c.mu.Unlock()
		return bus.ErrNoSuchRule
	}
	c.rules = slices.Delete(c.rules, i, i+1)
	c.mu.Unlock()

	if err := c.conn.RemoveMatchSignal(matchOptions(r)...); err != nil {
		return fmt.Errorf("dbusbus: remove match %s: %w", r, err)
	}
	return nil
}

// ---- discovery ----

// Announce advertises ifaces to discovery subscribers, replacing any earlier set.
func (c *Conn) Announce(ifaces ...string) error {
	c.mu.Lock()
	h, prev := c.about, c.aboutSerial
	c.mu.Unlock()

	if h == 0 {
		var err error
		if h, err = c.RegisterBroadcastEndpoint(AboutPath, AboutInterface); err != nil {
			return err
		}
	} else {
		_ = c.WithdrawBroadcast(h, prev)
	}
	s, err := c.emit(h, ns.AnnounceSignal, []any{slices.Clone(ifaces)}, true, time.Time{})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.about, c.aboutSerial = h, s
	c.mu.Unlock()
	return nil
}

// ---- inbound ----

func (c *Conn) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case s, ok := <-c.signals:
			if !ok {
				return
			}
			c.dispatch(s)
		}
	}
}

func (c *Conn) dispatch(s *dbus.Signal) {
	if s == nil {
		return
	}
	iface, member := splitName(s.Name)
	if iface == dbusInterface && member == "NameOwnerChanged" {
		c.nameOwnerChanged(s.Body)
		return
	}
	c.deliver(bus.Signal{
		Sender:      s.Sender,
		Path:        string(s.Path),
		Interface:   iface,
		Member:      member,
		Sessionless: true,
		Body:        fromWireAll(s.Body),
	})
}

func (c *Conn) deliver(sig bus.Signal) {
	if sig.Interface == AboutInterface && sig.Member == ns.AnnounceSignal {
		c.announced(sig)
		return
	}
	if !c.seen.add(contentKey(sig.Sender, sig.Path, sig.Interface, sig.Member, sig.Body)) {
		return
	}

	c.mu.Lock()
	admitted := false
	for _, r := range c.rules {
		if r.Matches(sig) {
			admitted = true
			break
		}
	}
	var fns []bus.SignalHandler
	if admitted {
		for _, s := range c.signalSubs {
			if s.iface == sig.Interface && s.member == sig.Member {
				fns = append(fns, s.fn)
			}
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		cp := sig
		cp.Body = slices.Clone(sig.Body)
		fn(cp)
	}
}

func (c *Conn) announced(sig bus.Signal) {
	if len(sig.Body) == 0 {
		return
	}
	ifaces := stringList(sig.Body[0])

	c.mu.Lock()
	if prev, ok := c.announcers[sig.Sender]; ok && slices.Equal(prev, ifaces) {
		c.mu.Unlock()
		return
	}
	c.announcers[sig.Sender] = ifaces
	var hs []bus.DiscoveryHandler
	for _, d := range c.discSubs {
		if slices.Contains(ifaces, d.iface) {
			hs = append(hs, d.h)
		}
	}
	c.mu.Unlock()

	for _, h := range hs {
		h.Announced(bus.Announcement{Sender: sig.Sender, Interfaces: slices.Clone(ifaces)})
	}
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return slices.Clone(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (c *Conn) nameOwnerChanged(body []any) {
	if len(body) < 3 {
		return
	}
	name, _ := body[0].(string)
	newOwner, _ := body[2].(string)
	if newOwner != "" || !strings.HasPrefix(name, ":") {
		return
	}

	c.mu.Lock()
	ifaces, ok := c.announcers[name]
	delete(c.announcers, name)
	for id, joiner := range c.hosted {
		if joiner == name {
			delete(c.hosted, id)
		}
	}
	var hs []bus.DiscoveryHandler
	if ok {
		for _, d := range c.discSubs {
			if slices.Contains(ifaces, d.iface) {
				hs = append(hs, d.h)
			}
		}
	}
	c.mu.Unlock()

	for _, h := range hs {
		h.Lost(name)
	}
}

// replay fetches retained broadcasts of iface from current retainers, or from
// sender's retainer only.
func (c *Conn) replay(iface, sender string) {
	ctx, cancel := context.WithTimeout(c.ctx, fetchTimeout)
	defer cancel()

	var targets []string
	if sender != "" {
		targets = []string{retainerName(sender)}
	} else {
		var names []string
		if err := c.conn.BusObject().CallWithContext(ctx, dbusInterface+".ListNames", 0).Store(&names); err != nil {
			c.log.Debug("list names failed", logx.Err(err))
			return
		}
		for _, n := range names {
			if strings.HasPrefix(n, retainerPrefix) {
				targets = append(targets, n)
			}
		}
	}

	for _, t := range targets {
		var items []retainedWire
		err := c.conn.Object(t, dbus.ObjectPath(ObjectPath)).CallWithContext(ctx, Interface+".Fetch", 0, iface).Store(&items)
		if err != nil {
			c.log.Debug("fetch retained failed", logx.String("retainer", t), logx.Err(err))
			continue
		}
		for _, it := range items {
			c.deliver(it.signal())
		}
	}
}

func (w retainedWire) signal() bus.Signal {
	body := make([]any, len(w.Body))
	for i, v := range w.Body {
		body[i] = fromWire(v.Value())
	}
	return bus.Signal{
		Sender:      w.Sender,
		Path:        w.Path,
		Interface:   w.Iface,
		Member:      w.Member,
		Serial:      bus.Serial(w.Serial),
		Sessionless: true,
		Body:        body,
	}
}

// ---- helper object ----

type busObject struct {
	c *Conn
}

// Fetch returns the caller-visible retained broadcasts of iface.
func (o busObject) Fetch(iface string) ([]retainedWire, *dbus.Error) {
	return o.c.retained.snapshot(o.c.name, iface), nil
}

// Join admits sender to a bound session port.
func (o busObject) Join(sender dbus.Sender, port uint16) (uint32, *dbus.Error) {
	c := o.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ports[port] {
		return 0, dbus.NewError(errNoSuchPort, []any{fmt.Sprintf("port %d not bound", port)})
	}
	c.nextSession++
	c.hosted[c.nextSession] = string(sender)
	return c.nextSession, nil
}

// ---- lifecycle ----

// Close releases the connection. Peers observe presence loss through the daemon.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.conn.Close()
	<-c.done
	c.log.Debug("closed")
	return err
}
