// Package membus is an in-process bus.Bus. Attachments share one Hub; sessionless
// broadcasts are retained until their ttl lapses or they are withdrawn, and match
// rules added later receive the retained signals they have not seen yet.
//
// The hub also exposes fault injection and introspection so transport code can be
// exercised without a real message bus.
package membus

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"ajnotify/internal/bus"
	"ajnotify/pkg/logx"
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(log logx.Logger) Option {
	return func(h *Hub) { h.log = log.With(logx.String("comp", "membus")) }
}

// WithClock overrides the hub time source (ttl expiry).
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// Hub connects attachments. The zero value is not usable; call NewHub.
type Hub struct {
	mu sync.Mutex

	conns    map[string]*Conn
	retained []*retainedSignal

	nextName    uint64
	nextSerial  uint32
	nextSession uint32
	nextHandle  uint64
	nextSub     uint64

	now func() time.Time
	log logx.Logger
}

type retainedSignal struct {
	sig       bus.Signal
	owner     *Conn
	handle    bus.Handle
	expires   time.Time
	delivered map[*Conn]bool
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		conns: map[string]*Conn{},
		now:   time.Now,
		log:   logx.Nop(),
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Attach creates an attachment with a generated unique name.
func (h *Hub) Attach() *Conn {
	h.mu.Lock()
	h.nextName++
	name := fmt.Sprintf(":1.%d", h.nextName)
	h.mu.Unlock()
	c, _ := h.AttachNamed(name)
	return c
}

// AttachNamed creates an attachment with a fixed unique name.
func (h *Hub) AttachNamed(name string) (*Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[name]; ok {
		return nil, fmt.Errorf("membus: name %q already attached", name)
	}
	c := newConn(h, name)
	h.conns[name] = c
	h.log.Debug("attached", logx.String("name", name))
	return c, nil
}

// Names lists current attachments, sorted.
func (h *Hub) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.conns))
	for n := range h.conns {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Retained reports how many unexpired sessionless signals the hub is holding.
func (h *Hub) Retained() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expireLocked()
	return len(h.retained)
}

// Drain waits until every attachment has run all callbacks queued so far.
func (h *Hub) Drain() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.inbox.drain()
	}
}

func (h *Hub) expireLocked() {
	now := h.now()
	kept := h.retained[:0]
	for _, r := range h.retained {
		if now.Before(r.expires) {
			kept = append(kept, r)
		}
	}
	clear(h.retained[len(kept):])
	h.retained = kept
}

// delivery is one handler invocation computed under the hub lock and run after it.
type delivery struct {
	to *Conn
	fn func()
}

// routeLocked computes deliveries of sig to every attachment whose rules admit it and
// which holds a subscription for it.
func (h *Hub) routeLocked(sig bus.Signal, r *retainedSignal) []delivery {
	var out []delivery
	for _, c := range h.conns {
		if r != nil && r.delivered[c] {
			continue
		}
		ds := c.matchLocked(sig)
		if len(ds) == 0 {
			continue
		}
		if r != nil {
			r.delivered[c] = true
		}
		out = append(out, ds...)
	}
	return out
}

func post(ds []delivery) {
	for _, d := range ds {
		d.to.inbox.post(d.fn)
	}
}

func (h *Hub) discoveryLocked(announcer *Conn, lost bool) []delivery {
	var out []delivery
	for _, c := range h.conns {
		for _, s := range c.discSubs {
			if !slices.Contains(announcer.announced, s.iface) {
				continue
			}
			handler := s.h
			name := announcer.name
			if lost {
				out = append(out, delivery{to: c, fn: func() { handler.Lost(name) }})
				continue
			}
			ann := bus.Announcement{Sender: name, Interfaces: slices.Clone(announcer.announced)}
			out = append(out, delivery{to: c, fn: func() { handler.Announced(ann) }})
		}
	}
	return out
}
