package dbusbus

import (
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"ajnotify/internal/bus"
)

// retainedWire is the Fetch reply element, signature (ssssuav).
type retainedWire struct {
	Sender string
	Path   string
	Iface  string
	Member string
	Serial uint32
	Body   []dbus.Variant
}

type retained struct {
	handle  bus.Handle
	path    string
	iface   string
	member  string
	serial  bus.Serial
	body    []any
	expires time.Time // zero: until withdrawn
}

// retainedStore keeps this connection's sessionless broadcasts for late matchers.
type retainedStore struct {
	mu    sync.Mutex
	now   func() time.Time
	items []retained
}

func newRetainedStore(now func() time.Time) *retainedStore {
	if now == nil {
		now = time.Now
	}
	return &retainedStore{now: now}
}

func (s *retainedStore) put(r retained) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	s.items = append(s.items, r)
}

func (s *retainedStore) withdraw(h bus.Handle, serial bus.Serial) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.items {
		if r.handle == h && r.serial == serial {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

func (s *retainedStore) dropHandle(h bus.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0]
	for _, r := range s.items {
		if r.handle != h {
			kept = append(kept, r)
		}
	}
	s.items = kept
}

func (s *retainedStore) expireLocked() {
	now := s.now()
	kept := s.items[:0]
	for _, r := range s.items {
		if r.expires.IsZero() || now.Before(r.expires) {
			kept = append(kept, r)
		}
	}
	s.items = kept
}

// snapshot returns the live retained broadcasts of iface (all when iface is empty),
// oldest first, in wire form.
func (s *retainedStore) snapshot(sender, iface string) []retainedWire {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	var out []retainedWire
	for _, r := range s.items {
		if iface != "" && r.iface != iface {
			continue
		}
		body := make([]dbus.Variant, len(r.body))
		for i, v := range r.body {
			body[i] = dbus.MakeVariant(toWire(v))
		}
		out = append(out, retainedWire{
			Sender: sender,
			Path:   r.path,
			Iface:  r.iface,
			Member: r.member,
			Serial: uint32(r.serial),
			Body:   body,
		})
	}
	return out
}

func (s *retainedStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return len(s.items)
}

// seenSet remembers recently delivered broadcast keys, bounded FIFO.
type seenSet struct {
	mu    sync.Mutex
	max   int
	order []string
	keys  map[string]struct{}
}

func newSeenSet(max int) *seenSet {
	return &seenSet{max: max, keys: make(map[string]struct{}, max)}
}

// add reports whether key is new.
func (s *seenSet) add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.max {
		delete(s.keys, s.order[0])
		s.order = s.order[1:]
	}
	return true
}
