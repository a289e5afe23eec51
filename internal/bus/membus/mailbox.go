package membus

import "sync"

// mailbox is an unbounded FIFO drained by one goroutine; it plays the role of the
// bus-owned callback thread of one attachment.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	busy   bool
	closed bool
	done   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.loop()
	return m
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	if !m.closed {
		m.items = append(m.items, fn)
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}

func (m *mailbox) loop() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.items) == 0 && !m.closed {
			m.busy = false
			m.cond.Broadcast()
			m.cond.Wait()
		}
		if len(m.items) == 0 && m.closed {
			m.busy = false
			m.cond.Broadcast()
			m.mu.Unlock()
			return
		}
		fn := m.items[0]
		m.items[0] = nil
		m.items = m.items[1:]
		m.busy = true
		m.mu.Unlock()

		func() {
			defer func() { _ = recover() }()
			fn()
		}()
	}
}

// drain blocks until every posted item has run.
func (m *mailbox) drain() {
	m.mu.Lock()
	for (len(m.items) > 0 || m.busy) && !m.closed {
		m.cond.Wait()
	}
	m.mu.Unlock()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}
