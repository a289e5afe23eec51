// Package taskmgr runs callbacks off the bus threads: a bounded worker pool that
// rejects work when saturated, and one strictly ordered queue that never rejects.
package taskmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	rtsup "ajnotify/internal/runtime/supervisor"
	"ajnotify/pkg/logx"
)

var (
	ErrRejected = errors.New("taskmgr: pool saturated, task rejected")
	ErrStopped  = errors.New("taskmgr: not running")
)

// Task is one unit of work. ctx is canceled when the manager is force-stopped.
type Task func(ctx context.Context)

type Config struct {
	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// Stats are best-effort counters.
type Stats struct {
	Executed uint64 `json:"executed"`
	Rejected uint64 `json:"rejected"`
	Panics   uint64 `json:"panics"`
	Ordered  int    `json:"ordered_pending"`
}

type job struct {
	name string
	fn   Task
}

// Manager is safe for concurrent use. Start and Stop are idempotent.
type Manager struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger

	accepting bool
	submitWG  sync.WaitGroup

	pool     chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	omu     sync.Mutex
	ordered []job
	wake    chan struct{}

	executed atomic.Uint64
	rejected atomic.Uint64
	panics   atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:  cfg.withDefaults(),
		log:  log.With(logx.String("comp", "taskmgr")),
		wake: make(chan struct{}, 1),
	}
}

func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.stopDone != nil {
		done := m.stopDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		m.mu.Lock()
	}
	if m.pool != nil {
		m.mu.Unlock()
		return
	}
	m.pool = make(chan job, m.cfg.QueueSize)
	m.accepting = true
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log))
	sup, pool, workers := m.sup, m.pool, m.cfg.Workers
	m.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("pool.%d", i), func(c context.Context) error {
			m.poolLoop(c, pool)
			return c.Err()
		})
	}
	sup.GoRestart("ordered", func(c context.Context) error {
		m.orderedLoop(c)
		return c.Err()
	})
	m.log.Debug("task manager started", logx.Int("workers", workers), logx.Int("queue", m.cfg.QueueSize))
}

// Running reports whether tasks are accepted.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepting
}

// Execute hands t to the worker pool. It never blocks: a full pool returns ErrRejected.
func (m *Manager) Execute(name string, t Task) error {
	m.mu.Lock()
	if !m.accepting {
		m.mu.Unlock()
		return ErrStopped
	}
	pool := m.pool
	m.submitWG.Add(1)
	m.mu.Unlock()
	defer m.submitWG.Done()

	select {
	case pool <- job{name: name, fn: t}:
		return nil
	default:
		m.rejected.Add(1)
		m.log.Warn("task rejected, pool saturated", logx.String("task", name))
		return ErrRejected
	}
}

// Enqueue appends t to the ordered queue. Tasks run one at a time in submission order.
func (m *Manager) Enqueue(name string, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accepting {
		return ErrStopped
	}
	m.omu.Lock()
	m.ordered = append(m.ordered, job{name: name, fn: t})
	m.omu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Manager) Stats() Stats {
	m.omu.Lock()
	pending := len(m.ordered)
	m.omu.Unlock()
	return Stats{
		Executed: m.executed.Load(),
		Rejected: m.rejected.Load(),
		Panics:   m.panics.Load(),
		Ordered:  pending,
	}
}

// Stop refuses new tasks and drains both queues until ctx is done, after which
// running tasks see their context canceled.
func (m *Manager) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	pool, sup := m.pool, m.sup
	if pool == nil {
		m.mu.Unlock()
		return
	}
	if m.stopDone != nil {
		done := m.stopDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	m.stopDone = done
	m.accepting = false
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.submitWG.Wait()
		close(pool)
		select {
		case m.wake <- struct{}{}:
		default:
		}
		_ = sup.Wait(context.Background())

		m.mu.Lock()
		m.pool = nil
		m.sup = nil
		m.stopDone = nil
		m.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
	m.log.Debug("task manager stopped")
}

func (m *Manager) poolLoop(ctx context.Context, pool <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-pool:
			if !ok {
				return
			}
			m.run(ctx, j)
		}
	}
}

func (m *Manager) orderedLoop(ctx context.Context) {
	for {
		// Read the drain flag before the queue: once accepting is false no append can follow.
		m.mu.Lock()
		draining := !m.accepting
		m.mu.Unlock()

		m.omu.Lock()
		if len(m.ordered) > 0 {
			j := m.ordered[0]
			m.ordered[0] = job{}
			m.ordered = m.ordered[1:]
			m.omu.Unlock()
			m.run(ctx, j)
			continue
		}
		m.omu.Unlock()

		if draining {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
	}
}

func (m *Manager) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			m.log.Error("task panicked", logx.String("task", j.name), logx.Any("panic", r))
		}
	}()
	m.executed.Add(1)
	j.fn(ctx)
}
