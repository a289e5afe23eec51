// Package schedule sends notifications on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ajnotify/internal/ns"
	"ajnotify/internal/service"
	logx "ajnotify/pkg/logx"
)

// DefaultSendTimeout bounds one scheduled send.
const DefaultSendTimeout = 30 * time.Second

var ErrUnknownEntry = errors.New("schedule: unknown entry")

// Sender is the part of service.Sender a schedule needs.
type Sender interface {
	Send(ctx context.Context, n service.Notification, ttl time.Duration) (int32, error)
	DeleteLastMsg(ctx context.Context, cat ns.Category) error
}

type Option func(*Service)

func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithoutStartupSpread fires "@every" entries exactly on their interval.
func WithoutStartupSpread() Option { return func(s *Service) { s.spread = false } }

func WithSendTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Info describes one registered entry.
type Info struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev"`
	Runs    uint64    `json:"runs"`
	LastID  int32     `json:"last_id"`
	LastErr string    `json:"last_err,omitempty"`
}

type entryState struct {
	entry   Entry
	id      cron.EntryID
	mu      sync.Mutex
	runs    uint64
	lastID  int32
	lastErr string
}

// Service is safe for concurrent use. Apply may be called before or after Start.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sender  Sender
	parser  cron.Parser
	loc     *time.Location
	spread  bool
	timeout time.Duration

	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]*entryState
}

func New(sender Sender, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log.With(logx.String("comp", "schedule")),
		sender: sender,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:     time.Local,
		spread:  true,
		timeout: DefaultSendTimeout,
		entries: map[string]*entryState{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Apply replaces the registered entries. Nothing changes if any spec is invalid.
func (s *Service) Apply(entries []Entry) error {
	seen := map[string]bool{}
	for _, e := range entries {
		if e.Name == "" {
			return errors.New("schedule: entry name is required")
		}
		if seen[e.Name] {
			return fmt.Errorf("schedule: duplicate entry %q", e.Name)
		}
		seen[e.Name] = true
		if _, err := s.parser.Parse(e.Spec); err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		for _, st := range s.entries {
			s.c.Remove(st.id)
		}
	}
	s.entries = make(map[string]*entryState, len(entries))
	for _, e := range entries {
		st := &entryState{entry: e}
		s.entries[e.Name] = st
		if s.c != nil {
			if err := s.addLocked(st); err != nil {
				s.log.Error("failed to register schedule", logx.String("name", e.Name), logx.Err(err))
			}
		}
	}
	s.log.Info("schedules applied", logx.Int("count", len(entries)))
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{s.log}),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	for _, st := range s.entries {
		if err := s.addLocked(st); err != nil {
			s.log.Error("failed to register schedule", logx.String("name", st.entry.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// Stop waits for running sends until ctx is done, then cancels them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	cancel()
	s.log.Info("service stopped")
}

// RunNow fires the named entry synchronously.
func (s *Service) RunNow(ctx context.Context, name string) (int32, error) {
	s.mu.Lock()
	st := s.entries[name]
	s.mu.Unlock()
	if st == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEntry, name)
	}
	return s.fire(ctx, st)
}

// Snapshot lists entries by name.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.entries))
	for _, st := range s.entries {
		info := Info{Name: st.entry.Name, Spec: st.entry.Spec}
		if s.c != nil && st.id != 0 {
			ce := s.c.Entry(st.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		st.mu.Lock()
		info.Runs, info.LastID, info.LastErr = st.runs, st.lastID, st.lastErr
		st.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) addLocked(st *entryState) error {
	job := cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		_, _ = s.fire(ctx, st)
	})

	spec := strings.TrimSpace(st.entry.Spec)
	if s.spread && strings.HasPrefix(spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
		if err == nil && every > 0 {
			sched, jitter := intervalWithSpread(every, time.Now().In(s.loc), st.entry.Name)
			st.id = s.c.Schedule(sched, job)
			s.log.Debug("interval schedule registered", logx.String("name", st.entry.Name), logx.Duration("startup_spread", jitter))
			return nil
		}
	}
	id, err := s.c.AddJob(spec, job)
	if err != nil {
		return err
	}
	st.id = id
	return nil
}

func (s *Service) fire(ctx context.Context, st *entryState) (int32, error) {
	e := st.entry
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	log := s.log.With(logx.String("name", e.Name), logx.Stringer("category", e.Category))

	if e.ReplaceLast {
		if err := s.sender.DeleteLastMsg(ctx, e.Category); err != nil {
			log.Warn("failed to withdraw previous notification", logx.Err(err))
		}
	}
	n := service.NewNotification(e.Category, e.Texts...)
	n.CustomAttributes = e.Custom
	id, err := s.sender.Send(ctx, n, e.TTL)

	st.mu.Lock()
	st.runs++
	if err != nil {
		st.lastErr = err.Error()
	} else {
		st.lastID, st.lastErr = id, ""
	}
	st.mu.Unlock()

	if err != nil {
		log.Error("scheduled send failed", logx.Err(err))
		return 0, err
	}
	log.Debug("scheduled notification sent", logx.Int32("msg_id", id))
	return id, nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
