// Package telegram relays received notifications to a Telegram chat and deletes
// the relayed message when the notification is dismissed.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"ajnotify/internal/ns"
	rtsup "ajnotify/internal/runtime/supervisor"
	"ajnotify/internal/service"
	logx "ajnotify/pkg/logx"
)

const (
	defaultQueueSize = 128
	defaultTracked   = 512
	pollTimeout      = 10 * time.Second
)

// API is the subset of *tele.Bot the relay calls.
type API interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
}

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// RatePerSec caps outgoing API calls. 0 means 1.
	RatePerSec float64
	Lang       string
	// Categories limits relayed notifications. Empty means all.
	Categories []ns.Category
	QueueSize  int
}

type key struct {
	app ns.AppID
	id  int32
}

type tracked struct {
	key   key
	msgID int
	note  service.Notification
}

// Relay implements service.Receiver. Receive and Dismiss never block; work is
// queued for one paced worker and dropped when the queue is full.
type Relay struct {
	cfg     Config
	log     logx.Logger
	api     API
	bot     *tele.Bot
	limiter *rate.Limiter
	allowed map[ns.Category]bool

	mu        sync.RWMutex
	accepting bool
	queue     chan func(ctx context.Context)
	sup       *rtsup.Supervisor

	tmu     sync.Mutex
	byKey   map[key]*tracked
	byMsgID map[int]*tracked
	order   []key

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// New connects to the Bot API. Commands are served by long polling once started.
func New(cfg Config, log logx.Logger) (*Relay, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: pollTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	r := NewWithAPI(cfg, b, log)
	r.bot = b
	return r, nil
}

// NewWithAPI builds a relay that sends through api and serves no commands.
func NewWithAPI(cfg Config, api API, log logx.Logger) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	r := &Relay{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram"), logx.Int64("chat_id", cfg.ChatID)),
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		byKey:   map[key]*tracked{},
		byMsgID: map[int]*tracked{},
	}
	if len(cfg.Categories) > 0 {
		r.allowed = make(map[ns.Category]bool, len(cfg.Categories))
		for _, c := range cfg.Categories {
			r.allowed[c] = true
		}
	}
	return r
}

func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.accepting {
		r.mu.Unlock()
		return
	}
	r.accepting = true
	r.queue = make(chan func(context.Context), r.cfg.QueueSize)
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log))
	queue, sup := r.queue, r.sup
	r.mu.Unlock()

	sup.GoRestart("telegram.worker", func(ctx context.Context) error {
		for job := range queue {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
			job(ctx)
		}
		return nil
	}, rtsup.WithRestartBackoff(50*time.Millisecond, time.Second))

	if r.bot != nil {
		r.bot.Handle("/dismiss", r.onDismissCommand)
		sup.Go0("telegram.poller", func(ctx context.Context) {
			go func() {
				<-ctx.Done()
				r.bot.Stop()
			}()
			r.bot.Start() // blocks until Stop
		})
	}
	r.log.Info("relay started", logx.Float64("rate_per_sec", r.cfg.RatePerSec))
}

// Stop flushes queued messages until ctx is done.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		return nil
	}
	r.accepting = false
	close(r.queue)
	sup := r.sup
	r.mu.Unlock()

	if r.bot != nil {
		go r.bot.Stop()
	}
	err := sup.Wait(ctx)
	sup.Cancel()
	r.log.Info("relay stopped", logx.Uint64("sent", r.sent.Load()), logx.Uint64("dropped", r.dropped.Load()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) Receive(n service.Notification) {
	if r.allowed != nil && !r.allowed[n.Category] {
		return
	}
	text := Format(n, r.cfg.Lang)
	k := key{app: n.AppID, id: n.ID}
	r.enqueue(func(context.Context) {
		msg, err := r.api.Send(r.chat(), text, &tele.SendOptions{ThreadID: r.cfg.ThreadID, DisableWebPagePreview: true})
		if err != nil {
			r.log.Warn("failed to relay notification", logx.Int32("msg_id", k.id), logx.Err(err))
			return
		}
		r.sent.Add(1)
		r.track(&tracked{key: k, msgID: msg.ID, note: n})
	})
}

func (r *Relay) Dismiss(msgID int32, appID ns.AppID) {
	k := key{app: appID, id: msgID}
	r.enqueue(func(context.Context) {
		t := r.untrack(k)
		if t == nil {
			return
		}
		ref := tele.StoredMessage{MessageID: strconv.Itoa(t.msgID), ChatID: r.cfg.ChatID}
		if err := r.api.Delete(ref); err != nil {
			r.log.Warn("failed to delete relayed notification", logx.Int32("msg_id", msgID), logx.Err(err))
		}
	})
}

// DismissRelayed withdraws the notification relayed as Telegram message msgID.
func (r *Relay) DismissRelayed(msgID int) error {
	r.tmu.Lock()
	t := r.byMsgID[msgID]
	r.tmu.Unlock()
	if t == nil {
		return fmt.Errorf("message %d is not a relayed notification", msgID)
	}
	return t.note.Dismiss()
}

func (r *Relay) onDismissCommand(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil || m.Chat.ID != r.cfg.ChatID {
		return nil
	}
	if m.ReplyTo == nil {
		return c.Reply("Reply to a relayed notification with /dismiss.")
	}
	if err := r.DismissRelayed(m.ReplyTo.ID); err != nil {
		return c.Reply(err.Error())
	}
	return nil
}

func (r *Relay) enqueue(job func(context.Context)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.accepting {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- job:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("relay queue full, dropping", logx.Uint64("dropped", n))
		}
	}
}

func (r *Relay) chat() *tele.Chat { return &tele.Chat{ID: r.cfg.ChatID} }

func (r *Relay) track(t *tracked) {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	if old := r.byKey[t.key]; old != nil {
		delete(r.byMsgID, old.msgID)
	} else {
		r.order = append(r.order, t.key)
	}
	r.byKey[t.key] = t
	r.byMsgID[t.msgID] = t
	for len(r.order) > defaultTracked {
		k := r.order[0]
		r.order = r.order[1:]
		if old := r.byKey[k]; old != nil {
			delete(r.byMsgID, old.msgID)
			delete(r.byKey, k)
		}
	}
}

func (r *Relay) untrack(k key) *tracked {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	t := r.byKey[k]
	if t == nil {
		return nil
	}
	delete(r.byKey, k)
	delete(r.byMsgID, t.msgID)
	for i, ok := range r.order {
		if ok == k {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return t
}

// Format renders n as plain text, picking the text in lang when present.
func Format(n service.Notification, lang string) string {
	text := ""
	for _, t := range n.Texts {
		if text == "" || strings.EqualFold(t.Lang, lang) {
			text = t.Text
			if strings.EqualFold(t.Lang, lang) {
				break
			}
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(n.Category.String()), n.AppName)
	if n.DeviceName != "" {
		fmt.Fprintf(&b, " @ %s", n.DeviceName)
	}
	b.WriteString("\n")
	b.WriteString(text)
	if n.Rich.IconURL != "" {
		b.WriteString("\n")
		b.WriteString(n.Rich.IconURL)
	}
	return b.String()
}
