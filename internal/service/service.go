package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ajnotify/internal/ns"
	"ajnotify/internal/storage"
	"ajnotify/internal/transport"
	"ajnotify/internal/transport/consumer"
	"ajnotify/internal/transport/feedback"
	"ajnotify/internal/transport/producer"
	"ajnotify/pkg/logx"
)

var (
	ErrSenderNotStarted   = fmt.Errorf("sender %w", ns.ErrNotStarted)
	ErrReceiverNotStarted = fmt.Errorf("receiver %w", ns.ErrNotStarted)
	ErrAlreadyStarted     = errors.New("already started")
)

// Receiver is the application callback for the receiving side.
type Receiver interface {
	Receive(n Notification)
	Dismiss(msgID int32, appID ns.AppID)
}

type ReceiverOptions struct {
	SearchSuperAgent bool
}

type Option func(*Service)

func WithProducerOptions(o producer.Options) Option {
	return func(s *Service) { s.producerOpts = o }
}

func WithFeedbackOptions(o feedback.Options) Option {
	return func(s *Service) { s.feedbackOpts = o }
}

// Service owns at most one sending and one receiving side.
type Service struct {
	env   transport.Env
	props Props
	store storage.Store
	log   logx.Logger

	producerOpts producer.Options
	feedbackOpts feedback.Options

	mu       sync.Mutex
	sender   *Sender
	consumer *consumer.Coordinator
	feedback *feedback.Dispatcher
}

// New binds the service to env. store may be nil; message ids then restart at 1
// and no history is kept.
func New(env transport.Env, props Props, store storage.Store, opts ...Option) *Service {
	env.AppID = props.AppID
	s := &Service{
		env:   env,
		props: props,
		store: store,
		log:   env.Logger("service"),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *Service) Props() Props { return s.props }

// StartSender registers the producer side. Calling it again returns the running sender.
func (s *Service) StartSender(ctx context.Context) (*Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender != nil {
		return s.sender, nil
	}
	if err := s.props.Validate(); err != nil {
		return nil, err
	}

	prod := producer.New(s.env, s.producerOpts)
	if err := prod.Start(ctx); err != nil {
		s.log.Error("failed to start sender", logx.Err(err))
		return nil, err
	}
	s.sender = &Sender{
		svc:  s,
		prod: prod,
		ids:  ns.NewIDGen(s.lastMessageID(ctx)),
		log:  s.env.Logger("sender"),
	}
	s.log.Info("sender started", logx.Stringer("app_id", s.props.AppID), logx.Int32("last_msg_id", s.sender.ids.Last()))
	return s.sender, nil
}

// StartReceiver registers the consumer side and the feedback dispatcher.
func (s *Service) StartReceiver(ctx context.Context, r Receiver, opts ReceiverOptions) error {
	if r == nil {
		return errors.New("service: nil receiver")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumer != nil {
		return fmt.Errorf("receiver %w", ErrAlreadyStarted)
	}

	fb := feedback.New(s.env, s.feedbackOpts)
	fb.Start(context.WithoutCancel(ctx))
	c := consumer.New(s.env, &receiverAdapter{svc: s, app: r, feedback: fb}, consumer.Options{SearchSuperAgent: opts.SearchSuperAgent})
	if err := c.Start(ctx); err != nil {
		fb.Stop(ctx)
		s.log.Error("failed to start receiver", logx.Err(err))
		return err
	}
	s.consumer = c
	s.feedback = fb
	s.log.Info("receiver started", logx.Bool("search_super_agent", opts.SearchSuperAgent))
	return nil
}

// ShutdownSender releases the producer side.
func (s *Service) ShutdownSender() error {
	s.mu.Lock()
	snd := s.sender
	s.sender = nil
	s.mu.Unlock()
	if snd == nil {
		return ErrSenderNotStarted
	}
	err := snd.prod.Stop()
	s.log.Info("sender stopped", logx.Err(err))
	return err
}

// ShutdownReceiver releases the consumer side and finishes queued withdrawals until ctx is done.
func (s *Service) ShutdownReceiver(ctx context.Context) error {
	s.mu.Lock()
	c, fb := s.consumer, s.feedback
	s.consumer, s.feedback = nil, nil
	s.mu.Unlock()
	if c == nil {
		return ErrReceiverNotStarted
	}
	err := c.Stop()
	fb.Stop(ctx)
	s.log.Info("receiver stopped", logx.Err(err))
	return err
}

// Shutdown stops whichever sides are running. It fails only when neither was.
func (s *Service) Shutdown(ctx context.Context) error {
	errS := s.ShutdownSender()
	errR := s.ShutdownReceiver(ctx)
	if errors.Is(errS, ErrSenderNotStarted) && errors.Is(errR, ErrReceiverNotStarted) {
		return fmt.Errorf("service %w", ns.ErrNotStarted)
	}
	if errors.Is(errS, ErrSenderNotStarted) {
		errS = nil
	}
	if errors.Is(errR, ErrReceiverNotStarted) {
		errR = nil
	}
	return errors.Join(errS, errR)
}

// SetSending gates the sender without unregistering anything.
func (s *Service) SetSending(on bool) error {
	s.mu.Lock()
	snd := s.sender
	s.mu.Unlock()
	if snd == nil {
		return ErrSenderNotStarted
	}
	snd.prod.SetSending(on)
	return nil
}

// SetReceiving gates delivery to the receiver without unregistering anything.
func (s *Service) SetReceiving(on bool) error {
	s.mu.Lock()
	c := s.consumer
	s.mu.Unlock()
	if c == nil {
		return ErrReceiverNotStarted
	}
	c.SetReceiving(on)
	return nil
}

// ReceiverState reports the consumer state and bound super agent, if any.
func (s *Service) ReceiverState() (consumer.State, string) {
	s.mu.Lock()
	c := s.consumer
	s.mu.Unlock()
	if c == nil {
		return consumer.Stopped, ""
	}
	return c.State(), c.SuperAgent()
}

// History returns up to n recorded receive and dismiss events, newest first.
func (s *Service) History(ctx context.Context, n int) ([]storage.HistoryEntry, error) {
	if s.store == nil {
		return nil, storage.ErrDisabled
	}
	return s.store.RecentHistory(ctx, n)
}

func (s *Service) lastMessageID(ctx context.Context) int32 {
	if s.store == nil {
		return 0
	}
	id, ok, err := s.store.LastMessageID(ctx, s.props.AppID)
	if err != nil {
		s.log.Warn("failed to load last message id, starting over", logx.Err(err))
		return 0
	}
	if !ok {
		return 0
	}
	return id
}

func (s *Service) record(e storage.HistoryEntry) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendHistory(context.Background(), e); err != nil {
		s.log.Warn("failed to record history", logx.String("kind", e.Kind), logx.Int32("msg_id", e.MsgID), logx.Err(err))
	}
}
