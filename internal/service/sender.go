package service

import (
	"context"
	"time"

	"ajnotify/internal/ns"
	"ajnotify/internal/payload"
	"ajnotify/internal/transport/producer"
	"ajnotify/pkg/logx"
)

// Sender broadcasts notifications for the service's application.
type Sender struct {
	svc  *Service
	prod *producer.Coordinator
	ids  *ns.IDGen
	log  logx.Logger
}

// Send stamps n with the next message id and the property store fields and
// broadcasts it on its category channel, replacing the previous one there.
// While sending is off (Service.SetSending) it does nothing and returns id 0.
func (s *Sender) Send(ctx context.Context, n Notification, ttl time.Duration) (int32, error) {
	if !s.prod.Sending() {
		s.log.Debug("sending is off, notification dropped", logx.Stringer("category", n.Category))
		return 0, nil
	}
	if err := ValidateTTL(ttl); err != nil {
		s.log.Error("rejected notification", logx.Duration("ttl", ttl), logx.Err(err))
		return 0, err
	}
	props := s.svc.props
	if err := props.Validate(); err != nil {
		s.log.Error("rejected notification", logx.Err(err))
		return 0, err
	}

	m := n.Message.Clone()
	m.Version = ns.ProtocolVersion
	m.AppID = props.AppID
	m.AppName = props.AppName
	m.DeviceID = props.DeviceID
	m.DeviceName = props.DeviceName
	m.TTL = ttl
	m.Sender = ""
	m.OriginSender = s.svc.env.Bus.UniqueName()
	m.Attributes = nil
	if err := payload.Validate(m); err != nil {
		return 0, err
	}

	m.ID = s.ids.Next()
	if st := s.svc.store; st != nil {
		if err := st.PutLastMessageID(ctx, m.AppID, m.ID); err != nil {
			s.log.Warn("failed to persist message id", logx.Int32("msg_id", m.ID), logx.Err(err))
		}
	}

	if _, err := s.prod.Send(ctx, m); err != nil {
		return 0, err
	}
	s.log.Debug("sending notification", logx.Int32("msg_id", m.ID), logx.Stringer("category", m.Category),
		logx.Duration("ttl", ttl), logx.String("text", m.Texts[0].Text))
	return m.ID, nil
}

// DeleteLastMsg withdraws the last notification sent on cat.
func (s *Sender) DeleteLastMsg(ctx context.Context, cat ns.Category) error {
	return s.prod.CancelLast(ctx, cat)
}

// LastMessageID is the most recently assigned id.
func (s *Sender) LastMessageID() int32 { return s.ids.Last() }
