package app

import (
	"ajnotify/internal/ns"
	"ajnotify/internal/service"
	logx "ajnotify/pkg/logx"
)

// fanout logs every received notification and hands it to each sink.
type fanout struct {
	log   logx.Logger
	sinks []service.Receiver
}

func newFanout(log logx.Logger, sinks ...service.Receiver) *fanout {
	f := &fanout{log: log.With(logx.String("comp", "receiver"))}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *fanout) Receive(n service.Notification) {
	text := ""
	if len(n.Texts) > 0 {
		text = n.Texts[0].Text
	}
	f.log.Info("notification",
		logx.Int32("msg_id", n.ID),
		logx.String("category", n.Category.String()),
		logx.String("app", n.AppName),
		logx.String("device", n.DeviceName),
		logx.String("sender", n.Sender),
		logx.String("text", text),
	)
	for _, s := range f.sinks {
		s.Receive(n)
	}
}

func (f *fanout) Dismiss(msgID int32, appID ns.AppID) {
	f.log.Info("notification dismissed", logx.Int32("msg_id", msgID), logx.String("app_id", appID.String()))
	for _, s := range f.sinks {
		s.Dismiss(msgID, appID)
	}
}
