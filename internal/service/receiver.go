package service

import (
	"time"

	"ajnotify/internal/ns"
	"ajnotify/internal/storage"
	"ajnotify/internal/transport/feedback"
)

// receiverAdapter records history and hands the application Notifications that
// can dismiss themselves.
type receiverAdapter struct {
	svc      *Service
	app      Receiver
	feedback *feedback.Dispatcher
}

func (r *receiverAdapter) Receive(m ns.Message) {
	e := storage.HistoryEntry{
		At:         time.Now(),
		Kind:       storage.KindReceived,
		MsgID:      m.ID,
		AppID:      m.AppID,
		Category:   m.Category,
		Sender:     m.Sender,
		DeviceName: m.DeviceName,
		AppName:    m.AppName,
	}
	if len(m.Texts) > 0 {
		e.Text = m.Texts[0].Text
	}
	r.svc.record(e)
	r.app.Receive(Notification{Message: m, feedback: r.feedback})
}

func (r *receiverAdapter) Dismiss(msgID int32, appID ns.AppID) {
	r.svc.record(storage.HistoryEntry{
		At:    time.Now(),
		Kind:  storage.KindDismissed,
		MsgID: msgID,
		AppID: appID,
	})
	r.app.Dismiss(msgID, appID)
}
