package service

import (
	"ajnotify/internal/ns"
	"ajnotify/internal/transport/feedback"
)

// Notification is what applications send and receive. Received notifications
// carry the dispatcher that withdraws them.
type Notification struct {
	ns.Message

	feedback *feedback.Dispatcher
}

// NewNotification builds an outgoing notification. Ids, device and app fields
// are filled in by the Sender.
func NewNotification(cat ns.Category, texts ...ns.Text) Notification {
	return Notification{Message: ns.Message{Category: cat, Texts: texts}}
}

// Received reports whether n arrived over the bus.
func (n Notification) Received() bool { return n.feedback != nil }

// Dismiss asks the origin to withdraw n, falling back to a broadcast Dismiss.
// It returns immediately; the withdrawal runs on the dispatcher queue.
func (n Notification) Dismiss() error {
	if n.feedback == nil {
		return errNotReceived
	}
	return n.feedback.Dismiss(n.Message)
}
