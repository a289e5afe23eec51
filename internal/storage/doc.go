package storage

// Package storage provides the small persistence layer used by the service.
//
// It currently supports:
//   - Last issued message id per application (ids keep increasing across restarts)
//   - Notification history (received and dismissed events)
