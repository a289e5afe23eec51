package ns

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrTransport       = errors.New("transport error")
	ErrUnknownCategory = errors.New("unknown category")
	ErrSession         = errors.New("session error")
	ErrRemoteCall      = errors.New("remote call failed")
	ErrRegistration    = errors.New("registration failed")

	ErrInvalidTTL     = errors.New("ttl out of range")
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotStarted     = errors.New("not started")
)

// TransportError is a bus-level registration or emission failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Op + ": " + errString(e.Err) }
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// UnknownCategoryError reports a category with no sending channel.
type UnknownCategoryError struct {
	Category Category
	Name     string
}

func (e *UnknownCategoryError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unknown category %q", e.Name)
	}
	return fmt.Sprintf("unknown category %d: no channel", int16(e.Category))
}
func (e *UnknownCategoryError) Unwrap() error { return ErrUnknownCategory }

// SessionError means a point-to-point session could not be established or was lost.
type SessionError struct {
	Target string
	Err    error
}

func (e *SessionError) Error() string {
	return "session with " + e.Target + ": " + errString(e.Err)
}
func (e *SessionError) Unwrap() []error { return []error{ErrSession, e.Err} }

// RemoteCallError is a failed remote method call, including application error replies.
type RemoteCallError struct {
	Target string
	Method string
	Err    error
}

func (e *RemoteCallError) Error() string {
	return "call " + e.Method + " on " + e.Target + ": " + errString(e.Err)
}
func (e *RemoteCallError) Unwrap() []error { return []error{ErrRemoteCall, e.Err} }

// RegistrationError is a signal handler, match rule or discovery registration failure.
type RegistrationError struct {
	What string
	Err  error
}

func (e *RegistrationError) Error() string { return "register " + e.What + ": " + errString(e.Err) }
func (e *RegistrationError) Unwrap() []error {
	return []error{ErrRegistration, e.Err}
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
