package ns

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// AppID identifies the originating application (128-bit).
type AppID = uuid.UUID

// Text is one localized notification text.
type Text struct {
	Lang string
	Text string
}

// AudioURL is one localized rich audio URL.
type AudioURL struct {
	Lang string
	URL  string
}

// Rich carries the optional rich-content attributes of a notification.
type Rich struct {
	IconURL         string
	AudioURLs       []AudioURL
	IconObjectPath  string
	AudioObjectPath string
	ResponseObjPath string
}

// Message is a notification unit. Treat it as immutable: senders and receivers
// exchange copies made with Clone.
type Message struct {
	Version    int32
	ID         int32
	Category   Category
	DeviceID   string
	DeviceName string
	AppID      AppID
	AppName    string

	// Attributes is the raw int-keyed attribute map as carried on the wire.
	Attributes       map[int32]any
	CustomAttributes map[string]string
	Texts            []Text
	Rich             Rich
	TTL              time.Duration

	// Sender is the bus name the signal arrived from (a producer or a super agent).
	Sender string
	// OriginSender is the bus name of the producing application, when known.
	OriginSender string
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	cp := m
	cp.Attributes = maps.Clone(m.Attributes)
	cp.CustomAttributes = maps.Clone(m.CustomAttributes)
	if m.Texts != nil {
		cp.Texts = append([]Text(nil), m.Texts...)
	}
	if m.Rich.AudioURLs != nil {
		cp.Rich.AudioURLs = append([]AudioURL(nil), m.Rich.AudioURLs...)
	}
	return cp
}

// SupportsProducerCallback reports whether the origin can be asked to withdraw the
// message directly (version >= 2 and a known origin).
func (m Message) SupportsProducerCallback() bool {
	return m.Version >= 2 && m.OriginSender != ""
}
