// Package payload converts between ns.Message and the notify/Dismiss wire bodies,
// including the int-keyed rich attribute map.
package payload

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"ajnotify/internal/ns"
	"ajnotify/pkg/logx"
)

// Attribute keys of the notify attribute map.
const (
	KeyIconURL         int32 = 0
	KeyAudioURLs       int32 = 1
	KeyIconObjPath     int32 = 2
	KeyAudioObjPath    int32 = 3
	KeyResponseObjPath int32 = 4
	KeyOriginSender    int32 = 5
)

// WireAudioURL is the (lang, url) struct carried under KeyAudioURLs.
type WireAudioURL struct {
	Lang string
	URL  string
}

// Codec encodes outgoing and decodes incoming notifications.
type Codec struct {
	log logx.Logger
}

func New(log logx.Logger) *Codec {
	return &Codec{log: log.With(logx.String("comp", "payload"))}
}

// Validate checks the parts of m the sender is responsible for.
func Validate(m ns.Message) error {
	if !m.Category.Valid() {
		return &ns.UnknownCategoryError{Category: m.Category}
	}
	if len(m.Texts) == 0 {
		return fmt.Errorf("%w: at least one text is required", ns.ErrInvalidMessage)
	}
	for i, t := range m.Texts {
		if strings.TrimSpace(t.Lang) == "" || t.Text == "" {
			return fmt.Errorf("%w: text %d needs a language and a value", ns.ErrInvalidMessage, i)
		}
	}
	for k, v := range m.CustomAttributes {
		if k == "" {
			return fmt.Errorf("%w: custom attribute key can't be empty", ns.ErrInvalidMessage)
		}
		if v == "" {
			return fmt.Errorf("%w: custom attribute %q has an empty value", ns.ErrInvalidMessage, k)
		}
	}
	for i, a := range m.Rich.AudioURLs {
		if a.Lang == "" || a.URL == "" {
			return fmt.Errorf("%w: audio url %d needs a language and a url", ns.ErrInvalidMessage, i)
		}
	}
	return nil
}

// Encode builds the notify body for m. The original-sender attribute is taken from
// m.OriginSender; rich content comes from m.Rich.
func (c *Codec) Encode(m ns.Message) (ns.NotifyBody, error) {
	if err := Validate(m); err != nil {
		return ns.NotifyBody{}, err
	}
	version := m.Version
	if version == 0 {
		version = ns.ProtocolVersion
	}

	attrs := map[int32]any{}
	if r := m.Rich; r.IconURL != "" {
		attrs[KeyIconURL] = r.IconURL
	}
	if len(m.Rich.AudioURLs) > 0 {
		urls := make([]WireAudioURL, 0, len(m.Rich.AudioURLs))
		for _, a := range m.Rich.AudioURLs {
			urls = append(urls, WireAudioURL{Lang: a.Lang, URL: a.URL})
		}
		attrs[KeyAudioURLs] = urls
	}
	if m.Rich.IconObjectPath != "" {
		attrs[KeyIconObjPath] = m.Rich.IconObjectPath
	}
	if m.Rich.AudioObjectPath != "" {
		attrs[KeyAudioObjPath] = m.Rich.AudioObjectPath
	}
	if m.Rich.ResponseObjPath != "" {
		attrs[KeyResponseObjPath] = m.Rich.ResponseObjPath
	}
	if m.OriginSender != "" {
		attrs[KeyOriginSender] = m.OriginSender
	}

	texts := make([]ns.WireText, 0, len(m.Texts))
	for _, t := range m.Texts {
		texts = append(texts, ns.WireText{Lang: t.Lang, Text: t.Text})
	}
	custom := maps.Clone(m.CustomAttributes)
	if custom == nil {
		custom = map[string]string{}
	}

	c.log.Debug("encoded notification",
		logx.Int32("msg_id", m.ID), logx.Stringer("category", m.Category), logx.Int("attrs", len(attrs)))

	return ns.NotifyBody{
		Version:          version,
		MsgID:            m.ID,
		Category:         int16(m.Category),
		DeviceID:         m.DeviceID,
		DeviceName:       m.DeviceName,
		AppID:            ns.AppIDBytes(m.AppID),
		AppName:          m.AppName,
		Attributes:       attrs,
		CustomAttributes: custom,
		Texts:            texts,
	}, nil
}

// Decode parses a received notify body. Unknown attribute keys are logged and ignored;
// a bad app id, an unknown category or an attribute of the wrong type fails the message.
func (c *Codec) Decode(sender string, body []any) (ns.Message, error) {
	b, err := ns.ParseNotifyBody(body)
	if err != nil {
		return ns.Message{}, err
	}
	cat, ok := ns.CategoryByID(b.Category)
	if !ok {
		return ns.Message{}, &ns.UnknownCategoryError{Category: ns.Category(b.Category)}
	}
	appID, err := ns.AppIDFromBytes(b.AppID)
	if err != nil {
		return ns.Message{}, err
	}

	m := ns.Message{
		Version:          b.Version,
		ID:               b.MsgID,
		Category:         cat,
		DeviceID:         b.DeviceID,
		DeviceName:       b.DeviceName,
		AppID:            appID,
		AppName:          b.AppName,
		Attributes:       maps.Clone(b.Attributes),
		CustomAttributes: maps.Clone(b.CustomAttributes),
		Sender:           sender,
	}
	for _, t := range b.Texts {
		m.Texts = append(m.Texts, ns.Text{Lang: t.Lang, Text: t.Text})
	}

	keys := slices.Sorted(maps.Keys(b.Attributes))
	for _, k := range keys {
		v := b.Attributes[k]
		switch k {
		case KeyIconURL:
			m.Rich.IconURL, err = str(k, v)
		case KeyAudioURLs:
			m.Rich.AudioURLs, err = audioURLs(v)
		case KeyIconObjPath:
			m.Rich.IconObjectPath, err = str(k, v)
		case KeyAudioObjPath:
			m.Rich.AudioObjectPath, err = str(k, v)
		case KeyResponseObjPath:
			m.Rich.ResponseObjPath, err = str(k, v)
		case KeyOriginSender:
			m.OriginSender, err = str(k, v)
		default:
			c.log.Warn("unknown attribute key, ignoring", logx.Int32("key", k), logx.Int32("msg_id", b.MsgID))
		}
		if err != nil {
			return ns.Message{}, err
		}
	}
	return m, nil
}

// DecodeDismiss parses a received Dismiss body.
func DecodeDismiss(body []any) (int32, ns.AppID, error) {
	b, err := ns.ParseDismissBody(body)
	if err != nil {
		return 0, ns.AppID{}, err
	}
	id, err := ns.AppIDFromBytes(b.AppID)
	if err != nil {
		return 0, ns.AppID{}, err
	}
	return b.MsgID, id, nil
}

// EncodeDismiss builds the Dismiss body.
func EncodeDismiss(msgID int32, appID ns.AppID) []any {
	return ns.DismissBody{MsgID: msgID, AppID: ns.AppIDBytes(appID)}.Values()
}

func str(k int32, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: attribute %d is %T, want string", ns.ErrInvalidMessage, k, v)
	}
	return s, nil
}

func audioURLs(v any) ([]ns.AudioURL, error) {
	var pairs [][]any
	switch t := v.(type) {
	case []WireAudioURL:
		out := make([]ns.AudioURL, 0, len(t))
		for _, a := range t {
			out = append(out, ns.AudioURL{Lang: a.Lang, URL: a.URL})
		}
		return out, nil
	case [][]any:
		pairs = t
	case []any:
		for _, item := range t {
			p, ok := item.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: audio url entry is %T", ns.ErrInvalidMessage, item)
			}
			pairs = append(pairs, p)
		}
	default:
		return nil, fmt.Errorf("%w: attribute %d is %T, want audio url list", ns.ErrInvalidMessage, KeyAudioURLs, v)
	}
	out := make([]ns.AudioURL, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("%w: audio url entry has %d fields", ns.ErrInvalidMessage, len(p))
		}
		lang, ok1 := p[0].(string)
		url, ok2 := p[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: audio url entry is not (string, string)", ns.ErrInvalidMessage)
		}
		out = append(out, ns.AudioURL{Lang: lang, URL: url})
	}
	return out, nil
}
