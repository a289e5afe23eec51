package ns

import (
	"fmt"
)

// WireText is the (lang, text) struct carried in the notify signal.
type WireText struct {
	Lang string
	Text string
}

// NotifyBody is the argument list of the notify signal:
// notify(version, msgId, category, deviceId, deviceName, appId, appName,
// attributes, customAttributes, texts).
type NotifyBody struct {
	Version          int32
	MsgID            int32
	Category         int16
	DeviceID         string
	DeviceName       string
	AppID            []byte
	AppName          string
	Attributes       map[int32]any
	CustomAttributes map[string]string
	Texts            []WireText
}

func (b NotifyBody) Values() []any {
	return []any{
		b.Version, b.MsgID, b.Category, b.DeviceID, b.DeviceName,
		b.AppID, b.AppName, b.Attributes, b.CustomAttributes, b.Texts,
	}
}

// ParseNotifyBody decodes a notify signal body.
func ParseNotifyBody(body []any) (NotifyBody, error) {
	var b NotifyBody
	if len(body) != 10 {
		return b, fmt.Errorf("%w: notify has %d args, want 10", ErrInvalidMessage, len(body))
	}
	var ok bool
	if b.Version, ok = body[0].(int32); !ok {
		return b, argErr("version", body[0])
	}
	if b.MsgID, ok = body[1].(int32); !ok {
		return b, argErr("msgId", body[1])
	}
	if b.Category, ok = body[2].(int16); !ok {
		return b, argErr("category", body[2])
	}
	if b.DeviceID, ok = body[3].(string); !ok {
		return b, argErr("deviceId", body[3])
	}
	if b.DeviceName, ok = body[4].(string); !ok {
		return b, argErr("deviceName", body[4])
	}
	if b.AppID, ok = body[5].([]byte); !ok {
		return b, argErr("appId", body[5])
	}
	if b.AppName, ok = body[6].(string); !ok {
		return b, argErr("appName", body[6])
	}
	switch v := body[7].(type) {
	case map[int32]any:
		b.Attributes = v
	case nil:
	default:
		return b, argErr("attributes", body[7])
	}
	switch v := body[8].(type) {
	case map[string]string:
		b.CustomAttributes = v
	case nil:
	default:
		return b, argErr("customAttributes", body[8])
	}
	texts, err := parseTexts(body[9])
	if err != nil {
		return b, err
	}
	b.Texts = texts
	return b, nil
}

func parseTexts(v any) ([]WireText, error) {
	switch t := v.(type) {
	case []WireText:
		return t, nil
	case [][]any:
		out := make([]WireText, 0, len(t))
		for _, pair := range t {
			wt, err := pairToText(pair)
			if err != nil {
				return nil, err
			}
			out = append(out, wt)
		}
		return out, nil
	case []any:
		out := make([]WireText, 0, len(t))
		for _, item := range t {
			pair, ok := item.([]any)
			if !ok {
				return nil, argErr("texts", item)
			}
			wt, err := pairToText(pair)
			if err != nil {
				return nil, err
			}
			out = append(out, wt)
		}
		return out, nil
	default:
		return nil, argErr("texts", v)
	}
}

func pairToText(pair []any) (WireText, error) {
	if len(pair) != 2 {
		return WireText{}, argErr("texts", pair)
	}
	lang, ok1 := pair[0].(string)
	text, ok2 := pair[1].(string)
	if !ok1 || !ok2 {
		return WireText{}, argErr("texts", pair)
	}
	return WireText{Lang: lang, Text: text}, nil
}

// DismissBody is the argument list of the Dismiss signal: Dismiss(msgId, appId).
type DismissBody struct {
	MsgID int32
	AppID []byte
}

func (b DismissBody) Values() []any { return []any{b.MsgID, b.AppID} }

func ParseDismissBody(body []any) (DismissBody, error) {
	var b DismissBody
	if len(body) != 2 {
		return b, fmt.Errorf("%w: dismiss has %d args, want 2", ErrInvalidMessage, len(body))
	}
	var ok bool
	if b.MsgID, ok = body[0].(int32); !ok {
		return b, argErr("msgId", body[0])
	}
	if b.AppID, ok = body[1].([]byte); !ok {
		return b, argErr("appId", body[1])
	}
	return b, nil
}

// AppIDFromBytes converts a 16-byte wire id.
func AppIDFromBytes(b []byte) (AppID, error) {
	var id AppID
	if len(b) != AppIDLength {
		return id, fmt.Errorf("%w: app id has %d bytes, want %d", ErrInvalidMessage, len(b), AppIDLength)
	}
	copy(id[:], b)
	return id, nil
}

// AppIDBytes returns the 16-byte wire form.
func AppIDBytes(id AppID) []byte {
	b := make([]byte, AppIDLength)
	copy(b, id[:])
	return b
}

func argErr(name string, v any) error {
	return fmt.Errorf("%w: bad %s argument of type %T", ErrInvalidMessage, name, v)
}
