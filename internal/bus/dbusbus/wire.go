package dbusbus

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/godbus/dbus/v5"
)

var (
	variantType = reflect.TypeOf(dbus.Variant{})
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
)

// toWire rewrites v into something the godbus encoder accepts: maps and slices
// with interface elements become variant containers.
func toWire(v any) any {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case dbus.Variant:
		return t
	case []any:
		out := make([]dbus.Variant, len(t))
		for i, e := range t {
			out[i] = dbus.MakeVariant(toWire(e))
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Elem().Kind() == reflect.Interface {
		out := reflect.MakeMapWithSize(reflect.MapOf(rv.Type().Key(), variantType), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			var e any
			if !iter.Value().IsNil() {
				e = iter.Value().Interface()
			}
			out.SetMapIndex(iter.Key(), reflect.ValueOf(dbus.MakeVariant(toWire(e))))
		}
		return out.Interface()
	}
	return v
}

func toWireAll(vs []any) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = toWire(v)
	}
	return out
}

// fromWire undoes variant wrapping so decoded bodies look like locally built ones:
// map[K]dbus.Variant turns into map[K]any and variants are unwrapped recursively.
// Structs stay as []any, which the notification decoders accept.
func fromWire(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case dbus.Variant:
		return fromWire(t.Value())
	case []dbus.Variant:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromWire(e.Value())
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromWire(e)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && (rv.Type().Elem() == variantType || rv.Type().Elem().Kind() == reflect.Interface) {
		out := reflect.MakeMapWithSize(reflect.MapOf(rv.Type().Key(), anyType), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			e := fromWire(iter.Value().Interface())
			if e == nil {
				out.SetMapIndex(iter.Key(), reflect.Zero(anyType))
				continue
			}
			out.SetMapIndex(iter.Key(), reflect.ValueOf(e))
		}
		return out.Interface()
	}
	return v
}

func fromWireAll(vs []any) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = fromWire(v)
	}
	return out
}

// splitName splits a D-Bus "iface.member" signal or method name.
func splitName(name string) (iface, member string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// retainerName derives the well-known name under which a connection serves its
// retained broadcasts. Unique names (":1.42") are not valid name elements as-is.
func retainerName(unique string) string {
	var b strings.Builder
	b.WriteString(retainerPrefix)
	b.WriteByte('x')
	for _, r := range unique {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// contentKey identifies a broadcast independently of how it reached us, so a
// retained replay and the live signal are delivered once.
func contentKey(sender, path, iface, member string, body []any) string {
	return fmt.Sprintf("%s|%s|%s.%s|%v", sender, path, iface, member, body)
}
