package dbusbus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"ajnotify/internal/bus"
	"ajnotify/internal/ns"
)

// MethodCallTimeout bounds one exported method invocation.
const MethodCallTimeout = 25 * time.Second

// Signature describes the Go argument and result types of an exported method.
// godbus decodes call bodies by reflecting on the handler, so bus.MethodFunc
// handlers need a concrete signature before they can be exported.
type Signature struct {
	In  []reflect.Type
	Out []reflect.Type
}

var (
	senderType   = reflect.TypeOf(dbus.Sender(""))
	dbusErrType  = reflect.TypeOf((*dbus.Error)(nil))
	int16Type    = reflect.TypeOf(int16(0))
	int32Type    = reflect.TypeOf(int32(0))
	defaultSigMu sync.RWMutex
	defaultSigs  = map[string]Signature{
		ns.ProducerInterface + "." + ns.DismissMethod: {In: []reflect.Type{int32Type}},
		ns.ProducerInterface + "." + ns.VersionMethod: {Out: []reflect.Type{int16Type}},
	}
)

// RegisterSignature declares the signature of iface.member for every Conn.
func RegisterSignature(iface, member string, sig Signature) {
	defaultSigMu.Lock()
	defer defaultSigMu.Unlock()
	defaultSigs[iface+"."+member] = sig
}

func lookupSignature(iface, member string) (Signature, bool) {
	defaultSigMu.RLock()
	defer defaultSigMu.RUnlock()
	s, ok := defaultSigs[iface+"."+member]
	return s, ok
}

// makeMethod wraps fn into a func value godbus can export: the first parameter
// receives the caller's unique name and the last result carries the error.
func makeMethod(ctx context.Context, sig Signature, fn bus.MethodFunc) any {
	in := append([]reflect.Type{senderType}, sig.In...)
	out := append(append([]reflect.Type(nil), sig.Out...), dbusErrType)
	ft := reflect.FuncOf(in, out, false)

	return reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		results := make([]reflect.Value, len(out))
		for i, t := range out {
			results[i] = reflect.Zero(t)
		}

		sender := string(args[0].Interface().(dbus.Sender))
		callArgs := make([]any, 0, len(args)-1)
		for _, a := range args[1:] {
			callArgs = append(callArgs, fromWire(a.Interface()))
		}

		cctx, cancel := context.WithTimeout(ctx, MethodCallTimeout)
		defer cancel()
		vals, err := invoke(cctx, fn, sender, callArgs)
		if err != nil {
			results[len(out)-1] = reflect.ValueOf(dbus.MakeFailedError(err))
			return results
		}
		for i, t := range sig.Out {
			if i >= len(vals) || vals[i] == nil {
				continue
			}
			v := reflect.ValueOf(vals[i])
			switch {
			case v.Type().AssignableTo(t):
				results[i] = v
			case v.Type().ConvertibleTo(t):
				results[i] = v.Convert(t)
			default:
				results[i] = reflect.Zero(t)
				results[len(out)-1] = reflect.ValueOf(dbus.MakeFailedError(
					fmt.Errorf("dbusbus: result %d is %s, want %s", i, v.Type(), t)))
				return results
			}
		}
		return results
	}).Interface()
}

func invoke(ctx context.Context, fn bus.MethodFunc, sender string, args []any) (out []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dbusbus: method panic: %v", r)
		}
	}()
	return fn(ctx, sender, args)
}
