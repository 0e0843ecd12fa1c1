// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the messenger callback types for
// functions that take decoded values instead of raw payloads.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
//
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
//
// Each adapter accepts an onError function that is called with any error
// decoding a payload, encoding a result, or reported by the wrapped function.
// If onError is nil, such errors are discarded.
package handler

import (
	"bytes"
	"encoding"
	"fmt"

	"github.com/creachadair/messenger"
)

// A Replier sends a reply to a request. A *messenger.Messenger satisfies
// this interface.
type Replier interface {
	SendReply(h messenger.Handle, tag uint16, data []byte) error
}

// Notify adapts a function f that accepts a parameter of type P to a
// messenger.NotifyFunc.
func Notify[P any](f func(tag uint16, p P), onError func(error)) messenger.NotifyFunc {
	return func(tag uint16, data []byte) {
		var p P
		if err := unmarshal(data, &p); err != nil {
			report(onError, fmt.Errorf("notify tag %d: %w", tag, err))
			return
		}
		f(tag, p)
	}
}

// Request adapts a function f that accepts a parameter of type P and returns
// a result of type R and an error, to a messenger.RequestFunc. If f succeeds,
// its result is sent to the requester via rp with the tag of the request.
// If f fails, no reply is sent.
func Request[P, R any](rp Replier, f func(tag uint16, p P) (R, error), onError func(error)) messenger.RequestFunc {
	return func(h messenger.Handle, tag uint16, data []byte) {
		var p P
		if err := unmarshal(data, &p); err != nil {
			report(onError, fmt.Errorf("request %d from %q: %w", h.TransactionID, h.Service, err))
			return
		}
		r, err := f(tag, p)
		if err != nil {
			report(onError, fmt.Errorf("request %d from %q: %w", h.TransactionID, h.Service, err))
			return
		}
		rsp, err := marshal(r)
		if err != nil {
			report(onError, fmt.Errorf("reply %d to %q: %w", h.TransactionID, h.Service, err))
			return
		}
		if err := rp.SendReply(h, tag, rsp); err != nil {
			report(onError, err)
		}
	}
}

// Reply adapts a function f that accepts a parameter of type P and the user
// data of the original request, to a messenger.ReplyFunc.
func Reply[P any](f func(tag uint16, p P, userData any), onError func(error)) messenger.ReplyFunc {
	return func(tag uint16, data []byte, userData any) {
		var p P
		if err := unmarshal(data, &p); err != nil {
			report(onError, fmt.Errorf("reply tag %d: %w", tag, err))
			return
		}
		f(tag, p, userData)
	}
}

// Marshal encodes v as a payload, using the same rules as result values.
func Marshal(v any) ([]byte, error) { return marshal(v) }

func report(onError func(error), err error) {
	if onError != nil {
		onError(err)
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
