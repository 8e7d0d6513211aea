package capnweb

import (
	"context"
	"time"
)

// Date distinguishes a timestamp (integer milliseconds since the Unix
// epoch) from a plain integer on the wire. It round-trips as
// ["date", millis].
type Date struct {
	Millis int64
}

// NewDate wraps a time.Time as a wire Date.
func NewDate(t time.Time) Date { return Date{Millis: t.UnixMilli()} }

// Time converts the Date back to a time.Time.
func (d Date) Time() time.Time { return time.UnixMilli(d.Millis) }

// ErrorType is one of the closed set of wire-compatible error tags.
type ErrorType string

const (
	ErrBadRequest       ErrorType = "bad_request"
	ErrNotFound         ErrorType = "not_found"
	ErrPermissionDenied ErrorType = "permission_denied"
	ErrCapRevoked       ErrorType = "cap_revoked"
	ErrCanceled         ErrorType = "canceled"
	ErrInternal         ErrorType = "internal"
)

// WireError is the structured error value carried across the wire
// (spec 3.3, 7). It implements error so it can flow through normal Go
// error-handling paths as well as the wire.
type WireError struct {
	Type    ErrorType
	Message string
	Stack   string
	Data    any
}

// NewWireError builds a WireError with no stack or data attached.
func NewWireError(t ErrorType, message string) *WireError {
	return &WireError{Type: t, Message: message}
}

func (e *WireError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + ": " + e.Message
}

// toWireError adapts an arbitrary Go error into a WireError, defaulting
// to the internal tag for anything not already structured.
func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	if we, ok := err.(*WireError); ok {
		return we
	}
	return &WireError{Type: ErrInternal, Message: err.Error()}
}

// Stub is an application-facing handle to a (possibly remote)
// capability. It is passable as an ordinary value: when a Stub appears
// inside a payload being serialized, the serializer mints an export for
// its hook. Every live Stub holds exactly one refcount on its hook.
type Stub struct {
	hook Hook
}

func newStub(h Hook) *Stub { return &Stub{hook: h} }

// Call invokes a method at path with the given positional arguments and
// returns a Promise for the result. Path elements are strings (property
// names) or ints (array indices).
func (s *Stub) Call(path []any, args []any) *Promise {
	result := s.hook.Call(path, ParamsPayload(args))
	return &Promise{hook: result}
}

// Get performs pipelined navigation to a property without invoking it.
func (s *Stub) Get(path []any) *Stub {
	return &Stub{hook: s.hook.Get(path)}
}

// Dup increments the stub's refcount and returns a new handle sharing
// the same underlying hook.
func (s *Stub) Dup() *Stub {
	return &Stub{hook: s.hook.Dup()}
}

// Dispose decrements the stub's refcount, releasing the hook when it
// reaches zero.
func (s *Stub) Dispose() {
	if s == nil || s.hook == nil {
		return
	}
	s.hook.Dispose()
}

// Promise is a Stub whose final resolution is awaited before the value
// is delivered to the application.
type Promise struct {
	hook Hook
}

// Call composes a further pipelined call on the eventual resolution.
func (p *Promise) Call(path []any, args []any) *Promise {
	return &Promise{hook: p.hook.Call(path, ParamsPayload(args))}
}

// Get composes pipelined navigation on the eventual resolution.
func (p *Promise) Get(path []any) *Promise {
	return &Promise{hook: p.hook.Get(path)}
}

// Await blocks until the promise resolves, returning the resolved value
// or the structured error it rejected with.
func (p *Promise) Await(ctx context.Context) (any, error) {
	payload, err := p.hook.Pull(ctx)
	if err != nil {
		return nil, err
	}
	return payload.Value, nil
}

// Dup increments the promise's refcount.
func (p *Promise) Dup() *Promise { return &Promise{hook: p.hook.Dup()} }

// Dispose decrements the promise's refcount.
func (p *Promise) Dispose() {
	if p == nil || p.hook == nil {
		return
	}
	p.hook.Dispose()
}

// deepCopy recursively copies containers (the only mutable shared
// structure); primitives, Dates, WireErrors, and Stub/Promise handles
// are copied by value/reference since they are either immutable or
// themselves reference-counted.
func deepCopy(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	default:
		return t
	}
}

// navigatePartial walks path through nested containers starting at v,
// stopping early (and returning the remaining path) if it encounters a
// Stub or Promise, since further navigation belongs to that capability's
// own hook rather than to local container traversal.
func navigatePartial(v any, path []any) (result any, remaining []any, err error) {
	cur := v
	for i, p := range path {
		switch c := cur.(type) {
		case *Stub:
			return c, path[i:], nil
		case *Promise:
			return c, path[i:], nil
		case map[string]any:
			key, ok := p.(string)
			if !ok {
				return nil, nil, NewWireError(ErrNotFound, "expected string path element")
			}
			nv, exists := c[key]
			if !exists {
				return nil, nil, NewWireError(ErrNotFound, "no such property: "+key)
			}
			cur = nv
		case []any:
			idx, ok := asInt(p)
			if !ok || idx < 0 || idx >= len(c) {
				return nil, nil, NewWireError(ErrNotFound, "array index out of bounds")
			}
			cur = c[idx]
		default:
			return nil, nil, NewWireError(ErrNotFound, "cannot navigate into scalar value")
		}
	}
	return cur, nil, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
