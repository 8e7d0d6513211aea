package capnweb

import (
	"context"
	"fmt"
)

// parseExpr walks a decoded JSON expression tree (spec 4.1, 4.6) and
// produces the application-facing value: primitives pass through,
// objects become map[string]any with recursively parsed fields, and
// tagged arrays install hooks (import/export/promise/pipeline) or wrap
// dates/errors. Unknown tags or malformed arity return a bad_request
// error, on which the session's push and resolve/reject handlers abort.
func (s *Session) parseExpr(expr any) (any, error) {
	switch e := expr.(type) {
	case nil, bool, string, int64, float64:
		return e, nil
	case map[string]any:
		out := make(map[string]any, len(e))
		for k, v := range e {
			pv, err := s.parseExpr(v)
			if err != nil {
				return nil, err
			}
			out[k] = pv
		}
		return out, nil
	case []any:
		return s.parseArrayExpr(e)
	default:
		return nil, NewWireError(ErrBadRequest, fmt.Sprintf("unrecognized expression node of type %T", expr))
	}
}

func (s *Session) parseArrayExpr(e []any) (any, error) {
	if len(e) == 0 {
		return []any{}, nil
	}

	// Literal-array escape: [[...]] means "the value is the inner array",
	// still recursively parsed.
	if inner, ok := e[0].([]any); ok && len(e) == 1 {
		out := make([]any, len(inner))
		for i, v := range inner {
			pv, err := s.parseExpr(v)
			if err != nil {
				return nil, err
			}
			out[i] = pv
		}
		return out, nil
	}

	tag, ok := e[0].(string)
	if !ok {
		return nil, NewWireError(ErrBadRequest, "array expression must start with a string tag or be a literal-array escape")
	}

	switch tag {
	case "date":
		if len(e) != 2 {
			return nil, NewWireError(ErrBadRequest, "date requires exactly one argument")
		}
		ms, ok := asInt(e[1])
		if !ok {
			return nil, NewWireError(ErrBadRequest, "date argument must be an integer")
		}
		return Date{Millis: int64(ms)}, nil

	case "error":
		if len(e) < 3 || len(e) > 4 {
			return nil, NewWireError(ErrBadRequest, "error requires type, message, and optional stack")
		}
		etype, ok := e[1].(string)
		if !ok {
			return nil, NewWireError(ErrBadRequest, "error type must be a string")
		}
		msg, ok := e[2].(string)
		if !ok {
			return nil, NewWireError(ErrBadRequest, "error message must be a string")
		}
		we := &WireError{Type: ErrorType(etype), Message: msg}
		if len(e) == 4 {
			stack, ok := e[3].(string)
			if !ok {
				return nil, NewWireError(ErrBadRequest, "error stack must be a string")
			}
			we.Stack = stack
		}
		return we, nil

	case "import":
		return s.parseCapabilityRef(e, false)

	case "pipeline":
		return s.parseCapabilityRef(e, true)

	case "export":
		if len(e) != 2 {
			return nil, NewWireError(ErrBadRequest, "export requires exactly one id")
		}
		id, ok := asInt(e[1])
		if !ok {
			return nil, NewWireError(ErrBadRequest, "export id must be an integer")
		}
		return s.installRemoteExport(ImportID(id), false), nil

	case "promise":
		if len(e) != 2 {
			return nil, NewWireError(ErrBadRequest, "promise requires exactly one id")
		}
		id, ok := asInt(e[1])
		if !ok {
			return nil, NewWireError(ErrBadRequest, "promise id must be an integer")
		}
		return s.installRemoteExport(ImportID(id), true), nil

	case "remap":
		if len(e) != 5 {
			return nil, NewWireError(ErrBadRequest, "remap requires id, path, captures, and instructions")
		}
		return s.parseRemap(e)

	default:
		return nil, NewWireError(ErrBadRequest, "unknown expression tag: "+tag)
	}
}

// parseCapabilityRef handles both ["import", id, path?, args?] and
// ["pipeline", id, path?, args?]. id is given from the sender's
// perspective, i.e. it indexes the local export table (spec 4.6).
// import yields a Stub (not forced to resolve); pipeline yields a
// Promise (awaited before application delivery).
func (s *Session) parseCapabilityRef(e []any, isPipeline bool) (any, error) {
	if len(e) < 2 || len(e) > 4 {
		return nil, NewWireError(ErrBadRequest, "malformed import/pipeline reference")
	}
	id, ok := asInt(e[1])
	if !ok {
		return nil, NewWireError(ErrBadRequest, "import/pipeline id must be an integer")
	}

	var path []any
	if len(e) >= 3 && e[2] != nil {
		pathArr, ok := e[2].([]any)
		if !ok {
			return nil, NewWireError(ErrBadRequest, "path must be an array")
		}
		path = pathArr
	}

	entry, ok := s.exports.get(ExportID(id))
	if !ok {
		return newStub(newErrorHook(NewWireError(ErrNotFound, "no such export"))), nil
	}
	hook := entry.hook

	var result Hook
	if len(e) >= 4 && e[3] != nil {
		argsVal, err := s.parseExpr(e[3])
		if err != nil {
			return nil, err
		}
		argsSlice, _ := argsVal.([]any)
		result = hook.Call(path, OwnedPayload(argsSlice))
	} else if len(path) > 0 {
		result = hook.Get(path)
	} else {
		result = hook.Dup()
	}

	if isPipeline {
		return &Promise{hook: result}, nil
	}
	return newStub(result), nil
}

// parseRemap handles ["remap", id, path, captures, instructions]: it
// resolves the target collection (id navigated through path, per the
// same export lookup as pipeline/import), parses captures as ordinary
// values/capabilities, and defers instruction execution to
// evaluateRemap once the collection resolves (spec 4.8).
func (s *Session) parseRemap(e []any) (any, error) {
	id, ok := asInt(e[1])
	if !ok {
		return nil, NewWireError(ErrBadRequest, "remap id must be an integer")
	}
	var pathArr []any
	if e[2] != nil {
		p, ok := e[2].([]any)
		if !ok {
			return nil, NewWireError(ErrBadRequest, "remap path must be an array")
		}
		pathArr = p
	}
	capturesArr, ok := e[3].([]any)
	if !ok {
		return nil, NewWireError(ErrBadRequest, "remap captures must be an array")
	}
	instructionsArr, ok := e[4].([]any)
	if !ok {
		return nil, NewWireError(ErrBadRequest, "remap instructions must be an array")
	}

	entry, ok := s.exports.get(ExportID(id))
	if !ok {
		return &Promise{hook: newErrorHook(NewWireError(ErrNotFound, "no such export"))}, nil
	}
	base := entry.hook
	if len(pathArr) > 0 {
		base = base.Get(pathArr)
	}

	captures := make([]any, len(capturesArr))
	for i, c := range capturesArr {
		cv, err := s.parseExpr(c)
		if err != nil {
			return nil, err
		}
		captures[i] = cv
	}

	completion := newCompletion()
	go func() {
		payload, err := base.Pull(context.Background())
		if err != nil {
			completion.resolve(newErrorHook(toWireError(err)))
			return
		}
		coll, ok := payload.Value.([]any)
		if !ok {
			completion.resolve(newErrorHook(NewWireError(ErrBadRequest, "remap target is not a collection")))
			return
		}
		mapped := evaluateRemap(context.Background(), captures, instructionsArr, coll)
		completion.resolve(newPayloadHook(ReturnPayload(mapped)))
	}()
	return &Promise{hook: &promiseHook{completion: completion, refs: 1}}, nil
}

// installRemoteExport handles ["export", id] / ["promise", id]: the
// sender is announcing a capability it owns. We install or bump an
// entry in our own import table (spec 4.3, 4.6).
func (s *Session) installRemoteExport(id ImportID, isPromise bool) any {
	if entry, ok := s.imports.get(id); ok {
		entry.refcount++
		entry.totalIntroductions++
		if isPromise {
			return &Promise{hook: entry.hook}
		}
		return newStub(entry.hook)
	}
	hook := newImportHook(s, id)
	s.imports.insert(id, hook)
	if isPromise {
		return &Promise{hook: hook}
	}
	return newStub(hook)
}
