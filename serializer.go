package capnweb

import "fmt"

// exprTags are the expression tag strings the parser recognizes. The
// serializer must escape any plain data array whose first element would
// otherwise collide with one of these (spec 4.1, 4.7).
var exprTags = map[string]bool{
	"date": true, "error": true, "import": true,
	"pipeline": true, "export": true, "promise": true, "remap": true,
}

// needsEscape reports whether a serialized data array must be wrapped in
// the literal-array escape. The parser reads every non-empty array as a
// tagged expression or an escape, so every non-empty data array is
// wrapped, not only one whose first element is a tag or an array.
func needsEscape(arr []any) bool {
	return len(arr) > 0
}

// serializeExpr walks an application value and produces its wire
// expression form, minting export IDs for any Stub/Promise encountered.
// This is the only place new exports are minted (spec 4.7).
func (s *Session) serializeExpr(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64:
		return t, nil
	case Date:
		return []any{"date", t.Millis}, nil
	case *WireError:
		return s.serializeError(t), nil
	case *Stub:
		if origin, ok := s.promiseOrigins[t.hook]; ok {
			return []any{"pipeline", int64(origin)}, nil
		}
		id := s.mintExport(t.hook)
		return []any{"export", int64(id)}, nil
	case *Promise:
		if origin, ok := s.promiseOrigins[t.hook]; ok {
			return []any{"pipeline", int64(origin)}, nil
		}
		id := s.mintExport(t.hook)
		return []any{"promise", int64(id)}, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			se, err := s.serializeExpr(e)
			if err != nil {
				return nil, err
			}
			out[k] = se
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			se, err := s.serializeExpr(e)
			if err != nil {
				return nil, err
			}
			out[i] = se
		}
		if needsEscape(out) {
			return []any{out}, nil
		}
		return out, nil
	default:
		return nil, NewWireError(ErrInternal, fmt.Sprintf("cannot serialize value of type %T", v))
	}
}

// serializeError renders a WireError as ["error", type, message] or, if
// the session's stack-exposure flag is set and a stack is present,
// ["error", type, message, stack]. Stacks are redacted by default.
func (s *Session) serializeError(e *WireError) any {
	arr := []any{"error", string(e.Type), e.Message}
	if s.exposeStackTraces && e.Stack != "" {
		arr = append(arr, e.Stack)
	}
	return arr
}

// mintExport returns the export ID for h, registering a fresh entry
// (and taking a refcount on h) the first time it is seen, or bumping
// introductions on an existing entry otherwise (spec 4.3).
func (s *Session) mintExport(h Hook) ExportID {
	id, isNew := s.exports.exportOrReuse(h)
	if isNew {
		h.Dup()
	}
	return id
}
