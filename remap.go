package capnweb

import "context"

// remapEnv is the restricted address space a mapper instruction runs
// against (spec 4.8): negative indices address captures, index 0 is the
// element under map, positive indices address results of earlier
// instructions in the same element's execution.
//
// Within remap instructions only, a bare JSON
// integer occurring in a complete-expression position (including the
// id slot of a nested import/pipeline reference, and scalar positions
// reached through the literal-array escape) is resolved through this
// address space rather than treated as a literal number. Path arrays
// are never re-addressed this way, since their elements are structural
// keys, not sub-expressions.
type remapEnv struct {
	captures []any
	element  any
	results  []any
}

func (env *remapEnv) resolve(n int64) (any, error) {
	switch {
	case n < 0:
		idx := int(-n - 1)
		if idx < 0 || idx >= len(env.captures) {
			return nil, NewWireError(ErrBadRequest, "remap: capture index out of range")
		}
		return env.captures[idx], nil
	case n == 0:
		return env.element, nil
	default:
		idx := int(n - 1)
		if idx < 0 || idx >= len(env.results) {
			return nil, NewWireError(ErrBadRequest, "remap: result index out of range")
		}
		return env.results[idx], nil
	}
}

// evalRemapExpr evaluates one expression node within a remap
// instruction's restricted grammar.
func evalRemapExpr(ctx context.Context, env *remapEnv, expr any) (any, error) {
	switch e := expr.(type) {
	case nil, bool, string, float64:
		return e, nil
	case int64:
		return env.resolve(e)
	case map[string]any:
		out := make(map[string]any, len(e))
		for k, v := range e {
			rv, err := evalRemapExpr(ctx, env, v)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		return evalRemapArray(ctx, env, e)
	default:
		return nil, NewWireError(ErrBadRequest, "remap: unsupported expression node")
	}
}

func evalRemapArray(ctx context.Context, env *remapEnv, e []any) (any, error) {
	if len(e) == 0 {
		return []any{}, nil
	}
	if inner, ok := e[0].([]any); ok && len(e) == 1 {
		out := make([]any, len(inner))
		for i, v := range inner {
			rv, err := evalRemapExpr(ctx, env, v)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	}
	tag, ok := e[0].(string)
	if !ok {
		return nil, NewWireError(ErrBadRequest, "remap: array must start with a tag or be a literal escape")
	}
	switch tag {
	case "date":
		if len(e) != 2 {
			return nil, NewWireError(ErrBadRequest, "remap: date requires one argument")
		}
		v, err := evalRemapExpr(ctx, env, e[1])
		if err != nil {
			return nil, err
		}
		ms, ok := asInt(v)
		if !ok {
			return nil, NewWireError(ErrBadRequest, "remap: date argument must be an integer")
		}
		return Date{Millis: int64(ms)}, nil
	case "error":
		if len(e) < 3 {
			return nil, NewWireError(ErrBadRequest, "remap: error requires type and message")
		}
		etype, _ := e[1].(string)
		msg, _ := e[2].(string)
		return &WireError{Type: ErrorType(etype), Message: msg}, nil
	case "export", "promise":
		return nil, NewWireError(ErrBadRequest, "remap: export/promise tags are illegal inside mapper instructions")
	case "pipeline", "import":
		return evalRemapCall(ctx, env, e)
	default:
		return nil, NewWireError(ErrBadRequest, "remap: unknown tag "+tag)
	}
}

func evalRemapCall(ctx context.Context, env *remapEnv, e []any) (any, error) {
	if len(e) < 2 || len(e) > 4 {
		return nil, NewWireError(ErrBadRequest, "remap: malformed call expression")
	}
	idv, err := evalRemapExpr(ctx, env, e[1])
	if err != nil {
		return nil, err
	}
	var hook Hook
	switch c := idv.(type) {
	case *Stub:
		hook = c.hook
	case *Promise:
		hook = c.hook
	default:
		return nil, NewWireError(ErrBadRequest, "remap: address did not resolve to a capability")
	}

	var path []any
	if len(e) >= 3 && e[2] != nil {
		p, ok := e[2].([]any)
		if !ok {
			return nil, NewWireError(ErrBadRequest, "remap: path must be an array")
		}
		path = p
	}

	var result Hook
	if len(e) >= 4 && e[3] != nil {
		argsVal, err := evalRemapExpr(ctx, env, e[3])
		if err != nil {
			return nil, err
		}
		argsSlice, _ := argsVal.([]any)
		result = hook.Call(path, ParamsPayload(argsSlice))
	} else {
		result = hook.Get(path)
	}

	payload, err := result.Pull(ctx)
	if err != nil {
		return nil, err
	}
	return payload.Value, nil
}

// evaluateRemap runs a mapper (captures + instructions) against every
// element of a collection payload, per spec 4.8: per-element failures
// short-circuit only that element with an error value; the mapper
// continues for the rest. Output cardinality always matches the input.
func evaluateRemap(ctx context.Context, captures []any, instructions []any, collection []any) []any {
	out := make([]any, len(collection))
	for i, elem := range collection {
		out[i] = evaluateRemapElement(ctx, captures, instructions, elem)
	}
	return out
}

func evaluateRemapElement(ctx context.Context, captures []any, instructions []any, elem any) any {
	env := &remapEnv{captures: captures, element: elem}
	var last any
	for _, instr := range instructions {
		v, err := evalRemapExpr(ctx, env, instr)
		if err != nil {
			return toWireError(err)
		}
		env.results = append(env.results, v)
		last = v
	}
	return last
}
