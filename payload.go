package capnweb

// Provenance tags a Payload with where its value came from, so the core
// knows whether it must defensively deep-copy before the value is
// allowed to cross an await point or be stored (spec 4.4).
type Provenance int

const (
	// ProvenanceParams marks a value supplied by the application as call
	// arguments. It must be deep-copied before the core may safely hold
	// onto it across a suspension point.
	ProvenanceParams Provenance = iota
	// ProvenanceReturn marks a value supplied by the application as a
	// return value; the core owns it outright.
	ProvenanceReturn
	// ProvenanceOwned marks a value that has already been deep-copied or
	// was freshly produced by the parser; safe to use without copying.
	ProvenanceOwned
)

// Payload carries an application value plus its provenance tag.
type Payload struct {
	Value      any
	Provenance Provenance
}

// ParamsPayload wraps v as application-supplied call arguments.
func ParamsPayload(v any) Payload { return Payload{Value: v, Provenance: ProvenanceParams} }

// ReturnPayload wraps v as an application-supplied return value.
func ReturnPayload(v any) Payload { return Payload{Value: v, Provenance: ProvenanceReturn} }

// OwnedPayload wraps v as already-owned (parsed or previously copied).
func OwnedPayload(v any) Payload { return Payload{Value: v, Provenance: ProvenanceOwned} }

// EnsureOwned performs a deep copy iff the payload is tagged PARAMS,
// transitioning it to OWNED. Traversals that need to mutate or retain a
// payload beyond the current call must go through this first.
func (p Payload) EnsureOwned() Payload {
	if p.Provenance != ProvenanceParams {
		return p
	}
	return Payload{Value: deepCopy(p.Value), Provenance: ProvenanceOwned}
}

// asSlice returns the payload's value as a []any, or an empty slice if
// it isn't one (arguments are always arrays on the wire).
func (p Payload) asSlice() []any {
	if s, ok := p.Value.([]any); ok {
		return s
	}
	return nil
}
