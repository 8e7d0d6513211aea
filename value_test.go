package capnweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeepCopyLawParamsPayloadIsolated(t *testing.T) {
	original := []any{map[string]any{"a": int64(1)}, []any{int64(2), int64(3)}}
	payload := ParamsPayload(original)

	owned := payload.EnsureOwned()
	assert.Equal(t, ProvenanceOwned, owned.Provenance)

	ownedSlice := owned.Value.([]any)
	ownedMap := ownedSlice[0].(map[string]any)
	ownedMap["a"] = int64(999)
	ownedInner := ownedSlice[1].([]any)
	ownedInner[0] = int64(999)

	originalMap := original[0].(map[string]any)
	assert.Equal(t, int64(1), originalMap["a"], "mutating the owned copy must not affect the PARAMS original")
	originalInner := original[1].([]any)
	assert.Equal(t, int64(2), originalInner[0], "mutating the owned copy must not affect the PARAMS original")
}

func TestEnsureOwnedIsNoopForNonParams(t *testing.T) {
	v := []any{int64(1)}
	ret := ReturnPayload(v)
	owned := ret.EnsureOwned()
	// Same backing slice: EnsureOwned must not copy non-PARAMS payloads.
	ownedSlice := owned.Value.([]any)
	ownedSlice[0] = int64(42)
	assert.Equal(t, int64(42), v[0])
}

func TestNavigatePartialStopsAtStub(t *testing.T) {
	inner := newStub(newErrorHook(NewWireError(ErrInternal, "x")))
	container := map[string]any{"cap": inner}

	v, remaining, err := navigatePartial(container, []any{"cap", "method"})
	assert.NoError(t, err)
	assert.Same(t, inner, v)
	assert.Equal(t, []any{"method"}, remaining)
}

func TestNavigatePartialMissingKey(t *testing.T) {
	_, _, err := navigatePartial(map[string]any{}, []any{"missing"})
	assert.Error(t, err)
	we, ok := err.(*WireError)
	assert.True(t, ok)
	assert.Equal(t, ErrNotFound, we.Type)
}

func TestNavigatePartialArrayIndexOutOfBounds(t *testing.T) {
	_, _, err := navigatePartial([]any{int64(1)}, []any{int64(5)})
	assert.Error(t, err)
}
