package capnweb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHookIsSticky(t *testing.T) {
	we := NewWireError(ErrPermissionDenied, "nope")
	h := newErrorHook(we)

	_, err := h.Pull(context.Background())
	require.Error(t, err)
	assert.Same(t, we, err)

	// Every further operation yields the same error hook.
	assert.Same(t, h, h.Call([]any{"x"}, Payload{}))
	assert.Same(t, h, h.Get([]any{"x"}))
}

func TestPayloadHookGetNavigatesContainers(t *testing.T) {
	h := newPayloadHook(OwnedPayload(map[string]any{
		"user": map[string]any{"name": "Ada"},
	}))

	nameHook := h.Get([]any{"user", "name"})
	payload, err := nameHook.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ada", payload.Value)
}

func TestPayloadHookGetMissingKeyYieldsNotFound(t *testing.T) {
	h := newPayloadHook(OwnedPayload(map[string]any{}))
	missing := h.Get([]any{"nope"})
	_, err := missing.Pull(context.Background())
	require.Error(t, err)
	we, ok := err.(*WireError)
	require.True(t, ok)
	assert.Equal(t, ErrNotFound, we.Type)
}

func TestPayloadHookCallOnNonCallableIsBadRequest(t *testing.T) {
	h := newPayloadHook(OwnedPayload(int64(5)))
	result := h.Call(nil, ParamsPayload([]any{}))
	_, err := result.Pull(context.Background())
	require.Error(t, err)
	we, ok := err.(*WireError)
	require.True(t, ok)
	assert.Equal(t, ErrBadRequest, we.Type)
}

// echoTarget returns its arguments unchanged, for exercising targetHook.
type echoTarget struct{}

func (echoTarget) GetProperty(name string) (any, error) {
	if name == "greeting" {
		return "hi", nil
	}
	return nil, NewWireError(ErrNotFound, "no such property: "+name)
}

func (echoTarget) Call(ctx context.Context, path []any, args []any) (any, error) {
	return args, nil
}

func TestTargetHookCallReturnsResultAsynchronously(t *testing.T) {
	h := newTargetHook(echoTarget{})
	result := h.Call([]any{"echo"}, ParamsPayload([]any{int64(1), int64(2)}))
	payload, err := result.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, payload.Value)
}

func TestTargetHookGetProperty(t *testing.T) {
	h := newTargetHook(echoTarget{})
	result := h.Get([]any{"greeting"})
	payload, err := result.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi", payload.Value)
}

func TestTargetHookErrorIsCapturedAsErrorHook(t *testing.T) {
	h := newTargetHook(echoTarget{})
	result := h.Get([]any{"missing"})
	_, err := result.Pull(context.Background())
	require.Error(t, err)
	we, ok := err.(*WireError)
	require.True(t, ok)
	assert.Equal(t, ErrNotFound, we.Type)
}

func TestPromiseHookChainsOperationsAfterResolution(t *testing.T) {
	completion := newCompletion()
	p := &promiseHook{completion: completion, refs: 1}

	resultHook := p.Get([]any{"field"})
	completion.resolve(newPayloadHook(OwnedPayload(map[string]any{"field": int64(42)})))

	payload, err := resultHook.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), payload.Value)
}

// fakeSink records every pipeline() call it receives, for testing that
// a pipeline-backed promiseHook routes through its sink instead of
// waiting for local resolution.
type fakeSink struct {
	calls []struct {
		baseID ImportID
		path   []any
	}
	disposed []ImportID
}

func (f *fakeSink) pipeline(baseID ImportID, path []any, args *Payload) Hook {
	f.calls = append(f.calls, struct {
		baseID ImportID
		path   []any
	}{baseID, path})
	return newPayloadHook(OwnedPayload("dispatched"))
}

func (f *fakeSink) disposePipeline(id ImportID) {
	f.disposed = append(f.disposed, id)
}

func (f *fakeSink) requestPull(id ImportID) error {
	return nil
}

func TestPromiseHookWithSinkPipelinesInsteadOfWaiting(t *testing.T) {
	// No completion is ever resolved; if Get waited locally this would
	// hang forever. A sink-backed promise must dispatch immediately.
	sink := &fakeSink{}
	p := &promiseHook{completion: newCompletion(), refs: 1, sink: sink, pipelineID: ImportID(7)}

	result := p.Get([]any{"field"})
	payload, err := result.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dispatched", payload.Value)

	require.Len(t, sink.calls, 1)
	assert.Equal(t, ImportID(7), sink.calls[0].baseID)
	assert.Equal(t, []any{"field"}, sink.calls[0].path)
}
