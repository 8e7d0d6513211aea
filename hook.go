package capnweb

import (
	"context"
	"sync"
)

// Hook is the internal capability implementation. Stubs and Promises are
// reference-counted handles to a Hook. There are five variants
// (spec 3.4): Error, Payload, Target, Import, Promise. All dispatch is
// on a tagged struct rather than deep inheritance.
type Hook interface {
	// Call dispatches a method invocation at path with owned arguments
	// and returns another hook (possibly still pending) for the result.
	Call(path []any, args Payload) Hook
	// Get performs pipelined property navigation and returns another
	// hook for the result.
	Get(path []any) Hook
	// Pull resolves the hook to a concrete payload, blocking (via ctx)
	// until resolution completes.
	Pull(ctx context.Context) (Payload, error)
	// Dup increments the hook's refcount and returns a handle sharing it.
	Dup() Hook
	// Dispose decrements the hook's refcount.
	Dispose()
}

// Target is the user-supplied callable object wrapped by a Target hook
// (spec 4.5, 6.3). Implementations may be called concurrently from
// different sessions; the core does not synchronize access to them.
type Target interface {
	// Call dispatches a method at path (the full method path) with
	// positional arguments, returning the result or a structured error.
	Call(ctx context.Context, path []any, args []any) (any, error)
	// GetProperty resolves a single named property to a value, which may
	// itself be a *Stub (a sub-capability) or plain data.
	GetProperty(name string) (any, error)
}

// ---- Error hook --------------------------------------------------------

// errorHook holds a sticky error: every call or get yields this same
// error hook, and pull fails with its error.
type errorHook struct {
	mu   sync.Mutex
	err  *WireError
	refs int32
}

func newErrorHook(err *WireError) *errorHook {
	return &errorHook{err: err, refs: 1}
}

func (h *errorHook) Call(path []any, args Payload) Hook { return h }
func (h *errorHook) Get(path []any) Hook                { return h }

func (h *errorHook) Pull(ctx context.Context) (Payload, error) {
	return Payload{}, h.err
}

func (h *errorHook) Dup() Hook {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
	return h
}

func (h *errorHook) Dispose() {
	h.mu.Lock()
	h.refs--
	h.mu.Unlock()
}

// ---- Payload hook -------------------------------------------------------

// payloadHook holds a locally-owned value. get navigates into it; call
// invokes a callable sub-value (a nested Stub/Promise); pull returns the
// payload directly.
type payloadHook struct {
	mu      sync.Mutex
	payload Payload
	refs    int32
}

func newPayloadHook(p Payload) *payloadHook {
	return &payloadHook{payload: p.EnsureOwned(), refs: 1}
}

func (h *payloadHook) Get(path []any) Hook {
	if len(path) == 0 {
		return h
	}
	v, remaining, err := navigatePartial(h.payload.Value, path)
	if err != nil {
		return newErrorHook(toWireError(err))
	}
	switch c := v.(type) {
	case *Stub:
		if len(remaining) == 0 {
			return c.hook.Dup()
		}
		return c.hook.Get(remaining)
	case *Promise:
		if len(remaining) == 0 {
			return c.hook.Dup()
		}
		return c.hook.Get(remaining)
	default:
		return newPayloadHook(OwnedPayload(v))
	}
}

func (h *payloadHook) Call(path []any, args Payload) Hook {
	v, remaining, err := navigatePartial(h.payload.Value, path)
	if err != nil {
		return newErrorHook(toWireError(err))
	}
	switch c := v.(type) {
	case *Stub:
		return c.hook.Call(remaining, args)
	case *Promise:
		return c.hook.Call(remaining, args)
	default:
		return newErrorHook(NewWireError(ErrBadRequest, "value is not callable"))
	}
}

func (h *payloadHook) Pull(ctx context.Context) (Payload, error) {
	return h.payload, nil
}

func (h *payloadHook) Dup() Hook {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
	return h
}

func (h *payloadHook) Dispose() {
	h.mu.Lock()
	h.refs--
	h.mu.Unlock()
}

// ---- Target hook --------------------------------------------------------

// targetHook wraps a user-supplied Target. Calls are dispatched off-task
// (spec 5): the hook returns a promiseHook immediately and runs the
// target asynchronously, resolving the promise's completion when done.
type targetHook struct {
	mu     sync.Mutex
	target Target
	refs   int32
}

func newTargetHook(t Target) *targetHook {
	return &targetHook{target: t, refs: 1}
}

func (h *targetHook) Get(path []any) Hook {
	if len(path) == 0 {
		return h
	}
	name, ok := path[0].(string)
	if !ok {
		return newErrorHook(NewWireError(ErrBadRequest, "property path must be a string"))
	}
	v, err := h.target.GetProperty(name)
	if err != nil {
		return newErrorHook(toWireError(err))
	}
	rest := path[1:]
	switch c := v.(type) {
	case *Stub:
		if len(rest) == 0 {
			return c.hook.Dup()
		}
		return c.hook.Get(rest)
	case *Promise:
		if len(rest) == 0 {
			return c.hook.Dup()
		}
		return c.hook.Get(rest)
	default:
		return newPayloadHook(OwnedPayload(v)).Get(rest)
	}
}

// Call awaits every *Promise that is a top-level element of args and
// passes its resolved value to the target instead; promises nested
// inside containers in args are passed through unresolved.
func (h *targetHook) Call(path []any, args Payload) Hook {
	owned := args.EnsureOwned()
	completion := newCompletion()
	go func() {
		argv := owned.asSlice()
		for i, a := range argv {
			if p, ok := a.(*Promise); ok {
				v, err := p.Await(context.Background())
				if err != nil {
					completion.resolve(newErrorHook(toWireError(err)))
					return
				}
				argv[i] = v
			}
		}
		result, err := h.target.Call(context.Background(), path, argv)
		if err != nil {
			completion.resolve(newErrorHook(toWireError(err)))
			return
		}
		completion.resolve(newPayloadHook(ReturnPayload(result)))
	}()
	return &promiseHook{completion: completion, refs: 1}
}

func (h *targetHook) Pull(ctx context.Context) (Payload, error) {
	return Payload{Value: newStub(h.Dup())}, nil
}

func (h *targetHook) Dup() Hook {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
	return h
}

func (h *targetHook) Dispose() {
	h.mu.Lock()
	h.refs--
	h.mu.Unlock()
}

// ---- Promise hook -------------------------------------------------------

// completion is a one-shot, fan-out future used to chain promise hooks
// without blocking the caller.
type completion struct {
	mu      sync.Mutex
	done    bool
	result  Hook
	waiters []chan struct{}
}

func newCompletion() *completion { return &completion{} }

func (c *completion) isDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *completion) resolve(h Hook) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.result = h
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (c *completion) await(ctx context.Context) (Hook, error) {
	c.mu.Lock()
	if c.done {
		h := c.result
		c.mu.Unlock()
		return h, nil
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	select {
	case <-ch:
		c.mu.Lock()
		h := c.result
		c.mu.Unlock()
		return h, nil
	case <-ctx.Done():
		return nil, NewWireError(ErrCanceled, ctx.Err().Error())
	}
}

// pipelineSink abstracts "send (or buffer) a pipelined push" so that a
// promise which is itself the result of a pipelined request can route
// further navigation either straight onto the wire (Session) or into a
// still-open batch (Batch), without the hook needing to know which.
type pipelineSink interface {
	pipeline(baseID ImportID, path []any, args *Payload) Hook
	// disposePipeline releases the local import entry id allocated for a
	// pipelined request once every application-visible reference to its
	// promise is gone. A Session releases (and tells the peer) right
	// away since the request was already pushed; a Batch that hasn't
	// flushed yet instead drops the buffered push without ever
	// announcing it (spec 4.10).
	disposePipeline(id ImportID)
	// requestPull asks the peer to resolve the pipelined request
	// registered under id. A Session has already pushed the request but
	// owes the peer an explicit pull to materialize the value (spec 4.5,
	// 4.9); a Batch defers this entirely to Flush, which pulls every
	// allocated id once the batch's pushes go out together, so its
	// implementation is a no-op.
	requestPull(id ImportID) error
}

// promiseHook holds a completion yielding another hook. Operations
// attach continuations that, upon resolution, apply the same operation
// to the resolved hook; pull awaits full resolution and forwards.
//
// When sink is non-nil, this promise is itself the result of a
// pipelined request bound to pipelineID: per spec 4.5, any subsequent
// Get/Call composes another pipelined push referencing pipelineID
// rather than waiting for it to settle first. This is what makes
// multi-level promise pipelining (S2: a.b().c referenced by a sibling
// call before either resolves) avoid a round trip at every level, not
// just the first.
type promiseHook struct {
	mu         sync.Mutex
	completion *completion
	refs       int32

	sink       pipelineSink
	pipelineID ImportID
}

// flattenInto resolves h down to a non-promise hook (following chains of
// promises that resolve to further promises) and resolves child with it.
func flattenInto(child *completion, h Hook) {
	if p, ok := h.(*promiseHook); ok {
		go func() {
			resolved, err := p.completion.await(context.Background())
			if err != nil {
				child.resolve(newErrorHook(toWireError(err)))
				return
			}
			flattenInto(child, resolved)
		}()
		return
	}
	child.resolve(h)
}

func (h *promiseHook) Get(path []any) Hook {
	if h.sink != nil {
		return h.sink.pipeline(h.pipelineID, path, nil)
	}
	child := newCompletion()
	go func() {
		resolved, err := h.completion.await(context.Background())
		if err != nil {
			child.resolve(newErrorHook(toWireError(err)))
			return
		}
		flattenInto(child, resolved.Get(path))
	}()
	return &promiseHook{completion: child, refs: 1}
}

func (h *promiseHook) Call(path []any, args Payload) Hook {
	if h.sink != nil {
		owned := args.EnsureOwned()
		return h.sink.pipeline(h.pipelineID, path, &owned)
	}
	child := newCompletion()
	go func() {
		resolved, err := h.completion.await(context.Background())
		if err != nil {
			child.resolve(newErrorHook(toWireError(err)))
			return
		}
		flattenInto(child, resolved.Call(path, args))
	}()
	return &promiseHook{completion: child, refs: 1}
}

func (h *promiseHook) Pull(ctx context.Context) (Payload, error) {
	if h.sink != nil && !h.completion.isDone() {
		if err := h.sink.requestPull(h.pipelineID); err != nil {
			return Payload{}, toWireError(err)
		}
	}
	resolved, err := h.completion.await(ctx)
	if err != nil {
		return Payload{}, err
	}
	return resolved.Pull(ctx)
}

func (h *promiseHook) Dup() Hook {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
	return h
}

// Dispose decrements the promise's refcount and, once it reaches zero
// for a pipeline-backed promise (sink != nil), releases the import
// entry allocated for it (spec 4.3, 4.10) -- this is what lets a
// disposed Promise returned from a pipelined call actually free the
// peer's export, rather than only ever dropping the local handle.
func (h *promiseHook) Dispose() {
	h.mu.Lock()
	h.refs--
	drained := h.refs <= 0
	h.mu.Unlock()
	if drained && h.sink != nil {
		h.sink.disposePipeline(h.pipelineID)
	}
}

// ---- Import hook --------------------------------------------------------

// importHook is bound to a remote import on a specific session. Any
// call or get composes a new pipelined request: it allocates a fresh
// positive import ID, sends a pipelined push to the peer right away
// (Batch is the path that defers pushes until Flush), and returns a
// promise hook for the new ID (spec 4.5).
type importHook struct {
	mu      sync.Mutex
	session *Session
	id      ImportID
	refs    int32
}

func newImportHook(s *Session, id ImportID) *importHook {
	return &importHook{session: s, id: id, refs: 1}
}

func (h *importHook) Get(path []any) Hook {
	return h.session.pipelineRequest(h.id, path, nil)
}

func (h *importHook) Call(path []any, args Payload) Hook {
	owned := args.EnsureOwned()
	return h.session.pipelineRequest(h.id, path, &owned)
}

func (h *importHook) Pull(ctx context.Context) (Payload, error) {
	return h.session.pullImport(ctx, h.id)
}

func (h *importHook) Dup() Hook {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
	h.session.dupImport(h.id)
	return h
}

func (h *importHook) Dispose() {
	h.mu.Lock()
	h.refs--
	h.mu.Unlock()
	h.session.disposeImport(h.id)
}
