package capnweb

import "sync"

// Batch buffers calls issued against import hooks and defers sending
// them until Flush (spec 4.10). A Session sends pushes immediately by
// default, which suits a duplex transport (WebSocket); Batch exists for
// request/response transports (HTTP) where round trips are expensive
// and a caller wants several pipelined calls to go out as one frame
// group. Calls through a Batch still allocate their import IDs and
// register their pending promises up front, exactly as an unbatched
// call would -- only the wire bytes are deferred.
type Batch struct {
	session *Session

	mu      sync.Mutex
	frames  [][]byte
	ids     []ImportID
	flushed bool
}

// NewBatch creates an empty batch bound to session.
func NewBatch(session *Session) *Batch {
	return &Batch{session: session}
}

// Call issues a pipelined call against stub without sending it yet,
// returning a Promise that resolves once the batch is flushed and the
// peer answers. If stub is not backed by a remote import (e.g. it
// already resolved to a local/error hook), the call is dispatched
// directly since there is nothing to batch.
func (b *Batch) Call(stub *Stub, path []any, args []any) *Promise {
	ih, ok := stub.hook.(*importHook)
	if !ok {
		owned := ParamsPayload(args)
		return &Promise{hook: stub.hook.Call(path, owned)}
	}
	owned := ParamsPayload(args)
	return &Promise{hook: b.pipeline(ih.id, path, &owned)}
}

// Get performs pipelined navigation without sending yet.
func (b *Batch) Get(stub *Stub, path []any) *Promise {
	ih, ok := stub.hook.(*importHook)
	if !ok {
		return &Promise{hook: stub.hook.Get(path)}
	}
	return &Promise{hook: b.pipeline(ih.id, path, nil)}
}

// pipeline mirrors Session.pipelineRequest but appends the encoded push
// to the batch's buffer instead of the session's outbox.
func (b *Batch) pipeline(baseID ImportID, path []any, args *Payload) Hook {
	s := b.session
	s.tablesMu.Lock()
	newID := s.ids.allocateImport()
	pp := s.pending.register(newID)
	ph := &promiseHook{completion: pp.completion, refs: 1, sink: b, pipelineID: newID}
	s.imports.insert(newID, ph)
	s.promiseOrigins[ph] = newID

	var argsExpr any
	var argErr error
	if args != nil {
		argsExpr, argErr = s.serializeExpr(args.Value)
	}
	s.tablesMu.Unlock()

	if argErr != nil {
		pp.completion.resolve(newErrorHook(toWireError(argErr)))
		return ph
	}

	expr := buildPipelineExpr(baseID, path, args, argsExpr)
	frame, err := encodeMessage(pushMessage(expr))
	if err != nil {
		pp.completion.resolve(newErrorHook(toWireError(err)))
		return ph
	}

	b.mu.Lock()
	b.frames = append(b.frames, frame)
	b.ids = append(b.ids, newID)
	b.mu.Unlock()
	return ph
}

// disposePipeline satisfies pipelineSink. Before the batch is flushed,
// the underlying push was never announced to the peer, so dropping the
// entry just frees local bookkeeping without ever emitting a release
// (spec 4.10, same as Cancel, but scoped to one id). Once the batch has
// been flushed the request is ordinary session state, so disposal goes
// through the normal release path.
func (b *Batch) disposePipeline(id ImportID) {
	b.mu.Lock()
	if b.flushed {
		b.mu.Unlock()
		b.session.disposeImport(id)
		return
	}
	for i, bid := range b.ids {
		if bid == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			b.frames = append(b.frames[:i], b.frames[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	s := b.session
	s.tablesMu.Lock()
	s.pending.remove(id)
	if e, ok := s.imports.entries[id]; ok {
		delete(s.promiseOrigins, e.hook)
		delete(s.imports.entries, id)
	}
	s.tablesMu.Unlock()
}

// requestPull satisfies pipelineSink. Flush already issues the pull for
// every id it carries once the batch goes out, so there is nothing left
// to request here.
func (b *Batch) requestPull(id ImportID) error {
	return nil
}

// Flush sends every buffered push, in call order, and issues one pull
// per allocated ID so the peer's answers come back over the same
// transport. A Batch may only be flushed once.
func (b *Batch) Flush() error {
	b.mu.Lock()
	if b.flushed {
		b.mu.Unlock()
		return NewWireError(ErrBadRequest, "batch already flushed")
	}
	b.flushed = true
	frames := b.frames
	ids := b.ids
	b.mu.Unlock()

	for _, frame := range frames {
		select {
		case b.session.outbox <- frame:
		case <-b.session.closed:
			return NewWireError(ErrCanceled, "session closed")
		}
	}
	for _, id := range ids {
		if err := b.session.sendMessage(pullMessage(id)); err != nil {
			return err
		}
	}
	return nil
}

// Cancel discards an unflushed batch, releasing every ID it allocated
// without ever having announced them to the peer (spec 4.10).
func (b *Batch) Cancel() {
	b.mu.Lock()
	if b.flushed {
		b.mu.Unlock()
		return
	}
	b.flushed = true
	ids := b.ids
	b.ids = nil
	b.frames = nil
	b.mu.Unlock()

	s := b.session
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	for _, id := range ids {
		s.pending.remove(id)
		if e, ok := s.imports.entries[id]; ok {
			delete(s.promiseOrigins, e.hook)
			delete(s.imports.entries, id)
		}
	}
}
