package capnweb

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// sessionState tracks the three-state lifecycle a session moves through
// exactly once, in order (spec 5.1): open while exchanging messages,
// aborting while an abort is in flight (local or remote) and pending
// promises are being failed, closed once every hook has been disposed.
type sessionState int32

const (
	stateOpen sessionState = iota
	stateAborting
	stateClosed
)

// Option configures a Session at construction time.
type Option func(*Session)

// WithLogger overrides the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithExposeStackTraces controls whether outgoing error expressions
// include the stack field (spec 4.12). Off by default: stacks are
// internal diagnostic detail, not a public wire guarantee.
func WithExposeStackTraces(expose bool) Option {
	return func(s *Session) { s.exposeStackTraces = expose }
}

// WithMaxFrameSize overrides DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(s *Session) { s.maxFrameSize = n }
}

// WithSynchronousTransport disables the buffered outbox/writer goroutine
// in favor of sending each frame inline with the dispatch that produced
// it. Intended for one-shot, request/response transports (HTTP batch)
// where there is no long-lived connection to backpressure against and
// the caller needs every frame flushed before it reads the response.
func WithSynchronousTransport() Option {
	return func(s *Session) { s.synchronous = true }
}

// Session is one end of a capability-based RPC connection: the wire
// codec, ID allocator, import/export tables, and the single dispatch
// loop that drives them (spec 1, 5). Tables are guarded by tablesMu
// rather than confined to a single goroutine outright, since user
// Target handlers complete asynchronously on their own goroutines and
// must be able to install results without a round trip through a
// dedicated kernel task; see DESIGN.md for why this trades the spec's
// idealized single-task model for a conventional mutex.
type Session struct {
	transport         Transport
	logger            *zap.Logger
	exposeStackTraces bool
	maxFrameSize      int

	tablesMu       sync.Mutex
	ids            *idAllocator
	imports        *importTable
	exports        *exportTable
	pending        *pendingPromiseTable
	promiseOrigins map[Hook]ImportID // promiseHook -> the import id it was minted for
	pushCounter    int64             // mirrors the peer's own import allocator for inbound pushes

	root *Stub

	synchronous bool
	sendMu      sync.Mutex
	pullWG      sync.WaitGroup

	outbox    chan []byte
	state     atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession wires a Transport to a local root capability and starts
// its writer goroutine. Call Run to drive the read/dispatch loop.
func NewSession(transport Transport, root Target, opts ...Option) *Session {
	s := &Session{
		transport:      transport,
		logger:         zap.NewNop(),
		maxFrameSize:   DefaultMaxFrameSize,
		ids:            newIDAllocator(),
		imports:        newImportTable(),
		pending:        newPendingPromiseTable(),
		promiseOrigins: make(map[Hook]ImportID),
		outbox:         make(chan []byte, 256),
		closed:         make(chan struct{}),
	}
	s.exports = newExportTable(s.ids)
	for _, opt := range opts {
		opt(s)
	}

	var rootHook Hook
	if root != nil {
		rootHook = newTargetHook(root)
	} else {
		rootHook = newErrorHook(NewWireError(ErrNotFound, "no root capability registered"))
	}
	s.exports.insert(0, rootHook)

	peerRootHook := newImportHook(s, 0)
	s.imports.insert(0, peerRootHook)
	s.root = newStub(peerRootHook)

	if !s.synchronous {
		go s.writerLoop()
	}
	return s
}

// Wait blocks until every in-flight pull dispatched so far has finished
// resolving and sent its reply. A synchronous (HTTP batch) caller must
// call this after Run returns and before reading back whatever the
// transport buffered, since pull replies are produced on their own
// goroutines to avoid blocking the read loop.
func (s *Session) Wait() { s.pullWG.Wait() }

// RootStub returns a Stub for the peer's root capability (import ID 0,
// spec 4.5, 6.3). Call methods on it to issue pipelined requests.
func (s *Session) RootStub() *Stub { return s.root }

// Run drives the read/dispatch loop until the transport closes cleanly,
// the context is canceled, or a protocol violation forces an abort. It
// returns nil on a clean peer-initiated close.
func (s *Session) Run(ctx context.Context) error {
	for {
		frame, err := s.transport.Recv(ctx)
		if errors.Is(err, io.EOF) {
			s.closeGraceful()
			return nil
		}
		if err != nil {
			we := toWireError(err)
			s.abortLocal(we, true)
			return we
		}
		if len(frame) > s.maxFrameSize {
			we := NewWireError(ErrBadRequest, "frame exceeds maximum size")
			s.abortLocal(we, true)
			return we
		}
		msg, err := decodeMessage(frame)
		if err != nil {
			we := toWireError(err)
			s.logger.Warn("malformed message", zap.Error(we))
			s.abortLocal(we, true)
			return we
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg Message) {
	switch msg.Tag {
	case TagPush:
		s.handlePush(msg.Expr)
	case TagPull:
		s.handlePull(msg.ImportID)
	case TagResolve:
		s.handleSettle(msg.ExportID, msg.Expr, false)
	case TagReject:
		s.handleSettle(msg.ExportID, msg.Expr, true)
	case TagRelease:
		s.handleRelease(msg.ImportID, msg.Refcount)
	case TagAbort:
		s.handleAbort(msg.Expr)
	}
}

// handlePush evaluates an inbound push against the local export table
// (spec 4.9). The peer sends no explicit ID; by construction both sides
// agree on the next positive ID via a push counter mirroring the
// sender's own allocateImport sequence. A push whose expression fails to
// parse aborts the session with the parse error.
func (s *Session) handlePush(expr any) {
	s.tablesMu.Lock()
	s.pushCounter++
	id := ExportID(s.pushCounter)
	s.tablesMu.Unlock()

	s.tablesMu.Lock()
	parsed, err := s.parseExpr(expr)
	if err != nil {
		s.tablesMu.Unlock()
		s.abortLocal(toWireError(err), true)
		return
	}
	s.exports.insert(id, hookFromParsed(parsed))
	s.tablesMu.Unlock()
}

// hookFromParsed extracts the underlying Hook from whatever parseExpr
// produced for a top-level push expression.
func hookFromParsed(v any) Hook {
	switch t := v.(type) {
	case *Stub:
		return t.hook
	case *Promise:
		return t.hook
	default:
		return newPayloadHook(OwnedPayload(v))
	}
}

// handlePull resolves the export at id and replies with resolve/reject
// (spec 4.9). Pull is answered asynchronously since the hook may not
// have settled yet; Hook.Pull blocks internally until it has.
func (s *Session) handlePull(id ImportID) {
	s.tablesMu.Lock()
	entry, ok := s.exports.get(ExportID(id))
	s.tablesMu.Unlock()
	if !ok {
		s.sendRejectRaw(ExportID(id), NewWireError(ErrNotFound, "no such export"))
		return
	}
	hook := entry.hook
	s.pullWG.Add(1)
	go func() {
		defer s.pullWG.Done()
		payload, err := hook.Pull(context.Background())
		if err != nil {
			s.sendRejectRaw(ExportID(id), toWireError(err))
			return
		}
		s.tablesMu.Lock()
		expr, serr := s.serializeExpr(payload.Value)
		s.tablesMu.Unlock()
		if serr != nil {
			s.sendRejectRaw(ExportID(id), toWireError(serr))
			return
		}
		_ = s.sendMessage(resolveMessage(ExportID(id), expr))
	}()
}

func (s *Session) sendRejectRaw(id ExportID, we *WireError) {
	s.tablesMu.Lock()
	expr := s.serializeError(we)
	s.tablesMu.Unlock()
	_ = s.sendMessage(rejectMessage(id, expr))
}

// handleSettle applies an inbound resolve/reject to the pending promise
// registered under the matching import ID (spec 4.9): the sender's
// export id and our own earlier pipelineRequest import id share the
// same numeric space by construction.
func (s *Session) handleSettle(id ExportID, expr any, isReject bool) {
	s.tablesMu.Lock()
	pp, ok := s.pending.get(ImportID(id))
	s.tablesMu.Unlock()
	if !ok {
		return
	}

	s.tablesMu.Lock()
	parsed, err := s.parseExpr(expr)
	s.tablesMu.Unlock()

	if err != nil {
		// abortLocal fails pp along with every other pending promise.
		s.abortLocal(toWireError(err), true)
		return
	}
	if isReject {
		we, ok := parsed.(*WireError)
		if !ok {
			we = NewWireError(ErrInternal, "malformed reject payload")
		}
		pp.completion.resolve(newErrorHook(we))
		return
	}
	switch v := parsed.(type) {
	case *Stub:
		pp.completion.resolve(v.hook)
	case *Promise:
		flattenInto(pp.completion, v.hook)
	default:
		pp.completion.resolve(newPayloadHook(OwnedPayload(v)))
	}
}

// handleRelease drops count introductions from our own export id
// (spec 4.3, 4.9); once it reaches zero the underlying hook is disposed.
func (s *Session) handleRelease(id ImportID, refcount int64) {
	s.tablesMu.Lock()
	freed, hook := s.exports.release(ExportID(id), refcount)
	s.tablesMu.Unlock()
	if freed && hook != nil {
		hook.Dispose()
	}
}

func (s *Session) handleAbort(expr any) {
	s.tablesMu.Lock()
	parsed, _ := s.parseExpr(expr)
	s.tablesMu.Unlock()
	we, ok := parsed.(*WireError)
	if !ok {
		we = NewWireError(ErrInternal, "session aborted by peer")
	}
	s.abortLocal(we, false)
}

// pipelineRequest is the default, immediate-send path for a call/get
// issued against an import hook (spec 4.5): it allocates a fresh import
// ID, records it as the promise's origin (so serializing that promise
// back out references it by pipeline rather than minting a new export),
// and pushes the expression on the wire right away.
func (s *Session) pipelineRequest(baseID ImportID, path []any, args *Payload) Hook {
	s.tablesMu.Lock()
	newID := s.ids.allocateImport()
	pp := s.pending.register(newID)
	ph := &promiseHook{completion: pp.completion, refs: 1, sink: s, pipelineID: newID}
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
	if err := s.sendMessage(pushMessage(expr)); err != nil {
		pp.completion.resolve(newErrorHook(toWireError(err)))
	}
	return ph
}

// pipeline satisfies pipelineSink so a pipeline-backed promiseHook
// returned from pipelineRequest can route further Get/Call chains
// straight back through the same immediate-send path.
func (s *Session) pipeline(baseID ImportID, path []any, args *Payload) Hook {
	return s.pipelineRequest(baseID, path, args)
}

// disposePipeline satisfies pipelineSink: a Session-backed pipelined
// promise has already been pushed, so disposing it is the ordinary
// import release path.
func (s *Session) disposePipeline(id ImportID) {
	s.disposeImport(id)
}

// requestPull satisfies pipelineSink: the push for id already went out,
// so materializing its value still owes the peer an explicit pull.
func (s *Session) requestPull(id ImportID) error {
	return s.sendMessage(pullMessage(id))
}

func buildPipelineExpr(baseID ImportID, path []any, args *Payload, argsExpr any) any {
	switch {
	case args != nil:
		return []any{"pipeline", int64(baseID), path, argsExpr}
	case len(path) > 0:
		return []any{"pipeline", int64(baseID), path}
	default:
		return []any{"pipeline", int64(baseID)}
	}
}

// pullImport issues (or re-awaits) a pull for id and returns its
// resolved payload (spec 4.5, 4.9).
func (s *Session) pullImport(ctx context.Context, id ImportID) (Payload, error) {
	s.tablesMu.Lock()
	pp, ok := s.pending.get(id)
	if !ok {
		pp = s.pending.register(id)
	}
	alreadyDone := pp.completion.isDone()
	s.tablesMu.Unlock()

	if !alreadyDone {
		if err := s.sendMessage(pullMessage(id)); err != nil {
			return Payload{}, toWireError(err)
		}
	}
	resolved, err := pp.completion.await(ctx)
	if err != nil {
		return Payload{}, err
	}
	return resolved.Pull(ctx)
}

func (s *Session) dupImport(id ImportID) {
	s.tablesMu.Lock()
	s.imports.dup(id)
	s.tablesMu.Unlock()
}

// disposeImport drops one local reference to id; once every local
// reference is gone it tells the peer how many introductions to free
// from its export table (spec 4.3).
func (s *Session) disposeImport(id ImportID) {
	s.tablesMu.Lock()
	removed, total := s.imports.release(id, 1)
	s.tablesMu.Unlock()
	if removed {
		if err := s.sendMessage(releaseMessage(id, total)); err != nil {
			s.logger.Warn("failed to send release", zap.Error(err))
		}
	}
}

func (s *Session) sendMessage(msg Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if s.synchronous {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		return s.transport.Send(context.Background(), data)
	}
	select {
	case s.outbox <- data:
		return nil
	case <-s.closed:
		return NewWireError(ErrCanceled, "session closed")
	}
}

func (s *Session) writerLoop() {
	for {
		select {
		case frame, ok := <-s.outbox:
			if !ok {
				return
			}
			if err := s.transport.Send(context.Background(), frame); err != nil {
				s.logger.Error("transport send failed", zap.Error(err))
				s.abortLocal(NewWireError(ErrInternal, err.Error()), false)
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Abort tears the session down with a local error, notifying the peer.
func (s *Session) Abort(we *WireError) {
	s.abortLocal(we, true)
}

func (s *Session) abortLocal(we *WireError, shouldSend bool) {
	if !s.state.CompareAndSwap(int32(stateOpen), int32(stateAborting)) {
		return
	}
	if shouldSend {
		s.tablesMu.Lock()
		expr := s.serializeError(we)
		s.tablesMu.Unlock()
		_ = s.sendMessage(abortMessage(expr))
	}
	s.failAllPending(we)
	s.state.Store(int32(stateClosed))
	s.closeOnce.Do(func() { close(s.closed) })
	_ = s.transport.Close()
}

func (s *Session) closeGraceful() {
	if !s.state.CompareAndSwap(int32(stateOpen), int32(stateClosed)) {
		s.state.CompareAndSwap(int32(stateAborting), int32(stateClosed))
	}
	s.failAllPending(NewWireError(ErrCanceled, "session closed"))
	s.closeOnce.Do(func() { close(s.closed) })
	_ = s.transport.Close()
}

func (s *Session) failAllPending(we *WireError) {
	s.tablesMu.Lock()
	var hooks []Hook
	for id, pp := range s.pending.entries {
		pp.completion.resolve(newErrorHook(we))
		delete(s.pending.entries, id)
	}
	for id, e := range s.exports.entries {
		hooks = append(hooks, e.hook)
		delete(s.exports.entries, id)
	}
	for id, e := range s.imports.entries {
		hooks = append(hooks, e.hook)
		delete(s.imports.entries, id)
	}
	s.tablesMu.Unlock()
	// Disposed outside tablesMu: an import-backed hook's Dispose re-enters
	// the session to release its (already removed) table entry.
	for _, h := range hooks {
		h.Dispose()
	}
}
