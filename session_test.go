package capnweb

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport connects two in-process Sessions without touching the
// network, so the kernel's push/pull/resolve/reject loop can be driven
// end to end in a unit test (spec 8, scenarios S1-S6).
type pipeTransport struct {
	recv chan []byte
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipePair() (a, b *pipeTransport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a = &pipeTransport{recv: ba, send: ab, closed: make(chan struct{})}
	b = &pipeTransport{recv: ab, send: ba, closed: make(chan struct{})}
	return a, b
}

func (t *pipeTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-t.recv:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *pipeTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case t.send <- frame:
		return nil
	case <-t.closed:
		return NewWireError(ErrCanceled, "transport closed")
	}
}

func (t *pipeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// adderTarget implements capnweb.Target for the simple-call (S1) and
// error-propagation (S4) scenarios.
type adderTarget struct{}

func (adderTarget) GetProperty(name string) (any, error) {
	return nil, NewWireError(ErrNotFound, "no such property: "+name)
}

func (adderTarget) Call(ctx context.Context, path []any, args []any) (any, error) {
	if len(path) != 1 {
		return nil, NewWireError(ErrBadRequest, "expected one method name")
	}
	method, _ := path[0].(string)
	switch method {
	case "add":
		a, _ := asInt(args[0])
		b, _ := asInt(args[1])
		return int64(a + b), nil
	case "divide":
		a, _ := asInt(args[0])
		b, _ := asInt(args[1])
		if b == 0 {
			return nil, &WireError{
				Type:    ErrBadRequest,
				Message: "Division by zero",
				Data:    map[string]any{"divisor": int64(0)},
			}
		}
		return int64(a / b), nil
	default:
		return nil, NewWireError(ErrNotFound, "no such method: "+method)
	}
}

func runPairedSessions(t *testing.T, server Target) (client, serverSession *Session, stop func()) {
	t.Helper()
	clientTransport, serverTransport := newPipePair()

	serverSession = NewSession(serverTransport, server)
	clientSession := NewSession(clientTransport, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = serverSession.Run(ctx) }()
	go func() { defer wg.Done(); _ = clientSession.Run(ctx) }()

	return clientSession, serverSession, func() {
		cancel()
		clientTransport.Close()
		serverTransport.Close()
		wg.Wait()
	}
}

// waitFor polls cond every 2ms until it returns true or timeout elapses,
// failing the test if it never does. Used to synchronize on the peer
// side of an async wire effect (a release or abort landing) without a
// fixed, arbitrary sleep.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestSimpleCall is spec scenario S1.
func TestSimpleCall(t *testing.T) {
	client, _, stop := runPairedSessions(t, adderTarget{})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	promise := client.RootStub().Call([]any{"add"}, []any{int64(5), int64(3)})
	result, err := promise.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), result)
}

// TestErrorPropagation is spec scenario S4.
func TestErrorPropagation(t *testing.T) {
	client, _, stop := runPairedSessions(t, adderTarget{})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	promise := client.RootStub().Call([]any{"divide"}, []any{int64(10), int64(0)})
	_, err := promise.Await(ctx)
	require.Error(t, err)

	we, ok := err.(*WireError)
	require.True(t, ok)
	assert.Equal(t, ErrBadRequest, we.Type)
	assert.Equal(t, "Division by zero", we.Message)
}

// profileTarget implements the authenticate/getUserProfile/
// getNotifications shape used in spec scenario S2.
type profileTarget struct{}

func (profileTarget) GetProperty(name string) (any, error) {
	return nil, NewWireError(ErrNotFound, "no such property: "+name)
}

func (profileTarget) Call(ctx context.Context, path []any, args []any) (any, error) {
	if len(path) != 1 {
		return nil, NewWireError(ErrBadRequest, "expected one method name")
	}
	switch path[0] {
	case "authenticate":
		return map[string]any{"id": "u_1", "name": "Ada"}, nil
	case "getUserProfile":
		uid, _ := args[0].(string)
		return map[string]any{"id": uid, "bio": "profile for " + uid}, nil
	case "getNotifications":
		uid, _ := args[0].(string)
		return []any{"hello " + uid}, nil
	default:
		return nil, NewWireError(ErrNotFound, "no such method")
	}
}

// TestPipelinedDependentCalls is spec scenario S2: authenticate's result
// is piped into two dependent calls without blocking on the first
// round trip, then all three resolve.
func TestPipelinedDependentCalls(t *testing.T) {
	client, _, stop := runPairedSessions(t, profileTarget{})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	root := client.RootStub()
	authPromise := root.Call([]any{"authenticate"}, []any{"cookie-123"})
	userID := authPromise.Get([]any{"id"})

	profilePromise := root.Call([]any{"getUserProfile"}, []any{userID})
	notifPromise := root.Call([]any{"getNotifications"}, []any{userID})

	profile, err := profilePromise.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u_1", profile.(map[string]any)["id"])

	notifs, err := notifPromise.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"hello u_1"}, notifs)

	authResult, err := authPromise.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ada", authResult.(map[string]any)["name"])
}

// TestDisposeSendsRelease exercises Promise.Dispose against a live
// session pair and checks the peer's export table actually frees the
// entry, not merely that nothing panics afterward.
func TestDisposeSendsRelease(t *testing.T) {
	client, serverSession, stop := runPairedSessions(t, adderTarget{})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	promise := client.RootStub().Call([]any{"add"}, []any{int64(1), int64(1)})
	_, err := promise.Await(ctx)
	require.NoError(t, err)

	// This is the server's first (and only) push from the client, so by
	// the push-counter mirroring scheme (session.go handlePush) it was
	// assigned export id 1.
	exportID := ExportID(1)
	_, ok := serverSession.exports.get(exportID)
	require.True(t, ok, "server should still hold the export before dispose")

	promise.Dispose()

	waitFor(t, time.Second, func() bool {
		serverSession.tablesMu.Lock()
		defer serverSession.tablesMu.Unlock()
		_, ok := serverSession.exports.get(exportID)
		return !ok
	})
}

// TestAbortFailsPendingPromiseAndFutureCalls drives an abort through a
// live session (spec 5.1: "for all pushes there is exactly one of
// resolve/reject/abort"). A push is in flight when the abort frame
// arrives; handleAbort must hand it to abortLocal, which fails that
// pending promise via failAllPending and tears the session down so any
// later call fails too, instead of hanging forever waiting for a reply
// that will never come.
func TestAbortFailsPendingPromiseAndFutureCalls(t *testing.T) {
	client, _, stop := runPairedSessions(t, adderTarget{})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pending := client.RootStub().Call([]any{"add"}, []any{int64(1), int64(1)})

	// Hand the client's dispatch loop a decoded abort message directly,
	// exactly as Run would after reading one off the wire -- this
	// exercises handleAbort without depending on the transport's own
	// send/close interleaving.
	abortExpr := []any{"error", string(ErrCanceled), "peer shutting down"}
	client.dispatch(Message{Tag: TagAbort, Expr: abortExpr})

	_, err := pending.Await(ctx)
	require.Error(t, err)
	we, ok := err.(*WireError)
	require.True(t, ok)
	assert.Equal(t, ErrCanceled, we.Type)
	assert.Equal(t, "peer shutting down", we.Message)

	next := client.RootStub().Call([]any{"add"}, []any{int64(2), int64(2)})
	_, err = next.Await(ctx)
	require.Error(t, err)
}
