package capnweb

import "context"

// Transport is the core's only contract with the outside world for I/O
// (spec 1, 6.2): a pair of ordered, reliable, bidirectional frame
// streams. Each frame is the raw bytes of one NDJSON line (no trailing
// newline). Loss or reordering is a transport-level concern; the core
// treats transport errors as abort conditions.
//
// Concrete adapters (HTTP-batch, WebSocket, WebTransport/QUIC) live
// outside the core and are supplied by the embedder; this package ships
// WebSocketTransport and an HTTP-batch adapter as the two the teacher
// repo already wired (transport_ws.go, transport_http.go).
type Transport interface {
	// Recv blocks for the next inbound frame. It returns io.EOF when the
	// peer has cleanly closed its send side.
	Recv(ctx context.Context) ([]byte, error)
	// Send writes one outbound frame. Implementations must preserve FIFO
	// order relative to other Send calls on the same Transport.
	Send(ctx context.Context, frame []byte) error
	// Close tears down the underlying connection.
	Close() error
}
