package capnweb

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
)

// Upgrader is the shared gorilla/websocket upgrader used to accept
// inbound RPC connections. CheckOrigin is permissive by default, since
// cross-origin capability RPC (the whole point of Cap'n Web) is a
// deliberate choice for the embedder to narrow, not us.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketTransport adapts a gorilla/websocket connection to the
// Transport interface: every Recv/Send exchanges exactly one text frame
// carrying one NDJSON line, matching the duplex symmetric session model
// (spec 6.2 Open Question: resolved in favor of full WebSocket
// bidirectionality, see DESIGN.md).
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an already-upgraded connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *WebSocketTransport) Close() error {
	return t.conn.Close()
}
