package capnweb

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// bufferedTransport replays a fixed list of inbound frames and
// accumulates outbound ones in memory. It backs the HTTP-batch adapter,
// where a single request body is the entire inbound stream and the
// response body is the entire outbound stream (spec 6.2: "Batch" mode).
type bufferedTransport struct {
	in  [][]byte
	pos int
	out [][]byte
}

func newBufferedTransport(lines [][]byte) *bufferedTransport {
	return &bufferedTransport{in: lines}
}

func (t *bufferedTransport) Recv(ctx context.Context) ([]byte, error) {
	if t.pos >= len(t.in) {
		return nil, io.EOF
	}
	line := t.in[t.pos]
	t.pos++
	return line, nil
}

func (t *bufferedTransport) Send(ctx context.Context, frame []byte) error {
	t.out = append(t.out, frame)
	return nil
}

func (t *bufferedTransport) Close() error { return nil }

// SetupRPCEndpoint registers both the WebSocket and HTTP-batch endpoints
// for root under path on e, mirroring the dual-transport shape the
// original server exposed (one session kernel, two ways in).
func SetupRPCEndpoint(e *echo.Echo, path string, root Target, opts ...Option) {
	e.GET(path, newWebSocketHandler(root, opts...))
	e.POST(path, newHTTPBatchHandler(root, opts...))
}

func newWebSocketHandler(root Target, opts ...Option) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := Upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		defer conn.Close()

		transport := NewWebSocketTransport(conn)
		session := NewSession(transport, root, opts...)
		_ = session.Run(c.Request().Context())
		return nil
	}
}

func newHTTPBatchHandler(root Target, opts ...Option) echo.HandlerFunc {
	return func(c echo.Context) error {
		defer c.Request().Body.Close()

		scanner := bufio.NewScanner(c.Request().Body)
		scanner.Buffer(make([]byte, 0, 64*1024), DefaultMaxFrameSize)
		var lines [][]byte
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			lines = append(lines, []byte(line))
		}
		if err := scanner.Err(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "error reading request body")
		}

		transport := newBufferedTransport(lines)
		batchOpts := append(append([]Option{}, opts...), WithSynchronousTransport())
		session := NewSession(transport, root, batchOpts...)
		_ = session.Run(c.Request().Context())
		session.Wait()

		c.Response().Header().Set("Content-Type", "text/plain; charset=utf-8")
		return c.String(http.StatusOK, string(bytes.Join(transport.out, []byte("\n"))))
	}
}

// NewEchoServer creates an Echo instance with the ambient middleware the
// example server uses: structured request logging, panic recovery, and
// permissive CORS (capability RPC is meant to cross origins).
func NewEchoServer() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.HideBanner = true
	return e
}
