package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// echoServer accepts a connection, records its path and echoes frames back.
func echoServer(t *testing.T, paths chan<- string) *httptest.Server {
	t.Helper()
	acc := NewAcceptor(DefaultOptions(), testLogger())
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := acc.Accept(w, r)
		if err != nil {
			return
		}
		paths <- conn.Path()
		if conn.Path() != "/" {
			_ = conn.CloseWithReason(CloseInvalidPath, "Only root path is supported")
			return
		}
		for {
			data, err := conn.Recv(context.Background())
			if err != nil {
				return
			}
			if err := conn.Send(context.Background(), data); err != nil {
				return
			}
		}
	}))
}

func TestConn_EchoTextAndBinary(t *testing.T) {
	paths := make(chan string, 1)
	srv := echoServer(t, paths)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "/", <-paths)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"a":1}`)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, `{"a":1}`, string(data))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte(`{"b":2}`)))
	mt, data, err = ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt, "replies are always text frames")
	assert.Equal(t, `{"b":2}`, string(data))
}

func TestConn_CloseWithReason(t *testing.T) {
	paths := make(chan string, 1)
	srv := echoServer(t, paths)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/other?x=1"), nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "/other?x=1", <-paths)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, IsClosed(err))
	assert.Equal(t, CloseInvalidPath, CloseCode(err))

	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Only root path is supported", ce.Text)
}

func TestDialer_RoundTrip(t *testing.T) {
	paths := make(chan string, 1)
	srv := echoServer(t, paths)
	defer srv.Close()

	conn, err := NewDialer(Options{}, testLogger()).Dial(context.Background(), wsURL(srv, "/"))
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "/", conn.Path())
	assert.NotEmpty(t, conn.RemoteAddr())

	require.NoError(t, conn.Send(context.Background(), []byte("ping")))
	data, err := conn.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))
	require.NoError(t, conn.Ping())
}

func TestFallbackDialer(t *testing.T) {
	paths := make(chan string, 1)
	srv := echoServer(t, paths)
	defer srv.Close()

	fd := NewFallbackDialer(NewDialer(Options{}, testLogger()), []string{
		"ws://127.0.0.1:1/",
		wsURL(srv, "/"),
	}, testLogger())

	conn, err := fd.DialAny(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "/", <-paths)

	_, err = NewFallbackDialer(NewDialer(Options{}, testLogger()), nil, testLogger()).DialAny(context.Background())
	assert.Error(t, err)
}

func TestCloseCode_NotACloseError(t *testing.T) {
	assert.Equal(t, 0, CloseCode(io.EOF))
	assert.False(t, IsClosed(io.EOF))
}
