package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/goveed/internal/core/device"
	"github.com/trymwestin/goveed/internal/core/device/virtual"
	"github.com/trymwestin/goveed/internal/core/dispatch"
	"github.com/trymwestin/goveed/internal/core/protocol"
	"github.com/trymwestin/goveed/internal/core/state"
	"github.com/trymwestin/goveed/internal/core/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	srv     *httptest.Server
	gateway *Server
	manager *device.Manager
}

func newHarness(t *testing.T, lights ...virtual.Light) *harness {
	t.Helper()
	log := testLogger()

	mgr := device.NewManager(state.NewEventBus(log), nil, log, virtual.New(device.MediumLAN, lights, log))
	opts := device.DefaultOptions()
	opts.LANPollInterval = time.Hour
	opts.ControlTimeout = 200 * time.Millisecond
	mgr.Configure(opts)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Stop)
	require.Eventually(t, func() bool { return len(mgr.DeviceIDs()) == len(lights) }, time.Second, 5*time.Millisecond)

	handler := NewHandler(protocol.MustSchema(), dispatch.New(mgr, nil, log), nil, 0, log)
	gw := NewServer(transport.NewAcceptor(transport.DefaultOptions(), log), handler, log)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &harness{srv: srv, gateway: gw, manager: mgr}
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, frame string) map[string]any {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	msg, ok := out["msg"].(map[string]any)
	require.True(t, ok, "reply wrapped in msg: %s", data)
	return msg
}

func TestGateway_GetDevicesEmpty(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "/")

	msg := roundTrip(t, ws, `{"msg":{"cmd":"getDevices"}}`)
	assert.Equal(t, "getDevices", msg["cmd"])
	assert.Equal(t, []any{}, msg["data"])
}

func TestGateway_GetDevicesLists(t *testing.T) {
	h := newHarness(t, virtual.Light{ID: "AA:BB"}, virtual.Light{ID: "CC:DD"})
	ws := h.dial(t, "/")

	msg := roundTrip(t, ws, `{"msg":{"cmd":"getDevices"}}`)
	assert.Equal(t, []any{"AA:BB", "CC:DD"}, msg["data"])
}

func TestGateway_RejectsNonRootPath(t *testing.T) {
	h := newHarness(t, virtual.Light{ID: "a"})

	for _, path := range []string{"/ws", "/?token=1", "/api/devices"} {
		ws := h.dial(t, path)
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := ws.ReadMessage()
		require.Error(t, err, path)

		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce, path)
		assert.Equal(t, transport.CloseInvalidPath, ce.Code)
		assert.Equal(t, RootPathReason, ce.Text)
	}
}

func TestGateway_OutOfRangeKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, virtual.Light{ID: "a"})
	ws := h.dial(t, "/")

	for _, frame := range []string{
		`{"msg":{"cmd":"level","deviceId":"a","data":101}}`,
		`{"msg":{"cmd":"onOff","deviceId":"a","data":2}}`,
		`{"msg":{"cmd":"color","deviceId":"a","data":{"r":256,"g":0,"b":0}}}`,
		`{"msg":{"cmd":"colorTemp","deviceId":"a","data":{"level":50,"colorTemInKelvin":30001}}}`,
	} {
		msg := roundTrip(t, ws, frame)
		assert.Contains(t, msg, "error", frame)
	}

	msg := roundTrip(t, ws, `{"msg":{"cmd":"getDevices"}}`)
	assert.Equal(t, []any{"a"}, msg["data"])
}

func TestGateway_MalformedMessagesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "/")

	assert.Equal(t, "invalid JSON", roundTrip(t, ws, `{not json`)["error"])
	assert.Contains(t, roundTrip(t, ws, `{"msg":{"cmd":"explode"}}`), "error")

	msg := roundTrip(t, ws, `{"msg":{"cmd":"getDevices"}}`)
	assert.Equal(t, "getDevices", msg["cmd"])
}

func TestGateway_BinaryFramesAreParsed(t *testing.T) {
	h := newHarness(t, virtual.Light{ID: "a"})
	ws := h.dial(t, "/")

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte(`{"msg":{"cmd":"getDevices"}}`)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.JSONEq(t, `{"msg":{"cmd":"getDevices","data":["a"]}}`, string(data))
}

func TestGateway_DevStatusUnknownDevice(t *testing.T) {
	h := newHarness(t, virtual.Light{ID: "a"})
	ws := h.dial(t, "/")

	msg := roundTrip(t, ws, `{"msg":{"cmd":"devStatus","deviceId":"nope","data":{}}}`)
	assert.Equal(t, map[string]any{"error": "Device not found"}, msg)

	msg = roundTrip(t, ws, `{"msg":{"cmd":"getDevices"}}`)
	assert.Equal(t, "getDevices", msg["cmd"])
}

func TestGateway_ColorThenStatus(t *testing.T) {
	h := newHarness(t, virtual.Light{ID: "a", Initial: &device.State{On: true, Brightness: 80}})
	ws := h.dial(t, "/")

	msg := roundTrip(t, ws, `{"msg":{"cmd":"color","deviceId":"a","data":{"r":10,"g":20,"b":30}}}`)
	assert.Equal(t, "devStatus", msg["cmd"])
	assert.Equal(t, "a", msg["deviceId"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, map[string]any{"r": float64(10), "g": float64(20), "b": float64(30)}, data["color"])
	assert.Equal(t, float64(1), data["onOff"])
	assert.Equal(t, float64(80), data["level"])

	msg = roundTrip(t, ws, `{"msg":{"cmd":"devStatus","deviceId":"a","data":{}}}`)
	assert.Equal(t, data, msg["data"])
}

func TestGateway_ColorTemp(t *testing.T) {
	h := newHarness(t, virtual.Light{ID: "a"})
	ws := h.dial(t, "/")

	msg := roundTrip(t, ws, `{"msg":{"cmd":"colorTemp","deviceId":"a","data":{"level":50,"colorTemInKelvin":4000}}}`)
	data := msg["data"].(map[string]any)
	assert.Equal(t, float64(4000), data["colorTemInKelvin"])
	assert.Equal(t, float64(50), data["level"])
	assert.NotContains(t, data, "color")
}

func TestGateway_UnreachableDeviceReturnsError(t *testing.T) {
	h := newHarness(t, virtual.Light{ID: "a", Unreachable: true})
	ws := h.dial(t, "/")

	msg := roundTrip(t, ws, `{"msg":{"cmd":"onOff","deviceId":"a","data":1}}`)
	assert.Equal(t, "onOff failed: device unreachable", msg["error"])

	msg = roundTrip(t, ws, `{"msg":{"cmd":"getDevices"}}`)
	assert.Equal(t, []any{"a"}, msg["data"])
}

func TestGateway_SlowDeviceTimesOut(t *testing.T) {
	h := newHarness(t, virtual.Light{ID: "a", Latency: time.Second})
	ws := h.dial(t, "/")

	msg := roundTrip(t, ws, `{"msg":{"cmd":"level","deviceId":"a","data":20}}`)
	assert.Equal(t, "level failed: device did not respond in time", msg["error"])
}

func TestGateway_ShutdownClosesConnections(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "/")
	roundTrip(t, ws, `{"msg":{"cmd":"getDevices"}}`)
	require.Equal(t, 1, h.gateway.ConnectionCount())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.gateway.Shutdown(ctx))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, 0, h.gateway.ConnectionCount())
}

func TestHandler_Process(t *testing.T) {
	h := newHarness(t, virtual.Light{ID: "a"})
	handler := NewHandler(protocol.MustSchema(), dispatch.New(h.manager, nil, testLogger()), nil, 0, testLogger())

	reply := handler.Process(context.Background(), []byte(`{"msg":{"cmd":"level","deviceId":"a","data":30}}`))
	require.False(t, reply.IsError(), reply.Err)
	assert.Equal(t, protocol.CmdDevStatus, reply.Cmd)

	reply = handler.Process(context.Background(), []byte(`{"msg":{"cmd":"level","deviceId":"a","data":-1}}`))
	assert.True(t, reply.IsError())
	assert.True(t, strings.HasPrefix(reply.Err, "invalid message: /msg/data"), reply.Err)
}

// syncBuffer is a log sink shared with server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(s string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), s)
}

func TestHandler_LogsDisconnectOnEveryExit(t *testing.T) {
	logs := &syncBuffer{}
	log := slog.New(slog.NewTextHandler(logs, nil))

	mgr := device.NewManager(state.NewEventBus(testLogger()), nil, testLogger())
	handler := NewHandler(protocol.MustSchema(), dispatch.New(mgr, nil, testLogger()), nil, 0, log)
	opts := transport.DefaultOptions()
	opts.ReadLimit = 64
	srv := httptest.NewServer(NewServer(transport.NewAcceptor(opts, testLogger()), handler, testLogger()))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	dial := func(path string) *websocket.Conn {
		ws, _, err := websocket.DefaultDialer.Dial(base+path, nil)
		require.NoError(t, err)
		t.Cleanup(func() { ws.Close() })
		return ws
	}
	waitDisconnects := func(n int) {
		require.Eventually(t, func() bool { return logs.count("client disconnected") == n },
			2*time.Second, 5*time.Millisecond)
	}

	t.Run("path rejected", func(t *testing.T) {
		ws := dial("/other")
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := ws.ReadMessage()
		require.Error(t, err)
		waitDisconnects(1)
	})

	t.Run("client close", func(t *testing.T) {
		ws := dial("/")
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
		waitDisconnects(2)
	})

	t.Run("read limit exceeded", func(t *testing.T) {
		ws := dial("/")
		big := `{"msg":{"cmd":"getDevices","pad":"` + strings.Repeat("x", 128) + `"}}`
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(big)))
		waitDisconnects(3)
		assert.Equal(t, 1, logs.count("connection error"))
	})
}
