// Package gateway runs the client-facing WebSocket endpoint: it enforces the
// root-path contract, reads frames, validates and dispatches them, and writes
// one reply per frame.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trymwestin/goveed/internal/core/protocol"
	"github.com/trymwestin/goveed/internal/core/transport"
	"github.com/trymwestin/goveed/internal/observability"
)

// RootPathReason is the close reason sent with transport.CloseInvalidPath.
const RootPathReason = "Only root path is supported"

// Dispatcher executes a validated request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req protocol.Request) protocol.Reply
}

// Handler serves one connection at a time per call to Handle. It is shared
// by all connections.
type Handler struct {
	schema       *protocol.Schema
	dispatcher   Dispatcher
	metrics      *observability.Metrics
	log          *slog.Logger
	pingInterval time.Duration
}

// NewHandler creates a handler. A non-positive pingInterval disables
// keepalive pings. metrics may be nil.
func NewHandler(schema *protocol.Schema, d Dispatcher, metrics *observability.Metrics, pingInterval time.Duration, log *slog.Logger) *Handler {
	return &Handler{
		schema:       schema,
		dispatcher:   d,
		metrics:      metrics,
		log:          log,
		pingInterval: pingInterval,
	}
}

// Handle runs the receive loop for conn until the transport closes or fails.
// A connection opened on any path but "/" is closed with
// transport.CloseInvalidPath before any frame is read.
func (h *Handler) Handle(ctx context.Context, conn transport.Conn) {
	log := h.log.With("conn_id", uuid.NewString(), "remote", conn.RemoteAddr())
	log.Info("client connected", "path", conn.Path())
	defer log.Info("client disconnected")
	defer conn.Close()

	if conn.Path() != "/" {
		h.metrics.ConnRejected()
		log.Warn("rejecting connection on unsupported path", "path", conn.Path())
		if err := conn.CloseWithReason(transport.CloseInvalidPath, RootPathReason); err != nil {
			log.Debug("close after path rejection failed", "error", err)
		}
		return
	}

	h.metrics.ConnOpened()
	defer h.metrics.ConnClosed()

	keepaliveCtx, keepaliveCancel := context.WithCancel(ctx)
	defer keepaliveCancel()
	if h.pingInterval > 0 {
		go h.keepaliveLoop(keepaliveCtx, conn, log)
	}

	if err := h.readLoop(ctx, conn, log); err != nil {
		if transport.IsClosed(err) {
			log.Debug("connection closed", "code", transport.CloseCode(err))
		} else {
			log.Warn("connection error", "error", err)
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn transport.Conn, log *slog.Logger) error {
	for {
		frame, err := conn.Recv(ctx)
		if err != nil {
			return err
		}

		reply := h.process(ctx, frame, log)
		if err := conn.Send(ctx, protocol.Encode(reply)); err != nil {
			return err
		}
	}
}

func (h *Handler) keepaliveLoop(ctx context.Context, conn transport.Conn, log *slog.Logger) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				log.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

// Process validates one frame and dispatches it. Invalid frames yield an
// error reply; Process never fails.
func (h *Handler) Process(ctx context.Context, frame []byte) protocol.Reply {
	return h.process(ctx, frame, h.log)
}

func (h *Handler) process(ctx context.Context, frame []byte, log *slog.Logger) protocol.Reply {
	req, err := h.schema.Validate(frame)
	if err != nil {
		var cmd string
		var ve *protocol.ValidationError
		if errors.As(err, &ve) {
			cmd = string(ve.Command)
		}
		h.metrics.MessageHandled(cmd, observability.OutcomeInvalid)
		log.Debug("rejected message", "cmd", cmd, "error", err)
		return protocol.ErrorReply(clientMessage(err))
	}

	log.Debug("handling message", "cmd", req.Command(), "device_id", req.Target())

	// In-flight controller calls outlive a closed connection; the controller
	// bounds them with its own timeout.
	reply := h.dispatcher.Dispatch(context.WithoutCancel(ctx), req)

	outcome := observability.OutcomeOK
	if reply.IsError() {
		outcome = observability.OutcomeFailed
	}
	h.metrics.MessageHandled(string(req.Command()), outcome)
	return reply
}

// clientMessage is the error text sent for a frame that failed validation.
func clientMessage(err error) string {
	var ve *protocol.ValidationError
	switch {
	case errors.As(err, &ve):
		return "invalid message: " + ve.Error()
	case errors.Is(err, protocol.ErrMalformed):
		return "invalid JSON"
	default:
		return "invalid message"
	}
}
