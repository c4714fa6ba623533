// Package dispatch executes validated requests against the device controller
// and builds the reply for each one.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/trymwestin/goveed/internal/core/device"
	"github.com/trymwestin/goveed/internal/core/protocol"
	"github.com/trymwestin/goveed/internal/observability"
)

// MsgDeviceNotFound is the error reply for an unknown deviceId.
const MsgDeviceNotFound = "Device not found"

// MsgInvalidCommand is the error reply for a request type the dispatcher
// does not handle.
const MsgInvalidCommand = "invalid command"

// Controller is the device controller the dispatcher drives.
type Controller interface {
	// DeviceIDs returns the known ids in registry order.
	DeviceIDs() []string
	Device(id string) (device.Device, bool)
	RefreshState(ctx context.Context, id string) error
	SetPower(ctx context.Context, id string, on bool) error
	SetBrightness(ctx context.Context, id string, pct int) error
	SetColorTemperature(ctx context.Context, id string, kelvin int) error
	SetColor(ctx context.Context, id string, c device.RGB) error
}

// Dispatcher maps requests to controller calls. It holds no per-connection
// state and is safe for concurrent use.
type Dispatcher struct {
	ctrl    Controller
	metrics *observability.Metrics
	tracer  oteltrace.Tracer
	log     *slog.Logger
}

// New creates a dispatcher. metrics may be nil.
func New(ctrl Controller, metrics *observability.Metrics, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ctrl:    ctrl,
		metrics: metrics,
		tracer:  observability.Tracer(),
		log:     log,
	}
}

// Dispatch runs req and returns the reply to send. Controller failures come
// back as error replies; Dispatch itself never fails.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.Request) protocol.Reply {
	cmd := string(req.Command())
	ctx, span := d.tracer.Start(ctx, "dispatch "+cmd, oteltrace.WithAttributes(
		attribute.String("goveed.cmd", cmd),
		attribute.String("goveed.device_id", req.Target()),
	))
	defer span.End()

	start := time.Now()
	reply := d.dispatch(ctx, req)

	outcome := observability.OutcomeOK
	switch {
	case reply.Err == MsgDeviceNotFound:
		outcome = observability.OutcomeNotFound
	case reply.IsError():
		outcome = observability.OutcomeFailed
	}
	if reply.IsError() {
		span.SetStatus(codes.Error, reply.Err)
	}
	span.SetAttributes(attribute.String("goveed.outcome", outcome))
	d.metrics.ObserveDispatch(cmd, outcome, time.Since(start))
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, req protocol.Request) protocol.Reply {
	if _, ok := req.(protocol.GetDevices); ok {
		ids := d.ctrl.DeviceIDs()
		if ids == nil {
			ids = []string{}
		}
		return protocol.Reply{Cmd: protocol.CmdGetDevices, Data: ids}
	}

	id := req.Target()
	if _, ok := d.ctrl.Device(id); !ok {
		d.log.Debug("device not found", "cmd", req.Command(), "device_id", id)
		return protocol.ErrorReply(MsgDeviceNotFound)
	}

	var err error
	switch r := req.(type) {
	case protocol.DevStatus:
		err = d.ctrl.RefreshState(ctx, id)
	case protocol.SetPower:
		err = d.ctrl.SetPower(ctx, id, r.On())
	case protocol.SetLevel:
		err = d.ctrl.SetBrightness(ctx, id, r.Level)
	case protocol.SetColorTemp:
		// Temperature first, then brightness. A brightness failure leaves
		// the new temperature applied.
		if err = d.ctrl.SetColorTemperature(ctx, id, r.Kelvin); err == nil {
			err = d.ctrl.SetBrightness(ctx, id, r.Level)
		}
	case protocol.SetColor:
		err = d.ctrl.SetColor(ctx, id, device.RGB{R: r.Color.R, G: r.Color.G, B: r.Color.B})
	default:
		d.log.Error("unhandled request type", "type", fmt.Sprintf("%T", req))
		return protocol.ErrorReply(MsgInvalidCommand)
	}
	if err != nil {
		return d.failure(ctx, req, err)
	}
	return d.status(id)
}

// failure converts a controller error into an error reply.
func (d *Dispatcher) failure(ctx context.Context, req protocol.Request, err error) protocol.Reply {
	oteltrace.SpanFromContext(ctx).RecordError(err)
	if errors.Is(err, device.ErrNotFound) {
		return protocol.ErrorReply(MsgDeviceNotFound)
	}
	d.log.Warn("command failed", "cmd", req.Command(), "device_id", req.Target(), "error", err)
	return protocol.ErrorReply(fmt.Sprintf("%s failed: %s", req.Command(), cause(err)))
}

// cause returns the client-facing description of err: the sentinel's text
// when err wraps a known one, else the full message.
func cause(err error) string {
	for _, sentinel := range []error{device.ErrTimeout, device.ErrUnreachable, device.ErrNoDriver} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

// status builds the devStatus reply from the device's cached state.
func (d *Dispatcher) status(id string) protocol.Reply {
	reply := protocol.Reply{Cmd: protocol.CmdDevStatus, DeviceID: id, Data: map[string]any{}}

	dev, ok := d.ctrl.Device(id)
	if !ok || dev.State == nil {
		return reply
	}

	st := dev.State
	data := protocol.StatusData{Level: st.Brightness}
	if st.On {
		data.OnOff = 1
	}
	if st.Color != nil {
		data.Color = &protocol.Color{R: st.Color.R, G: st.Color.G, B: st.Color.B}
	}
	if st.ColorTemperature != nil {
		k := *st.ColorTemperature
		data.ColorTemInKelvin = &k
	}
	reply.Data = data
	return reply
}
