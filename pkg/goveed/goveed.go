// Package goveed provides a public facade over the gateway: the core types
// re-exported for external consumers, and a Daemon that wires configuration
// into a running WebSocket gateway with its device controller, admin API and
// MQTT publisher.
package goveed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/trymwestin/goveed/internal/config"
	"github.com/trymwestin/goveed/internal/core/device"
	"github.com/trymwestin/goveed/internal/core/device/virtual"
	"github.com/trymwestin/goveed/internal/core/dispatch"
	"github.com/trymwestin/goveed/internal/core/protocol"
	"github.com/trymwestin/goveed/internal/core/state"
	"github.com/trymwestin/goveed/internal/core/transport"
	"github.com/trymwestin/goveed/internal/gateway"
	"github.com/trymwestin/goveed/internal/httpapi"
	"github.com/trymwestin/goveed/internal/mqtt"
	"github.com/trymwestin/goveed/internal/observability"
)

// Re-export core types for external use.
type (
	// Config is the daemon configuration.
	Config = config.Config
	// Device is a registry entry.
	Device = device.Device
	// State is the last known state of a light.
	State = device.State
	// RGB is a color with channels 0-255.
	RGB = device.RGB
	// Medium is the network a device is reached over.
	Medium = device.Medium
	// Command names a protocol command.
	Command = protocol.Command
	// Reply is a dispatcher result.
	Reply = protocol.Reply
	// Event represents a device change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Dialer creates WebSocket connections to a gateway.
	Dialer = transport.Dialer
	// Conn represents a WebSocket connection.
	Conn = transport.Conn
)

// Medium constants.
const (
	MediumLAN  = device.MediumLAN
	MediumBLE  = device.MediumBLE
	MediumHTTP = device.MediumHTTP
)

// Event type constants.
const (
	EventDeviceAdded   = state.EventDeviceAdded
	EventStateChanged  = state.EventStateChanged
	EventCommandFailed = state.EventCommandFailed
)

// shutdownTimeout bounds each shutdown step.
const shutdownTimeout = 10 * time.Second

// Daemon is a fully wired gateway.
type Daemon struct {
	cfg     config.Config
	version string
	log     *slog.Logger

	bus       *state.EventBus
	metrics   *observability.Metrics
	manager   *device.Manager
	handler   *gateway.Handler
	gateway   *gateway.Server
	admin     *http.Server
	publisher mqtt.Publisher
}

// New wires the daemon's components from cfg. Nothing is started.
func New(cfg config.Config, log *slog.Logger, version string) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	schema, err := protocol.NewSchema()
	if err != nil {
		return nil, fmt.Errorf("goveed: %w", err)
	}

	drivers, err := buildDrivers(cfg.Devices, log)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		version: version,
		log:     log,
		bus:     state.NewEventBus(log.With("component", "events")),
		metrics: observability.NewMetrics(),
	}

	d.manager = device.NewManager(d.bus, d.metrics, log.With("component", "devices"), drivers...)
	d.manager.Configure(device.Options{
		ControlTimeout:   cfg.Govee.LANControlTimeout,
		PollerAddress:    cfg.Govee.PollerAddress,
		LANPollInterval:  cfg.Govee.LANPollInterval,
		BLEPollInterval:  cfg.Govee.BLEPollInterval,
		HTTPPollInterval: cfg.Govee.HTTPPollInterval,
		BLEIdleTimeout:   cfg.Govee.BLEIdleTimeout,
		APIKey:           cfg.Govee.APIKey,
	})
	d.metrics.DeviceGauge(func() float64 { return float64(len(d.manager.DeviceIDs())) })

	dispatcher := dispatch.New(d.manager, d.metrics, log.With("component", "dispatch"))
	d.handler = gateway.NewHandler(schema, dispatcher, d.metrics, cfg.Server.PingInterval, log.With("component", "gateway"))

	opts := transport.DefaultOptions()
	opts.PongWait = cfg.Server.PingInterval + cfg.Server.PongTimeout
	opts.ReadLimit = cfg.Server.ReadLimit
	d.gateway = gateway.NewServer(transport.NewAcceptor(opts, log), d.handler, log.With("component", "gateway"))

	if cfg.Admin.Enabled {
		api := httpapi.NewServer(d.manager, d.handler, d.gateway.ConnectionCount, d.metrics.Handler(), cfg.Admin.CORS, log.With("component", "httpapi"))
		d.admin = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if cfg.MQTT.Enabled {
		d.publisher = mqtt.NewHAPublisher(mqtt.Config{
			Broker:          cfg.MQTT.Broker,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			ClientID:        cfg.MQTT.ClientID,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		}, d.manager, d.handler, d.bus, log.With("component", "mqtt"))
	} else {
		d.publisher = mqtt.NewStubPublisher(log)
	}

	return d, nil
}

// buildDrivers groups the configured lights by medium into virtual drivers.
func buildDrivers(devices []config.DeviceConfig, log *slog.Logger) ([]device.Driver, error) {
	byMedium := make(map[device.Medium][]virtual.Light)
	var order []device.Medium
	for _, dc := range devices {
		medium, err := device.ParseMedium(dc.Medium)
		if err != nil {
			return nil, fmt.Errorf("goveed: device %s: %w", dc.ID, err)
		}
		l := virtual.Light{
			ID:          dc.ID,
			Model:       dc.Model,
			Latency:     dc.Latency,
			LinkLatency: dc.LinkLatency,
			Unreachable: dc.Unreachable,
		}
		if dc.On != nil || dc.Brightness != nil {
			st := device.State{Brightness: 100}
			if dc.On != nil {
				st.On = *dc.On
			}
			if dc.Brightness != nil {
				st.Brightness = *dc.Brightness
			}
			l.Initial = &st
		}
		if _, ok := byMedium[medium]; !ok {
			order = append(order, medium)
		}
		byMedium[medium] = append(byMedium[medium], l)
	}

	drivers := make([]device.Driver, 0, len(order))
	for _, m := range order {
		drivers = append(drivers, virtual.New(m, byMedium[m], log.With("driver", string(m))))
	}
	return drivers, nil
}

// Devices returns the current registry snapshot.
func (d *Daemon) Devices() []Device {
	return d.manager.Devices()
}

// Process runs one protocol frame exactly as a WebSocket client would send it.
func (d *Daemon) Process(ctx context.Context, frame []byte) Reply {
	return d.handler.Process(ctx, frame)
}

// Subscribe returns device events and an unsubscribe function.
func (d *Daemon) Subscribe(buffer int) (<-chan Event, func()) {
	return d.bus.Subscribe(buffer)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.ListenAddr())
	if err != nil {
		return fmt.Errorf("goveed: listen %s: %w", d.cfg.Server.ListenAddr(), err)
	}
	return d.Serve(ctx, ln)
}

// Serve starts every component, serves the gateway on ln and shuts
// everything down when ctx is cancelled or a listener fails. The gateway is
// stopped before the device controller.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:    d.cfg.Tracing.Endpoint,
		ServiceName: "goveed",
		Version:     d.version,
		SampleRatio: d.cfg.Tracing.SampleRatio,
	}, d.log)
	if err != nil {
		_ = ln.Close()
		return err
	}

	// Pollers outlive ctx so the controller stops after the server.
	if err := d.manager.Start(context.WithoutCancel(ctx)); err != nil {
		_ = ln.Close()
		return fmt.Errorf("goveed: start devices: %w", err)
	}

	if err := d.publisher.Start(ctx); err != nil {
		d.log.Error("MQTT publisher failed to start", "error", err)
		d.publisher = mqtt.NewStubPublisher(d.log)
	}

	errC := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.gateway.Serve(ln); err != nil {
			errC <- err
		}
	}()

	if d.admin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.log.Info("admin API listening", "addr", d.admin.Addr)
			if err := d.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errC <- fmt.Errorf("goveed: admin: %w", err)
			}
		}()
	}

	d.log.Info("goveed started", "addr", ln.Addr().String(), "devices_configured", len(d.cfg.Devices))

	var runErr error
	select {
	case <-ctx.Done():
		d.log.Info("shutdown requested")
	case runErr = <-errC:
		d.log.Error("listener failed, shutting down", "error", runErr)
	}

	stopErr := d.shutdown(shutdownTracing)
	wg.Wait()
	return errors.Join(runErr, stopErr)
}

func (d *Daemon) shutdown(shutdownTracing func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	d.log.Info("stopping server")
	if err := d.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if d.admin != nil {
		if err := d.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("goveed: admin shutdown: %w", err))
		}
	}
	d.log.Info("server stopped")

	if err := d.publisher.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	d.log.Info("stopping device controller")
	d.manager.Stop()
	d.log.Info("device controller stopped")

	if err := shutdownTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("goveed: tracing shutdown: %w", err))
	}
	return errors.Join(errs...)
}
