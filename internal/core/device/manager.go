package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trymwestin/goveed/internal/core/state"
	"github.com/trymwestin/goveed/internal/observability"
)

// Options configures the manager. It is applied once, before Start.
type Options struct {
	// ControlTimeout bounds every driver call made for a command.
	ControlTimeout time.Duration
	// PollerAddress is the local interface the LAN poller scans from.
	PollerAddress    string
	LANPollInterval  time.Duration
	BLEPollInterval  time.Duration
	HTTPPollInterval time.Duration
	BLEIdleTimeout   time.Duration
	// APIKey enables the BLE and HTTP pollers and the BLE idler.
	APIKey string
}

// DefaultOptions mirrors the gateway's documented defaults.
func DefaultOptions() Options {
	return Options{
		ControlTimeout:   5 * time.Second,
		PollerAddress:    "0.0.0.0",
		LANPollInterval:  60 * time.Second,
		BLEPollInterval:  600 * time.Second,
		HTTPPollInterval: 600 * time.Second,
		BLEIdleTimeout:   60 * time.Second,
	}
}

// Manager is the device controller: a registry of devices in discovery order
// plus the pollers and drivers that keep it current.
type Manager struct {
	drivers map[Medium]Driver
	bus     *state.EventBus
	metrics *observability.Metrics
	log     *slog.Logger
	opts    Options

	mu      sync.RWMutex
	order   []string
	devices map[string]*Device

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewManager creates a manager serving the given drivers. metrics may be nil.
func NewManager(bus *state.EventBus, metrics *observability.Metrics, log *slog.Logger, drivers ...Driver) *Manager {
	m := &Manager{
		drivers: make(map[Medium]Driver, len(drivers)),
		bus:     bus,
		metrics: metrics,
		log:     log,
		opts:    DefaultOptions(),
		devices: make(map[string]*Device),
	}
	for _, d := range drivers {
		m.drivers[d.Medium()] = d
	}
	return m
}

// Configure replaces the options. It has no effect once the manager runs.
func (m *Manager) Configure(opts Options) {
	if m.running.Load() {
		m.log.Warn("device manager: configure ignored while running")
		return
	}
	m.opts = opts
}

// Start launches the pollers. The LAN poller always runs; the HTTP and BLE
// pollers and the BLE idler need an API key.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("device: manager already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.startPoller(ctx, MediumLAN, m.opts.PollerAddress, m.opts.LANPollInterval)
	if m.opts.APIKey != "" {
		m.startPoller(ctx, MediumHTTP, "", m.opts.HTTPPollInterval)
		m.startPoller(ctx, MediumBLE, "", m.opts.BLEPollInterval)
		m.startIdler(ctx, m.opts.BLEIdleTimeout)
	} else {
		m.log.Info("no API key configured, BLE and HTTP pollers disabled")
	}

	m.log.Info("device manager started", "control_timeout", m.opts.ControlTimeout)
	return nil
}

// Stop cancels the pollers and waits for them to exit.
func (m *Manager) Stop() {
	if !m.running.Load() {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.running.Store(false)
	m.log.Info("device manager stopped")
}

// DeviceIDs returns the known ids in discovery order.
func (m *Manager) DeviceIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return ids
}

// Devices returns snapshots of all devices in discovery order.
func (m *Manager) Devices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.devices[id].Clone())
	}
	return out
}

// Device returns a snapshot of one device.
func (m *Manager) Device(id string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// RefreshState queries the device and updates its cached state.
func (m *Manager) RefreshState(ctx context.Context, id string) error {
	drv, err := m.driverFor(id)
	if err != nil {
		return fmt.Errorf("device: refresh %s: %w", id, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ControlTimeout)
	defer cancel()

	st, err := drv.Query(ctx, id)
	if err != nil {
		return m.commandError("refresh", id, err)
	}
	m.storeReport("", Report{ID: id, State: &st})
	return nil
}

// SetPower switches a device on or off.
func (m *Manager) SetPower(ctx context.Context, id string, on bool) error {
	return m.apply(ctx, "set power", id, Change{Power: &on})
}

// SetBrightness sets brightness in percent.
func (m *Manager) SetBrightness(ctx context.Context, id string, pct int) error {
	return m.apply(ctx, "set brightness", id, Change{Brightness: &pct})
}

// SetColorTemperature sets the white color temperature in Kelvin.
func (m *Manager) SetColorTemperature(ctx context.Context, id string, kelvin int) error {
	return m.apply(ctx, "set color temperature", id, Change{ColorTemperature: &kelvin})
}

// SetColor sets an RGB color.
func (m *Manager) SetColor(ctx context.Context, id string, c RGB) error {
	return m.apply(ctx, "set color", id, Change{Color: &c})
}

func (m *Manager) apply(ctx context.Context, op, id string, c Change) error {
	drv, err := m.driverFor(id)
	if err != nil {
		return fmt.Errorf("device: %s %s: %w", op, id, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ControlTimeout)
	defer cancel()

	m.log.Debug("sending command", "op", op, "device_id", id, "medium", drv.Medium())
	if err := drv.Apply(ctx, id, c); err != nil {
		return m.commandError(op, id, err)
	}

	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	next := State{}
	if d.State != nil {
		next = d.State.Clone()
	}
	c.applyTo(&next)
	d.State = &next
	d.LastSeen = time.Now()
	snap := d.Clone()
	m.mu.Unlock()

	m.bus.Publish(state.Event{Type: state.EventStateChanged, DeviceID: id, Data: snap})
	return nil
}

func (m *Manager) commandError(op, id string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	m.metrics.CommandFailed(op)
	m.bus.Publish(state.Event{Type: state.EventCommandFailed, DeviceID: id, Data: err.Error()})
	m.log.Warn("device command failed", "op", op, "device_id", id, "error", err)
	return fmt.Errorf("device: %s %s: %w", op, id, err)
}

func (m *Manager) driverFor(id string) (Driver, error) {
	m.mu.RLock()
	d, ok := m.devices[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	drv, ok := m.drivers[d.Medium]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoDriver, d.Medium)
	}
	return drv, nil
}

// storeReport upserts a device seen by a poller or a refresh. medium is only
// used to create unknown devices; an empty medium never creates one.
func (m *Manager) storeReport(medium Medium, r Report) {
	m.mu.Lock()
	d, exists := m.devices[r.ID]
	if !exists {
		if medium == "" {
			m.mu.Unlock()
			return
		}
		d = &Device{ID: r.ID, Model: r.Model, Medium: medium}
		m.devices[r.ID] = d
		m.order = append(m.order, r.ID)
	}
	if r.Model != "" {
		d.Model = r.Model
	}
	d.LastSeen = time.Now()

	changed := false
	if r.State != nil && (d.State == nil || !d.State.Equal(*r.State)) {
		st := r.State.Clone()
		d.State = &st
		changed = true
	}
	snap := d.Clone()
	m.mu.Unlock()

	if !exists {
		m.log.Info("device discovered", "device_id", r.ID, "model", snap.Model, "medium", medium)
		m.bus.Publish(state.Event{Type: state.EventDeviceAdded, DeviceID: r.ID, Data: snap})
	}
	if changed {
		m.bus.Publish(state.Event{Type: state.EventStateChanged, DeviceID: r.ID, Data: snap})
	}
}
