// Package virtual implements device.Driver with in-memory lights declared in
// configuration. It stands in for hardware during development and
// integration testing, and can simulate slow or unreachable lights.
package virtual

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/goveed/internal/core/device"
)

// Light declares one virtual light.
type Light struct {
	ID    string
	Model string
	// Initial is the state reported on the first scan; nil means the light
	// is discovered before it has reported any state.
	Initial *device.State
	// Latency delays every query and command.
	Latency time.Duration
	// LinkLatency is added when the light has no link, on first use and
	// after ReleaseIdle dropped it.
	LinkLatency time.Duration
	// Unreachable makes queries and commands fail with device.ErrUnreachable.
	Unreachable bool
}

type light struct {
	Light
	state    *device.State
	lastUsed time.Time
	linked   bool
}

// Driver serves a fixed set of virtual lights on one medium.
type Driver struct {
	medium device.Medium
	log    *slog.Logger

	mu     sync.Mutex
	order  []string
	lights map[string]*light
}

var (
	_ device.Driver = (*Driver)(nil)
	_ device.Idler  = (*Driver)(nil)
)

// New creates a driver for the given lights.
func New(medium device.Medium, lights []Light, log *slog.Logger) *Driver {
	d := &Driver{
		medium: medium,
		log:    log,
		lights: make(map[string]*light, len(lights)),
	}
	for _, l := range lights {
		var st *device.State
		if l.Initial != nil {
			s := l.Initial.Clone()
			st = &s
		}
		d.lights[l.ID] = &light{Light: l, state: st}
		d.order = append(d.order, l.ID)
	}
	return d
}

// Medium implements device.Driver.
func (d *Driver) Medium() device.Medium { return d.medium }

// Scan reports every light, including unreachable ones without state.
func (d *Driver) Scan(ctx context.Context, _ string) ([]device.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	reports := make([]device.Report, 0, len(d.order))
	for _, id := range d.order {
		l := d.lights[id]
		r := device.Report{ID: id, Model: l.Model}
		if l.state != nil && !l.Unreachable {
			s := l.state.Clone()
			r.State = &s
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Query returns the light's state. A light that has never reported starts
// out off at full brightness.
func (d *Driver) Query(ctx context.Context, id string) (device.State, error) {
	l, err := d.reach(ctx, id)
	if err != nil {
		return device.State{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if l.state == nil {
		l.state = &device.State{On: false, Brightness: 100}
	}
	return l.state.Clone(), nil
}

// Apply changes the light's state.
func (d *Driver) Apply(ctx context.Context, id string, c device.Change) error {
	l, err := d.reach(ctx, id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if l.state == nil {
		l.state = &device.State{Brightness: 100}
	}
	if c.Power != nil {
		l.state.On = *c.Power
	}
	if c.Brightness != nil {
		l.state.Brightness = *c.Brightness
	}
	if c.Color != nil {
		col := *c.Color
		l.state.Color = &col
		l.state.ColorTemperature = nil
	}
	if c.ColorTemperature != nil {
		k := *c.ColorTemperature
		l.state.ColorTemperature = &k
		l.state.Color = nil
	}
	d.log.Debug("virtual light updated", "device_id", id, "state", *l.state)
	return nil
}

// ReleaseIdle drops links not used within maxIdle and returns how many were
// released.
func (d *Driver) ReleaseIdle(_ context.Context, maxIdle time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	released := 0
	cutoff := time.Now().Add(-maxIdle)
	for _, l := range d.lights {
		if l.linked && l.lastUsed.Before(cutoff) {
			l.linked = false
			released++
		}
	}
	return released
}

// Linked reports whether a light currently holds a link. Used by tests.
func (d *Driver) Linked(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lights[id]
	return ok && l.linked
}

// reach simulates connecting to a light. It waits out the latency plus the
// link latency when unlinked, honours cancellation and fails for unreachable
// lights.
func (d *Driver) reach(ctx context.Context, id string) (*light, error) {
	d.mu.Lock()
	l, ok := d.lights[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("virtual: %s: %w", id, device.ErrNotFound)
	}

	d.mu.Lock()
	delay := l.Latency
	if !l.linked {
		delay += l.LinkLatency
	}
	d.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if l.Unreachable {
		return nil, fmt.Errorf("virtual: %s: %w", id, device.ErrUnreachable)
	}

	d.mu.Lock()
	if !l.linked {
		d.log.Debug("virtual light linked", "device_id", id)
	}
	l.linked = true
	l.lastUsed = time.Now()
	d.mu.Unlock()
	return l, nil
}
