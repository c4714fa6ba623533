package device

import (
	"context"
	"time"
)

// Report is what a driver learns about one device during a scan.
type Report struct {
	ID    string
	Model string
	// State is nil when the scan only proves the device exists.
	State *State
}

// Driver talks to devices over one medium.
type Driver interface {
	Medium() Medium
	// Scan discovers devices. iface is the local address to scan from; drivers
	// that do not bind to an interface ignore it.
	Scan(ctx context.Context, iface string) ([]Report, error)
	// Query reads the current state of one device.
	Query(ctx context.Context, id string) (State, error)
	// Apply sends a state change to one device.
	Apply(ctx context.Context, id string, c Change) error
}

// Idler is implemented by drivers that keep per-device links open (BLE) and
// can release the ones unused for longer than maxIdle.
type Idler interface {
	ReleaseIdle(ctx context.Context, maxIdle time.Duration) int
}
