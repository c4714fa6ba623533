// Package protocol defines the gateway's JSON message protocol: the closed
// command set, the per-command validation schema, the typed requests produced
// by validation, and the reply envelopes sent back to clients.
package protocol

// Command names one of the operations a client can request.
type Command string

const (
	CmdGetDevices Command = "getDevices"
	CmdDevStatus  Command = "devStatus"
	CmdOnOff      Command = "onOff"
	CmdLevel      Command = "level"
	CmdColorTemp  Command = "colorTemp"
	CmdColor      Command = "color"
)

// Commands lists every accepted command.
var Commands = []Command{CmdGetDevices, CmdDevStatus, CmdOnOff, CmdLevel, CmdColorTemp, CmdColor}

// Valid reports whether c belongs to the command set.
func (c Command) Valid() bool {
	for _, k := range Commands {
		if c == k {
			return true
		}
	}
	return false
}

// Color is an RGB triple, each channel 0-255.
type Color struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// Request is a validated inbound message. The concrete type identifies the
// command; use a type switch to dispatch.
type Request interface {
	Command() Command
	// Target returns the device id, or "" for commands without one.
	Target() string
}

// GetDevices lists all known device ids.
type GetDevices struct{}

// DevStatus refreshes and reports a device's state.
type DevStatus struct {
	DeviceID string
}

// SetPower switches a device on (Value 1) or off (Value 0).
type SetPower struct {
	DeviceID string
	Value    int
}

// On reports the requested power state.
func (r SetPower) On() bool { return r.Value > 0 }

// SetLevel sets brightness in percent.
type SetLevel struct {
	DeviceID string
	Level    int
}

// SetColorTemp sets color temperature and brightness, in that order.
type SetColorTemp struct {
	DeviceID string
	Level    int
	Kelvin   int
}

// SetColor sets an RGB color.
type SetColor struct {
	DeviceID string
	Color    Color
}

func (GetDevices) Command() Command   { return CmdGetDevices }
func (DevStatus) Command() Command    { return CmdDevStatus }
func (SetPower) Command() Command     { return CmdOnOff }
func (SetLevel) Command() Command     { return CmdLevel }
func (SetColorTemp) Command() Command { return CmdColorTemp }
func (SetColor) Command() Command     { return CmdColor }

func (GetDevices) Target() string     { return "" }
func (r DevStatus) Target() string    { return r.DeviceID }
func (r SetPower) Target() string     { return r.DeviceID }
func (r SetLevel) Target() string     { return r.DeviceID }
func (r SetColorTemp) Target() string { return r.DeviceID }
func (r SetColor) Target() string     { return r.DeviceID }
