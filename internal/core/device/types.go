// Package device owns the registry of known lights, the background pollers
// that discover devices and refresh their state, and command execution with
// a per-command timeout. Talking to hardware is delegated to a Driver per
// network medium.
package device

import (
	"fmt"
	"time"
)

// Medium is the network a device is reached over.
type Medium string

const (
	MediumLAN  Medium = "lan"
	MediumBLE  Medium = "ble"
	MediumHTTP Medium = "http"
)

// ParseMedium converts a config string to a Medium.
func ParseMedium(s string) (Medium, error) {
	switch m := Medium(s); m {
	case MediumLAN, MediumBLE, MediumHTTP:
		return m, nil
	case "":
		return MediumLAN, nil
	default:
		return "", fmt.Errorf("device: unknown medium %q", s)
	}
}

// RGB is a color with channels 0-255.
type RGB struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// State is the last known state of a light.
type State struct {
	On         bool `json:"on"`
	Brightness int  `json:"brightness"`
	// Color and ColorTemperature are nil when unknown. A light shows one or
	// the other, so setting one clears the other.
	Color            *RGB `json:"color,omitempty"`
	ColorTemperature *int `json:"color_temperature,omitempty"`
}

// Clone returns a deep copy.
func (s State) Clone() State {
	if s.Color != nil {
		c := *s.Color
		s.Color = &c
	}
	if s.ColorTemperature != nil {
		k := *s.ColorTemperature
		s.ColorTemperature = &k
	}
	return s
}

// Equal reports whether two states hold the same values.
func (s State) Equal(o State) bool {
	if s.On != o.On || s.Brightness != o.Brightness {
		return false
	}
	if (s.Color == nil) != (o.Color == nil) || (s.Color != nil && *s.Color != *o.Color) {
		return false
	}
	if (s.ColorTemperature == nil) != (o.ColorTemperature == nil) ||
		(s.ColorTemperature != nil && *s.ColorTemperature != *o.ColorTemperature) {
		return false
	}
	return true
}

// Device is a registry entry. State is nil until the device has reported.
type Device struct {
	ID       string    `json:"id"`
	Model    string    `json:"model,omitempty"`
	Medium   Medium    `json:"medium"`
	State    *State    `json:"state,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Clone returns a deep copy safe to hand out of the registry.
func (d Device) Clone() Device {
	if d.State != nil {
		s := d.State.Clone()
		d.State = &s
	}
	return d
}

// Change is a partial state update sent to a driver. Nil fields are left
// untouched.
type Change struct {
	Power            *bool
	Brightness       *int
	Color            *RGB
	ColorTemperature *int
}

// applyTo merges c into s.
func (c Change) applyTo(s *State) {
	if c.Power != nil {
		s.On = *c.Power
	}
	if c.Brightness != nil {
		s.Brightness = *c.Brightness
	}
	if c.Color != nil {
		col := *c.Color
		s.Color = &col
		s.ColorTemperature = nil
	}
	if c.ColorTemperature != nil {
		k := *c.ColorTemperature
		s.ColorTemperature = &k
		s.Color = nil
	}
}
