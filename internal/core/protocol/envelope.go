package protocol

import (
	"encoding/json"
	"fmt"
)

// Reply is one outbound message, either a success payload or an error.
type Reply struct {
	Cmd      Command
	Data     any
	DeviceID string
	// Err is set for error replies; the other fields are then ignored.
	Err string
}

// IsError reports whether r is an error reply.
func (r Reply) IsError() bool { return r.Err != "" }

// ErrorReply builds an error reply carrying msg.
func ErrorReply(msg string) Reply { return Reply{Err: msg} }

// StatusData is the data object of a devStatus reply for a device with
// cached state. Color and ColorTemInKelvin are omitted when unknown.
type StatusData struct {
	OnOff            int    `json:"onOff"`
	Level            int    `json:"level"`
	Color            *Color `json:"color,omitempty"`
	ColorTemInKelvin *int   `json:"colorTemInKelvin,omitempty"`
}

type envelope struct {
	Msg any `json:"msg"`
}

type successBody struct {
	Cmd      Command `json:"cmd"`
	Data     any     `json:"data"`
	DeviceID string  `json:"deviceId,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// EncodeSuccess serializes {"msg": {"cmd", "data", "deviceId"?}}.
func EncodeSuccess(r Reply) ([]byte, error) {
	data, err := json.Marshal(envelope{Msg: successBody{Cmd: r.Cmd, Data: r.Data, DeviceID: r.DeviceID}})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s reply: %w", r.Cmd, err)
	}
	return data, nil
}

// EncodeError serializes {"msg": {"error": msg}}.
func EncodeError(msg string) []byte {
	// A struct holding one string always marshals.
	data, _ := json.Marshal(envelope{Msg: errorBody{Error: msg}})
	return data
}

// Encode serializes r with the envelope matching its kind. A success payload
// that cannot be marshaled is reported to the client as an error.
func Encode(r Reply) []byte {
	if r.IsError() {
		return EncodeError(r.Err)
	}
	data, err := EncodeSuccess(r)
	if err != nil {
		return EncodeError(err.Error())
	}
	return data
}
