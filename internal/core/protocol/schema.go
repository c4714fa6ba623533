package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const envelopeResource = "envelope.json"

// variant is one arm of the tagged union: the compiled rules for a single
// command and the decoder that turns a validated msg object into a Request.
type variant struct {
	schema *jsonschema.Schema
	decode func(msg map[string]any) Request
}

// Schema validates inbound frames. It is compiled once and is safe for
// concurrent use.
type Schema struct {
	envelope *jsonschema.Schema
	variants map[Command]variant
}

// NewSchema compiles the envelope schema and one variant schema per command.
func NewSchema() (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	resources := append([]string{envelopeResource}, commandResources()...)
	for _, name := range resources {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("protocol: read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("protocol: load schema %s: %w", name, err)
		}
	}

	envelope, err := compiler.Compile(envelopeResource)
	if err != nil {
		return nil, fmt.Errorf("protocol: compile %s: %w", envelopeResource, err)
	}

	decoders := map[Command]func(map[string]any) Request{
		CmdGetDevices: decodeGetDevices,
		CmdDevStatus:  decodeDevStatus,
		CmdOnOff:      decodeOnOff,
		CmdLevel:      decodeLevel,
		CmdColorTemp:  decodeColorTemp,
		CmdColor:      decodeColor,
	}

	s := &Schema{envelope: envelope, variants: make(map[Command]variant, len(Commands))}
	for _, cmd := range Commands {
		sch, err := compiler.Compile(resourceFor(cmd))
		if err != nil {
			return nil, fmt.Errorf("protocol: compile %s: %w", resourceFor(cmd), err)
		}
		s.variants[cmd] = variant{schema: sch, decode: decoders[cmd]}
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on error. The schemas are embedded,
// so a failure here is a build defect.
func MustSchema() *Schema {
	s, err := NewSchema()
	if err != nil {
		panic(err)
	}
	return s
}

// Validate parses frame and checks it against the envelope and then the
// variant selected by msg.cmd. It returns ErrMalformed (wrapped) for invalid
// JSON and *ValidationError for schema violations.
func (s *Schema) Validate(frame []byte) (Request, error) {
	doc, err := decodeFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := s.envelope.Validate(doc); err != nil {
		return nil, fromSchemaError("", "", err)
	}

	msg := doc.(map[string]any)["msg"].(map[string]any)
	cmd := Command(msg["cmd"].(string))

	v, ok := s.variants[cmd]
	if !ok {
		// The envelope enum and the variant table are built from the same list.
		return nil, &ValidationError{Command: cmd, Location: "/msg/cmd", Reason: "unsupported command"}
	}
	if err := v.schema.Validate(msg); err != nil {
		return nil, fromSchemaError(cmd, "/msg", err)
	}
	return v.decode(msg), nil
}

// decodeFrame parses exactly one JSON document, keeping numbers as
// json.Number so integer checks see the literal the client sent.
func decodeFrame(frame []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after top-level value")
	}
	return doc, nil
}

func commandResources() []string {
	names := make([]string, 0, len(Commands))
	for _, cmd := range Commands {
		names = append(names, resourceFor(cmd))
	}
	return names
}

func resourceFor(cmd Command) string {
	return string(cmd) + ".json"
}

// --- variant decoders; only called on schema-valid input ---

func decodeGetDevices(map[string]any) Request {
	return GetDevices{}
}

func decodeDevStatus(msg map[string]any) Request {
	return DevStatus{DeviceID: msg["deviceId"].(string)}
}

func decodeOnOff(msg map[string]any) Request {
	return SetPower{DeviceID: msg["deviceId"].(string), Value: integer(msg["data"])}
}

func decodeLevel(msg map[string]any) Request {
	return SetLevel{DeviceID: msg["deviceId"].(string), Level: integer(msg["data"])}
}

func decodeColorTemp(msg map[string]any) Request {
	data := msg["data"].(map[string]any)
	return SetColorTemp{
		DeviceID: msg["deviceId"].(string),
		Level:    integer(data["level"]),
		Kelvin:   integer(data["colorTemInKelvin"]),
	}
}

func decodeColor(msg map[string]any) Request {
	data := msg["data"].(map[string]any)
	return SetColor{
		DeviceID: msg["deviceId"].(string),
		Color: Color{
			R: integer(data["r"]),
			G: integer(data["g"]),
			B: integer(data["b"]),
		},
	}
}

// integer converts a schema-checked integral JSON number. Values such as 1.0
// are integers under JSON Schema, so fall back to the float form.
func integer(v any) int {
	n, ok := v.(json.Number)
	if !ok {
		return 0
	}
	if i, err := n.Int64(); err == nil {
		return int(i)
	}
	f, _ := n.Float64()
	return int(f)
}
