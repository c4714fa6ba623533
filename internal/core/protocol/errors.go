package protocol

import (
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed is returned when a frame is not a single valid JSON document.
var ErrMalformed = errors.New("protocol: malformed JSON")

// ValidationError reports a message that parsed as JSON but does not match
// the schema for its command.
type ValidationError struct {
	// Command is the command the message claimed, or "" when the envelope
	// itself failed.
	Command Command
	// Location is a JSON pointer into the message, e.g. "/msg/data".
	Location string
	Reason   string
}

func (e *ValidationError) Error() string {
	loc := e.Location
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, e.Reason)
}

// fromSchemaError flattens a jsonschema error tree to its first leaf, which
// names the offending instance location and keyword.
func fromSchemaError(cmd Command, prefix string, err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("protocol: validate: %w", err)
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return &ValidationError{Command: cmd, Location: prefix + ve.InstanceLocation, Reason: ve.Message}
}
