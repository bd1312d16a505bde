package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrMalformed    = errors.New("malformed envelope")
	ErrMissingCmd   = errors.New("envelope has no cmd")
	ErrMissingField = errors.New("envelope field missing")
	ErrFieldType    = errors.New("envelope field has wrong type")
)

// Envelope is one controller command. Fields keeps every member of the
// JSON object so command specific values are read on demand.
type Envelope struct {
	Cmd    Command
	Fields map[string]json.RawMessage
	Raw    []byte
}

// ParseEnvelope decodes one JSON object. Syntax errors wrap ErrMalformed;
// JSON that is valid but not an object is reported as ErrFieldType.
func ParseEnvelope(b []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) || len(bytes.TrimSpace(b)) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrFieldType, err)
	}

	env := &Envelope{Fields: fields, Raw: append([]byte(nil), b...)}
	if raw, ok := fields["cmd"]; ok {
		var cmd string
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return nil, fmt.Errorf("%w: cmd: %v", ErrFieldType, err)
		}
		env.Cmd = Command(cmd)
	} else {
		env.Cmd = CmdUnknown
	}
	return env, nil
}

// NewEnvelope builds an outgoing envelope.
func NewEnvelope(cmd Command, fields map[string]any) (*Envelope, error) {
	env := &Envelope{Cmd: cmd, Fields: map[string]json.RawMessage{}}
	raw, err := json.Marshal(string(cmd))
	if err != nil {
		return nil, err
	}
	env.Fields["cmd"] = raw
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		env.Fields[k] = b
	}
	return env, nil
}

// HasCmd reports whether the object carried a cmd member at all.
func (e *Envelope) HasCmd() bool {
	_, ok := e.Fields["cmd"]
	return ok
}

func (e *Envelope) IntField(key string) (int, error) {
	raw, ok := e.Fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrFieldType, key, err)
	}
	return n, nil
}

func (e *Envelope) StringField(key string) (string, error) {
	raw, ok := e.Fields[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFieldType, key, err)
	}
	return s, nil
}

// TextField returns the field as text: strings unquoted, numbers and other
// values in their JSON form. Challenge fields may arrive as either.
func (e *Envelope) TextField(key string) (string, error) {
	raw, ok := e.Fields[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String(), nil
	}
	return string(bytes.TrimSpace(raw)), nil
}

// Marshal encodes the envelope the way the controller always has: an
// indented JSON object.
func (e *Envelope) Marshal() ([]byte, error) {
	return MarshalIndent(e.Fields)
}

// MarshalIndent is the shared encoder for every JSON message on the wire.
func MarshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "    ")
}

// Quote is used when logging raw bytes received off the wire.
func Quote(b []byte) string {
	return strconv.Quote(string(b))
}
