package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrTypeMismatch is returned by typed Request accessors when an argument
// exists but cannot be read as the requested type.
var ErrTypeMismatch = errors.New("controllers: argument type mismatch")

// Request is one parsed API call. Arguments merge the JSON body with query
// parameters; query parameters arrive as strings and the typed accessors
// coerce them.
type Request struct {
	Controller string
	Action     string
	// Connection identifies the client connection, when the protocol has
	// one (stream gateways always do).
	Connection string
	// Protocol names the transport the request arrived on: "http", "sse",
	// or "websocket".
	Protocol string
	// Volatile is opaque client data echoed into notifications.
	Volatile json.RawMessage

	args map[string]any
}

// NewRequest builds a Request with the given arguments.
func NewRequest(controller, action string, args map[string]any) *Request {
	if args == nil {
		args = map[string]any{}
	}
	return &Request{Controller: controller, Action: action, args: args}
}

// Set stores an argument, replacing any existing value.
func (r *Request) Set(name string, value any) { r.args[name] = value }

// Has reports whether an argument is present.
func (r *Request) Has(name string) bool {
	_, ok := r.args[name]
	return ok
}

// String returns a string argument, or def when absent.
func (r *Request) String(name, def string) (string, error) {
	v, ok := r.args[name]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrTypeMismatch, name)
	}
	return s, nil
}

// Int returns an integer argument, coercing JSON numbers and numeric
// strings, or def when absent.
func (r *Request) Int(name string, def int) (int, error) {
	v, ok := r.args[name]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, fmt.Errorf("%w: %s is not an integer", ErrTypeMismatch, name)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: %s is not an integer", ErrTypeMismatch, name)
}

// Bool returns a boolean argument, coercing the strings "true"/"false",
// or def when absent.
func (r *Request) Bool(name string, def bool) (bool, error) {
	v, ok := r.args[name]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch t {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %s is not a boolean", ErrTypeMismatch, name)
}

// Object returns an object argument, or def when absent. String values are
// parsed as JSON so object arguments survive query-string transport.
func (r *Request) Object(name string, def map[string]any) (map[string]any, error) {
	v, ok := r.args[name]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case json.RawMessage:
		return decodeObject(name, t)
	case string:
		return decodeObject(name, []byte(t))
	}
	return nil, fmt.Errorf("%w: %s is not an object", ErrTypeMismatch, name)
}

func decodeObject(name string, raw []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %s is not an object", ErrTypeMismatch, name)
	}
	return out, nil
}

// Array returns an array argument, or def when absent. String values are
// parsed as JSON, like Object.
func (r *Request) Array(name string, def []any) ([]any, error) {
	v, ok := r.args[name]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case []any:
		return t, nil
	case json.RawMessage:
		return decodeArray(name, t)
	case string:
		return decodeArray(name, []byte(t))
	}
	return nil, fmt.Errorf("%w: %s is not an array", ErrTypeMismatch, name)
}

func decodeArray(name string, raw []byte) ([]any, error) {
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %s is not an array", ErrTypeMismatch, name)
	}
	return out, nil
}

// RawObject returns an object argument re-encoded as raw JSON, or nil when
// absent. Used for filter documents that the engine parses itself.
func (r *Request) RawObject(name string) (json.RawMessage, error) {
	obj, err := r.Object(name, nil)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not an object", ErrTypeMismatch, name)
	}
	return b, nil
}
