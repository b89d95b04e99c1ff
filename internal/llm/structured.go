package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Validator checks a decoded value. Returns nil if valid.
type Validator[T any] func(T) error

// DecodeJSON decodes raw as exactly one JSON object of type T. Unknown
// fields, trailing data and prose around the object are all rejected: a
// structured response either conforms or fails with ErrInvalidOutput.
func DecodeJSON[T any](raw string, validate Validator[T]) (T, error) {
	var zero T

	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return zero, fmt.Errorf("%w: response is not a JSON object: %q", ErrInvalidOutput, snippet([]byte(trimmed)))
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.DisallowUnknownFields()

	var v T
	if err := dec.Decode(&v); err != nil {
		return zero, fmt.Errorf("%w: %v: %q", ErrInvalidOutput, err, snippet([]byte(trimmed)))
	}
	if dec.More() {
		return zero, fmt.Errorf("%w: trailing data after JSON object: %q", ErrInvalidOutput, snippet([]byte(trimmed)))
	}

	if validate != nil {
		if err := validate(v); err != nil {
			return zero, fmt.Errorf("%w: validation failed: %v: %q", ErrInvalidOutput, err, snippet([]byte(trimmed)))
		}
	}
	return v, nil
}
