// Package codec converts event values to and from their JSON wire form.
//
// Wire field names are lower camel case and come from the json tags on the
// event types; the codec applies them uniformly and never renames fields.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const ContentTypeJSON = "application/json"

// ErrMalformedPayload marks bytes that do not match the expected schema.
var ErrMalformedPayload = errors.New("malformed payload")

// Validator is implemented by event types that check their own invariants.
type Validator interface {
	Validate() error
}

// JSON encodes and decodes values of type T. The zero value is ready to use
// and safe for concurrent use.
type JSON[T any] struct{}

func NewJSON[T any]() JSON[T] {
	return JSON[T]{}
}

// Decode parses a single JSON value into T and validates it. Unknown fields are
// ignored so producers can add fields without breaking the relay.
func (JSON[T]) Decode(data []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return v, fmt.Errorf("%w: trailing content after json value", ErrMalformedPayload)
	}
	if err := validate(v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return v, nil
}

// Encode renders v without HTML escaping or a trailing newline.
func (JSON[T]) Encode(v T) ([]byte, error) {
	if err := validate(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (JSON[T]) ContentType() string { return ContentTypeJSON }

func validate(v any) error {
	if val, ok := v.(Validator); ok {
		return val.Validate()
	}
	return nil
}
