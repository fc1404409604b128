// Package canonicaljson produces the canonical JSON form Matrix signatures
// are computed over: object keys sorted, insignificant whitespace removed,
// and no HTML escaping.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize re-encodes a JSON document into canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return encode(v)
}

// Marshal encodes a Go value into canonical JSON.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return Canonicalize(raw)
}

// SignableJSON returns the canonical form of a JSON object with the
// "signatures" and "unsigned" keys removed, which is the byte string Matrix
// device and key signatures cover.
func SignableJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("failed to parse JSON object: %w", err)
	}
	delete(obj, "signatures")
	delete(obj, "unsigned")
	return encode(obj)
}

// SignableFrom marshals a Go value and returns its signable canonical form.
func SignableFrom(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return SignableJSON(raw)
}

// encode relies on encoding/json emitting map keys in sorted order, which
// gives canonical ordering for free; the encoder is only configured to skip
// HTML escaping.
func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode canonical JSON: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
