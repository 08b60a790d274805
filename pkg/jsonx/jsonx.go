// Package jsonx wraps the goccy JSON codec used across the engine for
// cursor blobs, custom-field maps, and raw payload audit copies.
package jsonx

import (
	gojson "github.com/goccy/go-json"
)

// Marshal encodes v as JSON.
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// MarshalIndent encodes v as indented JSON.
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// MustMarshal encodes v and panics on failure. Only for values the
// caller constructed itself (maps of primitives, engine structs).
func MustMarshal(v interface{}) []byte {
	data, err := gojson.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
