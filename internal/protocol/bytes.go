package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ByteSlice is a []byte that marshals as a JSON array of numbers 0-255
// rather than base64. Document updates and full-state snapshots cross the
// wire in this form. Unmarshalling accepts both the array form and a base64
// string so either encoding of the same payload is readable.
type ByteSlice []byte

// MarshalJSON implements json.Marshaler.
func (b ByteSlice) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	ints := make([]uint16, len(b))
	for i, v := range b {
		ints[i] = uint16(v)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSlice) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("byte payload is neither an array nor base64: %w", err)
		}
		*b = raw
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte payload value %d out of range at index %d", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
