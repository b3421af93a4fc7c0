package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id. It keeps the distinction between string and
// numeric ids so a response echoes exactly what the peer sent.
type RequestID struct {
	value interface{}
}

// StringID returns a string request id.
func StringID(s string) *RequestID {
	return &RequestID{value: s}
}

// IntID returns a numeric request id.
func IntID(n int64) *RequestID {
	return &RequestID{value: n}
}

// String returns the textual form of the id.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Key returns a value usable as a map key that never collides between the
// string "1" and the number 1.
func (id *RequestID) Key() string {
	if id.IsNil() {
		return ""
	}
	if _, ok := id.value.(string); ok {
		return "s:" + id.String()
	}
	return "n:" + id.String()
}

// Value returns the underlying string, int64 or float64.
func (id *RequestID) Value() interface{} {
	if id == nil {
		return nil
	}
	return id.value
}

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// MarshalJSON implements json.Marshaler
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		if n, err := num.Int64(); err == nil {
			id.value = n
			return nil
		}
		f, err := num.Float64()
		if err != nil {
			return err
		}
		id.value = f
		return nil
	}

	return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
}
