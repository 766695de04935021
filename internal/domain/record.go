package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Record is a JSON object that remembers the order of its keys. Values are
// kept as raw JSON so that they round-trip unchanged.
type Record struct {
	keys   []string
	values map[string]json.RawMessage
}

// NewRecord returns an empty record.
func NewRecord() Record {
	return Record{values: make(map[string]json.RawMessage)}
}

// Len returns the number of keys.
func (r Record) Len() int { return len(r.keys) }

// Keys returns the keys in insertion order.
func (r Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Get returns the raw JSON value for key.
func (r Record) Get(key string) (json.RawMessage, bool) {
	v, ok := r.values[key]
	return v, ok
}

// String returns the value for key as a string. JSON strings are unquoted;
// numbers and booleans are returned literally; null and missing keys yield "".
func (r Record) String(key string) string {
	v, ok := r.values[key]
	if !ok {
		return ""
	}
	return rawString(v)
}

// Float returns the value for key as a float64. Numeric strings are accepted.
func (r Record) Float(key string) (float64, bool) {
	s := r.String(key)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Set stores value under key, marshalling it to JSON. New keys are appended.
func (r *Record) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling %q: %w", key, err)
	}
	r.setRaw(key, raw, false)
	return nil
}

// SetFront is like Set but inserts new keys at the front.
func (r *Record) SetFront(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling %q: %w", key, err)
	}
	r.setRaw(key, raw, true)
	return nil
}

// Delete removes key if present.
func (r *Record) Delete(key string) {
	if _, ok := r.values[key]; !ok {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := Record{
		keys:   make([]string, len(r.keys)),
		values: make(map[string]json.RawMessage, len(r.values)),
	}
	copy(out.keys, r.keys)
	for k, v := range r.values {
		out.values[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func (r *Record) setRaw(key string, raw json.RawMessage, front bool) {
	if r.values == nil {
		r.values = make(map[string]json.RawMessage)
	}
	if _, exists := r.values[key]; !exists {
		if front {
			r.keys = append([]string{key}, r.keys...)
		} else {
			r.keys = append(r.keys, key)
		}
	}
	r.values[key] = raw
}

// MarshalJSON writes the object with keys in insertion order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		v := r.values[k]
		if len(v) == 0 {
			buf.WriteString("null")
		} else {
			buf.Write(v)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, keeping key order. Duplicate keys keep
// their first position and last value.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record: expected object, got %v", tok)
	}
	*r = NewRecord()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("record: expected key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("record: decoding %q: %w", key, err)
		}
		r.setRaw(key, raw, false)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

func rawString(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return ""
	}
	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	return string(v)
}
