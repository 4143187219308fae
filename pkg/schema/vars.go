package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Vars is an insertion-ordered string-keyed mapping. Marshal and iteration
// order match set order, so extracted values and context variables render
// deterministically. Not safe for concurrent use; each run owns its own.
type Vars struct {
	keys   []string
	values map[string]any
}

// NewVars creates an empty Vars.
func NewVars() *Vars {
	return &Vars{values: make(map[string]any)}
}

// Set inserts or replaces a value. First insertion fixes the key's position.
func (v *Vars) Set(key string, value any) {
	if v.values == nil {
		v.values = make(map[string]any)
	}
	if _, ok := v.values[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.values[key] = value
}

// Get returns the value and whether the key exists.
func (v *Vars) Get(key string) (any, bool) {
	if v == nil || v.values == nil {
		return nil, false
	}
	val, ok := v.values[key]
	return val, ok
}

// Delete removes a key. No-op when absent.
func (v *Vars) Delete(key string) {
	if v == nil || v.values == nil {
		return
	}
	if _, ok := v.values[key]; !ok {
		return
	}
	delete(v.values, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (v *Vars) Len() int {
	if v == nil {
		return 0
	}
	return len(v.keys)
}

// Keys returns the keys in insertion order.
func (v *Vars) Keys() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Snapshot returns a plain map view for expression engines. Mutating the
// returned map does not affect the Vars.
func (v *Vars) Snapshot() map[string]any {
	out := make(map[string]any, v.Len())
	if v == nil {
		return out
	}
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// MarshalJSON renders entries as a JSON object in insertion order.
func (v *Vars) MarshalJSON() ([]byte, error) {
	if v == nil || len(v.keys) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range v.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(v.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving document key order.
func (v *Vars) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("vars: expected JSON object, got %v", tok)
	}

	v.keys = nil
	v.values = make(map[string]any)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("vars: expected string key, got %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return err
		}
		v.Set(key, val)
	}

	// Consume closing brace.
	_, err = dec.Token()
	return err
}
