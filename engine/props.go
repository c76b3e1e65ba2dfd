package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Props is an ordered map of string keys to JSON values. Keys keep their insertion order
// when encoded, so the rendering side sees props exactly as the caller built them.
type Props struct {
	keys   []string
	values map[string]json.RawMessage
}

// NewProps builds Props from alternating key/value pairs.
func NewProps(kv ...any) (Props, error) {
	if len(kv)%2 != 0 {
		return Props{}, fmt.Errorf("odd number of key/value arguments: %d", len(kv))
	}
	var p Props
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			return Props{}, fmt.Errorf("key %d is %T, not string", i/2, kv[i])
		}
		if err := p.Set(k, kv[i+1]); err != nil {
			return Props{}, err
		}
	}
	return p, nil
}

// Set encodes v and stores it under key. Re-setting a key keeps its original position.
func (p *Props) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding prop %q: %w", key, err)
	}
	p.setRaw(key, b)
	return nil
}

func (p *Props) setRaw(key string, raw json.RawMessage) {
	if p.values == nil {
		p.values = map[string]json.RawMessage{}
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = raw
}

func (p Props) Get(key string) (json.RawMessage, bool) {
	v, ok := p.values[key]
	return v, ok
}

func (p Props) Keys() []string {
	return append([]string(nil), p.keys...)
}

func (p Props) Len() int { return len(p.keys) }

// Map decodes the props into plain Go values, losing key order.
func (p Props) Map() (map[string]any, error) {
	m := make(map[string]any, len(p.keys))
	for _, k := range p.keys {
		var v any
		if err := json.Unmarshal(p.values[k], &v); err != nil {
			return nil, fmt.Errorf("decoding prop %q: %w", k, err)
		}
		m[k] = v
	}
	return m, nil
}

func (p Props) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(p.values[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Props) UnmarshalJSON(b []byte) error {
	*p = Props{}
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("props must be a JSON object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decoding prop %q: %w", key, err)
		}
		p.setRaw(key, raw)
	}
	_, err = dec.Token()
	return err
}
