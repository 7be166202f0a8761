package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ParameterSet is an ordered, string-keyed, immutable map of parameter values.
// Values are the JSON scalar/composite types: string, float64, bool, nil,
// map[string]any, []any. Once built it is never mutated in place; merge
// operations return a new set. That is what makes parameter broadcast
// auditable: every execution unit sees byte-identical data.
type ParameterSet struct {
	keys   []string
	values map[string]any
}

// NewParameterSet builds a set from keys in first-seen order and their values.
// Keys without a value entry are dropped; duplicate keys keep the first
// occurrence. The inputs are copied.
func NewParameterSet(keys []string, values map[string]any) *ParameterSet {
	p := &ParameterSet{values: make(map[string]any, len(keys))}
	for _, k := range keys {
		v, ok := values[k]
		if !ok {
			continue
		}
		if _, dup := p.values[k]; dup {
			continue
		}
		p.keys = append(p.keys, k)
		p.values[k] = v
	}
	return p
}

// EmptyParameterSet returns a set with no entries.
func EmptyParameterSet() *ParameterSet {
	return &ParameterSet{values: map[string]any{}}
}

// Len returns the number of parameters.
func (p *ParameterSet) Len() int { return len(p.keys) }

// Keys returns the parameter names in insertion order. The slice is a copy.
func (p *ParameterSet) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Get returns the value for a name and whether it is present.
func (p *ParameterSet) Get(name string) (any, bool) {
	v, ok := p.values[name]
	return v, ok
}

// Map returns a mutable copy of the underlying values.
func (p *ParameterSet) Map() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// MergeUnder returns a new set with the entries of base merged beneath this
// set: explicit entries always win, absent base keys are appended after the
// explicit ones in sorted order so the result is deterministic.
func (p *ParameterSet) MergeUnder(base map[string]any) *ParameterSet {
	if len(base) == 0 {
		return p
	}
	merged := &ParameterSet{
		keys:   append([]string(nil), p.keys...),
		values: p.Map(),
	}
	extra := make([]string, 0, len(base))
	for k := range base {
		if _, ok := merged.values[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		merged.keys = append(merged.keys, k)
		merged.values[k] = base[k]
	}
	return merged
}

// WithDefaults returns a new set with declared defaults filled in for any
// spec'd parameter the caller did not supply. Specs without defaults are
// skipped; explicit values are never overridden.
func (p *ParameterSet) WithDefaults(specs []ParameterSpec) *ParameterSet {
	defaults := make(map[string]any)
	for _, s := range specs {
		if s.Default == nil {
			continue
		}
		if _, ok := p.values[s.Name]; !ok {
			defaults[s.Name] = s.Default
		}
	}
	return p.MergeUnder(defaults)
}

// MarshalJSON encodes the set as a JSON object preserving key order. Nested
// maps are encoded by encoding/json, which sorts their keys, so the encoding
// of a given set is canonical.
func (p *ParameterSet) MarshalJSON() ([]byte, error) {
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
		vb, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, fmt.Errorf("encode parameter %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// CanonicalJSON returns the canonical encoding used for cache keys and audit
// logs. It is MarshalJSON with errors collapsed; an unencodable value cannot
// occur for sets built by the normalizer.
func (p *ParameterSet) CanonicalJSON() []byte {
	b, err := p.MarshalJSON()
	if err != nil {
		return []byte("{}")
	}
	return b
}
