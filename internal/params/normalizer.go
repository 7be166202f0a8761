// Package params converts channel-specific request shapes into the canonical
// ParameterSet consumed by the dispatcher.
package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"workflow-gateway/backend/pkg/models"
)

// DefaultMaxInputBytes caps the serialized size of any single input.
const DefaultMaxInputBytes = int64(10 << 20)

// deniedKeys lists structurally dangerous parameter names: names that would
// resolve to interpreter or reflection primitives in a dynamic executor.
// Rejecting them here is a security invariant, not a convenience.
var deniedKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
	"eval":        {},
	"exec":        {},
	"__import__":  {},
	"globals":     {},
	"builtins":    {},
}

// Normalizer parses raw channel input into immutable parameter sets. It has
// no side effects and holds no per-request state.
type Normalizer struct {
	maxBytes int64
}

// New creates a Normalizer with the given size cap; zero or negative means
// the default 10 MiB.
func New(maxBytes int64) *Normalizer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxInputBytes
	}
	return &Normalizer{maxBytes: maxBytes}
}

// FromJSON parses a JSON object body (API and tool channels), preserving the
// order keys appear in on the wire.
func (n *Normalizer) FromJSON(raw []byte) (*models.ParameterSet, error) {
	if int64(len(raw)) > n.maxBytes {
		return nil, models.NewError(models.KindInputTooLarge,
			fmt.Sprintf("input is %d bytes, limit is %d", len(raw), n.maxBytes))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return models.EmptyParameterSet(), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, models.NewError(models.KindMalformedInput, "invalid JSON: "+err.Error())
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, models.NewError(models.KindMalformedInput, "input must be a JSON object")
	}

	var keys []string
	values := make(map[string]any)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, models.NewError(models.KindMalformedInput, "invalid JSON: "+err.Error())
		}
		key := keyTok.(string)
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, models.NewError(models.KindMalformedInput,
				fmt.Sprintf("invalid value for %q: %v", key, err))
		}
		keys = append(keys, key)
		values[key] = normalizeNumbers(value)
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, models.NewError(models.KindMalformedInput, "invalid JSON: "+err.Error())
	}

	if err := checkKeys(values); err != nil {
		return nil, err
	}
	return models.NewParameterSet(keys, values), nil
}

// FromArguments normalizes an already-decoded argument map (tool channel).
// Map iteration order is not meaningful, so keys are sorted for determinism.
func (n *Normalizer) FromArguments(args map[string]any) (*models.ParameterSet, error) {
	if err := n.checkSize(args); err != nil {
		return nil, err
	}
	if err := checkKeys(args); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return models.NewParameterSet(keys, args), nil
}

// FromFlags maps CLI flag arguments into a parameter set. Accepted forms are
// "--key value", "--key=value" and bare "key=value"; values that parse as
// JSON scalars or composites keep their typed form, anything else is a string.
func (n *Normalizer) FromFlags(args []string) (*models.ParameterSet, error) {
	var keys []string
	values := make(map[string]any)

	add := func(key, raw string) error {
		if key == "" {
			return models.NewError(models.KindMalformedInput, "empty parameter name")
		}
		if _, dup := values[key]; dup {
			return models.NewError(models.KindMalformedInput,
				fmt.Sprintf("duplicate parameter %q", key))
		}
		keys = append(keys, key)
		values[key] = parseFlagValue(raw)
		return nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--"):
			body := strings.TrimPrefix(arg, "--")
			if eq := strings.IndexByte(body, '='); eq >= 0 {
				if err := add(body[:eq], body[eq+1:]); err != nil {
					return nil, err
				}
				continue
			}
			if i+1 >= len(args) {
				return nil, models.NewError(models.KindMalformedInput,
					fmt.Sprintf("flag --%s is missing a value", body))
			}
			i++
			if err := add(body, args[i]); err != nil {
				return nil, err
			}
		case strings.Contains(arg, "="):
			eq := strings.IndexByte(arg, '=')
			if err := add(arg[:eq], arg[eq+1:]); err != nil {
				return nil, err
			}
		default:
			return nil, models.NewError(models.KindMalformedInput,
				fmt.Sprintf("cannot parse argument %q", arg))
		}
	}

	if err := n.checkSize(values); err != nil {
		return nil, err
	}
	if err := checkKeys(values); err != nil {
		return nil, err
	}
	return models.NewParameterSet(keys, values), nil
}

func (n *Normalizer) checkSize(values map[string]any) error {
	b, err := json.Marshal(values)
	if err != nil {
		return models.NewError(models.KindMalformedInput, "unencodable input: "+err.Error())
	}
	if int64(len(b)) > n.maxBytes {
		return models.NewError(models.KindInputTooLarge,
			fmt.Sprintf("input is %d bytes, limit is %d", len(b), n.maxBytes))
	}
	return nil
}

// checkKeys rejects denied names at any nesting depth.
func checkKeys(value any) error {
	switch v := value.(type) {
	case map[string]any:
		for k, nested := range v {
			if _, bad := deniedKeys[strings.ToLower(k)]; bad {
				return models.NewError(models.KindMalformedInput,
					fmt.Sprintf("parameter name %q is not allowed", k))
			}
			if err := checkKeys(nested); err != nil {
				return err
			}
		}
	case []any:
		for _, nested := range v {
			if err := checkKeys(nested); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseFlagValue(raw string) any {
	var v any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err == nil && !dec.More() {
		switch v.(type) {
		case json.Number, bool, nil, map[string]any, []any:
			return normalizeNumbers(v)
		}
	}
	return raw
}

// normalizeNumbers converts json.Number values to float64 so parameter values
// compare equal regardless of which channel produced them.
func normalizeNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		for k, nested := range v {
			v[k] = normalizeNumbers(nested)
		}
		return v
	case []any:
		for i, nested := range v {
			v[i] = normalizeNumbers(nested)
		}
		return v
	default:
		return value
	}
}
