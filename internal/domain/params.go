package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Parameters is an ordered mapping from string keys to JSON-typed values.
// Ordering is by key so that the canonical serialization of two equal
// parameter sets is byte-identical regardless of construction order.
//
// Allowed value types: string, int64, Decimal, bool, []any (lists in
// insertion order), and nested Parameters.
type Parameters struct {
	values map[string]any
}

// Decimal is a decimal scalar carried as text. Canonical form strips trailing
// zeros after the decimal point ("1.50" and "1.5" serialize identically).
type Decimal string

// ParametersBuilder assembles a Parameters value. Duplicate keys at the same
// level fail with ErrInvalidArgument; the first error is latched and returned
// by Build.
type ParametersBuilder struct {
	values map[string]any
	err    error
}

// NewParameters returns a builder for an empty parameter set.
func NewParameters() *ParametersBuilder {
	return &ParametersBuilder{values: make(map[string]any)}
}

func (b *ParametersBuilder) set(key string, v any) *ParametersBuilder {
	if b.err != nil {
		return b
	}
	if key == "" {
		b.err = fmt.Errorf("op=params.set: empty key: %w", ErrInvalidArgument)
		return b
	}
	if _, dup := b.values[key]; dup {
		b.err = fmt.Errorf("op=params.set: duplicate key %q: %w", key, ErrInvalidArgument)
		return b
	}
	b.values[key] = v
	return b
}

// String adds a string parameter.
func (b *ParametersBuilder) String(key, v string) *ParametersBuilder { return b.set(key, v) }

// Int adds an integer parameter.
func (b *ParametersBuilder) Int(key string, v int64) *ParametersBuilder { return b.set(key, v) }

// Bool adds a boolean parameter.
func (b *ParametersBuilder) Bool(key string, v bool) *ParametersBuilder { return b.set(key, v) }

// Decimal adds a decimal parameter. The text must parse as a decimal number.
func (b *ParametersBuilder) Decimal(key string, v Decimal) *ParametersBuilder {
	if b.err != nil {
		return b
	}
	if _, err := strconv.ParseFloat(string(v), 64); err != nil {
		b.err = fmt.Errorf("op=params.decimal: key %q value %q: %w", key, v, ErrInvalidArgument)
		return b
	}
	return b.set(key, v)
}

// List adds a list parameter. Elements keep insertion order and may mix types
// drawn from the allowed scalar set, nested lists, and nested Parameters.
func (b *ParametersBuilder) List(key string, elems ...any) *ParametersBuilder {
	if b.err != nil {
		return b
	}
	for i, e := range elems {
		if err := checkValue(e); err != nil {
			b.err = fmt.Errorf("op=params.list: key %q element %d: %w", key, i, err)
			return b
		}
	}
	cp := make([]any, len(elems))
	copy(cp, elems)
	return b.set(key, cp)
}

// Map adds a nested parameter map built from its own builder.
func (b *ParametersBuilder) Map(key string, nested *ParametersBuilder) *ParametersBuilder {
	if b.err != nil {
		return b
	}
	p, err := nested.Build()
	if err != nil {
		b.err = fmt.Errorf("op=params.map: key %q: %w", key, err)
		return b
	}
	return b.set(key, p)
}

// Build finalizes the parameter set, returning the first construction error
// if any value was rejected.
func (b *ParametersBuilder) Build() (Parameters, error) {
	if b.err != nil {
		return Parameters{}, b.err
	}
	return Parameters{values: b.values}, nil
}

func checkValue(v any) error {
	switch tv := v.(type) {
	case string, int64, bool, Decimal, Parameters:
		return nil
	case int:
		return nil
	case []any:
		for i, e := range tv {
			if err := checkValue(e); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported parameter type %T: %w", v, ErrInvalidArgument)
	}
}

// Len returns the number of top-level keys.
func (p Parameters) Len() int { return len(p.values) }

// Get returns the value for key, if present.
func (p Parameters) Get(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// GetInt returns the integer value for key, or 0 when absent or non-integer.
func (p Parameters) GetInt(key string) int64 {
	switch v := p.values[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// GetString returns the string value for key, or "" when absent.
func (p Parameters) GetString(key string) string {
	if s, ok := p.values[key].(string); ok {
		return s
	}
	return ""
}

// GetBool returns the boolean value for key, or false when absent.
func (p Parameters) GetBool(key string) bool {
	b, _ := p.values[key].(bool)
	return b
}

// Keys returns the top-level keys in canonical (sorted) order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CanonicalJSON serializes the parameters in canonical form: keys sorted,
// integers in minimal base-10, decimals stripped of trailing zeros, booleans
// as true/false, lists in insertion order. The output feeds the task
// signature, so it must be stable across processes.
func (p Parameters) CanonicalJSON() string {
	var sb strings.Builder
	writeCanonicalMap(&sb, p.values)
	return sb.String()
}

// MarshalJSON renders the canonical form.
func (p Parameters) MarshalJSON() ([]byte, error) {
	return []byte(p.CanonicalJSON()), nil
}

// UnmarshalJSON restores parameters from their canonical form. Numbers decode
// as int64 when integral and Decimal otherwise.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("op=params.unmarshal: %w", err)
	}
	values := make(map[string]any, len(raw))
	for k, rv := range raw {
		v, err := decodeValue(rv)
		if err != nil {
			return fmt.Errorf("op=params.unmarshal: key %q: %w", k, err)
		}
		values[k] = v
	}
	p.values = values
	return nil
}

func decodeValue(data json.RawMessage) (any, error) {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "true":
		return true, nil
	case trimmed == "false":
		return false, nil
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(trimmed, "{"):
		var nested Parameters
		if err := nested.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return nested, nil
	case strings.HasPrefix(trimmed, "["):
		var elems []json.RawMessage
		if err := json.Unmarshal(data, &elems); err != nil {
			return nil, err
		}
		out := make([]any, 0, len(elems))
		for _, e := range elems {
			v, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return i, nil
		}
		if _, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return Decimal(trimmed), nil
		}
		return nil, fmt.Errorf("unrecognized JSON value %q", trimmed)
	}
}

func writeCanonicalMap(sb *strings.Builder, values map[string]any) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		writeJSONString(sb, k)
		sb.WriteByte(':')
		writeCanonicalValue(sb, values[k])
	}
	sb.WriteByte('}')
}

func writeCanonicalValue(sb *strings.Builder, v any) {
	switch tv := v.(type) {
	case string:
		writeJSONString(sb, tv)
	case bool:
		if tv {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case int:
		sb.WriteString(strconv.FormatInt(int64(tv), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(tv, 10))
	case Decimal:
		sb.WriteString(normalizeDecimal(string(tv)))
	case []any:
		sb.WriteByte('[')
		for i, e := range tv {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonicalValue(sb, e)
		}
		sb.WriteByte(']')
	case Parameters:
		writeCanonicalMap(sb, tv.values)
	default:
		// checkValue rejects everything else at construction time.
		sb.WriteString("null")
	}
}

func writeJSONString(sb *strings.Builder, s string) {
	b, _ := json.Marshal(s)
	sb.Write(b)
}

// normalizeDecimal strips trailing zeros after the decimal point and a
// dangling point itself, leaving integral text untouched.
func normalizeDecimal(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		return s + "0"
	}
	return s
}
