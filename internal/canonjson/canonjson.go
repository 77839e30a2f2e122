// Copyright 2025 James Ross
// Package canonjson produces a deterministic byte serialization of a JSON
// value, suitable as the input to a digital signature. Two semantically
// equal values serialize to identical bytes.
package canonjson

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize encodes v (any value accepted by encoding/json) as canonical
// JSON: object keys sorted by Unicode code point, no whitespace, minimal
// string escapes, and non-ASCII bytes emitted verbatim as UTF-8.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	var decoded interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("canonjson: decode: %w", err)
	}
	var sb strings.Builder
	encodeValue(&sb, decoded)
	return []byte(sb.String()), nil
}

// CanonicalizeForSigning canonicalizes v after removing its top-level
// "signature" key, matching the manifest signature-input convention.
func CanonicalizeForSigning(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		// Not an object; canonicalize as-is.
		return Canonicalize(v)
	}
	delete(m, "signature")
	return Canonicalize(m)
}

func encodeValue(sb *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case json.Number:
		sb.WriteString(formatNumber(val))
	case string:
		encodeString(sb, val)
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			encodeValue(sb, item)
		}
		sb.WriteByte(']')
	case map[string]interface{}:
		encodeObject(sb, val)
	case map[string]json.RawMessage:
		obj := make(map[string]interface{}, len(val))
		for k, raw := range val {
			var d interface{}
			dec := json.NewDecoder(strings.NewReader(string(raw)))
			dec.UseNumber()
			_ = dec.Decode(&d)
			obj[k] = d
		}
		encodeObject(sb, obj)
	default:
		// Fallback: re-marshal and recurse through the decoder so every
		// exotic Go type still gets canonical treatment.
		raw, err := json.Marshal(val)
		if err != nil {
			sb.WriteString("null")
			return
		}
		var decoded interface{}
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			sb.WriteString("null")
			return
		}
		encodeValue(sb, decoded)
	}
}

func encodeObject(sb *strings.Builder, obj map[string]interface{}) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys) // sorts by byte value, which matches code point order for valid UTF-8 keys
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		encodeString(sb, k)
		sb.WriteByte(':')
		encodeValue(sb, obj[k])
	}
	sb.WriteByte('}')
}

func encodeString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
}

// formatNumber renders a json.Number using its shortest round-trip decimal
// form, matching how encoding/json emitted it (no forced trailing ".0").
func formatNumber(n json.Number) string {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := n.Float64()
	if err != nil {
		return s
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
