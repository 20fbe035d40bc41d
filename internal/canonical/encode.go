// Package canonical produces byte-stable encodings of facts so that
// identical logical values always hash identically, independent of map
// iteration order, struct tag quirks, or the submitting process.
//
// The output format is canonical JSON: object keys sorted lexicographically,
// compact separators, shortest round-trip number formatting. It matches what
// downstream verifiers recompute when checking entry hashes, so any change
// here is a breaking change to every existing chain.
package canonical

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"
)

// EncodingError reports input that has no canonical representation.
// Facts that trigger it are rejected before they reach the ledger.
type EncodingError struct {
	Type   string // Go type of the offending value
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("canonical: cannot encode %s: %s", e.Type, e.Reason)
}

// Encode serializes v into canonical JSON. It is total and deterministic:
// the same logical value always yields identical bytes. Values with no
// canonical form (NaN, ±Inf, channels, funcs, complex numbers, cyclic
// references, invalid UTF-8 strings) are rejected with *EncodingError.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := &encoder{buf: &buf, seen: make(map[uintptr]struct{})}
	if err := enc.encode(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type encoder struct {
	buf  *bytes.Buffer
	seen map[uintptr]struct{} // pointers on the current path, for cycle detection
}

var timeType = reflect.TypeOf(time.Time{})

func (e *encoder) encode(v reflect.Value) error {
	if !v.IsValid() {
		e.buf.WriteString("null")
		return nil
	}

	// Timestamps are informational payload; encode them in a fixed form.
	if v.Type() == timeType {
		t := v.Interface().(time.Time)
		return e.encodeString(t.UTC().Format(time.RFC3339Nano))
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.Write(strconv.AppendInt(nil, v.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.buf.Write(strconv.AppendUint(nil, v.Uint(), 10))
		return nil

	case reflect.Float32, reflect.Float64:
		return e.encodeFloat(v)

	case reflect.String:
		return e.encodeString(v.String())

	case reflect.Slice, reflect.Array:
		return e.encodeSequence(v)

	case reflect.Map:
		return e.encodeMap(v)

	case reflect.Struct:
		return e.encodeStruct(v)

	case reflect.Ptr:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		ptr := v.Pointer()
		if _, ok := e.seen[ptr]; ok {
			return &EncodingError{Type: v.Type().String(), Reason: "cyclic reference"}
		}
		e.seen[ptr] = struct{}{}
		err := e.encode(v.Elem())
		delete(e.seen, ptr)
		return err

	case reflect.Interface:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.encode(v.Elem())

	default:
		return &EncodingError{Type: v.Type().String(), Reason: "unsupported kind " + v.Kind().String()}
	}
}

func (e *encoder) encodeFloat(v reflect.Value) error {
	f := v.Float()
	if math.IsNaN(f) {
		return &EncodingError{Type: v.Type().String(), Reason: "NaN has no canonical form"}
	}
	if math.IsInf(f, 0) {
		return &EncodingError{Type: v.Type().String(), Reason: "infinity has no canonical form"}
	}
	bits := 64
	if v.Kind() == reflect.Float32 {
		bits = 32
	}
	// Shortest representation that round-trips at the value's own width.
	e.buf.Write(strconv.AppendFloat(nil, f, 'g', -1, bits))
	return nil
}

// encodeString writes a JSON string with a fixed escaping policy: the two
// mandatory escapes, control characters as \u00XX, everything else verbatim.
// Invalid UTF-8 is rejected rather than silently replaced, since replacement
// would make distinct inputs encode identically.
func (e *encoder) encodeString(s string) error {
	if !utf8.ValidString(s) {
		return &EncodingError{Type: "string", Reason: "invalid UTF-8"}
	}
	e.buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(e.buf, `\u%04x`, r)
			} else {
				e.buf.WriteRune(r)
			}
		}
	}
	e.buf.WriteByte('"')
	return nil
}

func (e *encoder) encodeSequence(v reflect.Value) error {
	// []byte follows the JSON convention: base64 string.
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
		return e.encodeString(base64.StdEncoding.EncodeToString(v.Bytes()))
	}
	if v.Kind() == reflect.Slice && v.IsNil() {
		e.buf.WriteString("null")
		return nil
	}
	e.buf.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(v.Index(i)); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

func (e *encoder) encodeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return &EncodingError{Type: v.Type().String(), Reason: "map keys must be strings"}
	}
	if v.IsNil() {
		e.buf.WriteString("null")
		return nil
	}
	ptr := v.Pointer()
	if _, ok := e.seen[ptr]; ok {
		return &EncodingError{Type: v.Type().String(), Reason: "cyclic reference"}
	}
	e.seen[ptr] = struct{}{}
	defer delete(e.seen, ptr)

	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encodeString(k); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.encode(v.MapIndex(reflect.ValueOf(k))); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) encodeStruct(v reflect.Value) error {
	type field struct {
		name string
		val  reflect.Value
	}
	t := v.Type()
	fields := make([]field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" { // unexported
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			}
			if idx := indexComma(tag); idx >= 0 {
				tag = tag[:idx]
			}
			if tag != "" {
				name = tag
			}
		}
		fields = append(fields, field{name: name, val: v.Field(i)})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	e.buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encodeString(f.name); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.encode(f.val); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func indexComma(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return i
		}
	}
	return -1
}
