package canonical_test

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/factrail/factrail/internal/canonical"
)

func TestEncode_sortedKeys(t *testing.T) {
	got, err := canonical.Encode(map[string]any{
		"zebra": 1,
		"alpha": 2,
		"mango": 3,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"alpha":2,"mango":3,"zebra":1}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestEncode_deterministicAcrossRuns(t *testing.T) {
	// Map iteration order is randomized per run; the canonical form must not be.
	v := map[string]any{
		"a": []any{1, "two", 3.5},
		"b": map[string]any{"x": true, "y": nil},
		"c": "text",
	}
	first, err := canonical.Encode(v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := 0; i < 100; i++ {
		next, err := canonical.Encode(v)
		if err != nil {
			t.Fatalf("Encode (run %d): %v", i, err)
		}
		if !bytes.Equal(first, next) {
			t.Fatalf("encoding not stable: %s vs %s", first, next)
		}
	}
}

func TestEncode_structsFollowJSONTags(t *testing.T) {
	type fact struct {
		Host    string `json:"host"`
		Port    int    `json:"port"`
		Skipped string `json:"-"`
		NoTag   bool
	}
	got, err := canonical.Encode(fact{Host: "10.0.0.4", Port: 443, Skipped: "x", NoTag: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"NoTag":true,"host":"10.0.0.4","port":443}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestEncode_numbers(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{int64(-42), "-42"},
		{uint64(18446744073709551615), "18446744073709551615"},
		{0.5, "0.5"},
		{float64(1e21), "1e+21"},
		{float32(0.1), "0.1"},
	}
	for _, c := range cases {
		got, err := canonical.Encode(c.in)
		if err != nil {
			t.Fatalf("Encode(%v): %v", c.in, err)
		}
		if string(got) != c.want {
			t.Errorf("Encode(%v) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestEncode_rejectsNonCanonicalValues(t *testing.T) {
	cases := map[string]any{
		"NaN":          math.NaN(),
		"+Inf":         math.Inf(1),
		"-Inf":         math.Inf(-1),
		"channel":      make(chan int),
		"func":         func() {},
		"complex":      complex(1, 2),
		"int map key":  map[int]string{1: "x"},
		"invalid utf8": string([]byte{0xff, 0xfe}),
	}
	for name, v := range cases {
		if _, err := canonical.Encode(v); err == nil {
			t.Errorf("%s: expected error", name)
		} else {
			var encErr *canonical.EncodingError
			if !errors.As(err, &encErr) {
				t.Errorf("%s: expected *EncodingError, got %T", name, err)
			}
		}
	}
}

func TestEncode_rejectsCycles(t *testing.T) {
	type node struct {
		Next *node `json:"next"`
	}
	n := &node{}
	n.Next = n
	if _, err := canonical.Encode(n); err == nil {
		t.Error("expected error for cyclic pointer")
	}

	m := map[string]any{}
	m["self"] = m
	if _, err := canonical.Encode(m); err == nil {
		t.Error("expected error for cyclic map")
	}
}

func TestEncode_bytesAndTime(t *testing.T) {
	got, err := canonical.Encode(map[string]any{
		"blob": []byte{0x01, 0x02},
		"at":   time.Date(2026, 8, 23, 10, 30, 0, 0, time.FixedZone("CEST", 2*3600)),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Timestamps normalize to UTC; []byte encodes as base64.
	want := `{"at":"2026-08-23T08:30:00Z","blob":"AQI="}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestEncode_escaping(t *testing.T) {
	got, err := canonical.Encode("a\"b\\c\nd\x01e")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `"a\"b\\c\nd\u0001e"`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestFingerprint_independentOfFieldOrder(t *testing.T) {
	a, err := canonical.Fingerprint("host-observed", map[string]any{
		"host":    "10.0.0.4",
		"scan_id": "nightly",
	})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := canonical.Fingerprint("host-observed", map[string]any{
		"scan_id": "nightly",
		"host":    "10.0.0.4",
	})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Errorf("field order changed the fingerprint: %s vs %s", a, b)
	}
}

func TestFingerprint_typeSeparatesFacts(t *testing.T) {
	key := map[string]any{"host": "10.0.0.4"}
	a, _ := canonical.Fingerprint("host-observed", key)
	b, _ := canonical.Fingerprint("host-decommissioned", key)
	if a == b {
		t.Error("different fact types must not share a fingerprint")
	}
}

func TestFingerprint_rejectsNonCanonicalKey(t *testing.T) {
	if _, err := canonical.Fingerprint("t", map[string]any{"bad": math.NaN()}); err == nil {
		t.Error("expected error for NaN in content key")
	}
}
