package controllers

import (
	"errors"
	"testing"
)

func TestRequestStringAndDefaults(t *testing.T) {
	req := NewRequest("c", "a", map[string]any{"name": "ada"})
	s, err := req.String("name", "")
	if err != nil || s != "ada" {
		t.Fatalf("String = %q, %v", s, err)
	}
	s, err = req.String("missing", "fallback")
	if err != nil || s != "fallback" {
		t.Fatalf("default = %q, %v", s, err)
	}
	req.Set("n", 7)
	if _, err := req.String("n", ""); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("non-string error = %v", err)
	}
}

func TestRequestIntCoercion(t *testing.T) {
	req := NewRequest("c", "a", map[string]any{
		"json":   float64(5),
		"query":  "12",
		"broken": "twelve",
	})
	if n, err := req.Int("json", 0); err != nil || n != 5 {
		t.Fatalf("json number = %d, %v", n, err)
	}
	if n, err := req.Int("query", 0); err != nil || n != 12 {
		t.Fatalf("query string = %d, %v", n, err)
	}
	if n, err := req.Int("missing", 3); err != nil || n != 3 {
		t.Fatalf("default = %d, %v", n, err)
	}
	if _, err := req.Int("broken", 0); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("broken error = %v", err)
	}
}

func TestRequestObjectCoercesJSONStrings(t *testing.T) {
	req := NewRequest("c", "a", map[string]any{
		"native": map[string]any{"k": "v"},
		"http":   `{"k":"v"}`,
		"bad":    `{not json`,
		"scalar": 5,
	})
	obj, err := req.Object("native", nil)
	if err != nil || obj["k"] != "v" {
		t.Fatalf("native object = %v, %v", obj, err)
	}
	obj, err = req.Object("http", nil)
	if err != nil || obj["k"] != "v" {
		t.Fatalf("coerced object = %v, %v", obj, err)
	}
	if _, err := req.Object("bad", nil); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("bad json error = %v", err)
	}
	if got, err := req.Object("missing", map[string]any{"d": 1}); err != nil || got["d"] != 1 {
		t.Fatalf("default = %v, %v", got, err)
	}
}

func TestRequestArrayCoercesJSONStrings(t *testing.T) {
	req := NewRequest("c", "a", map[string]any{
		"native": []any{"a", "b"},
		"http":   `["a","b"]`,
		"bad":    "nope",
	})
	arr, err := req.Array("native", nil)
	if err != nil || len(arr) != 2 {
		t.Fatalf("native array = %v, %v", arr, err)
	}
	arr, err = req.Array("http", nil)
	if err != nil || len(arr) != 2 {
		t.Fatalf("coerced array = %v, %v", arr, err)
	}
	if _, err := req.Array("bad", nil); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("bad array error = %v", err)
	}
}

func TestRequestBool(t *testing.T) {
	req := NewRequest("c", "a", map[string]any{"b": true, "s": "true", "n": "0"})
	for _, name := range []string{"b", "s"} {
		v, err := req.Bool(name, false)
		if err != nil || !v {
			t.Fatalf("Bool(%s) = %v, %v", name, v, err)
		}
	}
	v, err := req.Bool("n", true)
	if err != nil || v {
		t.Fatalf("Bool(n) = %v, %v", v, err)
	}
}
