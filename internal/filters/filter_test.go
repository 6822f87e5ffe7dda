package filters

import (
	"encoding/json"
	"errors"
	"testing"
)

func doc(id string, body string) *Document {
	var src map[string]any
	if err := json.Unmarshal([]byte(body), &src); err != nil {
		panic(err)
	}
	return &Document{ID: id, Source: src}
}

func TestEqualsMatch(t *testing.T) {
	f := MustParse(`{"equals":{"city":"Paris"}}`)
	if !f.Matches(doc("d1", `{"city":"Paris"}`)) {
		t.Fatalf("expected match")
	}
	if f.Matches(doc("d1", `{"city":"Lyon"}`)) {
		t.Fatalf("expected no match")
	}
	if f.Matches(doc("d1", `{"country":"France"}`)) {
		t.Fatalf("absent field must not match")
	}
}

func TestEqualsNumberAndNull(t *testing.T) {
	f := MustParse(`{"equals":{"age":42}}`)
	if !f.Matches(doc("", `{"age":42}`)) {
		t.Fatalf("number equality failed")
	}
	if f.Matches(doc("", `{"age":"42"}`)) {
		t.Fatalf("string must not equal number")
	}
	fn := MustParse(`{"equals":{"deleted":null}}`)
	if !fn.Matches(doc("", `{"deleted":null}`)) {
		t.Fatalf("null equality failed")
	}
}

func TestNestedPathAddressing(t *testing.T) {
	f := MustParse(`{"equals":{"relations.items[0].name":"a"}}`)
	body := `{"relations":{"items":[{"name":"a"},{"name":"b"}]}}`
	if !f.Matches(doc("", body)) {
		t.Fatalf("nested path should match")
	}
	if f.Matches(doc("", `{"relations":{"items":[]}}`)) {
		t.Fatalf("out-of-range index should not match")
	}
	if f.Matches(doc("", `{"relations":"scalar"}`)) {
		t.Fatalf("wrong shape should not match")
	}
}

func TestRangeBounds(t *testing.T) {
	f := MustParse(`{"range":{"age":{"gte":18,"lt":65}}}`)
	cases := []struct {
		age  float64
		want bool
	}{{17, false}, {18, true}, {40, true}, {64.9, true}, {65, false}}
	for _, c := range cases {
		d := &Document{Source: map[string]any{"age": c.age}}
		if f.Matches(d) != c.want {
			t.Fatalf("age %v: want %v", c.age, c.want)
		}
	}
	if f.Matches(doc("", `{"age":"old"}`)) {
		t.Fatalf("non-numeric value must not match range")
	}
}

func TestExistsAndMissing(t *testing.T) {
	ex := MustParse(`{"exists":"meta.tag"}`)
	mi := MustParse(`{"missing":{"field":"meta.tag"}}`)
	with := doc("", `{"meta":{"tag":"x"}}`)
	without := doc("", `{"meta":{}}`)
	if !ex.Matches(with) || ex.Matches(without) {
		t.Fatalf("exists predicate wrong")
	}
	if mi.Matches(with) || !mi.Matches(without) {
		t.Fatalf("missing predicate wrong")
	}
}

func TestRegexpFlags(t *testing.T) {
	f := MustParse(`{"regexp":{"name":{"value":"^foo","flags":"i"}}}`)
	if !f.Matches(doc("", `{"name":"FooBar"}`)) {
		t.Fatalf("case-insensitive regexp should match")
	}
	plain := MustParse(`{"regexp":{"name":"^foo"}}`)
	if plain.Matches(doc("", `{"name":"FooBar"}`)) {
		t.Fatalf("case-sensitive regexp should not match")
	}
}

func TestGeoBoundingBox(t *testing.T) {
	f := MustParse(`{"geoBoundingBox":{"pos":{"top":49,"left":2,"bottom":48,"right":3}}}`)
	if !f.Matches(doc("", `{"pos":{"lat":48.86,"lon":2.35}}`)) {
		t.Fatalf("Paris should be inside the box")
	}
	if f.Matches(doc("", `{"pos":{"lat":45.76,"lon":4.83}}`)) {
		t.Fatalf("Lyon should be outside the box")
	}
	// alternate point encodings
	if !f.Matches(doc("", `{"pos":[48.86,2.35]}`)) {
		t.Fatalf("array point should be accepted")
	}
	if !f.Matches(doc("", `{"pos":"48.86, 2.35"}`)) {
		t.Fatalf("string point should be accepted")
	}
}

func TestGeoDistance(t *testing.T) {
	f := MustParse(`{"geoDistance":{"pos":{"lat":48.8566,"lon":2.3522},"distance":"10km"}}`)
	if !f.Matches(doc("", `{"pos":{"lat":48.86,"lon":2.35}}`)) {
		t.Fatalf("point within 10km should match")
	}
	if f.Matches(doc("", `{"pos":{"lat":45.76,"lon":4.83}}`)) {
		t.Fatalf("Lyon is ~400km away, should not match")
	}
}

func TestCombinatorsShortCircuit(t *testing.T) {
	f := MustParse(`{"and":[{"equals":{"a":1}},{"or":[{"equals":{"b":2}},{"not":{"exists":"c"}}]}]}`)
	if !f.Matches(doc("", `{"a":1,"b":2,"c":true}`)) {
		t.Fatalf("and/or combination should match")
	}
	if !f.Matches(doc("", `{"a":1}`)) {
		t.Fatalf("missing c should satisfy the not-exists branch")
	}
	if f.Matches(doc("", `{"a":2,"b":2}`)) {
		t.Fatalf("failed and-branch should not match")
	}
}

func TestExpressionPredicate(t *testing.T) {
	f, err := Parse(json.RawMessage(`{"expression":"source.age > 18 && id != \"\""}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !f.Matches(doc("d1", `{"age":30}`)) {
		t.Fatalf("expression should match")
	}
	if f.Matches(doc("d1", `{"age":10}`)) {
		t.Fatalf("expression should not match")
	}
	// evaluation errors are non-matches, never panics
	if f.Matches(doc("d1", `{"name":"no age"}`)) {
		t.Fatalf("missing field in expression should be a non-match")
	}
}

func TestEmptyFilterMatchesAll(t *testing.T) {
	for _, raw := range []string{"", "{}"} {
		f, err := Parse(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !f.Matches(doc("x", `{"anything":true}`)) {
			t.Fatalf("empty filter must match everything")
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{
		`{"unknownOp":{"a":1}}`,
		`{"equals":{"a":1},"range":{"b":{"gt":0}}}`,
		`{"equals":{"":1}}`,
		`{"equals":{"a..b":1}}`,
		`{"equals":{"a[x]":1}}`,
		`{"and":[]}`,
		`{"and":"nope"}`,
		`{"not":{}}`,
		`{"range":{"a":{"gt":"x"}}}`,
		`{"range":{"a":{"gt":1,"gte":2}}}`,
		`{"range":{"a":{"between":1}}}`,
		`{"regexp":{"a":"["}}`,
		`{"geoBoundingBox":{"p":{"top":1,"left":2,"bottom":3}}}`,
		`{"geoBoundingBox":{"p":{"top":1,"left":2,"bottom":3,"right":1}}}`,
		`{"geoDistance":{"p":{"lat":0,"lon":0}}}`,
		`{"geoDistance":{"p":{"lat":0,"lon":0},"distance":"-5km"}}`,
		`{"expression":"this is not CEL ???"}`,
		`{"expression":42}`,
		`[1,2,3]`,
	}
	for _, raw := range bad {
		if _, err := Parse(json.RawMessage(raw)); !errors.Is(err, ErrInvalidFilter) {
			t.Fatalf("expected ErrInvalidFilter for %s, got %v", raw, err)
		}
	}
}

func TestHashStableAcrossOperandOrder(t *testing.T) {
	a := MustParse(`{"and":[{"equals":{"a":1}},{"range":{"b":{"gte":0}}}]}`)
	b := MustParse(`{"and":[{"range":{"b":{"gte":0}}},{"equals":{"a":1}}]}`)
	if a.Hash() != b.Hash() {
		t.Fatalf("reordered and-operands should hash equal")
	}
	c := MustParse(`{"or":[{"equals":{"a":1}},{"range":{"b":{"gte":0}}}]}`)
	if a.Hash() == c.Hash() {
		t.Fatalf("different combinators must hash differently")
	}
}

func TestHashDistinguishesValues(t *testing.T) {
	a := MustParse(`{"equals":{"city":"Paris"}}`)
	b := MustParse(`{"equals":{"city":"Lyon"}}`)
	if a.Hash() == b.Hash() {
		t.Fatalf("distinct values must hash differently")
	}
	if a.Hash() != MustParse(`{"equals":{"city":"Paris"}}`).Hash() {
		t.Fatalf("identical filters must share a hash")
	}
}

func TestMatchesDeterministic(t *testing.T) {
	f := MustParse(`{"and":[{"equals":{"a":1}},{"exists":"b"}]}`)
	d := doc("", `{"a":1,"b":null}`)
	first := f.Matches(d)
	for i := 0; i < 100; i++ {
		if f.Matches(d) != first {
			t.Fatalf("non-deterministic evaluation")
		}
	}
}
