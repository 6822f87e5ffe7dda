package filters

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// Parse compiles a raw JSON filter into an immutable Filter. An empty
// document ({} or empty input) matches everything. Unsupported operators,
// malformed paths, bad regexps, and uncompilable expressions are rejected
// with ErrInvalidFilter; nothing is deferred to evaluation time.
func Parse(raw json.RawMessage) (*Filter, error) {
	var generic any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
	}
	var root node
	if generic != nil {
		obj, ok := generic.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: filter must be an object", ErrInvalidFilter)
		}
		if len(obj) > 0 {
			n, err := parseNode(obj)
			if err != nil {
				return nil, err
			}
			root = n
		}
	}
	f := &Filter{root: root}
	f.hash = hashOf(root)
	return f, nil
}

// MustParse is a test helper; it panics on parse failure.
func MustParse(raw string) *Filter {
	f, err := Parse(json.RawMessage(raw))
	if err != nil {
		panic(err)
	}
	return f
}

func hashOf(root node) string {
	var b strings.Builder
	if root == nil {
		b.WriteString("all")
	} else {
		root.canon(&b)
	}
	sum := blake3.Sum256([]byte(b.String()))
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, v := range sum {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}

func parseNode(obj map[string]any) (node, error) {
	if len(obj) != 1 {
		return nil, fmt.Errorf("%w: a filter clause must have exactly one operator, got %d", ErrInvalidFilter, len(obj))
	}
	var op string
	var operand any
	for k, v := range obj {
		op, operand = k, v
	}
	switch op {
	case "and", "or":
		return parseCombinator(op, operand)
	case "not":
		child, ok := operand.(map[string]any)
		if !ok || len(child) == 0 {
			return nil, fmt.Errorf("%w: not operand must be a filter object", ErrInvalidFilter)
		}
		n, err := parseNode(child)
		if err != nil {
			return nil, err
		}
		return &notNode{child: n}, nil
	case "equals":
		return parseEquals(operand)
	case "range":
		return parseRange(operand)
	case "exists":
		return parseExists(operand, false)
	case "missing":
		return parseExists(operand, true)
	case "regexp":
		return parseRegexp(operand)
	case "geoBoundingBox":
		return parseGeoBox(operand)
	case "geoDistance":
		return parseGeoDistance(operand)
	case "expression":
		src, ok := operand.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expression operand must be a string", ErrInvalidFilter)
		}
		return newExprNode(src)
	default:
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, op)
	}
}

func parseCombinator(op string, operand any) (node, error) {
	arr, ok := operand.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("%w: %s operand must be a non-empty array", ErrInvalidFilter, op)
	}
	children := make([]node, 0, len(arr))
	for _, e := range arr {
		child, ok := e.(map[string]any)
		if !ok || len(child) == 0 {
			return nil, fmt.Errorf("%w: %s operands must be filter objects", ErrInvalidFilter, op)
		}
		n, err := parseNode(child)
		if err != nil {
			return nil, err
		}
		children = append(children, n)
	}
	if op == "and" {
		return &andNode{children: children}, nil
	}
	return &orNode{children: children}, nil
}

func parseEquals(operand any) (node, error) {
	m, ok := operand.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, fmt.Errorf("%w: equals operand must be {field: value}", ErrInvalidFilter)
	}
	for field, value := range m {
		p, err := parsePath(field)
		if err != nil {
			return nil, err
		}
		return &equalsNode{path: p, value: value}, nil
	}
	panic("unreachable")
}

func parseRange(operand any) (node, error) {
	m, ok := operand.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, fmt.Errorf("%w: range operand must be {field: bounds}", ErrInvalidFilter)
	}
	for field, bounds := range m {
		p, err := parsePath(field)
		if err != nil {
			return nil, err
		}
		bm, ok := bounds.(map[string]any)
		if !ok || len(bm) == 0 {
			return nil, fmt.Errorf("%w: range bounds must be a non-empty object", ErrInvalidFilter)
		}
		n := &rangeNode{path: p}
		for k, v := range bm {
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("%w: range bound %q must be a number", ErrInvalidFilter, k)
			}
			val := f
			switch k {
			case "gt":
				n.gt = &val
			case "gte":
				n.gte = &val
			case "lt":
				n.lt = &val
			case "lte":
				n.lte = &val
			default:
				return nil, fmt.Errorf("%w: unknown range bound %q", ErrInvalidFilter, k)
			}
		}
		if n.gt != nil && n.gte != nil || n.lt != nil && n.lte != nil {
			return nil, fmt.Errorf("%w: conflicting range bounds", ErrInvalidFilter)
		}
		return n, nil
	}
	panic("unreachable")
}

func parseExists(operand any, negated bool) (node, error) {
	var field string
	switch t := operand.(type) {
	case string:
		field = t
	case map[string]any:
		f, ok := t["field"].(string)
		if !ok || len(t) != 1 {
			return nil, fmt.Errorf("%w: exists operand must be a path or {field: path}", ErrInvalidFilter)
		}
		field = f
	default:
		return nil, fmt.Errorf("%w: exists operand must be a path or {field: path}", ErrInvalidFilter)
	}
	p, err := parsePath(field)
	if err != nil {
		return nil, err
	}
	return &existsNode{path: p, negated: negated}, nil
}

func parseRegexp(operand any) (node, error) {
	m, ok := operand.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, fmt.Errorf("%w: regexp operand must be {field: pattern}", ErrInvalidFilter)
	}
	for field, spec := range m {
		p, err := parsePath(field)
		if err != nil {
			return nil, err
		}
		var pattern, flags string
		switch t := spec.(type) {
		case string:
			pattern = t
		case map[string]any:
			v, ok := t["value"].(string)
			if !ok {
				return nil, fmt.Errorf("%w: regexp value must be a string", ErrInvalidFilter)
			}
			pattern = v
			if fl, ok := t["flags"]; ok {
				s, ok := fl.(string)
				if !ok {
					return nil, fmt.Errorf("%w: regexp flags must be a string", ErrInvalidFilter)
				}
				flags = s
			}
		default:
			return nil, fmt.Errorf("%w: regexp operand must be a pattern or {value, flags}", ErrInvalidFilter)
		}
		expr := pattern
		if strings.Contains(flags, "i") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: bad regexp %q: %v", ErrInvalidFilter, pattern, err)
		}
		return &regexpNode{path: p, re: re, pattern: pattern, flags: flags}, nil
	}
	panic("unreachable")
}

func parseGeoBox(operand any) (node, error) {
	m, ok := operand.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, fmt.Errorf("%w: geoBoundingBox operand must be {field: box}", ErrInvalidFilter)
	}
	for field, spec := range m {
		p, err := parsePath(field)
		if err != nil {
			return nil, err
		}
		box, ok := spec.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: bounding box must be an object", ErrInvalidFilter)
		}
		n := &geoBoxNode{path: p}
		for _, side := range []struct {
			name string
			dst  *float64
		}{{"top", &n.top}, {"left", &n.left}, {"bottom", &n.bottom}, {"right", &n.right}} {
			v, ok := box[side.name].(float64)
			if !ok {
				return nil, fmt.Errorf("%w: bounding box needs numeric %q", ErrInvalidFilter, side.name)
			}
			*side.dst = v
		}
		if n.top < n.bottom || n.right < n.left {
			return nil, fmt.Errorf("%w: inverted bounding box", ErrInvalidFilter)
		}
		return n, nil
	}
	panic("unreachable")
}

func parseGeoDistance(operand any) (node, error) {
	m, ok := operand.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: geoDistance operand must be an object", ErrInvalidFilter)
	}
	distRaw, ok := m["distance"]
	if !ok {
		return nil, fmt.Errorf("%w: geoDistance requires a distance", ErrInvalidFilter)
	}
	meters, err := parseDistance(distRaw)
	if err != nil {
		return nil, err
	}
	if len(m) != 2 {
		return nil, fmt.Errorf("%w: geoDistance operand must be {field: point, distance}", ErrInvalidFilter)
	}
	for field, spec := range m {
		if field == "distance" {
			continue
		}
		p, err := parsePath(field)
		if err != nil {
			return nil, err
		}
		lat, lon, ok := geoPoint(spec)
		if !ok {
			return nil, fmt.Errorf("%w: geoDistance center must be a point", ErrInvalidFilter)
		}
		return &geoDistanceNode{path: p, lat: lat, lon: lon, meters: meters}, nil
	}
	panic("unreachable")
}
