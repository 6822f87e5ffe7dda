package filters

import (
	"encoding/json"
	"errors"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidFilter is returned when a filter tree contains an unsupported
// operator, a malformed path, or an operand of the wrong shape. It is raised
// at parse time only; Matches never fails.
var ErrInvalidFilter = errors.New("filters: invalid filter")

// Document is a snapshot of a document handed to the engine for evaluation.
// Source is the parsed JSON body.
type Document struct {
	ID     string
	Source map[string]any
}

// Filter is an immutable, compiled boolean filter tree. A nil root matches
// every document. Filters are safe for concurrent evaluation.
type Filter struct {
	root node
	hash string
}

// Matches reports whether doc satisfies the filter. It is deterministic,
// side-effect-free, and total: malformed operands are rejected by Parse, so
// evaluation only ever walks well-formed nodes.
func (f *Filter) Matches(doc *Document) bool {
	if f == nil || f.root == nil {
		return true
	}
	return f.root.matches(doc)
}

// Hash returns the canonical structural hash of the filter. Two filters that
// normalize to the same tree share a hash regardless of operand ordering.
func (f *Filter) Hash() string { return f.hash }

// node is one vertex of the compiled filter tree.
type node interface {
	matches(doc *Document) bool
	// canon appends the canonical form used for structural hashing.
	canon(b *strings.Builder)
}

// andNode matches when every child matches. Evaluation short-circuits.
type andNode struct{ children []node }

func (n *andNode) matches(doc *Document) bool {
	for _, c := range n.children {
		if !c.matches(doc) {
			return false
		}
	}
	return true
}

func (n *andNode) canon(b *strings.Builder) { canonCombinator(b, "and", n.children) }

// orNode matches when any child matches. Evaluation short-circuits.
type orNode struct{ children []node }

func (n *orNode) matches(doc *Document) bool {
	for _, c := range n.children {
		if c.matches(doc) {
			return true
		}
	}
	return false
}

func (n *orNode) canon(b *strings.Builder) { canonCombinator(b, "or", n.children) }

type notNode struct{ child node }

func (n *notNode) matches(doc *Document) bool { return !n.child.matches(doc) }

func (n *notNode) canon(b *strings.Builder) {
	b.WriteString("not(")
	n.child.canon(b)
	b.WriteByte(')')
}

// canonCombinator writes op(...) with operand forms sorted so that operand
// order does not affect the hash.
func canonCombinator(b *strings.Builder, op string, children []node) {
	forms := make([]string, 0, len(children))
	for _, c := range children {
		var cb strings.Builder
		c.canon(&cb)
		forms = append(forms, cb.String())
	}
	sort.Strings(forms)
	b.WriteString(op)
	b.WriteByte('(')
	for i, f := range forms {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f)
	}
	b.WriteByte(')')
}

// equalsNode compares the value at path against a literal JSON value.
type equalsNode struct {
	path  path
	value any
}

func (n *equalsNode) matches(doc *Document) bool {
	v, ok := n.path.lookup(doc.Source)
	if !ok {
		return false
	}
	return jsonEqual(v, n.value)
}

func (n *equalsNode) canon(b *strings.Builder) {
	b.WriteString("equals:")
	b.WriteString(n.path.String())
	b.WriteByte('=')
	// encoding/json sorts map keys, so marshaling yields a stable form.
	enc, _ := json.Marshal(n.value)
	b.Write(enc)
}

// rangeNode checks a numeric field against optional bounds.
type rangeNode struct {
	path    path
	gt, gte *float64
	lt, lte *float64
}

func (n *rangeNode) matches(doc *Document) bool {
	v, ok := n.path.lookup(doc.Source)
	if !ok {
		return false
	}
	f, ok := v.(float64)
	if !ok {
		return false
	}
	if n.gt != nil && !(f > *n.gt) {
		return false
	}
	if n.gte != nil && !(f >= *n.gte) {
		return false
	}
	if n.lt != nil && !(f < *n.lt) {
		return false
	}
	if n.lte != nil && !(f <= *n.lte) {
		return false
	}
	return true
}

func (n *rangeNode) canon(b *strings.Builder) {
	b.WriteString("range:")
	b.WriteString(n.path.String())
	b.WriteByte(':')
	writeBound(b, "gt", n.gt)
	writeBound(b, "gte", n.gte)
	writeBound(b, "lt", n.lt)
	writeBound(b, "lte", n.lte)
}

func writeBound(b *strings.Builder, name string, v *float64) {
	if v == nil {
		return
	}
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(strconv.FormatFloat(*v, 'g', -1, 64))
	b.WriteByte(';')
}

// existsNode checks for field presence; negated it implements "missing".
type existsNode struct {
	path    path
	negated bool
}

func (n *existsNode) matches(doc *Document) bool {
	_, ok := n.path.lookup(doc.Source)
	return ok != n.negated
}

func (n *existsNode) canon(b *strings.Builder) {
	if n.negated {
		b.WriteString("missing:")
	} else {
		b.WriteString("exists:")
	}
	b.WriteString(n.path.String())
}

// regexpNode matches a string field against a compiled pattern.
type regexpNode struct {
	path    path
	re      *regexp.Regexp
	pattern string
	flags   string
}

func (n *regexpNode) matches(doc *Document) bool {
	v, ok := n.path.lookup(doc.Source)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	return n.re.MatchString(s)
}

func (n *regexpNode) canon(b *strings.Builder) {
	b.WriteString("regexp:")
	b.WriteString(n.path.String())
	b.WriteString("=/")
	b.WriteString(n.pattern)
	b.WriteByte('/')
	b.WriteString(n.flags)
}

// jsonEqual compares two values decoded by encoding/json. Scalars compare
// directly (numbers are float64); composites fall back to DeepEqual, which is
// sound because both sides come from the same decoder.
func jsonEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	default:
		return reflect.DeepEqual(a, b)
	}
}
