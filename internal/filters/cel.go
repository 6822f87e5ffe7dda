package filters

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// exprNode evaluates a CEL boolean expression against the document. The
// program is compiled at parse time; evaluation errors count as non-matches
// so Matches stays total.
type exprNode struct {
	prog cel.Program
	src  string
}

func newExprNode(src string) (*exprNode, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidFilter)
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		// Parsed document body (map/list/values) for field filtering.
		cel.Variable("source", cel.DynType),
		// Current time in ms for windowed filters.
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, iss.Err())
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, iss2.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return &exprNode{prog: prog, src: src}, nil
}

func (n *exprNode) matches(doc *Document) bool {
	var source any = doc.Source
	if source == nil {
		source = map[string]any{}
	}
	out, _, err := n.prog.Eval(map[string]any{
		"id":     doc.ID,
		"source": source,
		"now_ms": time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (n *exprNode) canon(b *strings.Builder) {
	b.WriteString("expr:")
	b.WriteString(n.src)
}
