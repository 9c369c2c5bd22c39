// Package condition implements api.ConditionEvaluator on top of expr-lang.
//
// Two rule forms are accepted. The direct form is an expr expression that
// references context data by key path, for example `order.total > 100`.
// The legacy form wraps key paths in double braces, for example
// `{{order.total}} > 100`; every placeholder is replaced by the literal
// value found at that path before the rule is evaluated.
//
// Identifiers resolve against pass data overlaid by business data. A key
// path absent from the data resolves to nil, so `x == nil` holds for a
// missing x, and an ordering comparison such as `x > 5` is false when either
// side is nil. A path that crosses a value which is not a map is a
// PathError.
package condition

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Jeffail/gabs/v2"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/petrijr/fluxgraph/pkg/api"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

var errNotAMap = errors.New("value is not a map")

// Evaluator evaluates condition rules. The zero value is ready to use.
type Evaluator struct{}

var _ api.ConditionEvaluator = Evaluator{}

// New returns an Evaluator.
func New() Evaluator {
	return Evaluator{}
}

// Evaluate implements api.ConditionEvaluator.
func (Evaluator) Evaluate(businessData, passData map[string]any, rule string) (bool, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return true, nil
	}

	env := make(map[string]any, len(businessData)+len(passData)+1)
	env["null"] = nil
	for k, v := range passData {
		env[k] = v
	}
	for k, v := range businessData {
		env[k] = v
	}

	source := rule
	if IsLegacy(rule) {
		substituted, err := substitute(rule, env)
		if err != nil {
			return false, err
		}
		source = substituted
	}

	if _, err := parser.Parse(source); err != nil {
		return false, &api.GrammarError{Rule: rule, Err: err}
	}

	// Data is untyped: operand types are checked when the rule runs.
	r := &resolver{rule: rule, env: env, guarded: map[ast.Node]bool{}}
	program, err := expr.Compile(source,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.Patch(r),
	)
	if r.err != nil {
		return false, r.err
	}
	if err != nil {
		return false, &api.TypeError{Rule: rule, Err: err}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, &api.TypeError{Rule: rule, Err: err}
	}

	b, ok := out.(bool)
	if !ok {
		return false, &api.TypeError{Rule: rule, Got: fmt.Sprintf("%T", out)}
	}
	return b, nil
}

// IsLegacy reports whether rule uses the double-brace template form.
func IsLegacy(rule string) bool {
	return placeholder.MatchString(rule)
}

// substitute replaces every {{path}} with the literal of the value at
// path; absent paths become nil.
func substitute(rule string, env map[string]any) (string, error) {
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(rule, func(m string) string {
		if firstErr != nil {
			return m
		}
		path := placeholder.FindStringSubmatch(m)[1]
		v, _, err := lookup(env, strings.Split(path, "."))
		if err != nil {
			firstErr = &api.PathError{Rule: rule, Path: path, Err: err}
			return m
		}
		return literal(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func literal(v any) string {
	if v == nil {
		return "nil"
	}
	return gabs.Wrap(v).String()
}

// lookup walks a dotted key path. ok is false when a key is absent; err is
// set when the walk crosses a value that is not a map.
func lookup(root map[string]any, parts []string) (any, bool, error) {
	cur := gabs.Wrap(root)
	for i, part := range parts {
		m, isMap := cur.Data().(map[string]any)
		if !isMap {
			if cur.Data() == nil {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("%w at %q (%T)", errNotAMap, strings.Join(parts[:i], "."), cur.Data())
		}
		v, exists := m[part]
		if !exists {
			return nil, false, nil
		}
		cur = gabs.Wrap(v)
	}
	return cur.Data(), true, nil
}

// resolvedPrefix marks identifiers bound to a pre-resolved key path. It
// cannot appear in a parsed rule.
const resolvedPrefix = "\x00path:"

var ordering = map[string]bool{"<": true, ">": true, "<=": true, ">=": true}

// resolver rewrites a rule before it is compiled. Member chains over the
// data become one identifier bound to the value found at that key path, or
// nil when the path is absent. Ordering comparisons only hold when no
// operand is nil.
type resolver struct {
	rule    string
	env     map[string]any
	guarded map[ast.Node]bool
	err     error
}

func (r *resolver) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.MemberNode:
		parts, ok := chainOf(n)
		if !ok {
			return
		}
		v, _, err := lookup(r.env, parts)
		if err != nil {
			if r.err == nil {
				r.err = &api.PathError{Rule: r.rule, Path: strings.Join(parts, "."), Err: err}
			}
			return
		}
		name := resolvedPrefix + strings.Join(parts, ".")
		r.env[name] = v
		ast.Patch(node, &ast.IdentifierNode{Value: name})

	case *ast.BinaryNode:
		if !ordering[n.Operator] || r.guarded[n] {
			return
		}
		r.guarded[n] = true
		var guarded ast.Node = n
		for _, operand := range []ast.Node{n.Right, n.Left} {
			switch operand.(type) {
			case *ast.NilNode:
				ast.Patch(node, &ast.BoolNode{Value: false})
				return
			case *ast.IntegerNode, *ast.FloatNode, *ast.StringNode, *ast.BoolNode:
				continue
			}
			notNil := &ast.BinaryNode{Operator: "!=", Left: operand, Right: &ast.NilNode{}}
			guarded = &ast.BinaryNode{Operator: "&&", Left: notNil, Right: guarded}
		}
		ast.Patch(node, guarded)
	}
}

// chainOf returns the key path of a member chain such as a.b["c"]. Chains
// already resolved by an inner visit are extended.
func chainOf(n ast.Node) ([]string, bool) {
	switch v := n.(type) {
	case *ast.IdentifierNode:
		if rest, ok := strings.CutPrefix(v.Value, resolvedPrefix); ok {
			return strings.Split(rest, "."), true
		}
		return []string{v.Value}, true
	case *ast.MemberNode:
		prop, ok := v.Property.(*ast.StringNode)
		if !ok || v.Method {
			return nil, false
		}
		base, ok := chainOf(v.Node)
		if !ok {
			return nil, false
		}
		return append(base, prop.Value), true
	default:
		return nil, false
	}
}
