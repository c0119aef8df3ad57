// Package condition compiles and evaluates rule condition expressions and
// transform formulas against a variable map.
//
// Expressions use expr-lang syntax (which includes string operators such
// as contains) plus two conveniences for rule authors: AND/OR as aliases
// for &&/||, and colon-style source keys (comsrv:1001:T.1 > 20) which are
// rewritten to map lookups before compilation. Colon keys take precedence
// over punctuation, so a ternary's ':' needs surrounding spaces
// (x > 0 ? a : b); an unspaced a:b is read as the source key "a:b".
// Equality between numbers is compared with a configurable epsilon.
package condition

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	approxEqFunc = "__feq"

	// cacheSize bounds the compiled-program cache. Rule sets top out at a
	// few thousand distinct expressions; ad-hoc test expressions must not
	// grow the cache without bound.
	cacheSize = 4096
)

// Evaluator compiles expressions once and caches the programs by source
// text. Safe for concurrent use.
type Evaluator struct {
	epsilon float64
	cache   *lru.Cache[string, *vm.Program]
}

// New creates an evaluator. A non-positive epsilon falls back to 1e-9.
func New(epsilon float64) *Evaluator {
	if epsilon <= 0 {
		epsilon = 1e-9
	}
	cache, _ := lru.New[string, *vm.Program](cacheSize)
	return &Evaluator{epsilon: epsilon, cache: cache}
}

// Validate checks that an expression compiles. Used at rule create/update
// time so malformed expressions never reach the hot path.
func (e *Evaluator) Validate(src string) error {
	_, err := e.program(src)
	return err
}

// Condition evaluates a boolean expression. A compile failure is an error;
// a runtime failure (missing variable, type mismatch) resolves to false so
// that missing data can never fire a rule.
func (e *Evaluator) Condition(src string, vars map[string]any) (bool, error) {
	program, err := e.program(src)
	if err != nil {
		return false, err
	}
	out, err := vm.Run(program, e.env(vars))
	if err != nil {
		return false, nil
	}
	result, ok := out.(bool)
	if !ok {
		return false, nil
	}
	return result, nil
}

// Formula evaluates a numeric transform expression.
func (e *Evaluator) Formula(src string, vars map[string]any) (float64, error) {
	program, err := e.program(src)
	if err != nil {
		return 0, err
	}
	out, err := vm.Run(program, e.env(vars))
	if err != nil {
		return 0, fmt.Errorf("condition: formula %q: %w", src, err)
	}
	f, ok := toFloat(out)
	if !ok {
		return 0, fmt.Errorf("condition: formula %q returned non-numeric %T", src, out)
	}
	return f, nil
}

func (e *Evaluator) program(src string) (*vm.Program, error) {
	if program, ok := e.cache.Get(src); ok {
		return program, nil
	}
	program, err := expr.Compile(rewrite(src),
		expr.AllowUndefinedVariables(),
		expr.Patch(&epsilonPatcher{}),
		expr.Function(approxEqFunc, func(params ...any) (any, error) {
			return e.approxEqual(params[0], params[1]), nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("condition: compile %q: %w", src, err)
	}
	e.cache.Add(src, program)
	return program, nil
}

// env exposes the variables both as top-level identifiers and under "vars"
// for the rewritten colon-style lookups.
func (e *Evaluator) env(vars map[string]any) map[string]any {
	env := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		env[k] = v
	}
	env["vars"] = vars
	return env
}

func (e *Evaluator) approxEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return math.Abs(af-bf) <= e.epsilon
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

// epsilonPatcher rewrites == and != into calls to the approximate-equality
// function so float comparisons honor the configured epsilon.
type epsilonPatcher struct{}

func (p *epsilonPatcher) Visit(node *ast.Node) {
	bn, ok := (*node).(*ast.BinaryNode)
	if !ok {
		return
	}
	switch bn.Operator {
	case "==":
		ast.Patch(node, approxCall(bn))
	case "!=":
		ast.Patch(node, &ast.UnaryNode{Operator: "!", Node: approxCall(bn)})
	}
}

func approxCall(bn *ast.BinaryNode) ast.Node {
	return &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: approxEqFunc},
		Arguments: []ast.Node{bn.Left, bn.Right},
	}
}

// rewrite normalizes author-facing syntax to expr syntax: word operators
// become symbolic ones and tokens containing colons become vars[...]
// lookups. String literals pass through untouched.
func rewrite(src string) string {
	var b strings.Builder
	rs := []rune(src)
	for i := 0; i < len(rs); {
		c := rs[i]
		if c == '\'' || c == '"' {
			quote := c
			b.WriteRune(c)
			i++
			for i < len(rs) {
				b.WriteRune(rs[i])
				if rs[i] == quote {
					i++
					break
				}
				i++
			}
			continue
		}
		if isIdentStart(c) {
			j := i
			for j < len(rs) && isKeyRune(rs[j]) {
				j++
			}
			// A trailing separator belongs to the surrounding syntax
			// (e.g. the colon of a ternary), not to the key.
			for j > i && (rs[j-1] == ':' || rs[j-1] == '.') {
				j--
			}
			token := string(rs[i:j])
			hasColon := strings.ContainsRune(token, ':')
			switch {
			case token == "AND":
				b.WriteString("&&")
			case token == "OR":
				b.WriteString("||")
			case hasColon:
				fmt.Fprintf(&b, "vars[%q]", token)
			default:
				b.WriteString(token)
			}
			i = j
			continue
		}
		b.WriteRune(c)
		i++
	}
	return b.String()
}

func isIdentStart(c rune) bool {
	return unicode.IsLetter(c) || c == '_'
}

func isKeyRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.' || c == ':'
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
