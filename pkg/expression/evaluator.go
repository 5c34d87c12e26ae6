package expression

import (
	"sync"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

// Evaluator parses and evaluates `${{ }}` expressions. Parsed ASTs are
// cached by their source string behind a RWMutex so repeated evaluation
// of the same expression (e.g. a condition re-checked across polling
// ticks) does not re-parse; this mirrors the compiled-expression cache
// the workflow engine's own evaluator keeps, just over a hand-rolled AST
// instead of a third-party expression VM.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]Node
}

// NewEvaluator creates an Evaluator with an empty parse cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]Node)}
}

// Evaluate parses (or reuses a cached parse of) the text between
// "${{" and "}}" and evaluates it against ctx.
func (e *Evaluator) Evaluate(inner string, ctx *Context) (Value, error) {
	node, err := e.compile(inner)
	if err != nil {
		return Value{}, err
	}
	return eval(node, ctx)
}

func (e *Evaluator) compile(inner string) (Node, error) {
	e.mu.RLock()
	node, ok := e.cache[inner]
	e.mu.RUnlock()
	if ok {
		return node, nil
	}

	node, err := parseExpr(inner)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[inner] = node
	e.mu.Unlock()
	return node, nil
}

func eval(node Node, ctx *Context) (Value, error) {
	switch n := node.(type) {
	case *LiteralNode:
		return n.Value, nil
	case *ObjectNode:
		return resolveObject(n, ctx)
	case *CompareNode:
		return evalCompare(n, ctx)
	case *LogicalNode:
		return evalLogical(n, ctx)
	default:
		return Value{}, &blderrors.Internal{Invariant: "unknown expression AST node"}
	}
}

func evalCompare(n *CompareNode, ctx *Context) (Value, error) {
	left, err := eval(n.Left, ctx)
	if err != nil {
		return Value{}, err
	}
	right, err := eval(n.Right, ctx)
	if err != nil {
		return Value{}, err
	}
	switch n.Op {
	case "==":
		ok, err := Equal(left, right)
		return Boolean(ok), err
	case "!=":
		ok, err := Equal(left, right)
		return Boolean(!ok), err
	case ">", ">=", "<", "<=":
		c, err := Compare(left, right)
		if err != nil {
			return Value{}, err
		}
		switch n.Op {
		case ">":
			return Boolean(c > 0), nil
		case ">=":
			return Boolean(c >= 0), nil
		case "<":
			return Boolean(c < 0), nil
		default:
			return Boolean(c <= 0), nil
		}
	default:
		return Value{}, &blderrors.Internal{Invariant: "unknown comparison operator " + n.Op}
	}
}

// evalLogical evaluates every operand (the spec requires evaluation is
// pure and cheap so there is no observable short-circuit) and folds them
// left to right with && / ||, failing TypeMismatch unless every operand
// is Boolean.
func evalLogical(n *LogicalNode, ctx *Context) (Value, error) {
	values := make([]Value, len(n.Operands))
	for i, op := range n.Operands {
		v, err := eval(op, ctx)
		if err != nil {
			return Value{}, err
		}
		if v.Kind != KindBoolean {
			return Value{}, &blderrors.TypeMismatch{Op: "&&/||", Left: v.Kind.String(), Right: "Boolean"}
		}
		values[i] = v
	}
	result := values[0].Bool
	for i, op := range n.Ops {
		rhs := values[i+1].Bool
		switch op {
		case "&&":
			result = result && rhs
		case "||":
			result = result || rhs
		}
	}
	return Boolean(result), nil
}

// resolveObject resolves a dotted path against the eight top-level
// namespaces a pipeline exposes, or a reserved keyword when the path has
// exactly one segment.
func resolveObject(n *ObjectNode, ctx *Context) (Value, error) {
	root := n.Path[0]

	if len(n.Path) == 1 {
		if ReservedKeywords[root] {
			if v, ok := ctx.Reserved[root]; ok {
				return Text(v), nil
			}
			return Value{}, &blderrors.NameError{Identifier: root}
		}
		if ctx.Pipeline != nil {
			switch root {
			case "name":
				return Text(ctx.Pipeline.PipelineName()), nil
			case "runs_on":
				return Text(ctx.Pipeline.RunsOnDescriptor()), nil
			case "dispose":
				return Boolean(ctx.Pipeline.DisposeFlag()), nil
			case "cron":
				return Text(ctx.Pipeline.CronExpression()), nil
			}
		}
		return Value{}, &blderrors.NameError{Identifier: root}
	}

	switch root {
	case "inputs":
		return ctx.resolveInput(n.Path[1])
	case "env":
		return ctx.resolveEnv(n.Path[1])
	case "steps":
		if len(n.Path) < 3 {
			return Value{}, &blderrors.NameError{Identifier: pathString(n.Path)}
		}
		result, ok := ctx.Steps[n.Path[1]]
		if !ok {
			return Value{}, &blderrors.NameError{Identifier: "steps." + n.Path[1]}
		}
		return result.attr(n.Path[2])
	case "jobs":
		if len(n.Path) < 4 {
			return Value{}, &blderrors.NameError{Identifier: pathString(n.Path)}
		}
		job, ok := ctx.Jobs[n.Path[1]]
		if !ok {
			return Value{}, &blderrors.NameError{Identifier: "jobs." + n.Path[1]}
		}
		result, ok := job[n.Path[2]]
		if !ok {
			return Value{}, &blderrors.NameError{Identifier: "jobs." + n.Path[1] + "." + n.Path[2]}
		}
		return result.attr(n.Path[3])
	default:
		return Value{}, &blderrors.NameError{Identifier: pathString(n.Path)}
	}
}
