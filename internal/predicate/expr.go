// Package predicate compiles structured object constraints into a small,
// backend-agnostic boolean expression tree. Backend adapters translate the
// tree into their own query language; Eval interprets it in memory.
package predicate

import (
	"fmt"
	"strings"
)

// Op tags the variant held by an Expr.
type Op int

const (
	OpConst Op = iota
	OpField
	OpEq
	OpGte
	OpLte
	OpAnd
	OpCount
)

func (o Op) String() string {
	switch o {
	case OpConst:
		return "const"
	case OpField:
		return "field"
	case OpEq:
		return "eq"
	case OpGte:
		return "gte"
	case OpLte:
		return "lte"
	case OpAnd:
		return "and"
	case OpCount:
		return "count"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Fields a detected object exposes to Field leaves.
const (
	FieldLabel      = "label"
	FieldConfidence = "confidence"
)

// Expr is a tagged variant. Which members are meaningful depends on Op:
//
//	OpConst: Value
//	OpField: Name (a field of the object under a Count)
//	OpEq, OpGte, OpLte: Args[0] compared with Args[1]
//	OpAnd: Args
//	OpCount: Args[0] is the per-object condition
type Expr struct {
	Op    Op
	Args  []Expr
	Name  string
	Value any
}

func Const(v any) Expr       { return Expr{Op: OpConst, Value: v} }
func Field(name string) Expr { return Expr{Op: OpField, Name: name} }
func Eq(a, b Expr) Expr      { return Expr{Op: OpEq, Args: []Expr{a, b}} }
func Gte(a, b Expr) Expr     { return Expr{Op: OpGte, Args: []Expr{a, b}} }
func Lte(a, b Expr) Expr     { return Expr{Op: OpLte, Args: []Expr{a, b}} }
func Count(cond Expr) Expr   { return Expr{Op: OpCount, Args: []Expr{cond}} }

// And flattens to its single argument when given exactly one.
func And(args ...Expr) Expr {
	if len(args) == 1 {
		return args[0]
	}
	return Expr{Op: OpAnd, Args: args}
}

// String renders the tree in prefix form, mostly for logs and tests.
func (e Expr) String() string {
	switch e.Op {
	case OpConst:
		if s, ok := e.Value.(string); ok {
			return fmt.Sprintf("%q", s)
		}
		return fmt.Sprint(e.Value)
	case OpField:
		return "$" + e.Name
	}
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", e.Op, strings.Join(parts, ", "))
}
