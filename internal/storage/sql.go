package storage

import (
	"fmt"
	"strings"

	"github.com/bdougie/framesearch/internal/predicate"
)

// BuildObjectSQL translates a compiled predicate into a parameterised query
// over the keyframes table. Every constant becomes a positional argument.
func BuildObjectSQL(p predicate.Predicate, proj Projection) (string, []any, error) {
	b := &sqlBuilder{}
	where, err := b.expr(p.Expr, false)
	if err != nil {
		return "", nil, err
	}

	conds := []string{where}
	if p.PrefilterSafe && len(p.Labels) > 0 {
		conds = append([]string{fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(objects) AS obj WHERE obj->>'class' = ANY(%s))",
			b.arg(p.Labels))}, conds...)
	}

	cols := "video_id, keyframe_index"
	if proj.Objects {
		cols += ", objects"
	}
	query := fmt.Sprintf("SELECT %s FROM keyframes WHERE %s ORDER BY video_id, keyframe_index",
		cols, strings.Join(conds, " AND "))
	return query, b.args, nil
}

type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// expr renders e. inObject is true below a Count, where Field leaves refer
// to the current element of the objects array.
func (b *sqlBuilder) expr(e predicate.Expr, inObject bool) (string, error) {
	switch e.Op {
	case predicate.OpConst:
		return b.arg(e.Value), nil
	case predicate.OpField:
		if !inObject {
			return "", fmt.Errorf("field %q outside of count", e.Name)
		}
		switch e.Name {
		case predicate.FieldLabel:
			return "(obj->>'class')", nil
		case predicate.FieldConfidence:
			return "((obj->>'confidence')::float8)", nil
		}
		return "", fmt.Errorf("unknown field %q", e.Name)
	case predicate.OpEq, predicate.OpGte, predicate.OpLte:
		if len(e.Args) != 2 {
			return "", fmt.Errorf("%s needs 2 arguments, got %d", e.Op, len(e.Args))
		}
		l, err := b.expr(e.Args[0], inObject)
		if err != nil {
			return "", err
		}
		r, err := b.expr(e.Args[1], inObject)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", l, sqlOperator(e.Op), r), nil
	case predicate.OpAnd:
		if len(e.Args) == 0 {
			return "TRUE", nil
		}
		parts := make([]string, len(e.Args))
		for i, a := range e.Args {
			s, err := b.expr(a, inObject)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case predicate.OpCount:
		if inObject || len(e.Args) != 1 {
			return "", fmt.Errorf("malformed count")
		}
		cond, err := b.expr(e.Args[0], true)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(SELECT count(*) FROM jsonb_array_elements(objects) AS obj WHERE %s)", cond), nil
	}
	return "", fmt.Errorf("unsupported operator %s", e.Op)
}

func sqlOperator(op predicate.Op) string {
	switch op {
	case predicate.OpGte:
		return ">="
	case predicate.OpLte:
		return "<="
	}
	return "="
}
