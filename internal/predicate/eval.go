package predicate

import (
	"fmt"

	"github.com/bdougie/framesearch/internal/models"
)

// Eval reports whether a keyframe with the given detections satisfies p.
// It ignores the label prefilter; the result is the exact predicate.
func Eval(p Predicate, objects []models.Detection) (bool, error) {
	return evalBool(p.Expr, objects, nil)
}

// evalBool evaluates a condition. obj is the object bound by an enclosing
// Count, or nil at keyframe level.
func evalBool(e Expr, objects []models.Detection, obj *models.Detection) (bool, error) {
	switch e.Op {
	case OpAnd:
		for _, a := range e.Args {
			ok, err := evalBool(a, objects, obj)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpEq, OpGte, OpLte:
		if len(e.Args) != 2 {
			return false, fmt.Errorf("%s expects 2 arguments, got %d", e.Op, len(e.Args))
		}
		a, err := evalValue(e.Args[0], objects, obj)
		if err != nil {
			return false, err
		}
		b, err := evalValue(e.Args[1], objects, obj)
		if err != nil {
			return false, err
		}
		return compare(e.Op, a, b)
	default:
		return false, fmt.Errorf("%s is not a condition", e.Op)
	}
}

func evalValue(e Expr, objects []models.Detection, obj *models.Detection) (any, error) {
	switch e.Op {
	case OpConst:
		return e.Value, nil
	case OpField:
		if obj == nil {
			return nil, fmt.Errorf("field %q used outside count", e.Name)
		}
		switch e.Name {
		case FieldLabel:
			return obj.Label, nil
		case FieldConfidence:
			return obj.Confidence, nil
		}
		return nil, fmt.Errorf("unknown field %q", e.Name)
	case OpCount:
		if len(e.Args) != 1 {
			return nil, fmt.Errorf("count expects 1 argument, got %d", len(e.Args))
		}
		n := 0
		for i := range objects {
			ok, err := evalBool(e.Args[0], objects, &objects[i])
			if err != nil {
				return nil, err
			}
			if ok {
				n++
			}
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%s is not a value", e.Op)
	}
}

func compare(op Op, a, b any) (bool, error) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok || op != OpEq {
			return false, fmt.Errorf("cannot apply %s to %T and %T", op, a, b)
		}
		return as == bs, nil
	}

	af, ok := toFloat(a)
	if !ok {
		return false, fmt.Errorf("cannot compare %T", a)
	}
	bf, ok := toFloat(b)
	if !ok {
		return false, fmt.Errorf("cannot compare %T", b)
	}

	switch op {
	case OpEq:
		return af == bf, nil
	case OpGte:
		return af >= bf, nil
	default:
		return af <= bf, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
