package predicate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bdougie/framesearch/internal/models"
)

var (
	// ErrNoConstraints is returned for an empty constraint list; callers
	// should skip the object modality instead of compiling.
	ErrNoConstraints = errors.New("no object constraints")

	// ErrInvalidConstraint is wrapped by every ValidationError.
	ErrInvalidConstraint = errors.New("invalid object constraint")
)

// ValidationError describes a malformed constraint.
type ValidationError struct {
	Index  int
	Label  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("constraint %d (label %q): %s", e.Index, e.Label, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidConstraint }

// Predicate is the compiled form of a constraint list.
type Predicate struct {
	// Expr is the conjunction of every per-constraint range condition.
	Expr Expr

	// Labels is the sorted set of distinct labels across all constraints.
	// Backends may require a keyframe's objects to intersect it before
	// evaluating Expr.
	Labels []string

	// PrefilterSafe is true when some constraint needs at least one
	// instance, so pruning on Labels cannot drop a keyframe Expr accepts.
	PrefilterSafe bool
}

// Compile translates constraints into a single predicate. It performs no I/O.
func Compile(constraints []models.ObjectConstraint) (Predicate, error) {
	if len(constraints) == 0 {
		return Predicate{}, ErrNoConstraints
	}

	seen := make(map[string]struct{}, len(constraints))
	conds := make([]Expr, 0, len(constraints))
	var p Predicate

	for i, c := range constraints {
		if err := validate(i, c); err != nil {
			return Predicate{}, err
		}

		count := Count(And(
			Eq(Field(FieldLabel), Const(c.Label)),
			Gte(Field(FieldConfidence), Const(c.MinConfidence)),
		))

		var bounds []Expr
		if c.MinInstances != nil {
			bounds = append(bounds, Gte(count, Const(*c.MinInstances)))
			if *c.MinInstances >= 1 {
				p.PrefilterSafe = true
			}
		}
		if c.MaxInstances != nil {
			bounds = append(bounds, Lte(count, Const(*c.MaxInstances)))
		}
		conds = append(conds, And(bounds...))

		if _, ok := seen[c.Label]; !ok {
			seen[c.Label] = struct{}{}
			p.Labels = append(p.Labels, c.Label)
		}
	}

	sort.Strings(p.Labels)
	p.Expr = And(conds...)
	return p, nil
}

func validate(i int, c models.ObjectConstraint) error {
	invalid := func(reason string) error {
		return &ValidationError{Index: i, Label: c.Label, Reason: reason}
	}
	switch {
	case c.Label == "":
		return invalid("label is required")
	case c.MinInstances == nil && c.MaxInstances == nil:
		return invalid("at least one of min_instances or max_instances is required")
	case c.MinConfidence < 0 || c.MinConfidence > 1:
		return invalid("confidence must be within [0, 1]")
	case c.MinInstances != nil && *c.MinInstances < 0:
		return invalid("min_instances must not be negative")
	case c.MaxInstances != nil && *c.MaxInstances < 0:
		return invalid("max_instances must not be negative")
	}
	return nil
}
