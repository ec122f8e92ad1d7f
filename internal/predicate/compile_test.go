package predicate

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bdougie/framesearch/internal/models"
)

func cars(n int, confidence float64) []models.Detection {
	out := make([]models.Detection, n)
	for i := range out {
		out[i] = models.Detection{Label: "car", Confidence: confidence}
	}
	return out
}

func TestCompileRejectsMissingBounds(t *testing.T) {
	_, err := Compile([]models.ObjectConstraint{
		{Label: "car", MinConfidence: 0.5, MinInstances: models.Int(1)},
		{Label: "person", MinConfidence: 0.7},
	})
	if !errors.Is(err, ErrInvalidConstraint) {
		t.Fatalf("expected ErrInvalidConstraint, got %v", err)
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Index != 1 || verr.Label != "person" {
		t.Errorf("unexpected error detail: %+v", verr)
	}
}

func TestCompileRejectsEmpty(t *testing.T) {
	if _, err := Compile(nil); !errors.Is(err, ErrNoConstraints) {
		t.Fatalf("expected ErrNoConstraints, got %v", err)
	}
}

func TestCompileValidation(t *testing.T) {
	tests := []struct {
		name string
		c    models.ObjectConstraint
	}{
		{"empty label", models.ObjectConstraint{MinInstances: models.Int(1)}},
		{"confidence above one", models.ObjectConstraint{Label: "car", MinConfidence: 1.5, MinInstances: models.Int(1)}},
		{"negative confidence", models.ObjectConstraint{Label: "car", MinConfidence: -0.1, MinInstances: models.Int(1)}},
		{"negative min", models.ObjectConstraint{Label: "car", MinInstances: models.Int(-1)}},
		{"negative max", models.ObjectConstraint{Label: "car", MaxInstances: models.Int(-2)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]models.ObjectConstraint{tt.c})
			if !errors.Is(err, ErrInvalidConstraint) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCarRangePredicate(t *testing.T) {
	p, err := Compile([]models.ObjectConstraint{
		{Label: "car", MinConfidence: 0.5, MinInstances: models.Int(1), MaxInstances: models.Int(3)},
	})
	if err != nil {
		t.Fatalf("Compile() failed: %v", err)
	}

	tests := []struct {
		name    string
		objects []models.Detection
		want    bool
	}{
		{"two confident cars", cars(2, 0.6), true},
		{"four cars", cars(4, 0.6), false},
		{"only weak cars", cars(2, 0.4), false},
		{"exact threshold counts", cars(1, 0.5), true},
		{"other labels ignored", append(cars(3, 0.9), models.Detection{Label: "person", Confidence: 0.99}), true},
		{"no objects", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Eval(p, tt.objects)
			if err != nil {
				t.Fatalf("Eval() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConjunctionAcrossConstraints(t *testing.T) {
	p, err := Compile([]models.ObjectConstraint{
		{Label: "car", MinConfidence: 0.5, MinInstances: models.Int(1), MaxInstances: models.Int(3)},
		{Label: "person", MinConfidence: 0.7, MinInstances: models.Int(1)},
	})
	if err != nil {
		t.Fatalf("Compile() failed: %v", err)
	}

	withPerson := append(cars(2, 0.8), models.Detection{Label: "person", Confidence: 0.75})
	if ok, _ := Eval(p, withPerson); !ok {
		t.Error("expected keyframe with cars and a person to match")
	}

	weakPerson := append(cars(2, 0.8), models.Detection{Label: "person", Confidence: 0.6})
	if ok, _ := Eval(p, weakPerson); ok {
		t.Error("expected keyframe with a low-confidence person to be rejected")
	}
}

func TestCompileLabelsAndPrefilter(t *testing.T) {
	p, err := Compile([]models.ObjectConstraint{
		{Label: "person", MinInstances: models.Int(1)},
		{Label: "car", MaxInstances: models.Int(0)},
		{Label: "person", MaxInstances: models.Int(5)},
	})
	if err != nil {
		t.Fatalf("Compile() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"car", "person"}, p.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if !p.PrefilterSafe {
		t.Error("expected prefilter to be safe when a constraint needs an instance")
	}

	onlyMax, err := Compile([]models.ObjectConstraint{{Label: "car", MaxInstances: models.Int(0)}})
	if err != nil {
		t.Fatalf("Compile() failed: %v", err)
	}
	if onlyMax.PrefilterSafe {
		t.Error("prefilter must not be safe when absence satisfies the predicate")
	}
	if ok, _ := Eval(onlyMax, nil); !ok {
		t.Error("a keyframe without cars satisfies max_instances=0")
	}
}

func TestExprShape(t *testing.T) {
	p, err := Compile([]models.ObjectConstraint{
		{Label: "car", MinConfidence: 0.5, MinInstances: models.Int(1)},
	})
	if err != nil {
		t.Fatalf("Compile() failed: %v", err)
	}

	want := `gte(count(and(eq($label, "car"), gte($confidence, 0.5))), 1)`
	if got := p.Expr.String(); got != want {
		t.Errorf("Expr.String() = %s, want %s", got, want)
	}
}

func TestEvalRejectsMalformedTree(t *testing.T) {
	bad := Predicate{Expr: Gte(Field(FieldLabel), Const(1))}
	if _, err := Eval(bad, cars(1, 0.9)); err == nil {
		t.Error("expected an error for a field outside count")
	}
}
