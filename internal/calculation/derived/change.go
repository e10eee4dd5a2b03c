package derived

import (
	"context"
	"fmt"

	"github.com/ehr/cohort/internal/calculation"
	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/param"
)

// Improvement classifications.
const (
	Improved    = calculation.Text("Yes")
	NotImproved = calculation.Text("No")
)

// change computes later - earlier for entities where both are numeric.
type change struct {
	earlier calculation.Ref
	later   calculation.Ref
}

func newChange(cfg calculation.Config) (calculation.Calculation, error) {
	earlier, ok := cfg.Ref("earlier")
	if !ok {
		return nil, fmt.Errorf("earlier is required")
	}
	later, ok := cfg.Ref("later")
	if !ok {
		return nil, fmt.Errorf("later is required")
	}
	return change{earlier: earlier, later: later}, nil
}

func (c change) Ref() calculation.Ref { return ChangeIn(c.earlier, c.later) }

func (c change) Evaluate(ctx context.Context, p *calculation.Pass, cohort entity.Set, _ param.Values, cc calculation.Context) (calculation.ResultMap, error) {
	earlier, err := p.CalculateRef(ctx, c.earlier, cohort, nil, cc)
	if err != nil {
		return nil, err
	}
	later, err := p.CalculateRef(ctx, c.later, cohort, nil, cc)
	if err != nil {
		return nil, err
	}
	out := make(calculation.ResultMap, cohort.Len())
	for _, id := range cohort.IDs() {
		a, okA := earlier.Numeric(id)
		b, okB := later.Numeric(id)
		if !okA || !okB {
			out[id] = calculation.Absent{}
			continue
		}
		out[id] = calculation.Numeric{Value: b.Sub(a)}
	}
	return out, nil
}

// improvement classifies a change: positive is Improved, zero or negative is
// NotImproved, and an absent change stays absent.
type improvement struct{ change calculation.Ref }

func newImprovement(cfg calculation.Config) (calculation.Calculation, error) {
	ch, ok := cfg.Ref("change")
	if !ok {
		return nil, fmt.Errorf("change is required")
	}
	return improvement{change: ch}, nil
}

func (c improvement) Ref() calculation.Ref { return ImprovementIn(c.change) }

func (c improvement) Evaluate(ctx context.Context, p *calculation.Pass, cohort entity.Set, _ param.Values, cc calculation.Context) (calculation.ResultMap, error) {
	deltas, err := p.CalculateRef(ctx, c.change, cohort, nil, cc)
	if err != nil {
		return nil, err
	}
	out := make(calculation.ResultMap, cohort.Len())
	for _, id := range cohort.IDs() {
		d, ok := deltas.Numeric(id)
		switch {
		case !ok:
			out[id] = calculation.Absent{}
		case d.IsPositive():
			out[id] = Improved
		default:
			out[id] = NotImproved
		}
	}
	return out, nil
}
