package derived

import (
	"context"

	"github.com/ehr/cohort/internal/calculation"
	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/param"
)

type allObs struct{ concept string }

func (c allObs) Ref() calculation.Ref { return AllObs(c.concept) }

func (c allObs) Evaluate(ctx context.Context, p *calculation.Pass, cohort entity.Set, _ param.Values, cc calculation.Context) (calculation.ResultMap, error) {
	return p.AllObs(ctx, c.concept, cohort, cc)
}

// pickObs selects the first or last observation on or before the context date.
type pickObs struct {
	concept string
	last    bool
}

func (c pickObs) Ref() calculation.Ref {
	if c.last {
		return LastObs(c.concept)
	}
	return FirstObs(c.concept)
}

func (c pickObs) Evaluate(ctx context.Context, p *calculation.Pass, cohort entity.Set, _ param.Values, cc calculation.Context) (calculation.ResultMap, error) {
	all, err := p.AllObs(ctx, c.concept, cohort, cc)
	if err != nil {
		return nil, err
	}
	out := make(calculation.ResultMap, cohort.Len())
	for _, id := range cohort.IDs() {
		obs := all.Observations(id)
		if len(obs) == 0 {
			out[id] = calculation.Absent{}
			continue
		}
		pick := obs[0]
		if c.last {
			pick = obs[len(obs)-1]
		}
		out[id] = calculation.ObsResult{Obs: pick}
	}
	return out, nil
}

type firstObsDate struct{ concept string }

func (c firstObsDate) Ref() calculation.Ref { return FirstObsDate(c.concept) }

func (c firstObsDate) Evaluate(ctx context.Context, p *calculation.Pass, cohort entity.Set, _ param.Values, cc calculation.Context) (calculation.ResultMap, error) {
	first, err := p.Calculate(ctx, pickObs{concept: c.concept}, cohort, nil, cc)
	if err != nil {
		return nil, err
	}
	out := make(calculation.ResultMap, cohort.Len())
	for _, id := range cohort.IDs() {
		if r, ok := first.Get(id).(calculation.ObsResult); ok {
			out[id] = calculation.Date{Time: r.Obs.Timestamp}
		} else {
			out[id] = calculation.Absent{}
		}
	}
	return out, nil
}

// hasValue is true when the most recent observation of concept carries one
// of the coded values, false when it carries another, and absent when the
// entity has no observation.
type hasValue struct {
	concept string
	values  []string
}

func (c hasValue) Ref() calculation.Ref { return HasValue(c.concept, c.values...) }

func (c hasValue) Evaluate(ctx context.Context, p *calculation.Pass, cohort entity.Set, _ param.Values, cc calculation.Context) (calculation.ResultMap, error) {
	last, err := p.Calculate(ctx, pickObs{concept: c.concept, last: true}, cohort, nil, cc)
	if err != nil {
		return nil, err
	}
	accept := make(map[string]bool, len(c.values))
	for _, v := range c.values {
		accept[v] = true
	}
	out := make(calculation.ResultMap, cohort.Len())
	for _, id := range cohort.IDs() {
		r, ok := last.Get(id).(calculation.ObsResult)
		if !ok {
			out[id] = calculation.Absent{}
			continue
		}
		out[id] = calculation.Boolean(accept[r.Obs.Value.Coded])
	}
	return out, nil
}

// minCount is true when an entity has at least count observations of
// concept, false otherwise. It is never absent.
type minCount struct {
	concept string
	count   int
}

func (c minCount) Ref() calculation.Ref { return MinCount(c.concept, c.count) }

func (c minCount) Evaluate(ctx context.Context, p *calculation.Pass, cohort entity.Set, _ param.Values, cc calculation.Context) (calculation.ResultMap, error) {
	all, err := p.AllObs(ctx, c.concept, cohort, cc)
	if err != nil {
		return nil, err
	}
	out := make(calculation.ResultMap, cohort.Len())
	for _, id := range cohort.IDs() {
		out[id] = calculation.Boolean(len(all.Observations(id)) >= c.count)
	}
	return out, nil
}
