package cohort

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/cohort/internal/calculation"
	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/observation"
	"github.com/ehr/cohort/internal/param"
)

// Parameter names understood by the primitives.
const (
	ParamOnOrAfter  = "onOrAfter"
	ParamOnOrBefore = "onOrBefore"
	ParamOnDate     = "onDate"
)

// Relative costs of the primitives.
const (
	costStatic      = 1
	costUniverse    = 1
	costObs         = 10
	costCalculation = 50
)

// optionalTime reads an optional date parameter. A value of another type is
// a binding error.
func optionalTime(def string, vals param.Values, name string) (time.Time, bool, error) {
	if !vals.Has(name) {
		return time.Time{}, false, nil
	}
	t, ok := vals.Time(name)
	if !ok {
		return time.Time{}, false, &param.BindingError{
			Target: qualify(def, name),
			Reason: fmt.Sprintf("expected a date, got %T", vals[name]),
		}
	}
	return t, true, nil
}

// endOfDay returns the last instant of t's day, so that an inclusive upper
// date bound covers the whole day.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ---------------------------------------------------------------------------
// Observation cohort
// ---------------------------------------------------------------------------

// TimeQualifier selects which observations in the date range are tested.
type TimeQualifier int

const (
	AnyObs TimeQualifier = iota
	FirstObs
	LastObs
)

// ObsCohort selects entities with an observation of Concept in the range
// [onOrAfter, onOrBefore] (both optional, inclusive, whole days) that
// matches the value filters. Values restricts coded answers; Min and Max are
// inclusive numeric bounds. With no filters any observation qualifies.
type ObsCohort struct {
	Label   string
	Concept string
	Values  []string
	Min     *decimal.Decimal
	Max     *decimal.Decimal
	Time    TimeQualifier
}

func (c ObsCohort) Name() string { return c.Label }

func (c ObsCohort) Parameters() []string { return []string{ParamOnOrAfter, ParamOnOrBefore} }

func (c ObsCohort) Bind(vals param.Values) (Bound, error) {
	b := &boundObs{def: c}
	var err error
	if b.from, b.hasFrom, err = optionalTime(c.Label, vals, ParamOnOrAfter); err != nil {
		return nil, err
	}
	if b.to, b.hasTo, err = optionalTime(c.Label, vals, ParamOnOrBefore); err != nil {
		return nil, err
	}
	if b.hasFrom {
		b.from = startOfDay(b.from)
	}
	if b.hasTo {
		b.to = endOfDay(b.to)
	}
	return b, nil
}

type boundObs struct {
	def     ObsCohort
	from    time.Time
	hasFrom bool
	to      time.Time
	hasTo   bool
}

func (b *boundObs) Name() string { return b.def.Label }

func (b *boundObs) Cost() int { return costObs }

func (b *boundObs) Evaluate(ctx context.Context, env *Env) (entity.Set, error) {
	scope, err := env.requireScope(b.def.Label)
	if err != nil {
		return entity.Set{}, err
	}
	asOf := env.AsOf()
	if b.hasTo {
		asOf = b.to
	}
	all, err := env.Pass().AllObs(ctx, b.def.Concept, scope, calculation.NewContext(asOf, nil))
	if err != nil {
		return entity.Set{}, err
	}

	var ids []entity.ID
	for _, id := range scope.IDs() {
		var inRange []observation.Observation
		for _, o := range all.Observations(id) {
			if b.hasFrom && o.Timestamp.Before(b.from) {
				continue
			}
			if b.hasTo && o.Timestamp.After(b.to) {
				continue
			}
			inRange = append(inRange, o)
		}
		if len(inRange) == 0 {
			continue
		}
		switch b.def.Time {
		case FirstObs:
			inRange = inRange[:1]
		case LastObs:
			inRange = inRange[len(inRange)-1:]
		}
		for _, o := range inRange {
			if b.def.matches(o.Value) {
				ids = append(ids, id)
				break
			}
		}
	}
	return entity.NewSet(ids...), nil
}

func (c ObsCohort) matches(v observation.Value) bool {
	if len(c.Values) > 0 {
		if v.Kind != observation.KindCoded {
			return false
		}
		found := false
		for _, want := range c.Values {
			if v.Coded == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.Min != nil || c.Max != nil {
		if v.Kind != observation.KindNumeric {
			return false
		}
		if c.Min != nil && v.Numeric.LessThan(*c.Min) {
			return false
		}
		if c.Max != nil && v.Numeric.GreaterThan(*c.Max) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Calculation cohort
// ---------------------------------------------------------------------------

// CalculationCohort selects entities by the result of a calculation. With an
// empty Value the result must be truthy; otherwise its rendered form must
// equal Value. The calculation runs as of onDate, falling back to the end of
// onOrBefore and then to the environment date.
type CalculationCohort struct {
	Label       string
	Calculation calculation.Ref
	Value       string
}

func (c CalculationCohort) Name() string { return c.Label }

func (c CalculationCohort) Parameters() []string { return []string{ParamOnDate, ParamOnOrBefore} }

func (c CalculationCohort) Bind(vals param.Values) (Bound, error) {
	on, ok, err := optionalTime(c.Label, vals, ParamOnDate)
	if err != nil {
		return nil, err
	}
	if !ok {
		on, ok, err = optionalTime(c.Label, vals, ParamOnOrBefore)
		if err != nil {
			return nil, err
		}
	}
	b := &boundCalc{def: c, hasDate: ok}
	if ok {
		b.on = endOfDay(on)
	}
	return b, nil
}

type boundCalc struct {
	def     CalculationCohort
	on      time.Time
	hasDate bool
}

func (b *boundCalc) Name() string { return b.def.Label }

func (b *boundCalc) Cost() int { return costCalculation }

func (b *boundCalc) Evaluate(ctx context.Context, env *Env) (entity.Set, error) {
	scope, err := env.requireScope(b.def.Label)
	if err != nil {
		return entity.Set{}, err
	}
	on := env.AsOf()
	if b.hasDate {
		on = b.on
	}
	rm, err := env.Pass().CalculateRef(ctx, b.def.Calculation, scope, nil, calculation.NewContext(on, nil))
	if err != nil {
		return entity.Set{}, err
	}
	if b.def.Value == "" {
		return rm.Passing(), nil
	}
	var ids []entity.ID
	for id, r := range rm {
		if render(r) == b.def.Value {
			ids = append(ids, id)
		}
	}
	return entity.NewSet(ids...), nil
}

// render gives the comparable string form of a scalar result.
func render(r calculation.Result) string {
	switch v := r.(type) {
	case calculation.Text:
		return string(v)
	case calculation.Boolean:
		if v {
			return "true"
		}
		return "false"
	case calculation.Numeric:
		return v.Value.String()
	case calculation.ValueAndDate:
		return v.Value.String()
	case calculation.ObsResult:
		return v.Obs.Value.String()
	}
	return ""
}

// ---------------------------------------------------------------------------
// Fixed sets
// ---------------------------------------------------------------------------

// Static is a fixed set of entities, limited to the current scope when a
// universe is defined.
type Static struct {
	Label string
	IDs   entity.Set
}

func (s Static) Name() string { return s.Label }

func (s Static) Parameters() []string { return nil }

func (s Static) Bind(param.Values) (Bound, error) { return boundStatic(s), nil }

type boundStatic Static

func (b boundStatic) Name() string { return b.Label }

func (b boundStatic) Cost() int { return costStatic }

func (b boundStatic) Evaluate(_ context.Context, env *Env) (entity.Set, error) {
	if scope, ok := env.Scope(); ok {
		return b.IDs.Intersect(scope), nil
	}
	return b.IDs, nil
}

// Universe selects every entity in scope.
type Universe struct {
	Label string
}

func (u Universe) Name() string { return u.Label }

func (u Universe) Parameters() []string { return nil }

func (u Universe) Bind(param.Values) (Bound, error) { return boundUniverse(u), nil }

type boundUniverse Universe

func (b boundUniverse) Name() string { return b.Label }

func (b boundUniverse) Cost() int { return costUniverse }

func (b boundUniverse) Evaluate(_ context.Context, env *Env) (entity.Set, error) {
	return env.requireScope(b.Label)
}
