package cohort

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/cohort/internal/calculation"
	"github.com/ehr/cohort/internal/calculation/derived"
	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/observation"
	"github.com/ehr/cohort/internal/param"
)

const (
	tbScreening = "1659"
	hivStatus   = "1169"
	cd4Count    = "5497"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ids(prefix string, from, to int) entity.Set {
	var out []entity.ID
	for i := from; i < to; i++ {
		out = append(out, entity.ID(fmt.Sprintf("%s%03d", prefix, i)))
	}
	return entity.NewSet(out...)
}

func newEnv(src observation.Source, universe entity.Set) *Env {
	pass := calculation.NewPass(src, derived.NewRegistry(), zerolog.Nop())
	return NewEnv(pass, day("2021-01-01")).WithUniverse(universe)
}

func window(start, end string) param.Values {
	return param.Values{ParamOnOrAfter: day(start), ParamOnOrBefore: day(end)}
}

// recordingDef records evaluation order and returns a fixed set.
type recordingDef struct {
	name   string
	cost   int
	result entity.Set
	log    *[]string
}

func (p *recordingDef) Name() string { return p.name }
func (p *recordingDef) Parameters() []string { return nil }
func (p *recordingDef) Bind(param.Values) (Bound, error) { return p, nil }
func (p *recordingDef) Cost() int { return p.cost }
func (p *recordingDef) Evaluate(_ context.Context, env *Env) (entity.Set, error) {
	*p.log = append(*p.log, p.name)
	if scope, ok := env.Scope(); ok {
		return p.result.Intersect(scope), nil
	}
	return p.result, nil
}

// ---------------------------------------------------------------------------
// Set algebra
// ---------------------------------------------------------------------------

func TestComposite_SetAlgebraMatchesSetTheory(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pick := func() entity.Set {
		var out []entity.ID
		for i := 0; i < 60; i++ {
			if rng.Intn(2) == 0 {
				out = append(out, entity.ID(fmt.Sprintf("e%03d", i)))
			}
		}
		return entity.NewSet(out...)
	}

	for round := 0; round < 25; round++ {
		x, y, z, u := pick(), pick(), pick(), pick()
		def := And("q", nil,
			Map(Or("xy", nil, Map(Static{Label: "x", IDs: x}, ""), Map(Static{Label: "y", IDs: y}, "")), ""),
			Map(Not("notZ", nil, Map(Static{Label: "z", IDs: z}, "")), ""),
		)

		got, err := Evaluate(context.Background(), Map(def, ""), nil, newEnv(observation.NewMemorySource(), u))
		require.NoError(t, err)

		want := x.Union(y).Intersect(u.Difference(z))
		assert.True(t, want.Equal(got), "round %d: want %v got %v", round, want, got)
	}
}

func TestAnd_EvaluatesCheapestFirstAndShortCircuits(t *testing.T) {
	var order []string
	expensive := &recordingDef{name: "expensive", cost: 100, result: ids("e", 0, 10), log: &order}
	cheap := &recordingDef{name: "cheap", cost: 1, result: entity.Set{}, log: &order}
	def := And("both", nil, Map(expensive, ""), Map(cheap, ""))

	got, err := Evaluate(context.Background(), Map(def, ""), nil, newEnv(observation.NewMemorySource(), ids("e", 0, 10)))
	require.NoError(t, err)
	assert.True(t, got.Empty())
	assert.Equal(t, []string{"cheap"}, order)
}

func TestAnd_NarrowsScopeForLaterChildren(t *testing.T) {
	var order []string
	var seen entity.Set
	narrow := &recordingDef{name: "narrow", cost: 1, result: ids("e", 0, 3), log: &order}
	wide := &scopeSpy{seen: &seen}
	def := And("both", nil, Map(narrow, ""), Map(wide, ""))

	_, err := Evaluate(context.Background(), Map(def, ""), nil, newEnv(observation.NewMemorySource(), ids("e", 0, 50)))
	require.NoError(t, err)
	assert.True(t, seen.Equal(ids("e", 0, 3)))
}

type scopeSpy struct{ seen *entity.Set }

func (s *scopeSpy) Name() string { return "spy" }
func (s *scopeSpy) Parameters() []string { return nil }
func (s *scopeSpy) Bind(param.Values) (Bound, error) { return s, nil }
func (s *scopeSpy) Cost() int { return 50 }
func (s *scopeSpy) Evaluate(_ context.Context, env *Env) (entity.Set, error) {
	scope, _ := env.Scope()
	*s.seen = scope
	return scope, nil
}

func TestComposite_RejectsEmptyChildren(t *testing.T) {
	assert.PanicsWithValue(t, `cohort: And("none") needs at least one child`, func() { And("none", nil) })
	assert.PanicsWithValue(t, `cohort: Or("none") needs at least one child`, func() { Or("none", nil, []Mapped{}...) })
	assert.NotPanics(t, func() { Or("one", nil, Map(Static{Label: "s", IDs: entity.NewSet("a")}, "")) })
}

func TestNot_RequiresUniverse(t *testing.T) {
	pass := calculation.NewPass(observation.NewMemorySource(), derived.NewRegistry(), zerolog.Nop())
	env := NewEnv(pass, day("2021-01-01"))
	def := Not("notZ", nil, Map(Static{Label: "z", IDs: entity.NewSet("a")}, ""))

	_, err := Evaluate(context.Background(), Map(def, ""), nil, env)
	var ue *UniverseError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "notZ", ue.Definition)
}

func TestStatic_WithoutUniverse(t *testing.T) {
	env := NewEnv(nil, day("2021-01-01"))
	def := Or("either", nil,
		Map(Static{Label: "a", IDs: entity.NewSet("1", "2")}, ""),
		Map(Static{Label: "b", IDs: entity.NewSet("2", "3")}, ""),
	)
	got, err := Evaluate(context.Background(), Map(def, ""), nil, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, got.Strings())
}

// ---------------------------------------------------------------------------
// Binding
// ---------------------------------------------------------------------------

func TestMapped_MissingPlaceholderIsBindingError(t *testing.T) {
	screened := ObsCohort{Label: "screened", Concept: tbScreening}
	m := Map(screened, "onOrAfter=${startDate},onOrBefore=${endDate}")

	_, err := m.Bind(param.Values{"startDate": day("2020-01-01")})
	var be *param.BindingError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "endDate", be.Param)
	assert.Equal(t, "screened.onOrBefore", be.Target)
}

func TestComposite_ChildrenSeeOnlyDeclaredParameters(t *testing.T) {
	screened := ObsCohort{Label: "screened", Concept: tbScreening}
	def := And("scoped", []string{"onOrAfter"},
		Map(screened, "onOrAfter=${onOrAfter},onOrBefore=${onOrBefore}"),
	)
	_, err := Map(def, "onOrAfter=${startDate},onOrBefore=${endDate}").
		Bind(param.Values{"startDate": day("2020-01-01"), "endDate": day("2020-01-31")})

	var be *param.BindingError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "onOrBefore", be.Param)
}

func TestComposite_BindFailsBeforeAnyEvaluation(t *testing.T) {
	var order []string
	first := &recordingDef{name: "first", cost: 1, result: ids("e", 0, 5), log: &order}
	screened := ObsCohort{Label: "screened", Concept: tbScreening}
	def := And("q", []string{"onOrAfter", "onOrBefore"},
		Map(first, ""),
		Map(screened, "onOrAfter=${onOrAfter},onOrBefore=${missing}"),
	)
	_, err := Evaluate(context.Background(), Map(def, "onOrAfter=${startDate},onOrBefore=${endDate}"),
		param.Values{"startDate": day("2020-01-01"), "endDate": day("2020-01-31")},
		newEnv(observation.NewMemorySource(), ids("e", 0, 5)))
	require.Error(t, err)
	assert.Empty(t, order)
}

func TestObsCohort_RejectsNonDateParameter(t *testing.T) {
	_, err := ObsCohort{Label: "obs", Concept: cd4Count}.Bind(param.Values{ParamOnOrAfter: "soon"})
	var be *param.BindingError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "obs.onOrAfter", be.Target)
}

func TestReferences(t *testing.T) {
	a := Map(Static{Label: "a"}, "onOrAfter=${startDate},onOrBefore=${endDate}")
	b := Map(Static{Label: "b"}, "onOrBefore=${endDate-6m}")
	assert.Equal(t, []string{"endDate", "startDate"}, References(a, b))
	assert.Empty(t, References())
}

// ---------------------------------------------------------------------------
// Observation cohorts
// ---------------------------------------------------------------------------

func obsAt(id entity.ID, concept string, v observation.Value, at time.Time) observation.Observation {
	return observation.Observation{EntityID: id, ConceptID: concept, Value: v, Timestamp: at}
}

func TestObsCohort_DateRangeIsInclusiveWholeDays(t *testing.T) {
	src := observation.NewMemorySource()
	src.Add(
		obsAt("before", tbScreening, observation.Coded("yes"), day("2019-12-31").Add(23*time.Hour)),
		obsAt("first-day", tbScreening, observation.Coded("yes"), day("2020-01-01")),
		obsAt("last-day", tbScreening, observation.Coded("yes"), day("2020-01-31").Add(15*time.Hour)),
		obsAt("after", tbScreening, observation.Coded("yes"), day("2020-02-01")),
	)
	universe := entity.NewSet("before", "first-day", "last-day", "after", "none")
	b, err := ObsCohort{Label: "screened", Concept: tbScreening}.Bind(window("2020-01-01", "2020-01-31"))
	require.NoError(t, err)

	got, err := b.Evaluate(context.Background(), newEnv(src, universe))
	require.NoError(t, err)
	assert.Equal(t, []string{"first-day", "last-day"}, got.Strings())
}

func TestObsCohort_ValueFilters(t *testing.T) {
	src := observation.NewMemorySource()
	src.Add(
		obsAt("pos", hivStatus, observation.Coded("703"), day("2020-01-05")),
		obsAt("neg", hivStatus, observation.Coded("664"), day("2020-01-05")),
		obsAt("low", cd4Count, observation.Float(150), day("2020-01-05")),
		obsAt("high", cd4Count, observation.Float(650), day("2020-01-05")),
		obsAt("edge", cd4Count, observation.Float(350), day("2020-01-05")),
	)
	universe := entity.NewSet("pos", "neg", "low", "high", "edge")
	env := newEnv(src, universe)
	vals := window("2020-01-01", "2020-01-31")

	b, err := ObsCohort{Label: "hivPositive", Concept: hivStatus, Values: []string{"703"}}.Bind(vals)
	require.NoError(t, err)
	got, err := b.Evaluate(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []string{"pos"}, got.Strings())

	limit := decimal.NewFromInt(350)
	b, err = ObsCohort{Label: "cd4Low", Concept: cd4Count, Max: &limit}.Bind(vals)
	require.NoError(t, err)
	got, err = b.Evaluate(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge", "low"}, got.Strings())
}

func TestObsCohort_TimeQualifier(t *testing.T) {
	src := observation.NewMemorySource()
	src.Add(
		obsAt("p1", hivStatus, observation.Coded("664"), day("2020-01-02")),
		obsAt("p1", hivStatus, observation.Coded("703"), day("2020-01-20")),
	)
	env := newEnv(src, entity.NewSet("p1"))
	vals := window("2020-01-01", "2020-01-31")

	for q, want := range map[TimeQualifier]bool{AnyObs: true, FirstObs: false, LastObs: true} {
		b, err := ObsCohort{Label: "pos", Concept: hivStatus, Values: []string{"703"}, Time: q}.Bind(vals)
		require.NoError(t, err)
		got, err := b.Evaluate(context.Background(), env)
		require.NoError(t, err)
		assert.Equal(t, want, got.Has("p1"), "qualifier %d", q)
	}
}

func TestObsCohort_RequiresUniverse(t *testing.T) {
	b, err := ObsCohort{Label: "obs", Concept: cd4Count}.Bind(nil)
	require.NoError(t, err)
	_, err = b.Evaluate(context.Background(), NewEnv(nil, day("2020-01-01")))
	var ue *UniverseError
	assert.True(t, errors.As(err, &ue))
}

type failingSource struct{}

func (failingSource) FetchAll(context.Context, string, entity.Set, time.Time) (map[entity.ID][]observation.Observation, error) {
	return nil, &observation.DataAccessError{Concept: "x", Err: errors.New("connection refused")}
}

func TestObsCohort_PropagatesDataAccessError(t *testing.T) {
	b, err := ObsCohort{Label: "obs", Concept: cd4Count}.Bind(nil)
	require.NoError(t, err)
	_, err = b.Evaluate(context.Background(), newEnv(failingSource{}, entity.NewSet("p1")))
	var de *observation.DataAccessError
	assert.True(t, errors.As(err, &de))
}

// ---------------------------------------------------------------------------
// Calculation cohorts
// ---------------------------------------------------------------------------

func TestCalculationCohort(t *testing.T) {
	src := observation.NewMemorySource()
	src.Add(
		obsAt("p1", tbScreening, observation.Coded("142177"), day("2020-01-10")),
		obsAt("p2", tbScreening, observation.Coded("1660"), day("2020-01-10")),
		obsAt("p3", tbScreening, observation.Coded("142177"), day("2020-03-10")),
	)
	env := newEnv(src, entity.NewSet("p1", "p2", "p3", "p4"))
	ref := derived.HasValue(tbScreening, "142177")

	b, err := CalculationCohort{Label: "presumed", Calculation: ref}.Bind(param.Values{ParamOnOrBefore: day("2020-01-31")})
	require.NoError(t, err)
	got, err := b.Evaluate(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, got.Strings())

	b, err = CalculationCohort{Label: "notPresumed", Calculation: ref, Value: "false"}.Bind(nil)
	require.NoError(t, err)
	got, err = b.Evaluate(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, got.Strings())
}

func TestCalculationCohort_OnDateWins(t *testing.T) {
	b, err := CalculationCohort{Label: "c", Calculation: derived.LastObs(cd4Count)}.Bind(param.Values{
		ParamOnDate:     day("2020-06-01"),
		ParamOnOrBefore: day("2020-12-31"),
	})
	require.NoError(t, err)
	bc := b.(*boundCalc)
	assert.True(t, bc.hasDate)
	assert.True(t, day("2020-06-02").Add(-time.Nanosecond).Equal(bc.on))
}
