package library

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/indicator"
	"github.com/ehr/cohort/internal/observation"
	"github.com/ehr/cohort/internal/param"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func binding(start, end string) param.Values {
	return param.Values{"startDate": day(start), "endDate": day(end)}
}

func newLibrary(t *testing.T) *Library {
	t.Helper()
	lib, err := New(DefaultCatalog())
	require.NoError(t, err)
	return lib
}

type fixture struct {
	src *observation.MemorySource
	cat *Catalog
}

func newFixture() *fixture {
	return &fixture{src: observation.NewMemorySource(), cat: DefaultCatalog()}
}

func (f *fixture) coded(id entity.ID, concept, answer, at string) {
	f.src.Add(observation.Observation{
		EntityID:  id,
		ConceptID: f.cat.Concept(concept),
		Value:     observation.Coded(f.cat.Concept(answer)),
		Timestamp: day(at),
	})
}

func (f *fixture) numeric(id entity.ID, concept string, v float64, at string) {
	f.src.Add(observation.Observation{
		EntityID:  id,
		ConceptID: f.cat.Concept(concept),
		Value:     observation.Float(v),
		Timestamp: day(at),
	})
}

func (f *fixture) marker(id entity.ID, concept, at string) {
	f.src.Add(observation.Observation{
		EntityID:  id,
		ConceptID: f.cat.Concept(concept),
		Value:     observation.Text("yes"),
		Timestamp: day(at),
	})
}

func (f *fixture) evaluate(t *testing.T, lib *Library, name string, vals param.Values) *indicator.Result {
	t.Helper()
	def, err := lib.Indicator(name)
	require.NoError(t, err)
	ev := indicator.NewEvaluator(f.src, NewRegistry(), zerolog.Nop(),
		indicator.WithUniverse(indicator.EnumeratedUniverse(f.src)))
	res, err := ev.Evaluate(context.Background(), def, vals)
	require.NoError(t, err)
	return res
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func TestParseCatalog(t *testing.T) {
	cat, err := ParseCatalog([]byte("concepts:\n  cd4_count: \"1234\"\n  weight: \"5089\"\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"cd4_count", "weight"}, cat.Names())

	merged := DefaultCatalog().Merge(cat)
	assert.Equal(t, "1234", merged.Concept("cd4_count"))
	assert.Equal(t, "730", merged.Concept("cd4_percent"))
	id, ok := merged.Lookup("weight")
	assert.True(t, ok)
	assert.Equal(t, "5089", id)
}

func TestParseCatalog_Errors(t *testing.T) {
	_, err := ParseCatalog([]byte("concepts: [oops"))
	assert.Error(t, err)
	_, err = ParseCatalog([]byte("concepts:\n  cd4_count: \"\"\n"))
	assert.Error(t, err)
}

func TestCatalog_ConceptPanicsOnUnknownName(t *testing.T) {
	assert.Panics(t, func() { DefaultCatalog().Concept("blood_group") })
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestNew_RegistersNamespaces(t *testing.T) {
	lib := newLibrary(t)
	assert.Equal(t, []string{
		"crossborder.defaulted",
		"crossborder.hivPositiveNotScreenedForTb",
		"crossborder.screenedForTb",
		"hiv.enrolledInCare",
		"hiv.hasCd4Result",
		"qi.cd4Improvement",
		"qi.clinicalVisit",
		"qi.hivMonitoringCd4",
		"qi.hivMonitoringViralLoadSupression",
		"qi.tbScreeningServiceCoverage",
		"tb.presumedTb",
		"tb.screenedForTb",
	}, lib.Indicators())
	assert.Contains(t, lib.Cohorts(), "hiv.cd4Improved")
	assert.Contains(t, lib.Cohorts(), "crossborder.screenedForTbAndHivPositive")

	for _, name := range lib.Indicators() {
		def, err := lib.Indicator(name)
		require.NoError(t, err)
		assert.Equal(t, name, def.Describe().Name)
		assert.NotEmpty(t, def.Describe().Parameters, name)
	}
}

func TestNew_MissingConcept(t *testing.T) {
	cat := DefaultCatalog()
	delete(cat.concepts, "cd4_percent")

	_, err := New(cat)
	var mc *MissingConceptError
	require.True(t, errors.As(err, &mc))
	assert.Equal(t, "cd4_percent", mc.Name)
}

func TestLookupUnknown(t *testing.T) {
	lib := newLibrary(t)
	_, err := lib.Indicator("hiv.nothing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = lib.Cohort("nothing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterIndicator_DuplicatePanics(t *testing.T) {
	lib := newLibrary(t)
	assert.Panics(t, func() {
		lib.RegisterIndicator("tb", "screenedForTb", func() indicator.Definition { return &indicator.Indicator{} })
	})
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestCrossborderScreenedForTb(t *testing.T) {
	f := newFixture()
	for i := 0; i < 100; i++ {
		id := entity.ID(fmt.Sprintf("p%03d", i))
		f.src.AddEntity(id)
		switch {
		case i < 7:
			f.coded(id, "tb_screening", "tb_no_signs", "2020-01-12")
			f.coded(id, "hiv_test_result", "hiv_positive", "2020-01-03")
		case i < 15:
			f.coded(id, "tb_screening", "tb_presumed", "2020-01-12")
		case i < 25:
			f.coded(id, "hiv_test_result", "hiv_positive", "2020-01-20")
		case i < 30:
			f.coded(id, "tb_screening", "tb_no_signs", "2019-12-31")
			f.coded(id, "hiv_test_result", "hiv_positive", "2020-01-20")
		}
	}
	lib := newLibrary(t)

	res := f.evaluate(t, lib, "crossborder.screenedForTb", binding("2020-01-01", "2020-01-31"))
	assert.Equal(t, 7, res.Count)

	// positive in January: p000-p006 (screened), p015-p029 (not screened in January)
	res = f.evaluate(t, lib, "crossborder.hivPositiveNotScreenedForTb", binding("2020-01-01", "2020-01-31"))
	assert.Equal(t, 15, res.Count)
}

func TestQICd4Improvement(t *testing.T) {
	f := newFixture()
	f.marker("p1", "hiv_enrollment", "2015-03-25")
	f.numeric("p1", "cd4_count", 20, "2015-01-01")
	f.numeric("p1", "cd4_count", 25, "2015-03-01")
	f.numeric("p1", "cd4_count", 30, "2015-09-01")

	f.marker("p2", "hiv_enrollment", "2015-03-25")
	f.numeric("p2", "cd4_count", 25, "2015-03-01")
	f.numeric("p2", "cd4_count", 25, "2015-09-01")

	f.marker("p3", "hiv_enrollment", "2015-09-01")
	f.numeric("p3", "cd4_count", 300, "2015-08-20")

	f.marker("p4", "hiv_enrollment", "2015-03-25")

	res := f.evaluate(t, newLibrary(t), "qi.cd4Improvement", binding("2015-07-01", "2015-12-31"))
	require.NotNil(t, res.Denominator)
	assert.Equal(t, 2, *res.Denominator)
	assert.Equal(t, 1, res.Count)
	assert.True(t, res.Cohort.Equal(entity.NewSet("p1")))
	require.NotNil(t, res.Ratio)
	assert.Equal(t, "0.5", res.Ratio.String())
}

func TestQIHivMonitoringCd4(t *testing.T) {
	f := newFixture()
	f.marker("a", "hiv_care_visit", "2020-05-01")
	f.numeric("a", "cd4_count", 500, "2020-05-01")
	f.marker("b", "hiv_care_visit", "2020-03-01")
	f.numeric("b", "cd4_percent", 22, "2019-11-01")
	f.marker("c", "hiv_care_visit", "2019-10-01")
	f.numeric("d", "cd4_count", 410, "2020-04-01")

	res := f.evaluate(t, newLibrary(t), "qi.hivMonitoringCd4", binding("2020-04-01", "2020-06-30"))
	assert.Equal(t, 2, *res.Denominator)
	assert.Equal(t, 1, res.Count)
}

func TestQIHivMonitoringViralLoadSupression(t *testing.T) {
	f := newFixture()
	for _, id := range []entity.ID{"a", "b", "c", "d", "e", "g"} {
		f.marker(id, "hiv_enrollment", "2019-01-01")
	}
	f.numeric("a", "viral_load", 400, "2020-03-01")
	f.numeric("b", "viral_load", 999, "2020-03-01")
	f.numeric("c", "viral_load", 1000, "2020-03-01")
	// suppressed earlier, latest result is not
	f.numeric("d", "viral_load", 200, "2019-09-01")
	f.numeric("d", "viral_load", 5000, "2020-03-01")
	f.numeric("e", "viral_load", 5000, "2019-09-01")
	f.numeric("e", "viral_load", 300, "2020-03-01")
	// enrolled less than 12 months before the end date
	f.marker("f", "hiv_enrollment", "2020-01-01")
	f.numeric("f", "viral_load", 300, "2020-03-01")
	// result outside the 12 month window
	f.numeric("g", "viral_load", 300, "2019-05-01")

	res := f.evaluate(t, newLibrary(t), "qi.hivMonitoringViralLoadSupression", binding("2020-04-01", "2020-06-30"))
	require.NotNil(t, res.Denominator)
	assert.Equal(t, 5, *res.Denominator)
	assert.Equal(t, 3, res.Count)
	assert.True(t, res.Cohort.Equal(entity.NewSet("a", "b", "e")), res.Cohort.IDs())
}

func TestQIClinicalVisit(t *testing.T) {
	f := newFixture()
	for _, id := range []entity.ID{"a", "b", "c"} {
		f.marker(id, "hiv_enrollment", "2019-01-01")
	}
	f.marker("a", "hiv_care_visit", "2019-06-01")
	f.marker("a", "hiv_care_visit", "2019-09-01")
	f.marker("a", "hiv_care_visit", "2020-05-01")

	f.marker("b", "hiv_care_visit", "2019-09-01")
	f.marker("b", "hiv_care_visit", "2020-05-01")

	// two visits by the cut-off but none in the reporting period
	f.marker("c", "hiv_care_visit", "2019-06-01")
	f.marker("c", "hiv_care_visit", "2019-09-01")

	// visits without an enrollment
	f.marker("d", "hiv_care_visit", "2019-06-01")
	f.marker("d", "hiv_care_visit", "2019-09-01")
	f.marker("d", "hiv_care_visit", "2020-05-01")

	// enrolled after the cut-off
	f.marker("e", "hiv_enrollment", "2020-01-15")
	f.marker("e", "hiv_care_visit", "2019-06-01")
	f.marker("e", "hiv_care_visit", "2019-09-01")
	f.marker("e", "hiv_care_visit", "2020-05-01")

	res := f.evaluate(t, newLibrary(t), "qi.clinicalVisit", binding("2020-04-01", "2020-06-30"))
	require.NotNil(t, res.Denominator)
	assert.Equal(t, 4, *res.Denominator)
	assert.Equal(t, 1, res.Count)
	assert.True(t, res.Cohort.Equal(entity.NewSet("a")), res.Cohort.IDs())
}

func TestCrossborderDefaulted(t *testing.T) {
	f := newFixture()
	f.marker("a", "hiv_enrollment", "2019-01-01")
	f.marker("a", "hiv_care_visit", "2020-01-15")

	f.marker("b", "hiv_enrollment", "2019-01-01")
	f.marker("b", "hiv_care_visit", "2020-05-01")

	f.marker("c", "hiv_care_visit", "2020-01-15")

	// only visit falls after the end date
	f.marker("d", "hiv_enrollment", "2019-01-01")
	f.marker("d", "hiv_care_visit", "2020-08-01")

	f.marker("e", "hiv_enrollment", "2020-07-15")

	res := f.evaluate(t, newLibrary(t), "crossborder.defaulted", binding("2020-04-01", "2020-06-30"))
	assert.Nil(t, res.Denominator)
	assert.Equal(t, 2, res.Count)
	assert.True(t, res.Cohort.Equal(entity.NewSet("a", "d")), res.Cohort.IDs())
}

func TestQITbScreeningServiceCoverage(t *testing.T) {
	f := newFixture()
	f.coded("a", "hiv_test_result", "hiv_positive", "2019-05-01")
	f.marker("a", "hiv_care_visit", "2020-05-01")
	f.coded("a", "tb_screening", "tb_no_signs", "2020-05-01")

	f.coded("b", "hiv_test_result", "hiv_positive", "2019-05-01")
	f.marker("b", "hiv_care_visit", "2020-02-01")

	f.coded("c", "hiv_test_result", "hiv_positive", "2019-05-01")
	f.marker("c", "hiv_care_visit", "2020-05-01")
	f.coded("c", "tb_screening", "tb_on_treatment", "2020-03-01")

	f.marker("d", "hiv_care_visit", "2020-05-01")

	res := f.evaluate(t, newLibrary(t), "qi.tbScreeningServiceCoverage", binding("2020-04-01", "2020-06-30"))
	assert.Equal(t, 2, *res.Denominator)
	assert.Equal(t, 1, res.Count)
	assert.True(t, res.Cohort.Equal(entity.NewSet("a")))
}
