package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/indicator"
	"github.com/ehr/cohort/internal/library"
	"github.com/ehr/cohort/internal/observation"
	"github.com/ehr/cohort/internal/param"
)

func day(s string) time.Time {
	t, err := time.Parse(param.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func january() param.Values {
	return param.Values{StartDateParam: day("2024-01-01"), EndDateParam: day("2024-01-31")}
}

// screeningSource: p1-p4 screened negative and p5 presumptive in January
// 2024, p6 screened in December 2023, p7-p10 never screened.
func screeningSource(t *testing.T) *observation.MemorySource {
	t.Helper()
	cat := library.DefaultCatalog()
	src := observation.NewMemorySource()

	screen := func(id entity.ID, answer, at string) {
		src.Add(observation.Observation{
			EntityID:  id,
			ConceptID: cat.Concept("tb_screening"),
			Value:     observation.Coded(cat.Concept(answer)),
			Timestamp: day(at),
		})
	}
	for _, id := range []entity.ID{"p1", "p2", "p3", "p4"} {
		screen(id, "tb_no_signs", "2024-01-10")
	}
	screen("p5", "tb_presumed", "2024-01-15")
	screen("p6", "tb_no_signs", "2023-12-01")
	src.AddEntity("p7", "p8", "p9", "p10")
	return src
}

type failingSource struct{}

func (failingSource) FetchAll(context.Context, string, entity.Set, time.Time) (map[entity.ID][]observation.Observation, error) {
	return nil, &observation.DataAccessError{Concept: "1659", Err: errors.New("connection reset")}
}

func (failingSource) Entities(context.Context, time.Time) (entity.Set, error) {
	return entity.NewSet("p1", "p2"), nil
}

type enumeratingSource interface {
	observation.Source
	observation.Enumerator
}

func newLibrary(t *testing.T) *library.Library {
	t.Helper()
	lib, err := library.New(library.DefaultCatalog())
	require.NoError(t, err)
	return lib
}

func newRunner(t *testing.T, src enumeratingSource, opts ...RunnerOption) (*Runner, *library.Library) {
	t.Helper()
	lib := newLibrary(t)
	ev := indicator.NewEvaluator(src, library.NewRegistry(), zerolog.Nop(),
		indicator.WithUniverse(indicator.EnumeratedUniverse(src)))
	return NewRunner(lib, ev, zerolog.Nop(), opts...), lib
}
