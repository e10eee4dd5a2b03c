package calculation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/observation"
)

// Result is the per-entity output of a calculation.
type Result interface {
	// Empty reports whether the result carries no value.
	Empty() bool
}

// Absent is the explicit "no qualifying data" result. It is a value, not an
// error, and propagates through dependent calculations.
type Absent struct{}

func (Absent) Empty() bool { return true }

// Numeric holds an exact numeric value.
type Numeric struct{ Value decimal.Decimal }

func (Numeric) Empty() bool { return false }

// Boolean holds a yes/no value. False is a value, not an absence.
type Boolean bool

func (Boolean) Empty() bool { return false }

// Text holds a string value; the empty string is treated as empty.
type Text string

func (t Text) Empty() bool { return t == "" }

// Date holds a date value.
type Date struct{ Time time.Time }

func (d Date) Empty() bool { return d.Time.IsZero() }

// ValueAndDate pairs a numeric value with the date it was observed.
type ValueAndDate struct {
	Value decimal.Decimal
	Date  time.Time
}

func (ValueAndDate) Empty() bool { return false }

// ObsResult wraps a single observation.
type ObsResult struct{ Obs observation.Observation }

func (ObsResult) Empty() bool { return false }

// List is an ordered sequence of results, typically all matching
// observations before reduction.
type List []Result

func (l List) Empty() bool { return len(l) == 0 }

// ResultMap maps every entity of the evaluated cohort to its result.
// Maps returned by a Pass are shared through the cache and must not be
// modified.
type ResultMap map[entity.ID]Result

// Get returns the result for id, or Absent.
func (m ResultMap) Get(id entity.ID) Result {
	if r, ok := m[id]; ok && r != nil {
		return r
	}
	return Absent{}
}

// Numeric extracts a numeric value for id. Observations with numeric values
// and ValueAndDate results are also accepted.
func (m ResultMap) Numeric(id entity.ID) (decimal.Decimal, bool) {
	switch r := m.Get(id).(type) {
	case Numeric:
		return r.Value, true
	case ValueAndDate:
		return r.Value, true
	case ObsResult:
		if r.Obs.Value.Kind == observation.KindNumeric {
			return r.Obs.Value.Numeric, true
		}
	}
	return decimal.Decimal{}, false
}

// Date extracts a date for id. For an observation this is the date it was
// recorded, unless the observation itself holds a date value.
func (m ResultMap) Date(id entity.ID) (time.Time, bool) {
	switch r := m.Get(id).(type) {
	case Date:
		return r.Time, !r.Time.IsZero()
	case ValueAndDate:
		return r.Date, true
	case ObsResult:
		if r.Obs.Value.Kind == observation.KindDate {
			return r.Obs.Value.Date, true
		}
		return r.Obs.Timestamp, true
	}
	return time.Time{}, false
}

// Observations returns the observations held by a List (or a single
// ObsResult) for id.
func (m ResultMap) Observations(id entity.ID) []observation.Observation {
	switch r := m.Get(id).(type) {
	case ObsResult:
		return []observation.Observation{r.Obs}
	case List:
		out := make([]observation.Observation, 0, len(r))
		for _, item := range r {
			if o, ok := item.(ObsResult); ok {
				out = append(out, o.Obs)
			}
		}
		return out
	}
	return nil
}

// Truthy reports whether the result for id counts as a "yes". Booleans use
// their value; any other non-empty result is true.
func (m ResultMap) Truthy(id entity.ID) bool {
	r := m.Get(id)
	if b, ok := r.(Boolean); ok {
		return bool(b)
	}
	return !r.Empty()
}

// Passing returns the ids whose result is truthy.
func (m ResultMap) Passing() entity.Set {
	var ids []entity.ID
	for id := range m {
		if m.Truthy(id) {
			ids = append(ids, id)
		}
	}
	return entity.NewSet(ids...)
}
