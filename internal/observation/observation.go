// Package observation defines timestamped clinical observations and the
// read-only Source contract that calculations use to fetch them in batch.
package observation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/cohort/internal/entity"
)

// ValueKind discriminates the populated field of a Value.
type ValueKind int

const (
	KindNone ValueKind = iota
	KindNumeric
	KindCoded
	KindDate
	KindText
)

func (k ValueKind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindCoded:
		return "coded"
	case KindDate:
		return "date"
	case KindText:
		return "text"
	default:
		return "none"
	}
}

// Value is the recorded value of an observation. Exactly one field matching
// Kind is meaningful.
type Value struct {
	Kind    ValueKind
	Numeric decimal.Decimal
	Coded   string
	Date    time.Time
	Text    string
}

// Numeric builds a numeric value.
func Numeric(d decimal.Decimal) Value { return Value{Kind: KindNumeric, Numeric: d} }

// Float builds a numeric value from a float64.
func Float(f float64) Value { return Value{Kind: KindNumeric, Numeric: decimal.NewFromFloat(f)} }

// Coded builds a coded value holding an answer concept id.
func Coded(concept string) Value { return Value{Kind: KindCoded, Coded: concept} }

// DateValue builds a date value.
func DateValue(t time.Time) Value { return Value{Kind: KindDate, Date: t} }

// Text builds a free text value.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

func (v Value) String() string {
	switch v.Kind {
	case KindNumeric:
		return v.Numeric.String()
	case KindCoded:
		return v.Coded
	case KindDate:
		return v.Date.Format(time.RFC3339)
	case KindText:
		return v.Text
	default:
		return ""
	}
}

// Observation is one recorded value of a concept for an entity.
type Observation struct {
	EntityID  entity.ID
	ConceptID string
	Value     Value
	Timestamp time.Time
}

// Source answers batch observation queries. Implementations must return an
// entry for every requested id (possibly an empty slice), only observations
// with Timestamp on or before asOf, in chronological order. Observations that
// share a timestamp keep the source's stable order.
type Source interface {
	FetchAll(ctx context.Context, conceptID string, ids entity.Set, asOf time.Time) (map[entity.ID][]Observation, error)
}

// Enumerator is implemented by sources that can list every known entity.
// It is used to establish the default universe for cohort evaluation.
type Enumerator interface {
	Entities(ctx context.Context, asOf time.Time) (entity.Set, error)
}

// DataAccessError reports that the backing store could not answer a query.
// It is fatal for the current evaluation pass.
type DataAccessError struct {
	Concept string
	Err     error
}

func (e *DataAccessError) Error() string {
	if e.Concept == "" {
		return fmt.Sprintf("observation source: %v", e.Err)
	}
	return fmt.Sprintf("observation source: concept %s: %v", e.Concept, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }

// emptyResult returns a result map with an empty slice for each id.
func emptyResult(ids entity.Set) map[entity.ID][]Observation {
	out := make(map[entity.ID][]Observation, ids.Len())
	for _, id := range ids.IDs() {
		out[id] = []Observation{}
	}
	return out
}

// sortChronological orders each entity's list by timestamp, keeping the
// existing order for equal timestamps.
func sortChronological(m map[entity.ID][]Observation) {
	for _, list := range m {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Timestamp.Before(list[j].Timestamp)
		})
	}
}
