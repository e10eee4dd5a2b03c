// Package derived contains the reusable derivation calculations: observation
// lookups, anchor dates, windowed selection relative to an anchor, numeric
// change between two calculations and the improvement classification built
// on it.
//
// Every calculation is addressable by a registered name plus configuration
// (see Register), which is how dependent calculations refer to each other.
package derived

import (
	"fmt"

	"github.com/ehr/cohort/internal/calculation"
)

// Registered calculation names.
const (
	NameAllObs          = "obs.all"
	NameLastObs         = "obs.last"
	NameFirstObs        = "obs.first"
	NameFirstObsDate    = "date.first_obs"
	NameNearestToAnchor = "obs.nearest_to_anchor"
	NameChange          = "numeric.change"
	NameImprovement     = "numeric.improvement"
	NameHasValue        = "obs.has_value"
	NameMinCount        = "obs.min_count"
)

// Register adds every derivation in this package to reg.
func Register(reg *calculation.Registry) {
	reg.Register(NameAllObs, func(cfg calculation.Config) (calculation.Calculation, error) {
		c, err := concept(cfg)
		return allObs{concept: c}, err
	})
	reg.Register(NameLastObs, func(cfg calculation.Config) (calculation.Calculation, error) {
		c, err := concept(cfg)
		return pickObs{concept: c, last: true}, err
	})
	reg.Register(NameFirstObs, func(cfg calculation.Config) (calculation.Calculation, error) {
		c, err := concept(cfg)
		return pickObs{concept: c}, err
	})
	reg.Register(NameFirstObsDate, func(cfg calculation.Config) (calculation.Calculation, error) {
		c, err := concept(cfg)
		return firstObsDate{concept: c}, err
	})
	reg.Register(NameNearestToAnchor, newNearestToAnchor)
	reg.Register(NameChange, newChange)
	reg.Register(NameImprovement, newImprovement)
	reg.Register(NameHasValue, func(cfg calculation.Config) (calculation.Calculation, error) {
		c, err := concept(cfg)
		if err != nil {
			return nil, err
		}
		values := cfg.Strings("values")
		if len(values) == 0 {
			return nil, fmt.Errorf("values is required")
		}
		return hasValue{concept: c, values: values}, nil
	})
	reg.Register(NameMinCount, func(cfg calculation.Config) (calculation.Calculation, error) {
		c, err := concept(cfg)
		if err != nil {
			return nil, err
		}
		n := cfg.Int("count", 0)
		if n < 1 {
			return nil, fmt.Errorf("count must be at least 1")
		}
		return minCount{concept: c, count: n}, nil
	})
}

// NewRegistry returns a registry holding every derivation.
func NewRegistry() *calculation.Registry {
	reg := calculation.NewRegistry()
	Register(reg)
	return reg
}

func concept(cfg calculation.Config) (string, error) {
	c := cfg.Str("concept")
	if c == "" {
		return "", fmt.Errorf("concept is required")
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Reference constructors
// ---------------------------------------------------------------------------

// AllObs refers to every observation of concept up to the context date.
func AllObs(concept string) calculation.Ref {
	return calculation.NewRef(NameAllObs, calculation.Config{"concept": concept})
}

// LastObs refers to the most recent observation of concept.
func LastObs(concept string) calculation.Ref {
	return calculation.NewRef(NameLastObs, calculation.Config{"concept": concept})
}

// FirstObs refers to the earliest observation of concept.
func FirstObs(concept string) calculation.Ref {
	return calculation.NewRef(NameFirstObs, calculation.Config{"concept": concept})
}

// FirstObsDate refers to the date of the earliest observation of concept,
// typically used as an enrollment anchor.
func FirstObsDate(concept string) calculation.Ref {
	return calculation.NewRef(NameFirstObsDate, calculation.Config{"concept": concept})
}

// NearestToAnchor refers to the observation of concept nearest the anchor
// date within a window of days, using mode's boundary rule.
func NearestToAnchor(concept string, anchor calculation.Ref, days int, mode WindowMode) calculation.Ref {
	return calculation.NewRef(NameNearestToAnchor, calculation.Config{
		"concept": concept,
		"anchor":  anchor,
		"days":    days,
		"mode":    string(mode),
	})
}

// InitialValue is the value of concept nearest to, and not after, the first
// recorded enrollment observation, looking back 91 days.
func InitialValue(concept, enrollmentConcept string) calculation.Ref {
	return NearestToAnchor(concept, FirstObsDate(enrollmentConcept), 91, WindowStrict)
}

// ChangeIn refers to later minus earlier.
func ChangeIn(earlier, later calculation.Ref) calculation.Ref {
	return calculation.NewRef(NameChange, calculation.Config{"earlier": earlier, "later": later})
}

// ImprovementIn refers to the Yes/No/absent classification of change.
func ImprovementIn(change calculation.Ref) calculation.Ref {
	return calculation.NewRef(NameImprovement, calculation.Config{"change": change})
}

// HasValue refers to whether the latest coded observation of concept is one
// of values.
func HasValue(concept string, values ...string) calculation.Ref {
	return calculation.NewRef(NameHasValue, calculation.Config{"concept": concept, "values": values})
}

// MinCount refers to whether at least count observations of concept were
// recorded on or before the context date.
func MinCount(concept string, count int) calculation.Ref {
	return calculation.NewRef(NameMinCount, calculation.Config{"concept": concept, "count": count})
}
