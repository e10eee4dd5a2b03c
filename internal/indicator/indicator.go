// Package indicator reduces composed cohorts to counts for a concrete
// parameter binding.
package indicator

import (
	"fmt"

	"github.com/ehr/cohort/internal/cohort"
	"github.com/ehr/cohort/internal/param"
)

// Combine selects how an indicator joins its cohorts.
type Combine int

const (
	// Intersection keeps entities present in every cohort.
	Intersection Combine = iota
	// Union keeps entities present in any cohort.
	Union
)

// Kinds reported in Descriptor.Kind.
const (
	KindCount    = "count"
	KindFraction = "fraction"
)

// Descriptor is the static description of a definition.
type Descriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Kind        string   `json:"kind"`
	Parameters  []string `json:"parameters"`
}

// Definition is an evaluable indicator. Definitions are immutable and may be
// evaluated concurrently with different bindings.
type Definition interface {
	Describe() Descriptor
	plan(vals param.Values) (*plan, error)
}

// plan is a definition bound to one binding.
type plan struct {
	cohort      cohort.Bound
	denominator cohort.Bound
}

// Indicator counts the entities of its combined cohorts.
type Indicator struct {
	Name        string
	Description string
	Cohorts     []cohort.Mapped
	Combine     Combine
}

// Parameters returns every name a binding must supply.
func (ind *Indicator) Parameters() []string {
	return cohort.References(ind.Cohorts...)
}

func (ind *Indicator) Describe() Descriptor {
	return Descriptor{
		Name:        ind.Name,
		Description: ind.Description,
		Kind:        KindCount,
		Parameters:  ind.Parameters(),
	}
}

func (ind *Indicator) plan(vals param.Values) (*plan, error) {
	if len(ind.Cohorts) == 0 {
		return nil, fmt.Errorf("indicator %s has no cohorts", ind.Name)
	}
	def := cohort.And(ind.Name, ind.Parameters(), ind.Cohorts...)
	if ind.Combine == Union {
		def = cohort.Or(ind.Name, ind.Parameters(), ind.Cohorts...)
	}
	b, err := def.Bind(vals)
	if err != nil {
		return nil, err
	}
	return &plan{cohort: b}, nil
}

// Fraction counts the numerator within the denominator. The numerator is
// evaluated only for denominator members.
type Fraction struct {
	Name        string
	Description string
	Numerator   cohort.Mapped
	Denominator cohort.Mapped
}

// Parameters returns every name a binding must supply.
func (f *Fraction) Parameters() []string {
	return cohort.References(f.Numerator, f.Denominator)
}

func (f *Fraction) Describe() Descriptor {
	return Descriptor{
		Name:        f.Name,
		Description: f.Description,
		Kind:        KindFraction,
		Parameters:  f.Parameters(),
	}
}

func (f *Fraction) plan(vals param.Values) (*plan, error) {
	den, err := f.Denominator.Bind(vals)
	if err != nil {
		return nil, err
	}
	num, err := f.Numerator.Bind(vals)
	if err != nil {
		return nil, err
	}
	return &plan{cohort: num, denominator: den}, nil
}
