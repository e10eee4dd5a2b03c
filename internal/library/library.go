// Package library assembles the named cohort and indicator definitions used
// by reports. Definitions live in namespaces (hiv, tb, crossborder, qi) and
// are addressed as "namespace.name".
package library

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ehr/cohort/internal/calculation"
	"github.com/ehr/cohort/internal/calculation/derived"
	"github.com/ehr/cohort/internal/cohort"
	"github.com/ehr/cohort/internal/indicator"
)

// ErrNotFound is returned for names that are not registered.
var ErrNotFound = errors.New("not found")

// CohortFactory builds a cohort definition.
type CohortFactory func() cohort.Definition

// IndicatorFactory builds an indicator definition.
type IndicatorFactory func() indicator.Definition

// Library is a namespaced registry of cohort and indicator definitions.
// It is read-only after New returns.
type Library struct {
	catalog    *Catalog
	cohorts    map[string]cohort.Definition
	indicators map[string]indicator.Definition
}

// New builds every built-in definition against catalog. A definition that
// refers to a concept missing from the catalog fails here rather than at
// evaluation time.
func New(catalog *Catalog) (lib *Library, err error) {
	lib = &Library{
		catalog:    catalog,
		cohorts:    make(map[string]cohort.Definition),
		indicators: make(map[string]indicator.Definition),
	}
	defer func() {
		if r := recover(); r != nil {
			var mc *MissingConceptError
			if e, ok := r.(error); ok && errors.As(e, &mc) {
				lib, err = nil, fmt.Errorf("library: %w", mc)
				return
			}
			panic(r)
		}
	}()

	hiv := hivCohorts{c: catalog}
	tb := tbCohorts{c: catalog}
	cb := crossborderCohorts{hiv: hiv, tb: tb}
	registerHIV(lib, hiv)
	registerTB(lib, tb)
	registerCrossborder(lib, cb)
	registerQI(lib, qiCohorts{hiv: hiv, tb: tb})
	return lib, nil
}

// RegisterCohort adds a cohort under ns.name. Duplicate names panic.
func (l *Library) RegisterCohort(ns, name string, f CohortFactory) {
	key := ns + "." + name
	if _, dup := l.cohorts[key]; dup {
		panic(fmt.Sprintf("library: cohort %s registered twice", key))
	}
	l.cohorts[key] = f()
}

// RegisterIndicator adds an indicator under ns.name. Duplicate names panic.
func (l *Library) RegisterIndicator(ns, name string, f IndicatorFactory) {
	key := ns + "." + name
	if _, dup := l.indicators[key]; dup {
		panic(fmt.Sprintf("library: indicator %s registered twice", key))
	}
	l.indicators[key] = f()
}

// Cohort returns a registered cohort definition.
func (l *Library) Cohort(name string) (cohort.Definition, error) {
	d, ok := l.cohorts[name]
	if !ok {
		return nil, fmt.Errorf("cohort %q: %w", name, ErrNotFound)
	}
	return d, nil
}

// Indicator returns a registered indicator definition.
func (l *Library) Indicator(name string) (indicator.Definition, error) {
	d, ok := l.indicators[name]
	if !ok {
		return nil, fmt.Errorf("indicator %q: %w", name, ErrNotFound)
	}
	return d, nil
}

// Indicators lists registered indicator names in ascending order.
func (l *Library) Indicators() []string {
	return sortedKeys(l.indicators)
}

// Cohorts lists registered cohort names in ascending order.
func (l *Library) Cohorts() []string {
	return sortedKeys(l.cohorts)
}

// Catalog returns the concept catalog the library was built with.
func (l *Library) Catalog() *Catalog { return l.catalog }

// RegisterCalculations adds the calculations library definitions depend on.
func RegisterCalculations(reg *calculation.Registry) {
	derived.Register(reg)
}

// NewRegistry returns a calculation registry for evaluating library
// definitions.
func NewRegistry() *calculation.Registry {
	reg := calculation.NewRegistry()
	RegisterCalculations(reg)
	return reg
}

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
