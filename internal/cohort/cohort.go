// Package cohort composes entity sets from parameterized definitions.
//
// A Definition is declarative and reusable. Binding it to concrete parameter
// values produces a Bound tree; every placeholder in every nested mapping is
// resolved during Bind, so a binding failure surfaces before any evaluation
// work starts. Bound trees are evaluated against an Env that carries the
// calculation pass, the universe and the current scope.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/cohort/internal/calculation"
	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/param"
)

// Definition is a named, parameterized predicate over entities.
type Definition interface {
	Name() string
	// Parameters lists the formal parameter names the definition accepts.
	Parameters() []string
	// Bind resolves the definition against concrete values.
	Bind(vals param.Values) (Bound, error)
}

// Bound is a definition whose parameters are fixed.
type Bound interface {
	Name() string
	// Cost is a relative estimate used to order AND children; cheaper first.
	Cost() int
	Evaluate(ctx context.Context, env *Env) (entity.Set, error)
}

// Mapped pairs a definition with the mapping that feeds its parameters from
// the enclosing scope.
type Mapped struct {
	Definition Definition
	Mapping    param.Mapping
}

// Map builds a Mapped from a mapping string such as
// "onOrAfter=${startDate},onOrBefore=${endDate}". A malformed mapping panics;
// definitions are assembled at start-up.
func Map(def Definition, mapping string) Mapped {
	return Mapped{Definition: def, Mapping: param.MustMapping(mapping)}
}

// Bind resolves the mapping against vals and binds the definition with the
// result.
func (m Mapped) Bind(vals param.Values) (Bound, error) {
	resolved, err := m.Mapping.Resolve(vals)
	if err != nil {
		var be *param.BindingError
		if errors.As(err, &be) {
			be.Target = qualify(m.Definition.Name(), be.Target)
		}
		return nil, err
	}
	return m.Definition.Bind(resolved)
}

func (m Mapped) String() string {
	return m.Definition.Name() + "[" + m.Mapping.String() + "]"
}

func qualify(def, target string) string {
	if target == "" {
		return def
	}
	return def + "." + target
}

// References returns the names a binding must supply to bind m: the
// placeholders of its own mapping. Names used deeper in the tree are fed by
// the intermediate mappings and are checked when the tree is bound.
func References(mapped ...Mapped) []string {
	set := make(map[string]bool)
	for _, m := range mapped {
		for _, n := range m.Mapping.References() {
			set[n] = true
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Evaluation environment
// ---------------------------------------------------------------------------

// Env carries what a Bound tree needs at evaluation time. Envs are not
// modified; WithScope returns a copy.
type Env struct {
	pass        *calculation.Pass
	universe    entity.Set
	hasUniverse bool
	scope       entity.Set
	asOf        time.Time
}

// NewEnv creates an environment without a universe. Only definitions that do
// not depend on one (Static, AND/OR of them) can be evaluated in it.
func NewEnv(pass *calculation.Pass, asOf time.Time) *Env {
	return &Env{pass: pass, asOf: asOf}
}

// WithUniverse returns a copy whose universe and scope are u.
func (e *Env) WithUniverse(u entity.Set) *Env {
	cp := *e
	cp.universe = u
	cp.hasUniverse = true
	cp.scope = u
	return &cp
}

// WithScope returns a copy restricted to s.
func (e *Env) WithScope(s entity.Set) *Env {
	cp := *e
	cp.scope = s
	return &cp
}

// Pass returns the calculation pass.
func (e *Env) Pass() *calculation.Pass { return e.pass }

// AsOf returns the default evaluation date.
func (e *Env) AsOf() time.Time { return e.asOf }

// Universe returns the universe, if one is defined.
func (e *Env) Universe() (entity.Set, bool) { return e.universe, e.hasUniverse }

// Scope returns the entities still under consideration. Every definition's
// result is a subset of its scope.
func (e *Env) Scope() (entity.Set, bool) { return e.scope, e.hasUniverse }

func (e *Env) logger() zerolog.Logger {
	if e.pass == nil {
		return zerolog.Nop()
	}
	return e.pass.Logger()
}

func (e *Env) requireScope(def string) (entity.Set, error) {
	if !e.hasUniverse {
		return entity.Set{}, &UniverseError{Definition: def}
	}
	return e.scope, nil
}

// UniverseError reports a definition that needs a universe (a complement or
// a primitive filter) evaluated without one.
type UniverseError struct {
	Definition string
}

func (e *UniverseError) Error() string {
	return fmt.Sprintf("cohort %s: no universe defined", e.Definition)
}

// Evaluate binds m against vals and evaluates it in env. It is a convenience
// for callers that hold a single mapped definition.
func Evaluate(ctx context.Context, m Mapped, vals param.Values, env *Env) (entity.Set, error) {
	b, err := m.Bind(vals)
	if err != nil {
		return entity.Set{}, err
	}
	return b.Evaluate(ctx, env)
}
