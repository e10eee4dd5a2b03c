package calculation

import (
	"time"

	"github.com/ehr/cohort/internal/param"
)

// Context is the immutable "as of" snapshot passed to every calculation.
// Derivations return new values; a Context is never modified in place.
type Context struct {
	asOf   time.Time
	params param.Values
}

// NewContext creates a context evaluated as of asOf with the given ambient
// parameters. params is copied.
func NewContext(asOf time.Time, params param.Values) Context {
	return Context{asOf: asOf, params: params.Clone()}
}

// AsOf returns the evaluation date.
func (c Context) AsOf() time.Time { return c.asOf }

// Param returns an ambient parameter.
func (c Context) Param(name string) (interface{}, bool) {
	v, ok := c.params[name]
	return v, ok
}

// Params returns a copy of the ambient parameters.
func (c Context) Params() param.Values { return c.params.Clone() }

// WithAsOf returns a copy evaluated as of t.
func (c Context) WithAsOf(t time.Time) Context {
	return Context{asOf: t, params: c.params}
}

// AddDays returns a copy with the evaluation date shifted by n days.
func (c Context) AddDays(n int) Context { return c.WithAsOf(c.asOf.AddDate(0, 0, n)) }

// AddMonths returns a copy with the evaluation date shifted by n calendar months.
func (c Context) AddMonths(n int) Context { return c.WithAsOf(c.asOf.AddDate(0, n, 0)) }

// With returns a copy with an ambient parameter set.
func (c Context) With(name string, v interface{}) Context {
	params := c.params.Clone()
	params[name] = v
	return Context{asOf: c.asOf, params: params}
}

// Key identifies the context for caching.
func (c Context) Key() string {
	return c.asOf.UTC().Format(time.RFC3339Nano) + "|" + c.params.String()
}
