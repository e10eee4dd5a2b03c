// Package calculation implements the per-entity calculation framework:
// calculations derive one result per entity of a cohort from observation
// history, may depend on other calculations, and are evaluated within a Pass
// that memoizes every (calculation, configuration, cohort, parameters,
// context) combination exactly once.
package calculation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/param"
)

// Calculation derives a result for each entity in a cohort.
//
// Evaluate must return exactly one entry per cohort member; the Pass pads
// missing members with Absent. Implementations reach observations and other
// calculations only through the Pass so that shared work is cached.
type Calculation interface {
	Ref() Ref
	Evaluate(ctx context.Context, p *Pass, cohort entity.Set, params param.Values, cc Context) (ResultMap, error)
}

// Config holds the resolved constructor values of a calculation. Values are
// strings, ints, []string or nested Refs.
type Config map[string]interface{}

// String renders the configuration canonically (sorted keys).
func (c Config) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		switch v := c[k].(type) {
		case Ref:
			b.WriteString(v.String())
		case []string:
			s := append([]string(nil), v...)
			sort.Strings(s)
			b.WriteString("[" + strings.Join(s, ",") + "]")
		default:
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}

// Str returns the named string value, or "".
func (c Config) Str(key string) string {
	s, _ := c[key].(string)
	return s
}

// Int returns the named integer value. Numeric strings are accepted.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Strings returns the named string list.
func (c Config) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

// Ref returns the named nested calculation reference.
func (c Config) Ref(key string) (Ref, bool) {
	r, ok := c[key].(Ref)
	return r, ok
}

// Ref identifies a calculation by registered name and configuration. Two
// refs with the same String() denote the same computation.
type Ref struct {
	Name   string
	Config Config
}

// NewRef builds a reference.
func NewRef(name string, cfg Config) Ref { return Ref{Name: name, Config: cfg} }

func (r Ref) String() string {
	return r.Name + "(" + r.Config.String() + ")"
}

// Factory builds a calculation from its configuration.
type Factory func(cfg Config) (Calculation, error)

// Registry resolves calculation names to implementations.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a name twice panics; registration
// happens at start-up.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("calculation: %s registered twice", name))
	}
	r.factories[name] = f
}

// Resolve instantiates the calculation a ref points to.
func (r *Registry) Resolve(ref Ref) (Calculation, error) {
	r.mu.RLock()
	f, ok := r.factories[ref.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("calculation: unknown calculation %q", ref.Name)
	}
	calc, err := f(ref.Config)
	if err != nil {
		return nil, fmt.Errorf("calculation: configure %s: %w", ref, err)
	}
	return calc, nil
}

// Names lists registered calculations in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
