package param

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Values holds concrete parameter values by name. Dates are time.Time.
type Values map[string]interface{}

// Has reports whether name is bound to a non-nil value.
func (v Values) Has(name string) bool {
	x, ok := v[name]
	return ok && x != nil
}

// Time returns the named value as a time.Time.
func (v Values) Time(name string) (time.Time, bool) {
	t, ok := v[name].(time.Time)
	return t, ok
}

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out
}

// Names returns the bound names in ascending order.
func (v Values) Names() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String renders the values deterministically. It doubles as a cache key
// component, so dates are rendered at nanosecond precision.
func (v Values) String() string {
	var b strings.Builder
	for i, k := range v.Names() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		switch x := v[k].(type) {
		case time.Time:
			b.WriteString(x.UTC().Format(time.RFC3339Nano))
		default:
			fmt.Fprint(&b, x)
		}
	}
	return b.String()
}

// ParseValues converts raw string inputs (for example query parameters) into
// Values. Strings that parse as a date or RFC3339 timestamp become time.Time.
func ParseValues(raw map[string]string) Values {
	out := make(Values, len(raw))
	for k, s := range raw {
		if t, err := time.Parse(DateLayout, s); err == nil {
			out[k] = t
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			out[k] = t
			continue
		}
		out[k] = s
	}
	return out
}

// Mapping maps formal parameter names of a definition to expressions over
// the enclosing scope's values.
type Mapping struct {
	raw     string
	entries []mappingEntry
}

type mappingEntry struct {
	name string
	expr Expr
}

// ParseMapping parses `name=expr,name=expr`. An empty string is a valid
// mapping that binds nothing.
func ParseMapping(s string) (Mapping, error) {
	m := Mapping{raw: s}
	if strings.TrimSpace(s) == "" {
		return m, nil
	}
	seen := make(map[string]bool)
	for _, item := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return Mapping{}, &BindingError{Expr: s, Reason: fmt.Sprintf("malformed mapping entry %q", item)}
		}
		if seen[name] {
			return Mapping{}, &BindingError{Param: name, Expr: s, Reason: "parameter mapped twice"}
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return Mapping{}, &BindingError{Target: name, Expr: s, Reason: "empty expression"}
		}
		seen[name] = true
		expr, err := ParseExpr(value)
		if err != nil {
			return Mapping{}, err
		}
		m.entries = append(m.entries, mappingEntry{name: name, expr: expr})
	}
	return m, nil
}

// MustMapping is like ParseMapping but panics on error. Libraries use it when
// assembling definitions so that a malformed mapping fails at build time.
func MustMapping(s string) Mapping {
	m, err := ParseMapping(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Resolve evaluates every entry against vals. It fails on the first
// placeholder that cannot be resolved; no partial result is returned.
func (m Mapping) Resolve(vals Values) (Values, error) {
	out := make(Values, len(m.entries))
	for _, e := range m.entries {
		v, err := e.expr.Resolve(vals)
		if err != nil {
			if be, ok := err.(*BindingError); ok && be.Target == "" {
				be.Target = e.name
			}
			return nil, err
		}
		out[e.name] = v
	}
	return out, nil
}

// Names returns the formal parameter names this mapping binds.
func (m Mapping) Names() []string {
	names := make([]string, len(m.entries))
	for i, e := range m.entries {
		names[i] = e.name
	}
	return names
}

// References returns the distinct names referenced by placeholders, sorted.
func (m Mapping) References() []string {
	set := make(map[string]bool)
	for _, e := range m.entries {
		for _, r := range e.expr.Refs() {
			set[r.Name] = true
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (m Mapping) String() string { return m.raw }
