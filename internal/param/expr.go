// Package param implements the parameter mapping language used to bind
// report parameters into cohort definitions, e.g.
//
//	onOrAfter=${endDate-6m},onOrBefore=${endDate}
//
// Expressions are parsed once at construction time and resolved against a
// set of concrete Values at evaluation time. Resolution is total: a missing
// name or an offset applied to a non-date value is a BindingError.
package param

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the layout used for literal dates and for rendering dates
// into mixed text expressions.
const DateLayout = "2006-01-02"

// Unit is the unit of a date offset.
type Unit byte

const (
	Days   Unit = 'd'
	Months Unit = 'm'
	Years  Unit = 'y'
)

// Ref is a single `${name±Nunit}` placeholder.
type Ref struct {
	Name   string
	Offset int
	Unit   Unit
}

// Apply shifts t by the reference's offset. Months and years use calendar
// arithmetic.
func (r Ref) Apply(t time.Time) time.Time {
	switch r.Unit {
	case Days:
		return t.AddDate(0, 0, r.Offset)
	case Months:
		return t.AddDate(0, r.Offset, 0)
	case Years:
		return t.AddDate(r.Offset, 0, 0)
	default:
		return t
	}
}

func (r Ref) String() string {
	if r.Offset == 0 {
		return "${" + r.Name + "}"
	}
	sign := "+"
	n := r.Offset
	if n < 0 {
		sign = "-"
		n = -n
	}
	return fmt.Sprintf("${%s%s%d%c}", r.Name, sign, n, r.Unit)
}

// part is either a literal run of text or a placeholder.
type part struct {
	literal string
	ref     *Ref
}

// Expr is a parsed parameter expression.
type Expr struct {
	raw   string
	parts []part
}

var refPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)(?:([+-])([0-9]+)([dmy]))?$`)

// ParseExpr parses s. Text outside placeholders is kept literally.
func ParseExpr(s string) (Expr, error) {
	e := Expr{raw: s}
	rest := s
	for rest != "" {
		i := strings.Index(rest, "${")
		if i < 0 {
			if strings.Contains(rest, "}") {
				return Expr{}, &BindingError{Expr: s, Reason: "unbalanced '}'"}
			}
			e.parts = append(e.parts, part{literal: rest})
			break
		}
		if i > 0 {
			e.parts = append(e.parts, part{literal: rest[:i]})
		}
		end := strings.Index(rest[i:], "}")
		if end < 0 {
			return Expr{}, &BindingError{Expr: s, Reason: "unterminated placeholder"}
		}
		ref, err := parseRef(rest[i+2 : i+end])
		if err != nil {
			return Expr{}, &BindingError{Expr: s, Reason: err.Error()}
		}
		e.parts = append(e.parts, part{ref: &ref})
		rest = rest[i+end+1:]
	}
	return e, nil
}

// MustExpr is like ParseExpr but panics on error. It is meant for
// expressions fixed at build time.
func MustExpr(s string) Expr {
	e, err := ParseExpr(s)
	if err != nil {
		panic(err)
	}
	return e
}

func parseRef(inner string) (Ref, error) {
	m := refPattern.FindStringSubmatch(inner)
	if m == nil {
		return Ref{}, fmt.Errorf("malformed placeholder ${%s}", inner)
	}
	r := Ref{Name: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return Ref{}, fmt.Errorf("malformed offset in ${%s}", inner)
		}
		if m[2] == "-" {
			n = -n
		}
		r.Offset = n
		r.Unit = Unit(m[4][0])
	}
	return r, nil
}

// Refs returns the placeholders in order of appearance.
func (e Expr) Refs() []Ref {
	var refs []Ref
	for _, p := range e.parts {
		if p.ref != nil {
			refs = append(refs, *p.ref)
		}
	}
	return refs
}

func (e Expr) String() string { return e.raw }

// Resolve evaluates the expression against vals. A lone placeholder yields
// the typed value (a time.Time stays a time.Time). A lone literal that looks
// like a date yields a time.Time. Anything else is rendered as a string.
func (e Expr) Resolve(vals Values) (interface{}, error) {
	if len(e.parts) == 1 {
		p := e.parts[0]
		if p.ref != nil {
			return e.resolveRef(*p.ref, vals)
		}
		if t, err := time.Parse(DateLayout, p.literal); err == nil {
			return t, nil
		}
		return p.literal, nil
	}

	var b strings.Builder
	for _, p := range e.parts {
		if p.ref == nil {
			b.WriteString(p.literal)
			continue
		}
		v, err := e.resolveRef(*p.ref, vals)
		if err != nil {
			return nil, err
		}
		if t, ok := v.(time.Time); ok {
			b.WriteString(t.Format(DateLayout))
		} else {
			fmt.Fprint(&b, v)
		}
	}
	return b.String(), nil
}

func (e Expr) resolveRef(r Ref, vals Values) (interface{}, error) {
	v, ok := vals[r.Name]
	if !ok || v == nil {
		return nil, &BindingError{Param: r.Name, Expr: e.raw, Reason: "no value bound"}
	}
	if r.Offset == 0 {
		return v, nil
	}
	t, ok := v.(time.Time)
	if !ok {
		return nil, &BindingError{Param: r.Name, Expr: e.raw, Reason: fmt.Sprintf("date offset applied to %T value", v)}
	}
	return r.Apply(t), nil
}
