package cohort

import (
	"context"
	"fmt"
	"sort"

	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/param"
)

type operator int

const (
	opAnd operator = iota
	opOr
	opNot
)

func (o operator) String() string {
	switch o {
	case opAnd:
		return "AND"
	case opOr:
		return "OR"
	}
	return "NOT"
}

// composite is an AND, OR or NOT over mapped children. Children only see the
// composite's declared parameters.
type composite struct {
	name     string
	params   []string
	op       operator
	children []Mapped
}

// And intersects its children. Children are evaluated cheapest first, each
// in the scope left by the previous ones, and evaluation stops as soon as the
// intersection is empty. And panics without children.
func And(name string, params []string, children ...Mapped) Definition {
	requireChildren("And", name, children)
	return &composite{name: name, params: params, op: opAnd, children: children}
}

// Or unites its children. Or panics without children.
func Or(name string, params []string, children ...Mapped) Definition {
	requireChildren("Or", name, children)
	return &composite{name: name, params: params, op: opOr, children: children}
}

// Not is the complement of child relative to the current scope, which at the
// top of a tree is the universe. It fails with UniverseError when no universe
// is defined.
func Not(name string, params []string, child Mapped) Definition {
	return &composite{name: name, params: params, op: opNot, children: []Mapped{child}}
}

func requireChildren(op, name string, children []Mapped) {
	if len(children) == 0 {
		panic(fmt.Sprintf("cohort: %s(%q) needs at least one child", op, name))
	}
}

func (c *composite) Name() string { return c.name }

func (c *composite) Parameters() []string { return append([]string(nil), c.params...) }

func (c *composite) Bind(vals param.Values) (Bound, error) {
	own := make(param.Values, len(c.params))
	for _, p := range c.params {
		if vals.Has(p) {
			own[p] = vals[p]
		}
	}
	b := &boundComposite{name: c.name, op: c.op, children: make([]Bound, 0, len(c.children))}
	for _, child := range c.children {
		bc, err := child.Bind(own)
		if err != nil {
			return nil, err
		}
		b.children = append(b.children, bc)
	}
	return b, nil
}

type boundComposite struct {
	name     string
	op       operator
	children []Bound
}

func (b *boundComposite) Name() string { return b.name }

func (b *boundComposite) Cost() int {
	total := 1
	for _, c := range b.children {
		total += c.Cost()
	}
	return total
}

func (b *boundComposite) Evaluate(ctx context.Context, env *Env) (entity.Set, error) {
	switch b.op {
	case opAnd:
		return b.intersect(ctx, env)
	case opOr:
		return b.unite(ctx, env)
	default:
		return b.complement(ctx, env)
	}
}

func (b *boundComposite) intersect(ctx context.Context, env *Env) (entity.Set, error) {
	ordered := append([]Bound(nil), b.children...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Cost() < ordered[j].Cost() })

	log := env.logger()
	var acc entity.Set
	for i, child := range ordered {
		if err := ctx.Err(); err != nil {
			return entity.Set{}, err
		}
		cur := env
		if i > 0 {
			cur = env.WithScope(acc)
		}
		s, err := child.Evaluate(ctx, cur)
		if err != nil {
			return entity.Set{}, err
		}
		if i == 0 {
			acc = s
		} else {
			acc = acc.Intersect(s)
		}
		if acc.Empty() {
			if i < len(ordered)-1 {
				log.Debug().Str("cohort", b.name).Str("at", child.Name()).
					Int("skipped", len(ordered)-1-i).Msg("intersection empty, short-circuit")
			}
			return entity.Set{}, nil
		}
	}
	return acc, nil
}

func (b *boundComposite) unite(ctx context.Context, env *Env) (entity.Set, error) {
	var acc entity.Set
	for _, child := range b.children {
		if err := ctx.Err(); err != nil {
			return entity.Set{}, err
		}
		s, err := child.Evaluate(ctx, env)
		if err != nil {
			return entity.Set{}, err
		}
		acc = acc.Union(s)
	}
	return acc, nil
}

func (b *boundComposite) complement(ctx context.Context, env *Env) (entity.Set, error) {
	scope, err := env.requireScope(b.name)
	if err != nil {
		return entity.Set{}, err
	}
	s, err := b.children[0].Evaluate(ctx, env)
	if err != nil {
		return entity.Set{}, err
	}
	return scope.Difference(s), nil
}
