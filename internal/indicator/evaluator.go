package indicator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/cohort/internal/calculation"
	"github.com/ehr/cohort/internal/cohort"
	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/observation"
	"github.com/ehr/cohort/internal/param"
)

var tracer = otel.Tracer("github.com/ehr/cohort/indicator")

// AsOfParam is the binding entry used as the evaluation date. Every binding
// must supply it.
const AsOfParam = "endDate"

// Outcomes passed to Recorder.ObserveEvaluation besides the error kinds.
const (
	OutcomeSuccess  = "success"
	OutcomeCanceled = "canceled"
)

// Result is the outcome of one evaluation.
type Result struct {
	Indicator   string                 `json:"indicator"`
	Kind        string                 `json:"kind"`
	Count       int                    `json:"count"`
	Denominator *int                   `json:"denominator,omitempty"`
	Ratio       *decimal.Decimal       `json:"ratio,omitempty"`
	Cohort      entity.Set             `json:"-"`
	PassID      string                 `json:"pass_id"`
	Binding     param.Values           `json:"binding"`
	Cache       calculation.CacheStats `json:"cache"`
	Duration    time.Duration          `json:"duration_ns"`
}

// Recorder receives evaluation metrics.
type Recorder interface {
	ObserveEvaluation(indicator, outcome string, d time.Duration)
	ObserveCache(stats calculation.CacheStats)
}

// UniverseProvider supplies the universe of entities for an evaluation.
type UniverseProvider interface {
	Universe(ctx context.Context, asOf time.Time) (entity.Set, error)
}

// UniverseFunc adapts a function to UniverseProvider.
type UniverseFunc func(ctx context.Context, asOf time.Time) (entity.Set, error)

func (f UniverseFunc) Universe(ctx context.Context, asOf time.Time) (entity.Set, error) {
	return f(ctx, asOf)
}

// FixedUniverse always returns s.
func FixedUniverse(s entity.Set) UniverseProvider {
	return UniverseFunc(func(context.Context, time.Time) (entity.Set, error) { return s, nil })
}

// EnumeratedUniverse lists the universe from a source that can enumerate
// its entities.
func EnumeratedUniverse(e observation.Enumerator) UniverseProvider {
	return UniverseFunc(e.Entities)
}

// Evaluator evaluates definitions against an observation source. Each call
// to Evaluate runs in its own calculation pass.
type Evaluator struct {
	source   observation.Source
	universe UniverseProvider
	registry *calculation.Registry
	logger   zerolog.Logger
	recorder Recorder
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithUniverse sets the universe provider. Without one, definitions that
// need a universe fail with a universe error.
func WithUniverse(u UniverseProvider) Option {
	return func(e *Evaluator) { e.universe = u }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Evaluator) { e.recorder = r }
}

// NewEvaluator creates an evaluator.
func NewEvaluator(source observation.Source, registry *calculation.Registry, logger zerolog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{source: source, registry: registry, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate binds def to binding and counts the result. Every placeholder in
// the definition tree is resolved before any observation is read.
func (e *Evaluator) Evaluate(ctx context.Context, def Definition, binding param.Values) (*Result, error) {
	desc := def.Describe()
	start := time.Now()

	res, err := e.evaluate(ctx, def, desc, binding)
	elapsed := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.observe(desc.Name, OutcomeCanceled, elapsed)
			return nil, ctxErr
		}
		ee := &EvaluationError{Indicator: desc.Name, Err: err}
		e.observe(desc.Name, ee.Kind(), elapsed)
		e.logger.Error().Err(err).
			Str("indicator", desc.Name).
			Str("kind", ee.Kind()).
			Msg("indicator evaluation failed")
		return nil, ee
	}

	res.Duration = elapsed
	e.observe(desc.Name, OutcomeSuccess, elapsed)
	if e.recorder != nil {
		e.recorder.ObserveCache(res.Cache)
	}
	e.logger.Info().
		Str("indicator", desc.Name).
		Int("count", res.Count).
		Str("pass_id", res.PassID).
		Int64("cache_hits", res.Cache.Hits).
		Int64("cache_misses", res.Cache.Misses).
		Dur("duration", elapsed).
		Msg("indicator evaluated")
	return res, nil
}

func (e *Evaluator) evaluate(ctx context.Context, def Definition, desc Descriptor, binding param.Values) (*Result, error) {
	if missing := missingNames(desc.Parameters, binding); len(missing) > 0 {
		return nil, &param.BindingError{
			Param:  strings.Join(missing, ","),
			Reason: "no value bound",
		}
	}
	asOf, err := evaluationDate(binding)
	if err != nil {
		return nil, err
	}
	p, err := def.plan(binding)
	if err != nil {
		return nil, err
	}

	pass := calculation.NewPass(e.source, e.registry, e.logger)
	ctx, span := tracer.Start(ctx, "indicator.Evaluate", trace.WithAttributes(
		attribute.String("indicator.name", desc.Name),
		attribute.String("indicator.pass_id", pass.ID()),
	))
	defer span.End()

	res, err := e.run(ctx, pass, p, asOf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("indicator.count", res.Count))

	res.Indicator = desc.Name
	res.Kind = desc.Kind
	res.PassID = pass.ID()
	res.Binding = binding.Clone()
	res.Cache = pass.Stats()
	return res, nil
}

// evaluationDate returns the last instant of the day bound to AsOfParam.
func evaluationDate(binding param.Values) (time.Time, error) {
	if !binding.Has(AsOfParam) {
		return time.Time{}, &param.BindingError{Param: AsOfParam, Reason: "evaluation date not bound"}
	}
	asOf, ok := binding.Time(AsOfParam)
	if !ok {
		return time.Time{}, &param.BindingError{
			Param:  AsOfParam,
			Reason: fmt.Sprintf("expected a date, got %T", binding[AsOfParam]),
		}
	}
	y, m, d := asOf.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, asOf.Location()).AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}

func (e *Evaluator) run(ctx context.Context, pass *calculation.Pass, p *plan, asOf time.Time) (*Result, error) {
	env := cohort.NewEnv(pass, asOf)
	if e.universe != nil {
		u, err := e.universe.Universe(ctx, asOf)
		if err != nil {
			return nil, err
		}
		env = env.WithUniverse(u)
	}

	if p.denominator == nil {
		members, err := p.cohort.Evaluate(ctx, env)
		if err != nil {
			return nil, err
		}
		return &Result{Count: members.Len(), Cohort: members}, nil
	}

	den, err := p.denominator.Evaluate(ctx, env)
	if err != nil {
		return nil, err
	}
	var num entity.Set
	if !den.Empty() {
		num, err = p.cohort.Evaluate(ctx, env.WithScope(den))
		if err != nil {
			return nil, err
		}
		num = num.Intersect(den)
	}

	res := &Result{Count: num.Len(), Cohort: num}
	n := den.Len()
	res.Denominator = &n
	if n > 0 {
		r := decimal.NewFromInt(int64(num.Len())).DivRound(decimal.NewFromInt(int64(n)), 4)
		res.Ratio = &r
	}
	return res, nil
}

func (e *Evaluator) observe(name, outcome string, d time.Duration) {
	if e.recorder != nil {
		e.recorder.ObserveEvaluation(name, outcome, d)
	}
}

func missingNames(required []string, binding param.Values) []string {
	var missing []string
	for _, n := range required {
		if !binding.Has(n) {
			missing = append(missing, n)
		}
	}
	return missing
}

// IsBindingError reports whether err was caused by a parameter binding
// failure.
func IsBindingError(err error) bool {
	var be *param.BindingError
	return errors.As(err, &be)
}
