package calculation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/observation"
	"github.com/ehr/cohort/internal/param"
)

var tracer = otel.Tracer("github.com/ehr/cohort/calculation")

// Pass is one evaluation pass. It owns the calculation cache, which lives
// exactly as long as the pass; a Pass must not be reused across reports.
type Pass struct {
	id       string
	source   observation.Source
	registry *Registry
	cache    *Cache
	log      zerolog.Logger
}

// NewPass starts a pass reading from source and resolving dependencies
// through registry.
func NewPass(source observation.Source, registry *Registry, log zerolog.Logger) *Pass {
	id := uuid.New().String()
	return &Pass{
		id:       id,
		source:   source,
		registry: registry,
		cache:    NewCache(),
		log:      log.With().Str("pass_id", id).Logger(),
	}
}

// ID returns the pass identifier.
func (p *Pass) ID() string { return p.id }

// Stats returns cache statistics for the pass so far.
func (p *Pass) Stats() CacheStats { return p.cache.Stats() }

// Logger returns the pass-scoped logger.
func (p *Pass) Logger() zerolog.Logger { return p.log }

func cacheKey(kind string, cohort entity.Set, params param.Values, cc Context) string {
	return kind + "|" + params.String() + "|" + cohort.Key() + "|" + cc.Key()
}

// Calculate evaluates calc for cohort, or returns the cached result of an
// identical earlier request. An empty cohort yields an empty map without any
// work.
func (p *Pass) Calculate(ctx context.Context, calc Calculation, cohort entity.Set, params param.Values, cc Context) (ResultMap, error) {
	if cohort.Empty() {
		return ResultMap{}, nil
	}
	ref := calc.Ref()
	key := cacheKey(ref.String(), cohort, params, cc)

	rm, hit, err := p.cache.GetOrCompute(key, func() (ResultMap, error) {
		ctx, span := tracer.Start(ctx, "calculation.Evaluate", trace.WithAttributes(
			attribute.String("calculation.name", ref.Name),
			attribute.Int("calculation.cohort_size", cohort.Len()),
		))
		defer span.End()

		start := time.Now()
		raw, err := calc.Evaluate(ctx, p, cohort, params, cc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		p.log.Debug().
			Str("calculation", ref.String()).
			Int("cohort_size", cohort.Len()).
			Dur("duration", time.Since(start)).
			Msg("calculation evaluated")
		return pad(raw, cohort), nil
	})
	if err != nil {
		return nil, err
	}
	if hit {
		p.log.Debug().Str("calculation", ref.Name).Int("cohort_size", cohort.Len()).Msg("calculation cache hit")
	}
	return rm, nil
}

// CalculateRef resolves ref through the registry and evaluates it.
func (p *Pass) CalculateRef(ctx context.Context, ref Ref, cohort entity.Set, params param.Values, cc Context) (ResultMap, error) {
	if p.registry == nil {
		return nil, &unresolvedError{ref: ref}
	}
	calc, err := p.registry.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return p.Calculate(ctx, calc, cohort, params, cc)
}

// AllObs fetches every observation of concept for the cohort as of the
// context date, in one batch, as a List of ObsResult per entity. Repeated
// requests within the pass are served from the cache.
func (p *Pass) AllObs(ctx context.Context, concept string, cohort entity.Set, cc Context) (ResultMap, error) {
	if cohort.Empty() {
		return ResultMap{}, nil
	}
	key := "obs:" + concept + "|" + cohort.Key() + "|" + cc.AsOf().UTC().Format(time.RFC3339Nano)
	rm, _, err := p.cache.GetOrCompute(key, func() (ResultMap, error) {
		byEntity, err := p.source.FetchAll(ctx, concept, cohort, cc.AsOf())
		if err != nil {
			return nil, err
		}
		out := make(ResultMap, cohort.Len())
		for _, id := range cohort.IDs() {
			obs := byEntity[id]
			list := make(List, len(obs))
			for i, o := range obs {
				list[i] = ObsResult{Obs: o}
			}
			out[id] = list
		}
		return out, nil
	})
	return rm, err
}

// pad returns a map holding exactly one entry per cohort member.
func pad(raw ResultMap, cohort entity.Set) ResultMap {
	out := make(ResultMap, cohort.Len())
	for _, id := range cohort.IDs() {
		out[id] = raw.Get(id)
	}
	return out
}

type unresolvedError struct{ ref Ref }

func (e *unresolvedError) Error() string {
	return "calculation: no registry to resolve " + e.ref.String()
}
