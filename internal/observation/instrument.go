package observation

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ehr/cohort/internal/entity"
)

var tracer = otel.Tracer("github.com/ehr/cohort/observation")

// ErrNotEnumerable is returned by InstrumentedSource.Entities when the
// wrapped source cannot list entities.
var ErrNotEnumerable = errors.New("observation source cannot enumerate entities")

// InstrumentedSource records fetch latency and emits a span per batch query.
type InstrumentedSource struct {
	next    Source
	name    string
	latency prometheus.ObserverVec
}

// Instrument wraps src. latency may be nil, in which case only spans are
// emitted. It is labelled by "source".
func Instrument(src Source, name string, latency prometheus.ObserverVec) *InstrumentedSource {
	return &InstrumentedSource{next: src, name: name, latency: latency}
}

// FetchAll implements Source.
func (s *InstrumentedSource) FetchAll(ctx context.Context, conceptID string, ids entity.Set, asOf time.Time) (map[entity.ID][]Observation, error) {
	ctx, span := tracer.Start(ctx, "observation.FetchAll")
	defer span.End()
	span.SetAttributes(
		attribute.String("observation.source", s.name),
		attribute.String("observation.concept", conceptID),
		attribute.Int("observation.cohort_size", ids.Len()),
	)

	start := time.Now()
	out, err := s.next.FetchAll(ctx, conceptID, ids, asOf)
	if s.latency != nil {
		s.latency.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// Entities implements Enumerator when the wrapped source does.
func (s *InstrumentedSource) Entities(ctx context.Context, asOf time.Time) (entity.Set, error) {
	en, ok := s.next.(Enumerator)
	if !ok {
		return entity.Set{}, ErrNotEnumerable
	}
	return en.Entities(ctx, asOf)
}
