// Package reporting runs indicator reports and serves them over HTTP.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/cohort/internal/indicator"
	"github.com/ehr/cohort/internal/param"
)

const (
	DefaultWorkers = 4
	DefaultTimeout = 60 * time.Second
)

// ErrRunTimeout is returned when a report run exceeds its time budget.
var ErrRunTimeout = errors.New("report run timed out")

// Catalog resolves indicator names. *library.Library satisfies it.
type Catalog interface {
	Indicator(name string) (indicator.Definition, error)
	Indicators() []string
}

// Evaluator evaluates one indicator. *indicator.Evaluator satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, def indicator.Definition, binding param.Values) (*indicator.Result, error)
}

// Report is the outcome of one run. Results follow the requested order.
type Report struct {
	ID          string              `json:"id"`
	GeneratedAt time.Time           `json:"generated_at"`
	Binding     param.Values        `json:"binding"`
	Results     []*indicator.Result `json:"results"`
	Duration    time.Duration       `json:"duration_ns"`
}

// Runner evaluates sets of indicators concurrently. Every indicator gets its
// own calculation pass; a run either returns every result or an error.
type Runner struct {
	catalog   Catalog
	evaluator Evaluator
	workers   int
	timeout   time.Duration
	logger    zerolog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers bounds the number of indicators evaluated at once.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithTimeout bounds the duration of a whole run.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRunner(catalog Catalog, evaluator Evaluator, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		catalog:   catalog,
		evaluator: evaluator,
		workers:   DefaultWorkers,
		timeout:   DefaultTimeout,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run evaluates names against binding. All names are resolved before any
// evaluation starts. Repeated names are evaluated once.
func (r *Runner) Run(ctx context.Context, names []string, binding param.Values) (*Report, error) {
	start := time.Now()
	names = dedupe(names)

	defs := make([]indicator.Definition, len(names))
	for i, name := range names {
		def, err := r.catalog.Indicator(name)
		if err != nil {
			return nil, err
		}
		defs[i] = def
	}

	report := &Report{
		ID:          uuid.NewString(),
		GeneratedAt: start.UTC(),
		Binding:     binding.Clone(),
		Results:     make([]*indicator.Result, len(defs)),
	}
	logger := r.logger.With().Str("report_id", report.ID).Logger()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(r.workers)
	for i, def := range defs {
		g.Go(func() error {
			res, err := r.evaluator.Evaluate(gctx, def, binding)
			if err != nil {
				return err
			}
			report.Results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrRunTimeout, r.timeout, err)
		}
		logger.Error().Err(err).Strs("indicators", names).Msg("report run failed")
		return nil, err
	}

	report.Duration = time.Since(start)
	logger.Info().
		Int("indicators", len(names)).
		Dur("duration", report.Duration).
		Msg("report completed")
	return report, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
