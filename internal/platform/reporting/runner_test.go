package reporting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/cohort/internal/indicator"
	"github.com/ehr/cohort/internal/library"
	"github.com/ehr/cohort/internal/param"
)

func TestRunner_EvaluatesInRequestOrder(t *testing.T) {
	runner, _ := newRunner(t, screeningSource(t))

	report, err := runner.Run(context.Background(), []string{"tb.screenedForTb", "tb.presumedTb"}, january())
	require.NoError(t, err)

	_, err = uuid.Parse(report.ID)
	assert.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "tb.screenedForTb", report.Results[0].Indicator)
	assert.Equal(t, 5, report.Results[0].Count)
	assert.Equal(t, "tb.presumedTb", report.Results[1].Indicator)
	assert.Equal(t, 1, report.Results[1].Count)

	// each indicator runs in its own pass
	assert.NotEqual(t, report.Results[0].PassID, report.Results[1].PassID)
	assert.Equal(t, january(), report.Binding)
}

func TestRunner_DeduplicatesNames(t *testing.T) {
	runner, _ := newRunner(t, screeningSource(t))

	report, err := runner.Run(context.Background(), []string{"tb.presumedTb", "tb.presumedTb"}, january())
	require.NoError(t, err)
	assert.Len(t, report.Results, 1)
}

func TestRunner_UnknownIndicatorFailsBeforeWork(t *testing.T) {
	src := screeningSource(t)
	runner, _ := newRunner(t, src)

	_, err := runner.Run(context.Background(), []string{"tb.presumedTb", "tb.nope"}, january())
	assert.ErrorIs(t, err, library.ErrNotFound)
	assert.Zero(t, src.FetchCount())
}

func TestRunner_DataAccessAbortsRun(t *testing.T) {
	runner, _ := newRunner(t, failingSource{})

	report, err := runner.Run(context.Background(), []string{"tb.screenedForTb", "tb.presumedTb"}, january())
	assert.Nil(t, report)

	kind, ok := indicator.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, indicator.KindDataAccess, kind)
}

func TestRunner_BindingError(t *testing.T) {
	runner, _ := newRunner(t, screeningSource(t))

	_, err := runner.Run(context.Background(), []string{"tb.screenedForTb"}, param.Values{EndDateParam: day("2024-01-31")})

	kind, ok := indicator.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, indicator.KindBinding, kind)
}

// fakeCatalog serves count indicators without cohorts.
type fakeCatalog map[string]indicator.Definition

func newFakeCatalog(n int) fakeCatalog {
	c := fakeCatalog{}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("test.ind%d", i)
		c[name] = &indicator.Indicator{Name: name}
	}
	return c
}

func (c fakeCatalog) Indicator(name string) (indicator.Definition, error) {
	d, ok := c[name]
	if !ok {
		return nil, library.ErrNotFound
	}
	return d, nil
}

func (c fakeCatalog) Indicators() []string {
	var out []string
	for k := range c {
		out = append(out, k)
	}
	return out
}

// slowEvaluator records the peak number of concurrent evaluations.
type slowEvaluator struct {
	delay    time.Duration
	inFlight atomic.Int32
	mu       sync.Mutex
	peak     int32
}

func (e *slowEvaluator) Evaluate(ctx context.Context, def indicator.Definition, _ param.Values) (*indicator.Result, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	e.mu.Lock()
	if n > e.peak {
		e.peak = n
	}
	e.mu.Unlock()

	select {
	case <-time.After(e.delay):
		return &indicator.Result{Indicator: def.Describe().Name}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	cat := newFakeCatalog(6)
	ev := &slowEvaluator{delay: 20 * time.Millisecond}
	runner := NewRunner(cat, ev, zerolog.Nop(), WithWorkers(2))

	names := []string{"test.ind0", "test.ind1", "test.ind2", "test.ind3", "test.ind4", "test.ind5"}
	report, err := runner.Run(context.Background(), names, param.Values{})
	require.NoError(t, err)

	require.Len(t, report.Results, 6)
	for i, res := range report.Results {
		assert.Equal(t, names[i], res.Indicator)
	}
	assert.LessOrEqual(t, ev.peak, int32(2))
}

func TestRunner_Timeout(t *testing.T) {
	cat := newFakeCatalog(1)
	ev := &slowEvaluator{delay: 5 * time.Second}
	runner := NewRunner(cat, ev, zerolog.Nop(), WithTimeout(20*time.Millisecond))

	_, err := runner.Run(context.Background(), []string{"test.ind0"}, param.Values{})
	assert.ErrorIs(t, err, ErrRunTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunner_CallerCancel(t *testing.T) {
	cat := newFakeCatalog(1)
	runner := NewRunner(cat, &slowEvaluator{delay: 5 * time.Second}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx, []string{"test.ind0"}, param.Values{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrRunTimeout))
}

func TestRunnerOptions_IgnoreNonPositive(t *testing.T) {
	r := NewRunner(newFakeCatalog(0), &slowEvaluator{}, zerolog.Nop(), WithWorkers(0), WithTimeout(-1))
	assert.Equal(t, DefaultWorkers, r.workers)
	assert.Equal(t, DefaultTimeout, r.timeout)
}
