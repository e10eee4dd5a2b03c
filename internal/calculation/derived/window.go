package derived

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/cohort/internal/calculation"
	"github.com/ehr/cohort/internal/entity"
	"github.com/ehr/cohort/internal/observation"
	"github.com/ehr/cohort/internal/param"
)

// WindowMode fixes the boundary rule used to select an observation relative
// to an anchor date A with a window of W days.
type WindowMode string

const (
	// WindowStrict keeps observations with A-W < t < A, or t == A exactly.
	// The lower bound is exclusive. The latest qualifying observation wins.
	WindowStrict WindowMode = "strict"
	// WindowOnOrBefore keeps A-W <= t <= A. The latest qualifying observation wins.
	WindowOnOrBefore WindowMode = "on_or_before"
	// WindowOnOrAfter keeps A <= t <= A+W. The earliest qualifying observation wins.
	WindowOnOrAfter WindowMode = "on_or_after"
)

func (m WindowMode) valid() bool {
	switch m {
	case WindowStrict, WindowOnOrBefore, WindowOnOrAfter:
		return true
	}
	return false
}

// contains applies the boundary rule to timestamp t.
func (m WindowMode) contains(t, anchor time.Time, days int) bool {
	switch m {
	case WindowStrict:
		lower := anchor.AddDate(0, 0, -days)
		return (t.Before(anchor) && t.After(lower)) || t.Equal(anchor)
	case WindowOnOrBefore:
		lower := anchor.AddDate(0, 0, -days)
		return !t.After(anchor) && !t.Before(lower)
	case WindowOnOrAfter:
		upper := anchor.AddDate(0, 0, days)
		return !t.Before(anchor) && !t.After(upper)
	}
	return false
}

// nearestToAnchor selects the observation of concept nearest the anchor date
// produced by a dependency calculation. The observation list is fetched once
// for the whole cohort. Entities with no anchor or no qualifying observation
// get Absent. Equal timestamps keep the source order, so the later row wins
// when selecting the last.
type nearestToAnchor struct {
	concept string
	anchor  calculation.Ref
	days    int
	mode    WindowMode
}

func newNearestToAnchor(cfg calculation.Config) (calculation.Calculation, error) {
	c, err := concept(cfg)
	if err != nil {
		return nil, err
	}
	anchor, ok := cfg.Ref("anchor")
	if !ok {
		return nil, fmt.Errorf("anchor is required")
	}
	days := cfg.Int("days", 91)
	if days < 0 {
		return nil, fmt.Errorf("days must not be negative")
	}
	mode := WindowMode(cfg.Str("mode"))
	if mode == "" {
		mode = WindowStrict
	}
	if !mode.valid() {
		return nil, fmt.Errorf("unknown window mode %q", mode)
	}
	return nearestToAnchor{concept: c, anchor: anchor, days: days, mode: mode}, nil
}

func (c nearestToAnchor) Ref() calculation.Ref {
	return NearestToAnchor(c.concept, c.anchor, c.days, c.mode)
}

func (c nearestToAnchor) Evaluate(ctx context.Context, p *calculation.Pass, cohort entity.Set, _ param.Values, cc calculation.Context) (calculation.ResultMap, error) {
	anchors, err := p.CalculateRef(ctx, c.anchor, cohort, nil, cc)
	if err != nil {
		return nil, err
	}
	all, err := p.AllObs(ctx, c.concept, cohort, cc)
	if err != nil {
		return nil, err
	}

	out := make(calculation.ResultMap, cohort.Len())
	for _, id := range cohort.IDs() {
		out[id] = calculation.Absent{}
		anchor, ok := anchors.Date(id)
		if !ok {
			continue
		}
		var matched []observation.Observation
		for _, o := range all.Observations(id) {
			if c.mode.contains(o.Timestamp, anchor, c.days) {
				matched = append(matched, o)
			}
		}
		if len(matched) == 0 {
			continue
		}
		chosen := matched[len(matched)-1]
		if c.mode == WindowOnOrAfter {
			chosen = matched[0]
		}
		if chosen.Value.Kind == observation.KindNumeric {
			out[id] = calculation.ValueAndDate{Value: chosen.Value.Numeric, Date: chosen.Timestamp}
		} else {
			out[id] = calculation.ObsResult{Obs: chosen}
		}
	}
	return out, nil
}
