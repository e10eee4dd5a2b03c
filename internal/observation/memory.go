package observation

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ehr/cohort/internal/entity"
)

// MemorySource is an in-memory Source used for fixtures, the offline CLI and
// tests. It is safe for concurrent use.
type MemorySource struct {
	mu       sync.RWMutex
	entities map[entity.ID]struct{}
	obs      map[string]map[entity.ID][]Observation // concept -> entity -> insertion order
	fetches  atomic.Int64
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		entities: make(map[entity.ID]struct{}),
		obs:      make(map[string]map[entity.ID][]Observation),
	}
}

// AddEntity registers an entity without observations.
func (s *MemorySource) AddEntity(ids ...entity.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.entities[id] = struct{}{}
	}
}

// Add records observations. Entities are registered implicitly.
func (s *MemorySource) Add(obs ...Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range obs {
		s.entities[o.EntityID] = struct{}{}
		byEntity, ok := s.obs[o.ConceptID]
		if !ok {
			byEntity = make(map[entity.ID][]Observation)
			s.obs[o.ConceptID] = byEntity
		}
		byEntity[o.EntityID] = append(byEntity[o.EntityID], o)
	}
}

// FetchCount returns how many FetchAll calls reached the store.
func (s *MemorySource) FetchCount() int64 { return s.fetches.Load() }

// FetchAll implements Source.
func (s *MemorySource) FetchAll(ctx context.Context, conceptID string, ids entity.Set, asOf time.Time) (map[entity.ID][]Observation, error) {
	if ids.Empty() {
		return map[entity.ID][]Observation{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.fetches.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := emptyResult(ids)
	byEntity := s.obs[conceptID]
	for id := range out {
		for _, o := range byEntity[id] {
			if asOf.IsZero() || !o.Timestamp.After(asOf) {
				out[id] = append(out[id], o)
			}
		}
	}
	sortChronological(out)
	return out, nil
}

// Entities implements Enumerator.
func (s *MemorySource) Entities(ctx context.Context, asOf time.Time) (entity.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]entity.ID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	return entity.NewSet(ids...), nil
}

// ---------------------------------------------------------------------------
// YAML fixtures
// ---------------------------------------------------------------------------

// fixtureFile is the on-disk layout of an observation fixture.
type fixtureFile struct {
	Entities     []string             `yaml:"entities"`
	Observations []fixtureObservation `yaml:"observations"`
}

type fixtureObservation struct {
	Entity    string   `yaml:"entity"`
	Concept   string   `yaml:"concept"`
	Numeric   *float64 `yaml:"numeric,omitempty"`
	Decimal   string   `yaml:"decimal,omitempty"`
	Coded     string   `yaml:"coded,omitempty"`
	Date      string   `yaml:"date,omitempty"`
	Text      string   `yaml:"text,omitempty"`
	Timestamp string   `yaml:"timestamp"`
}

// LoadFixtureFile reads a YAML fixture from disk into a new MemorySource.
func LoadFixtureFile(path string) (*MemorySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	return LoadFixture(data)
}

// LoadFixture parses YAML fixture content into a new MemorySource.
func LoadFixture(data []byte) (*MemorySource, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}

	src := NewMemorySource()
	for _, id := range f.Entities {
		src.AddEntity(entity.ID(id))
	}
	for i, fo := range f.Observations {
		o, err := fo.toObservation()
		if err != nil {
			return nil, fmt.Errorf("fixture observation %d: %w", i, err)
		}
		src.Add(o)
	}
	return src, nil
}

func (fo fixtureObservation) toObservation() (Observation, error) {
	if fo.Entity == "" || fo.Concept == "" {
		return Observation{}, fmt.Errorf("entity and concept are required")
	}
	ts, err := parseTimestamp(fo.Timestamp)
	if err != nil {
		return Observation{}, fmt.Errorf("timestamp: %w", err)
	}

	var v Value
	switch {
	case fo.Decimal != "":
		d, err := decimal.NewFromString(fo.Decimal)
		if err != nil {
			return Observation{}, fmt.Errorf("decimal: %w", err)
		}
		v = Numeric(d)
	case fo.Numeric != nil:
		v = Float(*fo.Numeric)
	case fo.Coded != "":
		v = Coded(fo.Coded)
	case fo.Date != "":
		d, err := parseTimestamp(fo.Date)
		if err != nil {
			return Observation{}, fmt.Errorf("date: %w", err)
		}
		v = DateValue(d)
	case fo.Text != "":
		v = Text(fo.Text)
	}

	return Observation{
		EntityID:  entity.ID(fo.Entity),
		ConceptID: fo.Concept,
		Value:     v,
		Timestamp: ts,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
