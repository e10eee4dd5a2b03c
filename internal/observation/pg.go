package observation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/cohort/internal/entity"
)

// DefaultChunkSize bounds the number of ids sent in a single query.
const DefaultChunkSize = 5000

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// PGSource reads observations from the observation table in PostgreSQL.
type PGSource struct {
	pool      queryable
	chunkSize int
}

// NewPGSource creates a PostgreSQL backed source.
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool, chunkSize: DefaultChunkSize}
}

const observationCols = `entity_id, concept_id, value_numeric::text, value_coded, value_datetime, value_text, obs_datetime`

const fetchObservationsSQL = `SELECT ` + observationCols + `
	FROM observation
	WHERE concept_id = $1
	  AND entity_id = ANY($2)
	  AND obs_datetime <= $3
	  AND NOT voided
	ORDER BY entity_id, obs_datetime, id`

// FetchAll implements Source. One query is issued per chunk of ids.
func (s *PGSource) FetchAll(ctx context.Context, conceptID string, ids entity.Set, asOf time.Time) (map[entity.ID][]Observation, error) {
	out := emptyResult(ids)
	if ids.Empty() {
		return out, nil
	}
	if asOf.IsZero() {
		asOf = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}

	for _, chunk := range chunkStrings(ids.Strings(), s.chunkSize) {
		rows, err := s.pool.Query(ctx, fetchObservationsSQL, conceptID, chunk, asOf)
		if err != nil {
			return nil, &DataAccessError{Concept: conceptID, Err: err}
		}
		if err := scanInto(rows, out); err != nil {
			return nil, &DataAccessError{Concept: conceptID, Err: err}
		}
	}
	return out, nil
}

// Entities implements Enumerator.
func (s *PGSource) Entities(ctx context.Context, asOf time.Time) (entity.Set, error) {
	if asOf.IsZero() {
		asOf = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT entity_id FROM observation WHERE obs_datetime <= $1 AND NOT voided`, asOf)
	if err != nil {
		return entity.Set{}, &DataAccessError{Err: err}
	}
	defer rows.Close()

	var ids []entity.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return entity.Set{}, &DataAccessError{Err: err}
		}
		ids = append(ids, entity.ID(id))
	}
	if err := rows.Err(); err != nil {
		return entity.Set{}, &DataAccessError{Err: err}
	}
	return entity.NewSet(ids...), nil
}

func scanInto(rows pgx.Rows, out map[entity.ID][]Observation) error {
	defer rows.Close()
	for rows.Next() {
		var r observationRow
		if err := rows.Scan(&r.EntityID, &r.ConceptID, &r.Numeric, &r.Coded, &r.Date, &r.Text, &r.ObsDatetime); err != nil {
			return fmt.Errorf("scan observation: %w", err)
		}
		o, err := r.toObservation()
		if err != nil {
			return err
		}
		out[o.EntityID] = append(out[o.EntityID], o)
	}
	return rows.Err()
}

// observationRow is the scanned shape shared by the pgx and sqlx sources.
type observationRow struct {
	EntityID    string     `db:"entity_id"`
	ConceptID   string     `db:"concept_id"`
	Numeric     *string    `db:"value_numeric"`
	Coded       *string    `db:"value_coded"`
	Date        *time.Time `db:"value_datetime"`
	Text        *string    `db:"value_text"`
	ObsDatetime time.Time  `db:"obs_datetime"`
}

func (r observationRow) toObservation() (Observation, error) {
	o := Observation{
		EntityID:  entity.ID(r.EntityID),
		ConceptID: r.ConceptID,
		Timestamp: r.ObsDatetime,
	}
	switch {
	case r.Numeric != nil:
		d, err := decimal.NewFromString(*r.Numeric)
		if err != nil {
			return Observation{}, fmt.Errorf("malformed numeric value %q for entity %s: %w", *r.Numeric, r.EntityID, err)
		}
		o.Value = Numeric(d)
	case r.Coded != nil:
		o.Value = Coded(*r.Coded)
	case r.Date != nil:
		o.Value = DateValue(*r.Date)
	case r.Text != nil:
		o.Value = Text(*r.Text)
	}
	return o, nil
}

func chunkStrings(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks [][]string
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}
