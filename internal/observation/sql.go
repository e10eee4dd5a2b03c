package observation

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ehr/cohort/internal/entity"
)

// SQLSource reads the observation table through database/sql using sqlx. It
// serves drivers other than pgx, such as lib/pq or a local sqlite3 snapshot.
type SQLSource struct {
	db        *sqlx.DB
	chunkSize int
}

// NewSQLSource wraps an open sqlx handle.
func NewSQLSource(db *sqlx.DB) *SQLSource {
	return &SQLSource{db: db, chunkSize: DefaultChunkSize}
}

// OpenSQLSource opens a database with the named driver and verifies the
// connection.
func OpenSQLSource(ctx context.Context, driver, dsn string) (*SQLSource, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, &DataAccessError{Err: err}
	}
	return NewSQLSource(db), nil
}

// Close releases the underlying handle.
func (s *SQLSource) Close() error { return s.db.Close() }

const sqlFetchObservations = `SELECT entity_id, concept_id, CAST(value_numeric AS TEXT) AS value_numeric,
	value_coded, value_datetime, value_text, obs_datetime
	FROM observation
	WHERE concept_id = ?
	  AND entity_id IN (?)
	  AND obs_datetime <= ?
	  AND NOT voided
	ORDER BY entity_id, obs_datetime, id`

// buildFetchQuery expands the IN clause for ids and rebinds placeholders for
// the handle's driver.
func (s *SQLSource) buildFetchQuery(conceptID string, ids []string, asOf time.Time) (string, []interface{}, error) {
	query, args, err := sqlx.In(sqlFetchObservations, conceptID, ids, asOf)
	if err != nil {
		return "", nil, err
	}
	return s.db.Rebind(query), args, nil
}

// FetchAll implements Source.
func (s *SQLSource) FetchAll(ctx context.Context, conceptID string, ids entity.Set, asOf time.Time) (map[entity.ID][]Observation, error) {
	out := emptyResult(ids)
	if ids.Empty() {
		return out, nil
	}
	if asOf.IsZero() {
		asOf = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}

	for _, chunk := range chunkStrings(ids.Strings(), s.chunkSize) {
		query, args, err := s.buildFetchQuery(conceptID, chunk, asOf)
		if err != nil {
			return nil, &DataAccessError{Concept: conceptID, Err: err}
		}
		var rows []observationRow
		if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, &DataAccessError{Concept: conceptID, Err: err}
		}
		for _, r := range rows {
			o, err := r.toObservation()
			if err != nil {
				return nil, &DataAccessError{Concept: conceptID, Err: err}
			}
			out[o.EntityID] = append(out[o.EntityID], o)
		}
	}
	return out, nil
}

// Entities implements Enumerator.
func (s *SQLSource) Entities(ctx context.Context, asOf time.Time) (entity.Set, error) {
	if asOf.IsZero() {
		asOf = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	var ids []string
	query := s.db.Rebind(`SELECT DISTINCT entity_id FROM observation WHERE obs_datetime <= ? AND NOT voided`)
	if err := s.db.SelectContext(ctx, &ids, query, asOf); err != nil {
		return entity.Set{}, &DataAccessError{Err: err}
	}
	return entity.FromStrings(ids...), nil
}

// Ping verifies the handle is usable.
func (s *SQLSource) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
