package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// Dialect selects the SQL placeholder style.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// LegacyCustomerDataSource reads JSON payloads from the legacy archive table
// legacy_entities(entity_type, entity_id, payload).
type LegacyCustomerDataSource struct {
	*source.Base
	db          *sql.DB
	dialect     Dialect
	pingTimeout time.Duration
}

// NewLegacyCustomerDataSource wraps an open database handle. Types default to
// customer.
func NewLegacyCustomerDataSource(name string, db *sql.DB, dialect Dialect, types ...source.EntityType) (*LegacyCustomerDataSource, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: legacy source %q has no database", source.ErrInvalidDescriptor, name)
	}
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("%w: legacy source %q: unknown dialect %q", source.ErrInvalidDescriptor, name, dialect)
	}
	if len(types) == 0 {
		types = []source.EntityType{source.EntityCustomer}
	}
	return &LegacyCustomerDataSource{
		Base:        source.NewBase(name, types),
		db:          db,
		dialect:     dialect,
		pingTimeout: 500 * time.Millisecond,
	}, nil
}

// Migrate creates the archive table when missing.
func (s *LegacyCustomerDataSource) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS legacy_entities (
		entity_type TEXT NOT NULL,
		entity_id BIGINT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate legacy_entities: %w", err)
	}
	return nil
}

// Put upserts a payload. It is used to load archives and by tests.
func (s *LegacyCustomerDataSource) Put(ctx context.Context, t source.EntityType, id source.EntityID, p source.Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	query := `INSERT INTO legacy_entities (entity_type, entity_id, payload) VALUES (?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET payload = excluded.payload`
	if s.dialect == DialectPostgres {
		query = `INSERT INTO legacy_entities (entity_type, entity_id, payload) VALUES ($1, $2, $3)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET payload = EXCLUDED.payload`
	}
	if _, err := s.db.ExecContext(ctx, query, string(t), int64(id), string(raw)); err != nil {
		return fmt.Errorf("insert legacy entity %s/%d: %w", t, id, err)
	}
	return nil
}

// IsAvailable pings the database with a short deadline.
func (s *LegacyCustomerDataSource) IsAvailable(ctx context.Context) bool {
	if !s.Healthy() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

func (s *LegacyCustomerDataSource) Fetch(ctx context.Context, t source.EntityType, id source.EntityID) (source.Payload, bool, error) {
	query := `SELECT payload FROM legacy_entities WHERE entity_type = ? AND entity_id = ?`
	if s.dialect == DialectPostgres {
		query = `SELECT payload FROM legacy_entities WHERE entity_type = $1 AND entity_id = $2`
	}

	var raw string
	err := s.db.QueryRowContext(ctx, query, string(t), int64(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		s.Record(ctx, nil)
		return nil, false, nil
	}
	if err != nil {
		s.Record(ctx, err)
		return nil, false, source.NewFetchError(s.Name(), t, id, err)
	}

	body, err := decodeObject([]byte(raw))
	if err != nil {
		s.Record(ctx, err)
		return nil, false, source.NewFetchError(s.Name(), t, id, err)
	}
	s.Record(ctx, nil)
	return source.Payload(body), true, nil
}
