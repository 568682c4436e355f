package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"

	_ "modernc.org/sqlite"
)

// sqliteTime is fixed width so that timestamps sort lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

const receiptColumns = `receipt_id, request_id, entity_type, entity_id, mode, strategy, role, sources, provenance, masked_fields, outcome, duration_ms, timestamp`

// SQLiteReceiptStore stores receipts in SQLite. JSON columns are TEXT.
type SQLiteReceiptStore struct {
	db *sql.DB
}

// NewSQLiteReceiptStore creates the receipts table when missing.
func NewSQLiteReceiptStore(db *sql.DB) (*SQLiteReceiptStore, error) {
	s := &SQLiteReceiptStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sqlite receipts: %w", err)
	}
	return s, nil
}

func (s *SQLiteReceiptStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS resolution_receipts (
		receipt_id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL DEFAULT '',
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		mode TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		sources TEXT NOT NULL DEFAULT '[]',
		provenance TEXT NOT NULL DEFAULT '{}',
		masked_fields TEXT NOT NULL DEFAULT '[]',
		outcome TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_resolution_receipts_entity
		ON resolution_receipts (entity_type, entity_id, timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteReceiptStore) Store(ctx context.Context, r *Receipt) error {
	prepare(r)
	cols, err := encodeColumns(r)
	if err != nil {
		return err
	}
	query := `INSERT INTO resolution_receipts (` + receiptColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (receipt_id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		r.ReceiptID, r.RequestID, string(r.EntityType), int64(r.EntityID), r.Mode, r.Strategy, r.Role,
		cols.sources, cols.provenance, cols.masked, string(r.Outcome), r.Duration.Milliseconds(),
		r.Timestamp.UTC().Format(sqliteTime),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *SQLiteReceiptStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM resolution_receipts WHERE receipt_id = ?`
	r, err := scanSQLite(s.db.QueryRowContext(ctx, query, receiptID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (s *SQLiteReceiptStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM resolution_receipts ORDER BY timestamp DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []*Receipt
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *SQLiteReceiptStore) LastForEntity(ctx context.Context, t source.EntityType, id source.EntityID) (*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM resolution_receipts
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY timestamp DESC
		LIMIT 1`
	r, err := scanSQLite(s.db.QueryRowContext(ctx, query, string(t), int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (*Receipt, error) {
	var (
		r          Receipt
		entityType string
		entityID   int64
		outcome    string
		cols       encodedColumns
		durationMs int64
		timestamp  string
	)
	err := row.Scan(&r.ReceiptID, &r.RequestID, &entityType, &entityID, &r.Mode, &r.Strategy, &r.Role,
		&cols.sources, &cols.provenance, &cols.masked, &outcome, &durationMs, &timestamp)
	if err != nil {
		return nil, err
	}
	r.EntityType = source.EntityType(entityType)
	r.EntityID = source.EntityID(entityID)
	r.Outcome = Outcome(outcome)
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.Timestamp = parseTime(timestamp)
	if err := cols.decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// encodedColumns holds the JSON-encoded list and map columns.
type encodedColumns struct {
	sources    string
	provenance string
	masked     string
}

func encodeColumns(r *Receipt) (encodedColumns, error) {
	var c encodedColumns
	for _, f := range []struct {
		v   any
		dst *string
	}{
		{nonNilList(r.Sources), &c.sources},
		{nonNilMap(r.Provenance), &c.provenance},
		{nonNilList(r.MaskedFields), &c.masked},
	} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return c, fmt.Errorf("encode receipt: %w", err)
		}
		*f.dst = string(b)
	}
	return c, nil
}

func (c encodedColumns) decode(r *Receipt) error {
	if err := json.Unmarshal([]byte(c.sources), &r.Sources); err != nil {
		return fmt.Errorf("decode receipt sources: %w", err)
	}
	if err := json.Unmarshal([]byte(c.provenance), &r.Provenance); err != nil {
		return fmt.Errorf("decode receipt provenance: %w", err)
	}
	if err := json.Unmarshal([]byte(c.masked), &r.MaskedFields); err != nil {
		return fmt.Errorf("decode receipt masked fields: %w", err)
	}
	return nil
}

func nonNilList(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}

func nonNilMap(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
