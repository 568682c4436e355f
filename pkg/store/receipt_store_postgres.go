package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// PostgresReceiptStore is the durable receipt store. JSON columns are JSONB.
type PostgresReceiptStore struct {
	db *sql.DB
}

func NewPostgresReceiptStore(db *sql.DB) *PostgresReceiptStore {
	return &PostgresReceiptStore{db: db}
}

// Migrate creates the receipts table and index when missing.
func (s *PostgresReceiptStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS resolution_receipts (
			receipt_id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL DEFAULT '',
			entity_type TEXT NOT NULL,
			entity_id BIGINT NOT NULL,
			mode TEXT NOT NULL,
			strategy TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			sources JSONB NOT NULL DEFAULT '[]',
			provenance JSONB NOT NULL DEFAULT '{}',
			masked_fields JSONB NOT NULL DEFAULT '[]',
			outcome TEXT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			timestamp TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_resolution_receipts_entity
			ON resolution_receipts (entity_type, entity_id, timestamp DESC)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate postgres receipts: %w", err)
	}
	return nil
}

func (s *PostgresReceiptStore) Store(ctx context.Context, r *Receipt) error {
	prepare(r)
	cols, err := encodeColumns(r)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO resolution_receipts (` + receiptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (receipt_id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ReceiptID, r.RequestID, string(r.EntityType), int64(r.EntityID), r.Mode, r.Strategy, r.Role,
		cols.sources, cols.provenance, cols.masked, string(r.Outcome), r.Duration.Milliseconds(),
		r.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *PostgresReceiptStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM resolution_receipts WHERE receipt_id = $1`
	r, err := scanPostgres(s.db.QueryRowContext(ctx, query, receiptID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (s *PostgresReceiptStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM resolution_receipts ORDER BY timestamp DESC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []*Receipt
	for rows.Next() {
		r, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return receipts, nil
}

func (s *PostgresReceiptStore) LastForEntity(ctx context.Context, t source.EntityType, id source.EntityID) (*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM resolution_receipts
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY timestamp DESC
		LIMIT 1`
	r, err := scanPostgres(s.db.QueryRowContext(ctx, query, string(t), int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func scanPostgres(row scanner) (*Receipt, error) {
	var (
		r          Receipt
		entityType string
		entityID   int64
		outcome    string
		cols       encodedColumns
		durationMs int64
	)
	err := row.Scan(&r.ReceiptID, &r.RequestID, &entityType, &entityID, &r.Mode, &r.Strategy, &r.Role,
		&cols.sources, &cols.provenance, &cols.masked, &outcome, &durationMs, &r.Timestamp)
	if err != nil {
		return nil, err
	}
	r.EntityType = source.EntityType(entityType)
	r.EntityID = source.EntityID(entityID)
	r.Outcome = Outcome(outcome)
	r.Duration = time.Duration(durationMs) * time.Millisecond
	if err := cols.decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}
