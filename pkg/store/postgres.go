package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// PostgresReceiptStore keeps receipts in PostgreSQL.
type PostgresReceiptStore struct {
	db *sql.DB
}

// OpenPostgres connects with a lib/pq DSN and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresReceiptStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := NewPostgresReceiptStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresReceiptStore wraps db. Call Migrate before first use on a new
// database.
func NewPostgresReceiptStore(db *sql.DB) *PostgresReceiptStore {
	return &PostgresReceiptStore{db: db}
}

// Migrate creates the receipts table if needed.
func (s *PostgresReceiptStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS run_receipts (
			run_id TEXT PRIMARY KEY,
			surface_id INTEGER NOT NULL,
			repository TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			capability TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			approval_commit TEXT NOT NULL DEFAULT '',
			published_commit TEXT NOT NULL DEFAULT '',
			change_digest TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate run_receipts: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *PostgresReceiptStore) Close() error { return s.db.Close() }

// Store implements ReceiptStore.
func (s *PostgresReceiptStore) Store(ctx context.Context, r *contracts.RunReceipt) error {
	query := `INSERT INTO run_receipts (` + receiptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := s.db.ExecContext(ctx, query,
		r.RunID, r.SurfaceID, r.Repository, r.Actor, r.Capability, string(r.State), string(r.Outcome), r.Reason,
		r.ApprovalCommit, r.PublishedCommit, r.ChangeDigest, r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist receipt: %w", err)
	}
	return nil
}

// Get implements ReceiptStore.
func (s *PostgresReceiptStore) Get(ctx context.Context, runID string) (*contracts.RunReceipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM run_receipts WHERE run_id = $1`, runID)
	r, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return r, nil
}

// ListBySurface implements ReceiptStore.
func (s *PostgresReceiptStore) ListBySurface(ctx context.Context, surfaceID, limit int) ([]*contracts.RunReceipt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM run_receipts WHERE surface_id = $1 ORDER BY started_at DESC LIMIT $2`,
		surfaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.RunReceipt
	for rows.Next() {
		r, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanPostgres(row scanner) (*contracts.RunReceipt, error) {
	var r contracts.RunReceipt
	var state, outcome string
	if err := row.Scan(&r.RunID, &r.SurfaceID, &r.Repository, &r.Actor, &r.Capability, &state, &outcome, &r.Reason,
		&r.ApprovalCommit, &r.PublishedCommit, &r.ChangeDigest, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.State = contracts.RunState(state)
	r.Outcome = contracts.OutcomeKind(outcome)
	return &r, nil
}
