package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"

	_ "modernc.org/sqlite"
)

const receiptColumns = `run_id, surface_id, repository, actor, capability, state, outcome, reason,
	approval_commit, published_commit, change_digest, started_at, finished_at`

// SQLiteReceiptStore keeps receipts in a SQLite database.
type SQLiteReceiptStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteReceiptStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteReceiptStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteReceiptStore wraps db and creates the schema if needed.
func NewSQLiteReceiptStore(ctx context.Context, db *sql.DB) (*SQLiteReceiptStore, error) {
	s := &SQLiteReceiptStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteReceiptStore) migrate(ctx context.Context) error {
	query := `
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
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS run_receipts_surface ON run_receipts (surface_id, started_at);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate run_receipts: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteReceiptStore) Close() error { return s.db.Close() }

// Store implements ReceiptStore.
func (s *SQLiteReceiptStore) Store(ctx context.Context, r *contracts.RunReceipt) error {
	query := `INSERT INTO run_receipts (` + receiptColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		r.RunID, r.SurfaceID, r.Repository, r.Actor, r.Capability, string(r.State), string(r.Outcome), r.Reason,
		r.ApprovalCommit, r.PublishedCommit, r.ChangeDigest,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

// Get implements ReceiptStore.
func (s *SQLiteReceiptStore) Get(ctx context.Context, runID string) (*contracts.RunReceipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM run_receipts WHERE run_id = ?`, runID)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListBySurface implements ReceiptStore.
func (s *SQLiteReceiptStore) ListBySurface(ctx context.Context, surfaceID, limit int) ([]*contracts.RunReceipt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM run_receipts WHERE surface_id = ? ORDER BY started_at DESC LIMIT ?`,
		surfaceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.RunReceipt
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanSQLite reads a row whose timestamps are RFC 3339 text.
func scanSQLite(row scanner) (*contracts.RunReceipt, error) {
	var r contracts.RunReceipt
	var state, outcome, started, finished string
	if err := row.Scan(&r.RunID, &r.SurfaceID, &r.Repository, &r.Actor, &r.Capability, &state, &outcome, &r.Reason,
		&r.ApprovalCommit, &r.PublishedCommit, &r.ChangeDigest, &started, &finished); err != nil {
		return nil, err
	}
	r.State = contracts.RunState(state)
	r.Outcome = contracts.OutcomeKind(outcome)
	var err error
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &r, nil
}
