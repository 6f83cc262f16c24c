package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/ports"
)

// Store is a SQLite implementation of ResultStore. Expired rows are hidden
// from Load and deleted by PurgeExpired.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.ResultStore = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, now: time.Now}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS results (
			request_id TEXT PRIMARY KEY,
			source TEXT,
			results TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_expires_at ON results(expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save upserts rec. A second save under the same request id replaces every
// column; rows are never merged.
func (s *Store) Save(ctx context.Context, rec *domain.AggregatedRecord) error {
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (request_id, source, results, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			source = excluded.source,
			results = excluded.results,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, rec.RequestID, rec.Source, string(results), rec.CreatedAt.UnixNano(), expiresAt(rec))
	if err != nil {
		return fmt.Errorf("failed to save result %s: %w", rec.RequestID, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, requestID string) (*domain.AggregatedRecord, error) {
	var (
		source              sql.NullString
		results             string
		createdAt, expireAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT source, results, created_at, expires_at
		FROM results
		WHERE request_id = ? AND expires_at > ?
	`, requestID, s.now().UnixNano()).Scan(&source, &results, &createdAt, &expireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load result %s: %w", requestID, err)
	}

	rec := &domain.AggregatedRecord{
		RequestID: requestID,
		Source:    source.String,
		CreatedAt: time.Unix(0, createdAt).UTC(),
	}
	if expireAt != neverExpires {
		rec.ExpiresAt = time.Unix(0, expireAt).UTC()
	}
	if err := json.Unmarshal([]byte(results), &rec.Results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	return rec, nil
}

// PurgeExpired deletes rows past their expiry and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired results: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// neverExpires marks records saved without an expiry.
const neverExpires = int64(1<<63 - 1)

func expiresAt(rec *domain.AggregatedRecord) int64 {
	if rec.ExpiresAt.IsZero() {
		return neverExpires
	}
	return rec.ExpiresAt.UnixNano()
}
