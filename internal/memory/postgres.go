package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore archives transcript entries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_transcript_entries (
			id TEXT PRIMARY KEY,
			base_identifier TEXT NOT NULL,
			session_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_transcript_base_created ON call_transcript_entries (base_identifier, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveEntry(ctx context.Context, record EntryRecord) error {
	if strings.TrimSpace(record.BaseIdentifier) == "" {
		return errMissingIdentifier
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_transcript_entries (id, base_identifier, session_id, speaker, text, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		record.ID,
		strings.TrimSpace(record.BaseIdentifier),
		record.SessionID,
		record.Speaker,
		record.Text,
		record.PIIRedacted,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transcript entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, baseIdentifier string, limit int) ([]EntryRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, base_identifier, session_id, speaker, text, pii_redacted, created_at
		 FROM call_transcript_entries WHERE base_identifier=$1 ORDER BY created_at DESC LIMIT $2`,
		strings.TrimSpace(baseIdentifier),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript history: %w", err)
	}
	defer rows.Close()

	items := make([]EntryRecord, 0, limit)
	for rows.Next() {
		var r EntryRecord
		if err := rows.Scan(&r.ID, &r.BaseIdentifier, &r.SessionID, &r.Speaker, &r.Text, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
