package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"intentflow/internal/domain"
)

var ErrCommitNotFound = errors.New("commit not found")

// Store journals committed intent calls in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS intent_commits (
			id BIGSERIAL PRIMARY KEY,
			call_id TEXT NOT NULL,
			intent TEXT NOT NULL,
			parameters JSONB NOT NULL DEFAULT '{}'::jsonb,
			input TEXT NOT NULL,
			committed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_intent_commits_committed ON intent_commits(committed_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_intent_commits_intent ON intent_commits(intent, committed_at DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_intent_commits_call ON intent_commits(call_id);`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveCommit records one committed call. A call id is journaled once.
func (s *Store) SaveCommit(ctx context.Context, callID, intentName string, params json.RawMessage, input string) error {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO intent_commits (call_id, intent, parameters, input)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (call_id) DO NOTHING
	`, callID, intentName, string(params), input)
	return err
}

// RecentCommits lists the newest commits first. An empty intentName lists
// every intent.
func (s *Store) RecentCommits(ctx context.Context, intentName string, limit int) ([]domain.CommitRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_id, intent, parameters::text, input, committed_at
		FROM intent_commits
		WHERE ($1 = '' OR intent = $1)
		ORDER BY committed_at DESC, id DESC
		LIMIT $2
	`, intentName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CommitRecord, 0, limit)
	for rows.Next() {
		rec, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetCommit(ctx context.Context, callID string) (domain.CommitRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, call_id, intent, parameters::text, input, committed_at
		FROM intent_commits
		WHERE call_id = $1
	`, callID)
	rec, err := scanCommit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CommitRecord{}, ErrCommitNotFound
	}
	return rec, err
}

func scanCommit(row pgx.Row) (domain.CommitRecord, error) {
	var (
		rec    domain.CommitRecord
		params string
		at     time.Time
	)
	if err := row.Scan(&rec.ID, &rec.CallID, &rec.Intent, &params, &rec.Input, &at); err != nil {
		return domain.CommitRecord{}, err
	}
	rec.Parameters = json.RawMessage(params)
	rec.CommittedAt = at.UTC().Format(time.RFC3339)
	return rec, nil
}
