// Package postgres provides a PostgreSQL-backed execution journal.
//
// Each finished execution is one row in the executions table, keyed by
// request identifier, with the full normalized result kept as JSONB.
//
//	j, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer j.Close()
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/neurogate/internal/journal"
	"github.com/MrWong99/neurogate/internal/result"
)

var _ journal.Journal = (*Store)(nil)

// Store is a [journal.Journal] backed by a [pgxpool.Pool]. All methods are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Lookup implements [journal.Journal].
func (s *Store) Lookup(ctx context.Context, requestID string) (*result.ExecutionResult, bool, error) {
	const q = `SELECT result FROM executions WHERE request_id = $1`

	var raw []byte
	if err := s.pool.QueryRow(ctx, q, requestID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("journal: lookup %s: %w", requestID, err)
	}
	var res result.ExecutionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("journal: decode %s: %w", requestID, err)
	}
	return &res, true, nil
}

// Record implements [journal.Journal].
func (s *Store) Record(ctx context.Context, res *result.ExecutionResult) error {
	const q = `
		INSERT INTO executions (request_id, session_id, tool, status, exit_code, result)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO NOTHING`

	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", res.RequestID, err)
	}
	if _, err := s.pool.Exec(ctx, q,
		res.RequestID,
		res.SessionID,
		res.Tool,
		res.Status.String(),
		res.ExitCode,
		raw,
	); err != nil {
		return fmt.Errorf("journal: record %s: %w", res.RequestID, err)
	}
	return nil
}

// Prune implements [journal.Journal].
func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SessionHistory returns the results recorded for sessionID, oldest first.
func (s *Store) SessionHistory(ctx context.Context, sessionID string) ([]*result.ExecutionResult, error) {
	const q = `
		SELECT result
		FROM   executions
		WHERE  session_id = $1
		ORDER  BY recorded_at, request_id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal: session history: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*result.ExecutionResult, error) {
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			return nil, err
		}
		var res result.ExecutionResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, err
		}
		return &res, nil
	})
}

// Ping implements [journal.Journal].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [journal.Journal].
func (s *Store) Close() {
	s.pool.Close()
}
