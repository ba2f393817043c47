package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlExecutions = `
CREATE TABLE IF NOT EXISTS executions (
    request_id   TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    tool         TEXT         NOT NULL,
    status       TEXT         NOT NULL,
    exit_code    INTEGER      NOT NULL DEFAULT 0,
    result       JSONB        NOT NULL,
    recorded_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_executions_session_id
    ON executions (session_id);

CREATE INDEX IF NOT EXISTS idx_executions_recorded_at
    ON executions (recorded_at);
`

// Migrate creates the journal tables if they do not already exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlExecutions); err != nil {
		return fmt.Errorf("migrate: executions: %w", err)
	}
	return nil
}
