package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied at startup. The partial unique index on applications is
// what enforces the one-active-application-per-(user,job) invariant; the
// application code only translates the violation into a conflict error.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id         UUID PRIMARY KEY,
	full_name       TEXT NOT NULL DEFAULT '',
	email           TEXT NOT NULL DEFAULT '',
	resume_text     TEXT NOT NULL DEFAULT '',
	skills          TEXT[] NOT NULL DEFAULT '{}',
	embedding       DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
	embedding_stale BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id          UUID PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	company         TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	source          TEXT NOT NULL DEFAULT '',
	requirements    TEXT[] NOT NULL DEFAULT '{}',
	embedding       DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
	embedding_stale BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS applications (
	application_id UUID PRIMARY KEY,
	user_id        UUID NOT NULL REFERENCES users(user_id),
	job_id         UUID NOT NULL REFERENCES jobs(job_id),
	status         TEXT NOT NULL,
	resume_ref     TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	abandoned      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	approved_at    TIMESTAMPTZ,
	submitted_at   TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS applications_active_user_job
	ON applications (user_id, job_id)
	WHERE NOT abandoned;

CREATE TABLE IF NOT EXISTS application_events (
	seq            BIGSERIAL UNIQUE NOT NULL,
	event_id       UUID PRIMARY KEY,
	application_id UUID NOT NULL REFERENCES applications(application_id),
	kind           TEXT NOT NULL,
	message        TEXT NOT NULL DEFAULT '',
	metadata       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS application_events_application_seq
	ON application_events (application_id, seq);
`

// EnsureSchema creates the tables and indexes if they do not exist yet.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
