package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Dialect selects placeholder and column types for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends events to a worker_history table. The schema is created
// on construction. Drivers are registered by the sqlite and postgres
// subpackages.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink opens driver with dsn and ensures the schema exists.
func NewSQLSink(driver, dsn string, dialect Dialect) (*SQLSink, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the handle for queries in tests and admin tooling.
func (s *SQLSink) DB() *sql.DB { return s.db }

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	ts, id := "TIMESTAMP", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		ts, id = "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS worker_history(
			id %s,
			occurred_at %s NOT NULL,
			event TEXT NOT NULL,
			pool TEXT NOT NULL,
			pid INTEGER NOT NULL,
			reason TEXT NULL,
			outcome TEXT NULL,
			error TEXT NULL
		);`, id, ts),
		`CREATE INDEX IF NOT EXISTS idx_worker_history_pid ON worker_history(pid);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	q := `INSERT INTO worker_history(occurred_at, event, pool, pid, reason, outcome, error)
		VALUES(?, ?, ?, ?, ?, ?, ?);`
	if s.dialect == DialectPostgres {
		q = `INSERT INTO worker_history(occurred_at, event, pool, pid, reason, outcome, error)
		VALUES($1, $2, $3, $4, $5, $6, $7);`
	}
	_, err := s.db.ExecContext(ctx, q,
		e.OccurredAt.UTC(), string(e.Type), e.Pool, e.PID,
		nullable(e.Reason), nullable(e.Outcome), nullable(e.Error))
	return err
}

func (s *SQLSink) Close() error { return s.db.Close() }

func nullable(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}
