package logsink

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/lib/pq"

	"github.com/strand-protocol/rtkit/pkg/model"
)

// DefaultTable is the table PostgresSink writes to unless overridden.
const DefaultTable = "rtkit_syslog"

// PostgresSink archives syslog entries in PostgreSQL.
type PostgresSink struct {
	db    *sql.DB
	table string
	owned bool
}

// OpenPostgres connects to dsn, verifies the connection and creates the
// table if needed.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := NewPostgresSink(db, table)
	s.owned = true
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSink uses an existing pool. Close does not close db.
func NewPostgresSink(db *sql.DB, table string) *PostgresSink {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresSink{db: db, table: table}
}

func (s *PostgresSink) ident() string { return pq.QuoteIdentifier(s.table) }

func (s *PostgresSink) schemaSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id        BIGSERIAL PRIMARY KEY,
	session   TEXT NOT NULL,
	idx       INTEGER NOT NULL,
	context   TEXT NOT NULL,
	message   TEXT NOT NULL,
	logged_at TIMESTAMPTZ NOT NULL
)`, s.ident())
}

func (s *PostgresSink) insertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (session, idx, context, message, logged_at) VALUES ($1, $2, $3, $4, $5)`, s.ident())
}

func (s *PostgresSink) recentSQL() string {
	return fmt.Sprintf(`SELECT session, idx, context, message, logged_at FROM %s
	 WHERE session = $1 ORDER BY id DESC LIMIT $2`, s.ident())
}

// EnsureSchema creates the syslog table.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.schemaSQL()); err != nil {
		return fmt.Errorf("postgres: create %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, e model.SyslogEntry) error {
	_, err := s.db.ExecContext(ctx, s.insertSQL(), e.Session, e.Index, e.Context, e.Message, e.Time)
	if err != nil {
		return fmt.Errorf("postgres: insert syslog entry: %w", err)
	}
	return nil
}

// Recent returns the newest limit entries for session, oldest first.
func (s *PostgresSink) Recent(ctx context.Context, session string, limit int) ([]model.SyslogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.recentSQL(), session, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query syslog: %w", err)
	}
	defer rows.Close()

	var out []model.SyslogEntry
	for rows.Next() {
		var e model.SyslogEntry
		if err := rows.Scan(&e.Session, &e.Index, &e.Context, &e.Message, &e.Time); err != nil {
			return nil, fmt.Errorf("postgres: scan syslog: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read syslog: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Close closes the pool when OpenPostgres created it.
func (s *PostgresSink) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
