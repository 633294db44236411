package obs

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteSink appends request details to a capped SQLite table. The table is
// a ring: once maxRecords is exceeded the oldest rows are deleted, so a
// long-running single-node deployment never grows its detail log unbounded.
type SQLiteSink struct {
	db         *sql.DB
	maxRecords int

	insertStmt *sql.Stmt
	trimStmt   *sql.Stmt
}

// NewSQLiteSink opens (creating if needed) the detail database at path.
// maxRecords <= 0 disables trimming.
func NewSQLiteSink(path string, maxRecords int) (*SQLiteSink, error) {
	if path == "" {
		return nil, fmt.Errorf("obs: sqlite path cannot be empty")
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("obs: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteSink{db: db, maxRecords: maxRecords}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("obs: init schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("obs: prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_details (
		id TEXT PRIMARY KEY,
		machine_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		model TEXT NOT NULL,
		source_format TEXT NOT NULL,
		target_format TEXT NOT NULL,
		status INTEGER NOT NULL,
		streaming INTEGER NOT NULL,
		content_chars INTEGER NOT NULL,
		thinking_chars INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		estimated INTEGER NOT NULL,
		ttft_ms INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_request_details_created
		ON request_details (created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteSink) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO request_details (
			id, machine_id, provider, connection_id, model,
			source_format, target_format, status, streaming,
			content_chars, thinking_chars, input_tokens, output_tokens,
			estimated, ttft_ms, duration_ms, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	s.trimStmt, err = s.db.Prepare(`
		DELETE FROM request_details WHERE id IN (
			SELECT id FROM request_details
			ORDER BY created_at DESC, id DESC
			LIMIT -1 OFFSET ?
		)
	`)
	if err != nil {
		return fmt.Errorf("trim: %w", err)
	}

	return nil
}

// WriteBatch inserts the records in one transaction and trims the ring.
func (s *SQLiteSink) WriteBatch(ctx context.Context, recs []RequestDetail) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("obs: begin: %w", err)
	}
	defer tx.Rollback()

	insert := tx.StmtContext(ctx, s.insertStmt)
	for _, d := range recs {
		if _, err := insert.ExecContext(ctx,
			d.ID, d.MachineID, d.Provider, d.ConnectionID, d.Model,
			d.SourceFormat, d.TargetFormat, d.Status, boolInt(d.Streaming),
			d.ContentChars, d.ThinkingChars, d.InputTokens, d.OutputTokens,
			boolInt(d.Estimated), d.TTFTMs, d.DurationMs, d.Error,
			d.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("obs: insert %s: %w", d.ID, err)
		}
	}
	if s.maxRecords > 0 {
		if _, err := tx.StmtContext(ctx, s.trimStmt).ExecContext(ctx, s.maxRecords); err != nil {
			return fmt.Errorf("obs: trim: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("obs: commit: %w", err)
	}
	return nil
}

// Close checkpoints and closes the database.
func (s *SQLiteSink) Close() error {
	if s.insertStmt != nil {
		s.insertStmt.Close()
	}
	if s.trimStmt != nil {
		s.trimStmt.Close()
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Count reports how many details are retained. Used by tests and the verify
// endpoint's health detail.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_details`).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
