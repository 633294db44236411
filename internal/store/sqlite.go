package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteCheckpointInterval = 5 * time.Minute

// SQLite is a Machines backend on a single SQLite file. WAL mode with a
// busy timeout; the connection pool is pinned to one connection because
// SQLite supports a single writer.
type SQLite struct {
	db        *sql.DB
	mu        sync.Mutex // serialises Mutate read-modify-write cycles
	done      chan struct{}
	closeOnce sync.Once

	getStmt  *sql.Stmt
	putStmt  *sql.Stmt
	listStmt *sql.Stmt
}

// NewSQLite opens (creating if needed) the machine database at path.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("store: sqlite path cannot be empty")
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db, done: make(chan struct{})}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	go s.checkpointLoop()

	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS machines (
		id TEXT PRIMARY KEY,
		doc BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) prepareStatements() error {
	var err error

	s.getStmt, err = s.db.Prepare(`SELECT doc FROM machines WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}

	s.putStmt, err = s.db.Prepare(`
		INSERT INTO machines (id, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}

	s.listStmt, err = s.db.Prepare(`SELECT doc FROM machines`)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	return nil
}

// Get returns the machine document, or ErrNotFound.
func (s *SQLite) Get(ctx context.Context, id string) (*MachineData, error) {
	var doc []byte
	err := s.getStmt.QueryRowContext(ctx, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	return decodeMachine(doc)
}

// Put writes the full document, replacing any previous version.
func (s *SQLite) Put(ctx context.Context, m *MachineData) error {
	m.UpdatedAt = time.Now().UTC()
	doc, err := encodeMachine(m)
	if err != nil {
		return err
	}
	if _, err := s.putStmt.ExecContext(ctx, m.ID, doc, m.UpdatedAt.Unix()); err != nil {
		return fmt.Errorf("store: put %s: %w", m.ID, err)
	}
	return nil
}

// Mutate reads the document, applies fn and writes the result back under the
// backend's writer mutex.
func (s *SQLite) Mutate(ctx context.Context, id string, fn func(*MachineData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	return s.Put(ctx, m)
}

// FindKey scans all machines for an active API key equal to rawKey.
func (s *SQLite) FindKey(ctx context.Context, rawKey string) (*MachineData, *APIKey, error) {
	rows, err := s.listStmt.QueryContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("store: list machines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, nil, fmt.Errorf("store: scan row: %w", err)
		}
		m, err := decodeMachine(doc)
		if err != nil {
			return nil, nil, err
		}
		if k := m.KeyByValue(rawKey); k != nil {
			return m, k, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: iterate rows: %w", err)
	}
	return nil, nil, ErrKeyNotFound
}

// Close stops the checkpoint loop and closes the database.
// Idempotent.
func (s *SQLite) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.getStmt != nil {
			s.getStmt.Close()
		}
		if s.putStmt != nil {
			s.putStmt.Close()
		}
		if s.listStmt != nil {
			s.listStmt.Close()
		}
		if s.db != nil {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})
	return closeErr
}

// checkpointLoop runs periodic passive WAL checkpoints so the log does not
// grow unbounded between restarts.
func (s *SQLite) checkpointLoop() {
	ticker := time.NewTicker(sqliteCheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}
