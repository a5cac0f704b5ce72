package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/infrastructure/logger"
	"github.com/bnema/restora/internal/port"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store keeps one row per job. The flat JSON record is the source of truth;
// the other columns exist for ordering and ad-hoc inspection.
type Store struct {
	db *sql.DB
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return errors.Wrapf(err, "execute %s", p)
				}
			}
			return nil
		})
	})
}

var gooseMu sync.Mutex

// NewStore opens the database at path and brings its schema up to date. A
// file SQLite refuses to read is moved aside and a fresh queue is started, so
// one bad file never keeps the service down.
func NewStore(path string) (*Store, error) {
	registerHook()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.Wrapf(err, "create store directory for %s", path)
	}
	store, err := open(path)
	if err == nil || !isCorrupt(err) {
		return store, err
	}
	quarantine(path, err)
	return open(path)
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// Single connection for SQLite (WAL allows concurrent reads but only one writer)
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	var n int
	if err := db.QueryRowContext(context.Background(), `SELECT count(*) FROM jobs`).Scan(&n); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "read jobs table")
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return errors.Wrap(err, "set goose dialect")
	}
	return errors.Wrap(goose.Up(db, "migrations"), "run migrations")
}

const (
	codeCorrupt = 11 // SQLITE_CORRUPT
	codeNotADB  = 26 // SQLITE_NOTADB
)

func isCorrupt(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case codeCorrupt, codeNotADB:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database disk image is malformed")
}

// quarantine renames the database and its WAL side files to
// <name>.corrupt-<timestamp>.
func quarantine(path string, cause error) {
	suffix := ".corrupt-" + time.Now().UTC().Format("20060102T150405")
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Rename(p, p+suffix); err != nil && !os.IsNotExist(err) {
			logger.Error.Printf("failed to move unreadable store %s aside: %v", p, err)
		}
	}
	logger.Error.Printf("job store %s is unreadable (%v); moved to %s and starting with an empty queue",
		path, cause, path+suffix)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAll upserts every job and deletes rows for jobs no longer in the set,
// in one transaction.
func (s *Store) SaveAll(jobs []*domain.Job) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO jobs (id, seq, status, priority, created_at, finished_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			seq = excluded.seq,
			status = excluded.status,
			priority = excluded.priority,
			created_at = excluded.created_at,
			finished_at = excluded.finished_at,
			body = excluded.body`)
	if err != nil {
		return errors.Wrap(err, "prepare upsert")
	}
	defer func() { _ = upsert.Close() }()

	// The surviving ids go through a temp table; an IN list would run into
	// SQLite's bound-parameter limit on large queues.
	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS keep_ids (id TEXT PRIMARY KEY)`); err != nil {
		return errors.Wrap(err, "create id table")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM keep_ids`); err != nil {
		return errors.Wrap(err, "clear id table")
	}
	keep, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO keep_ids (id) VALUES (?)`)
	if err != nil {
		return errors.Wrap(err, "prepare id insert")
	}
	defer func() { _ = keep.Close() }()

	for _, j := range jobs {
		body, err := json.Marshal(j)
		if err != nil {
			return errors.Wrapf(err, "encode job %s", j.ID)
		}
		var finished sql.NullString
		if j.FinishedAt != nil {
			finished = sql.NullString{String: j.FinishedAt.UTC().Format(time.RFC3339Nano), Valid: true}
		}
		if _, err := upsert.ExecContext(ctx, j.ID, j.Seq, string(j.Status), j.Priority,
			j.CreatedAt.UTC().Format(time.RFC3339Nano), finished, string(body)); err != nil {
			return errors.Wrapf(err, "upsert job %s", j.ID)
		}
		if _, err := keep.ExecContext(ctx, j.ID); err != nil {
			return errors.Wrapf(err, "record job %s", j.ID)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id NOT IN (SELECT id FROM keep_ids)`); err != nil {
		return errors.Wrap(err, "delete removed jobs")
	}

	return errors.Wrap(tx.Commit(), "commit")
}

// LoadAll returns jobs in submission order. Rows whose record no longer
// decodes are skipped.
func (s *Store) LoadAll() ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(context.Background(), `SELECT id, body FROM jobs ORDER BY seq, created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer func() { _ = rows.Close() }()

	var jobs []*domain.Job
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		job := &domain.Job{}
		if err := json.Unmarshal([]byte(body), job); err != nil {
			logger.Warn.Printf("skipping corrupt job row %s: %v", id, err)
			continue
		}
		if job.ID != id {
			logger.Warn.Printf("skipping job row %s: record id %q does not match", id, job.ID)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "iterate jobs")
}

// DB exposes the handle for tests and maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

var _ port.JobStore = (*Store)(nil)
