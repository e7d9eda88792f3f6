// Package store keeps cached record streams in SQLite.
//
// Each database file holds the caches of one function and argument bucket.
// A cache is rebuilt into a fresh shadow table that readers never see; a
// single transaction then records the new fingerprint, marks the table
// complete and drops the table it replaces. A rebuild that never finishes
// leaves the previous cache untouched.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	cerrors "github.com/zuoquanxiong/cachew/internal/errors"
	"github.com/zuoquanxiong/cachew/internal/fingerprint"
	"github.com/zuoquanxiong/cachew/pkg/types"
)

// DefaultBatchSize is the number of rows written per shadow transaction.
const DefaultBatchSize = 256

// ErrNotReadable is returned by Read when no complete table exists.
var ErrNotReadable = cerrors.New(cerrors.ErrCategoryStorage, cerrors.CodeNotReadable, "no complete cache table")

// Descriptor identifies one cache inside a database and its row layout.
type Descriptor struct {
	Name string
	Plan types.Plan
}

// Entry describes a committed cache.
type Entry struct {
	Name        string
	DataTable   string
	Fingerprint fingerprint.Fingerprint
	Complete    bool
	RowCount    int64
	Plan        types.Plan
	Generation  string
	GeneratedAt time.Time
	CommittedAt time.Time
}

// Options tune a Store.
type Options struct {
	// BatchSize is the number of rows per shadow write transaction.
	BatchSize int

	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Store is one cache database.
type Store struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	path   string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	ids       *types.ULIDGenerator
	batchSize int
	logger    *zap.Logger

	// active holds the shadow tables of writers opened by this Store.
	active map[string]bool
}

// Open opens or creates the cache database at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	// Write connection: single writer, IMMEDIATE transactions so that
	// concurrent processes queue on the busy timeout instead of failing.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_synchronous=NORMAL")
	if err != nil {
		return nil, storageErr(cerrors.CodeOpenFailed, "failed to open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:        db,
		path:      path,
		ids:       types.NewULIDGenerator(),
		batchSize: opts.BatchSize,
		logger:    opts.Logger.With(zap.String("db", path)),
		active:    make(map[string]bool),
	}

	// Initialize schema (uses write connection)
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, storageErr(cerrors.CodeOpenFailed, "failed to initialize schema", err)
	}

	// Read connection pool: the database is already in WAL mode, so readers
	// only need to be kept from writing.
	readDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_query_only=true")
	if err != nil {
		db.Close()
		return nil, storageErr(cerrors.CodeOpenFailed, "failed to open read database", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	return s, nil
}

func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes both connection pools.
func (s *Store) Close() error {
	rerr := s.readDB.Close()
	werr := s.db.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// FingerprintOf returns the fingerprint of the complete cache called name,
// or nil when there is none. It never touches the data table.
func (s *Store) FingerprintOf(ctx context.Context, name string) (*fingerprint.Fingerprint, error) {
	var fp fingerprint.Fingerprint
	err := s.readDB.QueryRowContext(ctx,
		"SELECT schema_fingerprint, dependency_fingerprint FROM cachew_meta WHERE name = ? AND complete = 1",
		name,
	).Scan(&fp.Schema, &fp.Dependency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr(cerrors.CodeReadFailed, "failed to read fingerprint", err)
	}
	return &fp, nil
}

// Entries lists every cache recorded in the database, ordered by name.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT name, data_table, schema_fingerprint, dependency_fingerprint,
		       complete, row_count, plan_json, generation, committed_at
		FROM cachew_meta ORDER BY name`)
	if err != nil {
		return nil, storageErr(cerrors.CodeReadFailed, "failed to list entries", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var complete int
		var planJSON string
		var committedAt int64
		if err := rows.Scan(&e.Name, &e.DataTable, &e.Fingerprint.Schema, &e.Fingerprint.Dependency,
			&complete, &e.RowCount, &planJSON, &e.Generation, &committedAt); err != nil {
			return nil, storageErr(cerrors.CodeReadFailed, "failed to scan entry", err)
		}
		if err := json.Unmarshal([]byte(planJSON), &e.Plan); err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCategoryDecode, cerrors.CodeCorruptionDetected,
				fmt.Sprintf("unreadable plan for %q", e.Name), err)
		}
		e.Complete = complete == 1
		e.CommittedAt = time.Unix(0, committedAt)
		if id, err := types.ParseULID(e.Generation); err == nil {
			e.GeneratedAt = id.Time()
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(cerrors.CodeReadFailed, "failed to list entries", err)
	}
	return entries, nil
}

// Drop removes the cache called name together with its data table.
// It reports whether a cache existed.
func (s *Store) Drop(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr(cerrors.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var table string
	err = tx.QueryRowContext(ctx, "SELECT data_table FROM cachew_meta WHERE name = ?", name).Scan(&table)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr(cerrors.CodeReadFailed, "failed to look up entry", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM cachew_meta WHERE name = ?", name); err != nil {
		return false, storageErr(cerrors.CodeWriteFailed, "failed to delete entry", err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return false, storageErr(cerrors.CodeWriteFailed, "failed to drop data table", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storageErr(cerrors.CodeCommitFailed, "failed to commit drop", err)
	}

	s.logger.Info("store: dropped cache", zap.String("name", name), zap.String("table", table))
	return true, nil
}

func storageErr(code, message string, cause error) *cerrors.CacheError {
	return cerrors.NewStorageError(code, "store: "+message, cause)
}
