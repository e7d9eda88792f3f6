package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	cerrors "github.com/zuoquanxiong/cachew/internal/errors"
	"github.com/zuoquanxiong/cachew/internal/fingerprint"
	"github.com/zuoquanxiong/cachew/pkg/types"
)

type writerState int

const (
	writerOpen writerState = iota
	writerFinished
	writerAborted
)

// Writer fills one shadow table. It is not safe for concurrent use.
type Writer struct {
	store      *Store
	desc       Descriptor
	table      string
	writerID   string
	generation types.ULID
	insertSQL  string

	buf   []types.Row
	rows  int64
	state writerState
}

// BeginRebuild allocates a fresh shadow table for desc. The readable table,
// if any, is left untouched until Finish commits.
func (s *Store) BeginRebuild(ctx context.Context, desc Descriptor) (*Writer, error) {
	generation, err := s.ids.Generate()
	if err != nil {
		return nil, cerrors.NewInternalError("failed to generate table generation", err)
	}
	w := &Writer{
		store:      s,
		desc:       desc,
		table:      dataTableName(generation),
		writerID:   uuid.New().String(),
		generation: generation,
		insertSQL:  insertSQL(dataTableName(generation), desc.Plan),
		buf:        make([]types.Row, 0, s.batchSize),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr(cerrors.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createDataTableSQL(w.table, desc.Plan)); err != nil {
		return nil, storageErr(cerrors.CodeWriteFailed, "failed to create shadow table", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO cachew_shadows (table_name, name, writer_id, started_at) VALUES (?, ?, ?, ?)",
		w.table, desc.Name, w.writerID, time.Now().UnixNano(),
	)
	if err != nil {
		return nil, storageErr(cerrors.CodeWriteFailed, "failed to register shadow table", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr(cerrors.CodeCommitFailed, "failed to commit shadow table", err)
	}

	s.active[w.table] = true
	s.logger.Debug("store: began rebuild",
		zap.String("name", desc.Name), zap.String("table", w.table), zap.String("writer_id", w.writerID))
	return w, nil
}

// Table returns the shadow table name.
func (w *Writer) Table() string { return w.table }

// Rows returns the number of rows appended so far.
func (w *Writer) Rows() int64 { return w.rows + int64(len(w.buf)) }

// Append adds one row. Rows are written in batches; a batch is committed
// to the shadow table only, so readers never see it.
func (w *Writer) Append(ctx context.Context, row types.Row) error {
	if w.state != writerOpen {
		return storageErr(cerrors.CodeHandleClosed, "append on a closed writer", nil)
	}
	if len(row) != len(w.desc.Plan) {
		return cerrors.NewEncodeError(cerrors.CodeNonConforming,
			fmt.Sprintf("store: row has %d cells, plan has %d", len(row), len(w.desc.Plan)))
	}
	w.buf = append(w.buf, row)
	if len(w.buf) >= w.store.batchSize {
		return w.flush(ctx)
	}
	return nil
}

func (w *Writer) flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(cerrors.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, w.insertSQL)
	if err != nil {
		return storageErr(cerrors.CodeWriteFailed, "failed to prepare insert statement", err)
	}
	defer stmt.Close()

	args := make([]any, len(w.desc.Plan)+1)
	for i, row := range w.buf {
		args[0] = w.rows + int64(i) + 1
		copy(args[1:], row)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return storageErr(cerrors.CodeWriteFailed, "failed to insert row", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr(cerrors.CodeCommitFailed, "failed to commit batch", err)
	}

	w.rows += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

// Finish makes the shadow table the readable cache. In one transaction it
// records fp, sets the completion flag, removes the shadow registration and
// drops the table being replaced.
func (w *Writer) Finish(ctx context.Context, fp fingerprint.Fingerprint) error {
	if w.state != writerOpen {
		return storageErr(cerrors.CodeHandleClosed, "finish on a closed writer", nil)
	}
	if err := w.flush(ctx); err != nil {
		return err
	}

	planJSON, err := json.Marshal(w.desc.Plan)
	if err != nil {
		return cerrors.NewInternalError("failed to serialize plan", err)
	}

	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(cerrors.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM cachew_shadows WHERE table_name = ?", w.table)
	if err != nil {
		return storageErr(cerrors.CodeWriteFailed, "failed to release shadow table", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return storageErr(cerrors.CodeWriteFailed,
			fmt.Sprintf("shadow table %s was reclaimed before commit", w.table), nil)
	}

	var previous string
	err = tx.QueryRowContext(ctx, "SELECT data_table FROM cachew_meta WHERE name = ?", w.desc.Name).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storageErr(cerrors.CodeReadFailed, "failed to look up previous table", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cachew_meta (
			name, data_table, schema_fingerprint, dependency_fingerprint,
			complete, row_count, plan_json, generation, committed_at
		) VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			data_table = excluded.data_table,
			schema_fingerprint = excluded.schema_fingerprint,
			dependency_fingerprint = excluded.dependency_fingerprint,
			complete = 1,
			row_count = excluded.row_count,
			plan_json = excluded.plan_json,
			generation = excluded.generation,
			committed_at = excluded.committed_at`,
		w.desc.Name, w.table, fp.Schema, fp.Dependency,
		w.rows, string(planJSON), w.generation.String(), time.Now().UnixNano(),
	)
	if err != nil {
		return storageErr(cerrors.CodeWriteFailed, "failed to record metadata", err)
	}

	if previous != "" && previous != w.table {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(previous)); err != nil {
			return storageErr(cerrors.CodeWriteFailed, "failed to drop previous table", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr(cerrors.CodeCommitFailed, "failed to commit rebuild", err)
	}

	w.state = writerFinished
	delete(s.active, w.table)
	s.logger.Debug("store: committed rebuild",
		zap.String("name", w.desc.Name), zap.String("table", w.table),
		zap.Int64("rows", w.rows), zap.String("replaced", previous))
	return nil
}

// Abort discards the shadow table. It is idempotent and does nothing after
// Finish. Cleanup runs even when ctx is already cancelled.
func (w *Writer) Abort(ctx context.Context) error {
	if w.state != writerOpen {
		return nil
	}
	w.state = writerAborted
	w.buf = nil
	ctx = context.WithoutCancel(ctx)

	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, w.table)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(cerrors.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(w.table)); err != nil {
		return storageErr(cerrors.CodeWriteFailed, "failed to drop shadow table", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cachew_shadows WHERE table_name = ?", w.table); err != nil {
		return storageErr(cerrors.CodeWriteFailed, "failed to release shadow table", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(cerrors.CodeCommitFailed, "failed to commit abort", err)
	}

	s.logger.Debug("store: aborted rebuild",
		zap.String("name", w.desc.Name), zap.String("table", w.table), zap.Int64("rows", w.rows))
	return nil
}
