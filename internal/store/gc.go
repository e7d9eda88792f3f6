package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	cerrors "github.com/zuoquanxiong/cachew/internal/errors"
)

// ShadowTable is a registered rebuild that has not committed or aborted.
type ShadowTable struct {
	Table     string
	Name      string
	WriterID  string
	StartedAt time.Time
	// Active is true when the writer belongs to this Store and is still open.
	Active bool
}

// DanglingEntry is a metadata row whose data table is missing.
type DanglingEntry struct {
	Name      string
	DataTable string
}

// ReconciliationReport summarizes the consistency of one cache database.
type ReconciliationReport struct {
	// OrphanedTables are data tables referenced by neither the metadata
	// table nor the shadow registry.
	OrphanedTables []string
	// DanglingEntries are metadata rows pointing at missing tables.
	DanglingEntries []DanglingEntry
	// Shadows are rebuilds in progress or left behind by a crashed writer.
	Shadows []ShadowTable
	// TotalTables is the number of data tables present.
	TotalTables int
	RunAt       time.Time
}

// HasIssues returns true if the report contains orphaned tables or dangling entries.
func (r *ReconciliationReport) HasIssues() bool {
	return len(r.OrphanedTables) > 0 || len(r.DanglingEntries) > 0
}

// GCResult reports what CollectGarbage removed.
type GCResult struct {
	DroppedShadows []string
	DroppedOrphans []string
	RemovedEntries []string
	SkippedShadows []string
	Errors         []string
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Reconcile compares data tables against the metadata table and the shadow
// registry without changing anything.
func (s *Store) Reconcile(ctx context.Context) (*ReconciliationReport, error) {
	s.mu.Lock()
	active := make(map[string]bool, len(s.active))
	for t := range s.active {
		active[t] = true
	}
	s.mu.Unlock()

	tx, err := s.readDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, storageErr(cerrors.CodeReadFailed, "failed to begin read transaction", err)
	}
	defer tx.Rollback()
	return reconcile(ctx, tx, active)
}

func reconcile(ctx context.Context, q queryer, active map[string]bool) (*ReconciliationReport, error) {
	report := &ReconciliationReport{RunAt: time.Now()}

	tables, err := dataTables(ctx, q)
	if err != nil {
		return nil, err
	}
	report.TotalTables = len(tables)

	referenced := make(map[string]bool)

	rows, err := q.QueryContext(ctx, "SELECT name, data_table FROM cachew_meta ORDER BY name")
	if err != nil {
		return nil, storageErr(cerrors.CodeReadFailed, "reconciliation: failed to list entries", err)
	}
	for rows.Next() {
		var d DanglingEntry
		if err := rows.Scan(&d.Name, &d.DataTable); err != nil {
			rows.Close()
			return nil, storageErr(cerrors.CodeReadFailed, "reconciliation: failed to scan entry", err)
		}
		referenced[d.DataTable] = true
		if !tables[d.DataTable] {
			report.DanglingEntries = append(report.DanglingEntries, d)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr(cerrors.CodeReadFailed, "reconciliation: failed to list entries", err)
	}

	rows, err = q.QueryContext(ctx,
		"SELECT table_name, name, writer_id, started_at FROM cachew_shadows ORDER BY started_at")
	if err != nil {
		return nil, storageErr(cerrors.CodeReadFailed, "reconciliation: failed to list shadows", err)
	}
	for rows.Next() {
		var sh ShadowTable
		var startedAt int64
		if err := rows.Scan(&sh.Table, &sh.Name, &sh.WriterID, &startedAt); err != nil {
			rows.Close()
			return nil, storageErr(cerrors.CodeReadFailed, "reconciliation: failed to scan shadow", err)
		}
		sh.StartedAt = time.Unix(0, startedAt)
		sh.Active = active[sh.Table]
		referenced[sh.Table] = true
		report.Shadows = append(report.Shadows, sh)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr(cerrors.CodeReadFailed, "reconciliation: failed to list shadows", err)
	}

	for t := range tables {
		if !referenced[t] {
			report.OrphanedTables = append(report.OrphanedTables, t)
		}
	}
	sortByGeneration(report.OrphanedTables)
	return report, nil
}

func dataTables(ctx context.Context, q queryer) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, storageErr(cerrors.CodeReadFailed, "reconciliation: failed to list tables", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageErr(cerrors.CodeReadFailed, "reconciliation: failed to scan table", err)
		}
		if strings.HasPrefix(name, DataTablePrefix) {
			tables[name] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(cerrors.CodeReadFailed, "reconciliation: failed to list tables", err)
	}
	return tables, nil
}

// CollectGarbage removes shadow tables whose rebuild started more than grace
// ago, data tables nothing references and metadata rows whose table is gone.
// Shadows of writers still open on this Store are never removed.
func (s *Store) CollectGarbage(ctx context.Context, grace time.Duration) (*GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr(cerrors.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	report, err := reconcile(ctx, tx, s.active)
	if err != nil {
		return nil, err
	}

	result := &GCResult{}
	cutoff := time.Now().Add(-grace)

	for _, sh := range report.Shadows {
		if sh.Active || sh.StartedAt.After(cutoff) {
			result.SkippedShadows = append(result.SkippedShadows, sh.Table)
			continue
		}
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(sh.Table)); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("drop shadow %s: %v", sh.Table, err))
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM cachew_shadows WHERE table_name = ?", sh.Table); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("release shadow %s: %v", sh.Table, err))
			continue
		}
		result.DroppedShadows = append(result.DroppedShadows, sh.Table)
	}

	for _, t := range report.OrphanedTables {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(t)); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("drop orphan %s: %v", t, err))
			continue
		}
		result.DroppedOrphans = append(result.DroppedOrphans, t)
	}

	for _, d := range report.DanglingEntries {
		if _, err := tx.ExecContext(ctx, "DELETE FROM cachew_meta WHERE name = ?", d.Name); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("remove entry %s: %v", d.Name, err))
			continue
		}
		result.RemovedEntries = append(result.RemovedEntries, d.Name)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr(cerrors.CodeCommitFailed, "failed to commit garbage collection", err)
	}

	if n := len(result.DroppedShadows) + len(result.DroppedOrphans) + len(result.RemovedEntries); n > 0 {
		s.logger.Info("store: collected garbage",
			zap.Int("shadows", len(result.DroppedShadows)),
			zap.Int("orphans", len(result.DroppedOrphans)),
			zap.Int("entries", len(result.RemovedEntries)))
	}
	return result, nil
}
