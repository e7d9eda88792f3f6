package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	json "github.com/goccy/go-json"

	cerrors "github.com/zuoquanxiong/cachew/internal/errors"
	"github.com/zuoquanxiong/cachew/internal/fingerprint"
	"github.com/zuoquanxiong/cachew/pkg/types"
)

// Read streams the rows of the complete cache described by desc in
// insertion order, provided it was committed with fingerprint want. The
// fingerprint check, the metadata lookup and the row scan share one read
// transaction, so a concurrent commit is either fully visible or not at all.
//
// When no complete table exists, or the complete table belongs to another
// fingerprint, the sequence yields a single error wrapping ErrNotReadable.
// A stored plan that differs from desc.Plan is reported as corruption.
func (s *Store) Read(ctx context.Context, desc Descriptor, want fingerprint.Fingerprint) iter.Seq2[types.Row, error] {
	return func(yield func(types.Row, error) bool) {
		tx, err := s.readDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			yield(nil, storageErr(cerrors.CodeReadFailed, "failed to begin read transaction", err))
			return
		}
		defer tx.Rollback()

		var table, planJSON string
		var complete int
		var stored fingerprint.Fingerprint
		err = tx.QueryRowContext(ctx, `
			SELECT data_table, complete, plan_json, schema_fingerprint, dependency_fingerprint
			FROM cachew_meta WHERE name = ?`, desc.Name,
		).Scan(&table, &complete, &planJSON, &stored.Schema, &stored.Dependency)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && complete != 1) {
			yield(nil, fmt.Errorf("store: %q: %w", desc.Name, ErrNotReadable))
			return
		}
		if err != nil {
			yield(nil, storageErr(cerrors.CodeReadFailed, "failed to read metadata", err))
			return
		}
		if !stored.Equal(want) {
			yield(nil, fmt.Errorf("store: %q was committed as %s, want %s: %w",
				desc.Name, stored, want, ErrNotReadable))
			return
		}

		var plan types.Plan
		if err := json.Unmarshal([]byte(planJSON), &plan); err != nil || !plan.Equal(desc.Plan) {
			yield(nil, cerrors.Wrap(cerrors.ErrCategoryDecode, cerrors.CodeCorruptionDetected,
				fmt.Sprintf("store: stored plan for %q does not match", desc.Name), err))
			return
		}

		rows, err := tx.QueryContext(ctx, selectSQL(table, desc.Plan))
		if err != nil {
			yield(nil, storageErr(cerrors.CodeReadFailed, "failed to query data table", err))
			return
		}
		defer rows.Close()

		width := len(desc.Plan)
		var seq int64
		for rows.Next() {
			row := make(types.Row, width)
			dest := make([]any, width+1)
			dest[0] = &seq
			for i := range row {
				dest[i+1] = &row[i]
			}
			if err := rows.Scan(dest...); err != nil {
				yield(nil, storageErr(cerrors.CodeReadFailed, "failed to scan row", err))
				return
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, storageErr(cerrors.CodeReadFailed, "failed to iterate data table", err))
		}
	}
}
