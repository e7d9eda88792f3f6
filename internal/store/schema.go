package store

import (
	"sort"
	"strings"

	"github.com/zuoquanxiong/cachew/pkg/types"
)

// Every cache database holds one metadata table, one shadow registry and
// any number of data tables named cachew_data_<generation>.

// CreateMetaTableSQL creates the metadata table. A row exists only for a
// committed data table; complete=1 marks it readable.
const CreateMetaTableSQL = `
CREATE TABLE IF NOT EXISTS cachew_meta (
    name TEXT PRIMARY KEY,
    data_table TEXT NOT NULL,
    schema_fingerprint TEXT NOT NULL,
    dependency_fingerprint TEXT NOT NULL,
    complete INTEGER NOT NULL DEFAULT 0,
    row_count INTEGER NOT NULL,
    plan_json TEXT NOT NULL,
    generation TEXT NOT NULL,
    committed_at INTEGER NOT NULL
)`

// CreateShadowsTableSQL creates the shadow registry. A row exists from the
// moment a rebuild allocates its table until the rebuild commits or aborts.
// Rows that outlive their writer are crash leftovers.
const CreateShadowsTableSQL = `
CREATE TABLE IF NOT EXISTS cachew_shadows (
    table_name TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    writer_id TEXT NOT NULL,
    started_at INTEGER NOT NULL
)`

// CreateShadowsIndexSQL supports grace-period scans during garbage collection.
const CreateShadowsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_shadows_started ON cachew_shadows(started_at)`

// AllSchemaSQL returns all SQL statements needed to initialize a cache database.
func AllSchemaSQL() []string {
	return []string{
		CreateMetaTableSQL,
		CreateShadowsTableSQL,
		CreateShadowsIndexSQL,
	}
}

// DataTablePrefix starts the name of every data table.
const DataTablePrefix = "cachew_data_"

// seqColumn orders rows by insertion. The "__" prefix is reserved, so no plan
// column can collide with it.
const seqColumn = "__seq"

func dataTableName(generation types.ULID) string {
	return DataTablePrefix + generation.TableSuffix()
}

// generationOf returns the generation encoded in a data table name.
func generationOf(table string) (types.ULID, bool) {
	suffix, ok := strings.CutPrefix(table, DataTablePrefix)
	if !ok {
		return types.ULID{}, false
	}
	id, err := types.ParseULID(suffix)
	return id, err == nil
}

// sortByGeneration orders tables oldest generation first. Names that carry
// no generation follow, by name.
func sortByGeneration(tables []string) {
	sort.Slice(tables, func(i, j int) bool {
		gi, oki := generationOf(tables[i])
		gj, okj := generationOf(tables[j])
		switch {
		case oki && okj:
			return gi.Compare(gj) < 0
		case oki != okj:
			return oki
		}
		return tables[i] < tables[j]
	})
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func createDataTableSQL(table string, plan types.Plan) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(quoteIdent(table))
	b.WriteString(" (")
	b.WriteString(seqColumn)
	b.WriteString(" INTEGER PRIMARY KEY")
	for _, c := range plan {
		b.WriteString(", ")
		b.WriteString(quoteIdent(c.Path))
		b.WriteByte(' ')
		b.WriteString(c.Type)
	}
	b.WriteByte(')')
	return b.String()
}

func insertSQL(table string, plan types.Plan) string {
	var cols, marks strings.Builder
	cols.WriteString(seqColumn)
	marks.WriteByte('?')
	for _, c := range plan {
		cols.WriteString(", ")
		cols.WriteString(quoteIdent(c.Path))
		marks.WriteString(", ?")
	}
	return "INSERT INTO " + quoteIdent(table) + " (" + cols.String() + ") VALUES (" + marks.String() + ")"
}

func selectSQL(table string, plan types.Plan) string {
	var cols strings.Builder
	cols.WriteString(seqColumn)
	for _, c := range plan {
		cols.WriteString(", ")
		cols.WriteString(quoteIdent(c.Path))
	}
	return "SELECT " + cols.String() + " FROM " + quoteIdent(table) + " ORDER BY " + seqColumn
}
