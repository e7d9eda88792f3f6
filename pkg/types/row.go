package types

// Column is one physical column of a plan.
type Column struct {
	// Path is the dotted name of the leaf, e.g. "reading.__tag"
	Path string `json:"path"`

	// Type is the SQLite type: TEXT, INTEGER, BLOB, REAL
	Type string `json:"type"`
}

// Plan is the ordered physical layout of an encoded row.
type Plan []Column

// Paths returns the column paths in plan order.
func (p Plan) Paths() []string {
	paths := make([]string, len(p))
	for i, c := range p {
		paths[i] = c.Path
	}
	return paths
}

// Equal reports whether two plans have the same columns in the same order.
func (p Plan) Equal(other Plan) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Row is one encoded record. Each cell is a string, int64, float64, []byte
// or nil, in plan order.
type Row []any
