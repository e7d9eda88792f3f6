// Package types provides the core data model of cachew: record schemas,
// their flat column plans, encoded rows and the fault carrier.
package types

import (
	"reflect"
	"strconv"
)

// NodeType identifies the shape of a schema node.
type NodeType string

const (
	NodePrimitive NodeType = "primitive"
	NodeOptional  NodeType = "optional"
	NodeUnion     NodeType = "union"
	NodeComposite NodeType = "composite"
)

// Kind identifies a primitive leaf.
type Kind string

const (
	KindString   Kind = "string"
	KindInteger  Kind = "integer"
	KindFloat    Kind = "float"
	KindBoolean  Kind = "boolean"
	KindDatetime Kind = "datetime"
	KindDate     Kind = "date"
	// KindJSON holds unstructured containers serialized as one text cell.
	KindJSON Kind = "json"
	// KindBytes holds a byte slice stored as a snappy-compressed blob.
	KindBytes Kind = "bytes"
	// KindFault holds a Fault stored as its canonical JSON form.
	KindFault Kind = "fault"
)

// SQLite storage classes used by column plans.
const (
	StorageText    = "TEXT"
	StorageInteger = "INTEGER"
	StorageReal    = "REAL"
	StorageBlob    = "BLOB"
)

// Reserved column name fragments.
const (
	RootColumn    = "value"
	TagColumn     = "__tag"
	PresentColumn = "__present"
)

// StorageType returns the SQLite storage class used for cells of this kind.
func (k Kind) StorageType() string {
	switch k {
	case KindInteger, KindBoolean:
		return StorageInteger
	case KindFloat:
		return StorageReal
	case KindBytes:
		return StorageBlob
	default:
		return StorageText
	}
}

// Schema is one immutable node of a record type description.
// Exactly one of Kind, Elem, Variants or Fields is meaningful, as selected
// by Node.
type Schema struct {
	Node     NodeType  `json:"node"`
	Kind     Kind      `json:"kind,omitempty"`
	Elem     *Schema   `json:"elem,omitempty"`
	Variants []Variant `json:"variants,omitempty"`
	Fields   []Field   `json:"fields,omitempty"`

	// Present is set on optional nodes whose inner value can itself encode
	// to all-null cells; such nodes carry an extra presence column.
	Present bool `json:"present,omitempty"`

	// GoType is the Go type this node was inferred from. It is nil for
	// hand-built schemas.
	GoType reflect.Type `json:"-"`
}

// Field is a named member of a composite node.
type Field struct {
	Name   string  `json:"name"`
	Schema *Schema `json:"schema"`

	// Index is the position of the Go struct field backing this member.
	Index int `json:"-"`
}

// Variant is one alternative of a union node.
type Variant struct {
	Name   string  `json:"name"`
	Schema *Schema `json:"schema"`

	// Type is the registered Go type of the variant. It may be a pointer
	// type, in which case Schema describes the pointed-to type.
	Type reflect.Type `json:"-"`
}

// Primitive returns a leaf node.
func Primitive(kind Kind) *Schema {
	return &Schema{Node: NodePrimitive, Kind: kind}
}

// Optional wraps inner in an optional node.
func Optional(inner *Schema) *Schema {
	return &Schema{Node: NodeOptional, Elem: inner, Present: CanBeAllNull(inner)}
}

// Union returns a union node over the given variants, in order.
// Repeated variant names are suffixed with "#<index>".
func Union(variants ...Variant) *Schema {
	seen := make(map[string]bool, len(variants))
	out := make([]Variant, len(variants))
	for i, v := range variants {
		if seen[v.Name] {
			v.Name = v.Name + "#" + strconv.Itoa(i)
		}
		seen[v.Name] = true
		out[i] = v
	}
	return &Schema{Node: NodeUnion, Variants: out}
}

// Composite returns a record node with the given fields, in order.
func Composite(fields ...Field) *Schema {
	return &Schema{Node: NodeComposite, Fields: fields}
}

// CanBeAllNull reports whether some value of s encodes to cells that are
// all NULL.
func CanBeAllNull(s *Schema) bool {
	switch s.Node {
	case NodeOptional:
		return true
	case NodeComposite:
		for _, f := range s.Fields {
			if !CanBeAllNull(f.Schema) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Plan derives the column plan of s. The result depends only on s.
func (s *Schema) Plan() Plan {
	var p Plan
	s.appendColumns(&p, "")
	return p
}

func (s *Schema) appendColumns(p *Plan, prefix string) {
	switch s.Node {
	case NodePrimitive:
		path := prefix
		if path == "" {
			path = RootColumn
		}
		*p = append(*p, Column{Path: path, Type: s.Kind.StorageType()})
	case NodeOptional:
		if s.Present {
			*p = append(*p, Column{Path: JoinPath(prefix, PresentColumn), Type: StorageInteger})
		}
		s.Elem.appendColumns(p, prefix)
	case NodeUnion:
		*p = append(*p, Column{Path: JoinPath(prefix, TagColumn), Type: StorageInteger})
		for _, v := range s.Variants {
			v.Schema.appendColumns(p, JoinPath(prefix, v.Name))
		}
	case NodeComposite:
		for _, f := range s.Fields {
			f.Schema.appendColumns(p, JoinPath(prefix, f.Name))
		}
	}
}

// Width returns the number of cells a value of s encodes to.
func (s *Schema) Width() int {
	switch s.Node {
	case NodePrimitive:
		return 1
	case NodeOptional:
		n := s.Elem.Width()
		if s.Present {
			n++
		}
		return n
	case NodeUnion:
		n := 1
		for _, v := range s.Variants {
			n += v.Schema.Width()
		}
		return n
	default:
		n := 0
		for _, f := range s.Fields {
			n += f.Schema.Width()
		}
		return n
	}
}

// JoinPath appends name to a dotted column path.
func JoinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
