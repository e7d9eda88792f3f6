// Package codec converts records to flat rows of SQLite cells and back,
// following the column plan of their schema.
package codec

import (
	"fmt"
	"reflect"

	cerrors "github.com/zuoquanxiong/cachew/internal/errors"
	"github.com/zuoquanxiong/cachew/pkg/types"
)

// Codec encodes and decodes values of one schema. A Codec is immutable and
// safe for concurrent use.
type Codec struct {
	schema *types.Schema
	plan   types.Plan
	root   *node
}

// node is a compiled schema node. Cells of a node occupy
// row[offset:offset+width] of the enclosing row.
type node struct {
	schema *types.Schema
	goType reflect.Type
	path   string
	width  int

	// children holds the optional's element, the composite's fields or the
	// union's variants; starts holds each child's first cell relative to
	// this node.
	children []*node
	starts   []int

	// variantTypes holds the registered type of each union variant.
	variantTypes []reflect.Type
}

// New compiles a codec for s. Every node of s must carry its Go type, as
// schemas produced by inference do.
func New(s *types.Schema) (*Codec, error) {
	root, err := compile(s, "")
	if err != nil {
		return nil, err
	}
	plan := s.Plan()
	if len(plan) != root.width {
		return nil, cerrors.NewInternalError(
			fmt.Sprintf("codec width %d does not match plan width %d", root.width, len(plan)), nil)
	}
	return &Codec{schema: s, plan: plan, root: root}, nil
}

func compile(s *types.Schema, path string) (*node, error) {
	if s.GoType == nil {
		return nil, cerrors.NewSchemaError(cerrors.CodeUnsupportedType,
			fmt.Sprintf("%s: schema node has no Go type", displayPath(path)))
	}
	n := &node{schema: s, goType: s.GoType, path: path}

	switch s.Node {
	case types.NodePrimitive:
		n.width = 1
	case types.NodeOptional:
		if s.Present {
			n.width = 1
		}
		child, err := compile(s.Elem, path)
		if err != nil {
			return nil, err
		}
		n.children = []*node{child}
		n.starts = []int{n.width}
		n.width += child.width
	case types.NodeUnion:
		n.width = 1
		for _, v := range s.Variants {
			child, err := compile(v.Schema, types.JoinPath(path, v.Name))
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, child)
			n.starts = append(n.starts, n.width)
			n.variantTypes = append(n.variantTypes, v.Type)
			n.width += child.width
		}
	case types.NodeComposite:
		for _, f := range s.Fields {
			child, err := compile(f.Schema, types.JoinPath(path, f.Name))
			if err != nil {
				return nil, err
			}
			n.children = append(n.children, child)
			n.starts = append(n.starts, n.width)
			n.width += child.width
		}
	default:
		return nil, cerrors.NewSchemaError(cerrors.CodeUnsupportedType,
			fmt.Sprintf("%s: unknown node type %q", displayPath(path), s.Node))
	}
	return n, nil
}

// Schema returns the schema the codec was compiled from.
func (c *Codec) Schema() *types.Schema { return c.schema }

// Plan returns the column plan of encoded rows.
func (c *Codec) Plan() types.Plan { return c.plan }

// Width returns the number of cells per row.
func (c *Codec) Width() int { return c.root.width }

// Encode converts v into a row of exactly Width cells in plan order.
func (c *Codec) Encode(v any) (types.Row, error) {
	row := make(types.Row, c.root.width)
	rv := reflect.ValueOf(v)
	if rv.IsValid() && c.root.goType.Kind() != reflect.Interface && rv.Type() != c.root.goType {
		if !rv.Type().ConvertibleTo(c.root.goType) || rv.Kind() != c.root.goType.Kind() {
			return nil, encodeErr(cerrors.CodeNonConforming, c.root.path,
				"value of type %s does not conform to %s", rv.Type(), c.root.goType)
		}
		rv = rv.Convert(c.root.goType)
	}
	if err := c.root.encode(rv, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Decode converts a row produced by Encode back into a value.
func (c *Codec) Decode(row types.Row) (any, error) {
	if len(row) != c.root.width {
		return nil, cerrors.NewDecodeError(cerrors.CodeRowWidth,
			fmt.Sprintf("row has %d cells, plan has %d", len(row), c.root.width))
	}
	rv, err := c.root.decode(row)
	if err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

// DecodeAs decodes row and asserts the result to T.
func DecodeAs[T any](c *Codec, row types.Row) (T, error) {
	var zero T
	v, err := c.Decode(row)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, cerrors.NewDecodeError(cerrors.CodeCellType,
			fmt.Sprintf("decoded %T, want %s", v, reflect.TypeFor[T]()))
	}
	return out, nil
}

func (n *node) encode(rv reflect.Value, cells types.Row) error {
	switch n.schema.Node {
	case types.NodeOptional:
		return n.encodeOptional(rv, cells)
	case types.NodeUnion:
		return n.encodeUnion(rv, cells)
	case types.NodeComposite:
		if !rv.IsValid() {
			return encodeErr(cerrors.CodeNonConforming, n.path, "missing value for %s", n.goType)
		}
		for i, child := range n.children {
			f := n.schema.Fields[i]
			sub := cells[n.starts[i] : n.starts[i]+child.width]
			if err := child.encode(rv.Field(f.Index), sub); err != nil {
				return err
			}
		}
		return nil
	default:
		cell, err := encodeLeaf(n, rv)
		if err != nil {
			return err
		}
		cells[0] = cell
		return nil
	}
}

func (n *node) encodeOptional(rv reflect.Value, cells types.Row) error {
	if !rv.IsValid() || rv.IsNil() {
		if n.schema.Present {
			cells[0] = int64(0)
		}
		return nil
	}
	if n.schema.Present {
		cells[0] = int64(1)
	}
	child := n.children[0]
	return child.encode(rv.Elem(), cells[n.starts[0]:n.starts[0]+child.width])
}

func (n *node) encodeUnion(rv reflect.Value, cells types.Row) error {
	if rv.IsValid() && rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return encodeErr(cerrors.CodeNonConforming, n.path, "nil value for union %s", n.goType)
	}

	idx := -1
	for i, vt := range n.variantTypes {
		if rv.Type() == vt {
			idx = i
			break
		}
	}
	if idx < 0 {
		return encodeErr(cerrors.CodeNonConforming, n.path,
			"%s is not a variant of union %s", rv.Type(), n.goType)
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return encodeErr(cerrors.CodeNonConforming, n.path, "nil %s in union %s", rv.Type(), n.goType)
		}
		rv = rv.Elem()
	}

	cells[0] = int64(idx)
	child := n.children[idx]
	return child.encode(rv, cells[n.starts[idx]:n.starts[idx]+child.width])
}

func (n *node) decode(cells types.Row) (reflect.Value, error) {
	switch n.schema.Node {
	case types.NodeOptional:
		return n.decodeOptional(cells)
	case types.NodeUnion:
		return n.decodeUnion(cells)
	case types.NodeComposite:
		out := reflect.New(n.goType).Elem()
		for i, child := range n.children {
			v, err := child.decode(cells[n.starts[i] : n.starts[i]+child.width])
			if err != nil {
				return reflect.Value{}, err
			}
			out.Field(n.schema.Fields[i].Index).Set(v)
		}
		return out, nil
	default:
		return decodeLeaf(n, cells[0])
	}
}

func (n *node) decodeOptional(cells types.Row) (reflect.Value, error) {
	child := n.children[0]
	inner := cells[n.starts[0] : n.starts[0]+child.width]

	present := !allNull(inner)
	if n.schema.Present {
		flag, ok := cells[0].(int64)
		if !ok || (flag != 0 && flag != 1) {
			return reflect.Value{}, decodeErr(cerrors.CodeCorruptionDetected,
				types.JoinPath(n.path, types.PresentColumn), "invalid presence marker %v", cells[0])
		}
		if flag == 0 && present {
			return reflect.Value{}, decodeErr(cerrors.CodeCorruptionDetected, n.path,
				"absent value has non-null cells")
		}
		present = flag == 1
	}
	if !present {
		return reflect.Zero(n.goType), nil
	}

	v, err := child.decode(inner)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(n.goType.Elem())
	ptr.Elem().Set(v)
	return ptr, nil
}

func (n *node) decodeUnion(cells types.Row) (reflect.Value, error) {
	tagPath := types.JoinPath(n.path, types.TagColumn)
	if cells[0] == nil {
		return reflect.Value{}, decodeErr(cerrors.CodeBadDiscriminator, tagPath, "missing discriminator")
	}
	tag, ok := cells[0].(int64)
	if !ok {
		return reflect.Value{}, decodeErr(cerrors.CodeCellType, tagPath, "discriminator is %T", cells[0])
	}
	if tag < 0 || tag >= int64(len(n.children)) {
		return reflect.Value{}, decodeErr(cerrors.CodeBadDiscriminator, tagPath,
			"discriminator %d out of range [0,%d)", tag, len(n.children))
	}

	for i, child := range n.children {
		if int64(i) == tag {
			continue
		}
		if !allNull(cells[n.starts[i] : n.starts[i]+child.width]) {
			return reflect.Value{}, decodeErr(cerrors.CodeCorruptionDetected, tagPath,
				"discriminator selects %s but %s has values", n.children[tag].path, child.path)
		}
	}

	child := n.children[tag]
	v, err := child.decode(cells[n.starts[tag] : n.starts[tag]+child.width])
	if err != nil {
		return reflect.Value{}, err
	}
	if n.variantTypes[tag].Kind() == reflect.Pointer {
		ptr := reflect.New(v.Type())
		ptr.Elem().Set(v)
		v = ptr
	}

	out := reflect.New(n.goType).Elem()
	out.Set(v)
	return out, nil
}

func allNull(cells types.Row) bool {
	for _, c := range cells {
		if c != nil {
			return false
		}
	}
	return true
}

func encodeErr(code, path, format string, args ...any) *cerrors.CacheError {
	return cerrors.NewEncodeError(code, displayPath(path)+": "+fmt.Sprintf(format, args...))
}

func decodeErr(code, path, format string, args ...any) *cerrors.CacheError {
	return cerrors.NewDecodeError(code, displayPath(path)+": "+fmt.Sprintf(format, args...))
}

func displayPath(path string) string {
	if path == "" {
		return types.RootColumn
	}
	return path
}
