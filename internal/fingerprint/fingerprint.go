// Package fingerprint identifies "this schema plus this dependency state".
//
// A cached table is valid for a call only when both halves of its stored
// fingerprint equal the ones computed for the call. There is no partial or
// fuzzy matching.
package fingerprint

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spaolacci/murmur3"

	"github.com/zuoquanxiong/cachew/pkg/types"
)

// FormatVersion is bumped whenever the cell layout produced by the codec
// changes, so tables written by an older layout are rebuilt.
const FormatVersion = 1

// Fingerprint is the composite of a schema fingerprint and a caller-supplied
// dependency value.
type Fingerprint struct {
	Schema     string `json:"schema"`
	Dependency string `json:"dependency"`
}

// New builds the fingerprint of s combined with dependency.
func New(s *types.Schema, dependency string) Fingerprint {
	return Fingerprint{Schema: Schema(s), Dependency: dependency}
}

// Equal reports whether both halves match exactly.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Schema == other.Schema && f.Dependency == other.Dependency
}

// String returns the composite as one opaque string.
func (f Fingerprint) String() string {
	return f.Schema + "/" + strconv.Quote(f.Dependency)
}

// Schema returns the fingerprint of the full structure of s.
func Schema(s *types.Schema) string {
	h1, h2 := murmur3.Sum128([]byte(Describe(s)))
	return fmt.Sprintf("v%d:%016x%016x", FormatVersion, h1, h2)
}

// Describe returns the canonical textual description of s that Schema
// hashes. Go type names are not part of it; only structure is. A json leaf
// is described by the shape of the Go value it decodes into, since that
// shape decides what a stored cell means; only types that marshal
// themselves are named.
func Describe(s *types.Schema) string {
	var b strings.Builder
	describe(&b, s)
	return b.String()
}

func describe(b *strings.Builder, s *types.Schema) {
	switch s.Node {
	case types.NodePrimitive:
		b.WriteString(string(s.Kind))
		if s.Kind == types.KindJSON && s.GoType != nil {
			b.WriteByte('<')
			describeJSON(b, s.GoType, make(map[reflect.Type]bool))
			b.WriteByte('>')
		}
	case types.NodeOptional:
		if s.Present {
			b.WriteString("optional!(")
		} else {
			b.WriteString("optional(")
		}
		describe(b, s.Elem)
		b.WriteByte(')')
	case types.NodeUnion:
		b.WriteString("union(")
		for i, v := range s.Variants {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(v.Name))
			b.WriteByte(':')
			describe(b, v.Schema)
		}
		b.WriteByte(')')
	case types.NodeComposite:
		b.WriteString("composite(")
		for i, f := range s.Fields {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(f.Name))
			b.WriteByte(':')
			describe(b, f.Schema)
		}
		b.WriteByte(')')
	default:
		b.WriteString("unknown(" + strconv.Quote(string(s.Node)) + ")")
	}
}

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// describeJSON writes the JSON shape of t: element, key and field types,
// field names as the encoder spells them, and array lengths. Types with
// their own marshalling are opaque and described by name.
func describeJSON(b *strings.Builder, t reflect.Type, visiting map[reflect.Type]bool) {
	if t.Name() != "" && (t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType) ||
		reflect.PointerTo(t).Implements(jsonMarshalerType) || reflect.PointerTo(t).Implements(textMarshalerType)) {
		b.WriteString("named(" + strconv.Quote(t.PkgPath()+"."+t.Name()) + ")")
		return
	}
	if visiting[t] {
		b.WriteString("recursive(" + strconv.Quote(t.PkgPath()+"."+t.Name()) + ")")
		return
	}

	switch t.Kind() {
	case reflect.Pointer:
		b.WriteByte('*')
		describeJSON(b, t.Elem(), visiting)
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b.WriteString("bytes")
			return
		}
		b.WriteString("[]")
		describeJSON(b, t.Elem(), visiting)
	case reflect.Array:
		b.WriteString("[" + strconv.Itoa(t.Len()) + "]")
		describeJSON(b, t.Elem(), visiting)
	case reflect.Map:
		b.WriteString("map[")
		describeJSON(b, t.Key(), visiting)
		b.WriteByte(']')
		describeJSON(b, t.Elem(), visiting)
	case reflect.Interface:
		b.WriteString("any")
	case reflect.Struct:
		visiting[t] = true
		defer delete(visiting, t)
		b.WriteString("struct{")
		first := true
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if !sf.IsExported() && !sf.Anonymous {
				continue
			}
			name := sf.Name
			omit := false
			if tag, ok := sf.Tag.Lookup("json"); ok {
				tagName, opts, _ := strings.Cut(tag, ",")
				if tagName == "-" && opts == "" {
					continue
				}
				if tagName != "" {
					name = tagName
				}
				omit = strings.Contains(opts, "omitempty")
			}
			if !first {
				b.WriteByte(';')
			}
			first = false
			if sf.Anonymous {
				b.WriteString("embed ")
			}
			b.WriteString(strconv.Quote(name))
			if omit {
				b.WriteString(",omitempty")
			}
			b.WriteByte(' ')
			describeJSON(b, sf.Type, visiting)
		}
		b.WriteByte('}')
	default:
		b.WriteString(t.Kind().String())
	}
}

// Dependency returns the default dependency value for a call: the canonical
// JSON of its arguments. Map keys are sorted, so equal arguments always give
// the same string.
func Dependency(args ...any) (string, error) {
	if args == nil {
		args = []any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("fingerprint: failed to canonicalize arguments: %w", err)
	}
	return string(b), nil
}
