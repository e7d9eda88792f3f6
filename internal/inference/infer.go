// Package inference derives record schemas from Go types.
//
// Scalars map to primitive leaves, pointers to optional nodes, structs to
// composite nodes and registered union interfaces to union nodes. Maps,
// slices, arrays and empty interfaces become opaque json leaves. Results are
// cached per type for the lifetime of the process.
package inference

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rickb777/date/v2"
	"golang.org/x/sync/singleflight"

	cerrors "github.com/zuoquanxiong/cachew/internal/errors"
	"github.com/zuoquanxiong/cachew/pkg/types"
)

// TagName is the struct tag used to rename or skip fields.
const TagName = "cachew"

var (
	timeType  = reflect.TypeFor[time.Time]()
	dateType  = reflect.TypeFor[date.Date]()
	faultType = reflect.TypeFor[types.Fault]()
)

// Inferrer infers and caches schemas.
type Inferrer struct {
	mu    sync.RWMutex
	cache map[reflect.Type]*types.Schema
	group singleflight.Group
}

// NewInferrer creates an Inferrer with an empty cache.
func NewInferrer() *Inferrer {
	return &Inferrer{cache: make(map[reflect.Type]*types.Schema)}
}

var defaultInferrer = NewInferrer()

// Infer returns the schema of t using the process-wide cache.
func Infer(t reflect.Type) (*types.Schema, error) {
	return defaultInferrer.Infer(t)
}

// InferFor returns the schema of T using the process-wide cache.
func InferFor[T any]() (*types.Schema, error) {
	return defaultInferrer.Infer(reflect.TypeFor[T]())
}

// Infer returns the schema of t, computing it at most once per type.
// Failures are not cached.
func (in *Inferrer) Infer(t reflect.Type) (*types.Schema, error) {
	if t == nil {
		return nil, cerrors.NewSchemaError(cerrors.CodeUnsupportedType, "cannot infer a schema for a nil type")
	}

	in.mu.RLock()
	s, ok := in.cache[t]
	in.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := in.group.Do(t.PkgPath()+"|"+t.String(), func() (interface{}, error) {
		return in.compute(t)
	})
	if err != nil {
		return nil, err
	}
	s = v.(*types.Schema)
	if s.GoType != t {
		// Two distinct types share a flight key; infer this one directly.
		return in.compute(t)
	}
	return s, nil
}

func (in *Inferrer) compute(t reflect.Type) (*types.Schema, error) {
	in.mu.RLock()
	s, ok := in.cache[t]
	in.mu.RUnlock()
	if ok {
		return s, nil
	}

	w := &walker{visiting: make(map[reflect.Type]bool)}
	s, err := w.infer(t, "")
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	in.cache[t] = s
	in.mu.Unlock()
	return s, nil
}

type walker struct {
	visiting map[reflect.Type]bool
}

func (w *walker) infer(t reflect.Type, path string) (*types.Schema, error) {
	switch t {
	case timeType:
		return leaf(types.KindDatetime, t), nil
	case dateType:
		return leaf(types.KindDate, t), nil
	case faultType:
		return leaf(types.KindFault, t), nil
	}

	if t.Kind() == reflect.Interface {
		if variants, ok := types.UnionVariants(t); ok {
			return w.union(t, variants, path)
		}
	}

	switch t.Kind() {
	case reflect.Bool:
		return leaf(types.KindBoolean, t), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return leaf(types.KindInteger, t), nil
	case reflect.Float32, reflect.Float64:
		return leaf(types.KindFloat, t), nil
	case reflect.String:
		return leaf(types.KindString, t), nil

	case reflect.Pointer:
		if w.visiting[t.Elem()] {
			return nil, schemaErr(cerrors.CodeRecursiveType, path, "%s refers back to itself", t.Elem())
		}
		inner, err := w.infer(t.Elem(), path)
		if err != nil {
			return nil, err
		}
		s := types.Optional(inner)
		s.GoType = t
		return s, nil

	case reflect.Struct:
		return w.composite(t, path)

	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return leaf(types.KindBytes, t), nil
		}
		return leaf(types.KindJSON, t), nil
	case reflect.Array:
		return leaf(types.KindJSON, t), nil
	case reflect.Map:
		switch t.Key().Kind() {
		case reflect.String,
			reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return leaf(types.KindJSON, t), nil
		}
		return nil, schemaErr(cerrors.CodeUnsupportedType, path, "map key type %s cannot be stored", t.Key())
	case reflect.Interface:
		if t.NumMethod() == 0 {
			return leaf(types.KindJSON, t), nil
		}
		return nil, schemaErr(cerrors.CodeUnsupportedType, path,
			"interface %s is not a registered union", t)
	}

	return nil, schemaErr(cerrors.CodeUnsupportedType, path, "type %s (%s) cannot be stored", t, t.Kind())
}

func (w *walker) composite(t reflect.Type, path string) (*types.Schema, error) {
	if w.visiting[t] {
		return nil, schemaErr(cerrors.CodeRecursiveType, path, "%s refers back to itself", t)
	}
	w.visiting[t] = true
	defer delete(w.visiting, t)

	fields := make([]types.Field, 0, t.NumField())
	seen := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup(TagName); ok {
			tag, _, _ = strings.Cut(tag, ",")
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		fieldPath := types.JoinPath(path, name)
		if err := checkName(name, fieldPath); err != nil {
			return nil, err
		}
		// SQLite column names are case-insensitive.
		key := strings.ToLower(name)
		if seen[key] {
			return nil, schemaErr(cerrors.CodeInvalidName, fieldPath, "duplicate field name %q in %s", name, t)
		}
		seen[key] = true

		fs, err := w.infer(sf.Type, fieldPath)
		if err != nil {
			return nil, err
		}
		fields = append(fields, types.Field{Name: name, Schema: fs, Index: i})
	}

	s := types.Composite(fields...)
	s.GoType = t
	return s, nil
}

func (w *walker) union(iface reflect.Type, registered []reflect.Type, path string) (*types.Schema, error) {
	if w.visiting[iface] {
		return nil, schemaErr(cerrors.CodeRecursiveType, path, "union %s refers back to itself", iface)
	}
	w.visiting[iface] = true
	defer delete(w.visiting, iface)

	flat, err := hoist(iface, registered, map[reflect.Type]bool{iface: true}, path)
	if err != nil {
		return nil, err
	}
	if len(flat) == 0 {
		return nil, schemaErr(cerrors.CodeInvalidUnion, path, "union %s has no variants", iface)
	}

	variants := make([]types.Variant, 0, len(flat))
	names := make(map[string]bool, len(flat))
	for i, vt := range flat {
		if !vt.Implements(iface) {
			return nil, schemaErr(cerrors.CodeInvalidUnion, path, "variant %s does not implement %s", vt, iface)
		}
		name := variantName(vt)
		if err := checkName(name, types.JoinPath(path, name)); err != nil {
			return nil, err
		}
		if names[strings.ToLower(name)] {
			name = fmt.Sprintf("%s#%d", name, i)
		}
		names[strings.ToLower(name)] = true

		elem := vt
		if vt.Kind() == reflect.Pointer {
			elem = vt.Elem()
			if w.visiting[elem] {
				return nil, schemaErr(cerrors.CodeRecursiveType, path, "variant %s refers back to itself", vt)
			}
		}
		vs, err := w.infer(elem, types.JoinPath(path, name))
		if err != nil {
			return nil, err
		}
		variants = append(variants, types.Variant{Name: name, Schema: vs, Type: vt})
	}

	s := types.Union(variants...)
	s.GoType = iface
	return s, nil
}

// hoist flattens registered unions nested among variants into the parent
// list, keeping the first position of any repeated type.
func hoist(iface reflect.Type, variants []reflect.Type, seen map[reflect.Type]bool, path string) ([]reflect.Type, error) {
	var out []reflect.Type
	present := make(map[reflect.Type]bool)
	for _, vt := range variants {
		if vt.Kind() == reflect.Interface {
			nested, ok := types.UnionVariants(vt)
			if !ok {
				return nil, schemaErr(cerrors.CodeInvalidUnion, path,
					"variant %s of %s is an interface but not a registered union", vt, iface)
			}
			if seen[vt] {
				return nil, schemaErr(cerrors.CodeRecursiveType, path, "union %s contains itself", vt)
			}
			seen[vt] = true
			inner, err := hoist(iface, nested, seen, path)
			delete(seen, vt)
			if err != nil {
				return nil, err
			}
			for _, it := range inner {
				if !present[it] {
					present[it] = true
					out = append(out, it)
				}
			}
			continue
		}
		if !present[vt] {
			present[vt] = true
			out = append(out, vt)
		}
	}
	return out, nil
}

func variantName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.Kind().String()
}

func checkName(name, path string) error {
	switch {
	case name == "":
		return schemaErr(cerrors.CodeInvalidName, path, "empty column name")
	case strings.HasPrefix(name, "__"):
		return schemaErr(cerrors.CodeInvalidName, path, "name %q is reserved", name)
	case strings.ContainsAny(name, ".#\""):
		return schemaErr(cerrors.CodeInvalidName, path, "name %q contains a reserved character", name)
	}
	return nil
}

func leaf(kind types.Kind, t reflect.Type) *types.Schema {
	s := types.Primitive(kind)
	s.GoType = t
	return s
}

func schemaErr(code, path, format string, args ...any) *cerrors.CacheError {
	msg := fmt.Sprintf(format, args...)
	if path != "" {
		msg = path + ": " + msg
	}
	return cerrors.NewSchemaError(code, msg)
}
