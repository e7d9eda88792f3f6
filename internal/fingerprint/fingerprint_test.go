package fingerprint

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/zuoquanxiong/cachew/pkg/types"
)

func field(name string, s *types.Schema) types.Field {
	return types.Field{Name: name, Schema: s}
}

func variant(name string, s *types.Schema) types.Variant {
	return types.Variant{Name: name, Schema: s}
}

func measurement() *types.Schema {
	return types.Composite(
		field("value", types.Primitive(types.KindFloat)),
		field("at", types.Primitive(types.KindDatetime)),
	)
}

func reading() *types.Schema {
	return types.Union(
		variant("Measurement", measurement()),
		variant("Fault", types.Primitive(types.KindFault)),
	)
}

func TestSchema_Stable(t *testing.T) {
	a := Schema(reading())
	b := Schema(reading())
	if a != b {
		t.Errorf("equal schemas fingerprinted differently: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "v1:") || len(a) != len("v1:")+32 {
		t.Errorf("unexpected fingerprint format %q", a)
	}
}

func TestSchema_Sensitivity(t *testing.T) {
	base := Schema(reading())

	changes := map[string]*types.Schema{
		"field type changed": types.Union(
			variant("Measurement", types.Composite(
				field("value", types.Primitive(types.KindInteger)),
				field("at", types.Primitive(types.KindDatetime)),
			)),
			variant("Fault", types.Primitive(types.KindFault)),
		),
		"field added": types.Union(
			variant("Measurement", types.Composite(
				field("value", types.Primitive(types.KindFloat)),
				field("at", types.Primitive(types.KindDatetime)),
				field("unit", types.Primitive(types.KindString)),
			)),
			variant("Fault", types.Primitive(types.KindFault)),
		),
		"field removed": types.Union(
			variant("Measurement", types.Composite(
				field("value", types.Primitive(types.KindFloat)),
			)),
			variant("Fault", types.Primitive(types.KindFault)),
		),
		"field renamed": types.Union(
			variant("Measurement", types.Composite(
				field("reading", types.Primitive(types.KindFloat)),
				field("at", types.Primitive(types.KindDatetime)),
			)),
			variant("Fault", types.Primitive(types.KindFault)),
		),
		"fields reordered": types.Union(
			variant("Measurement", types.Composite(
				field("at", types.Primitive(types.KindDatetime)),
				field("value", types.Primitive(types.KindFloat)),
			)),
			variant("Fault", types.Primitive(types.KindFault)),
		),
		"variants reordered": types.Union(
			variant("Fault", types.Primitive(types.KindFault)),
			variant("Measurement", measurement()),
		),
		"union widened": types.Union(
			variant("Measurement", measurement()),
			variant("Fault", types.Primitive(types.KindFault)),
			variant("Note", types.Primitive(types.KindString)),
		),
		"field made optional": types.Union(
			variant("Measurement", types.Composite(
				field("value", types.Optional(types.Primitive(types.KindFloat))),
				field("at", types.Primitive(types.KindDatetime)),
			)),
			variant("Fault", types.Primitive(types.KindFault)),
		),
	}

	seen := map[string]string{base: "base"}
	for name, s := range changes {
		fp := Schema(s)
		if other, ok := seen[fp]; ok {
			t.Errorf("%s: fingerprint collides with %s", name, other)
		}
		seen[fp] = name
	}
}

func jsonLeaf(t reflect.Type) *types.Schema {
	s := types.Primitive(types.KindJSON)
	s.GoType = t
	return s
}

type itemV1 struct{ A int }

type itemV2 struct{ A, B int }

type renamedItem struct{ A int }

type treeNode struct {
	Label    string
	Children []treeNode
}

func TestSchema_JSONLeafShape(t *testing.T) {
	leaves := map[string]reflect.Type{
		"slice of one-field struct": reflect.TypeFor[[]itemV1](),
		"slice of two-field struct": reflect.TypeFor[[]itemV2](),
		"array of 2":                reflect.TypeFor[[2]int](),
		"array of 3":                reflect.TypeFor[[3]int](),
		"map of int":                reflect.TypeFor[map[string]int](),
		"map of float":              reflect.TypeFor[map[string]float64](),
		"json tag renamed": reflect.TypeFor[[]struct {
			A int `json:"a"`
		}](),
		"recursive": reflect.TypeFor[[]treeNode](),
		"any":       reflect.TypeFor[any](),
	}

	seen := make(map[string]string)
	for name, typ := range leaves {
		fp := Schema(types.Composite(field("items", jsonLeaf(typ))))
		if other, ok := seen[fp]; ok {
			t.Errorf("%s: fingerprint collides with %s", name, other)
		}
		seen[fp] = name
	}

	// Only the shape counts, not the Go type name.
	a := Schema(types.Composite(field("items", jsonLeaf(reflect.TypeFor[[]itemV1]()))))
	b := Schema(types.Composite(field("items", jsonLeaf(reflect.TypeFor[[]renamedItem]()))))
	if a != b {
		t.Error("json leaves of the same shape should fingerprint equally")
	}
}

func TestFingerprint_DependencyOnlyChangesComposite(t *testing.T) {
	s := reading()
	a := New(s, `["station-1"]`)
	b := New(s, `["station-2"]`)

	if a.Schema != b.Schema {
		t.Error("schema half should not depend on the dependency value")
	}
	if a.Equal(b) {
		t.Error("fingerprints with different dependencies should differ")
	}
	if a.String() == b.String() {
		t.Error("composite strings should differ")
	}
	if !a.Equal(New(reading(), `["station-1"]`)) {
		t.Error("identical schema and dependency should be equal")
	}
}

func TestDependency_Canonical(t *testing.T) {
	a, err := Dependency(map[string]any{"b": 2, "a": 1}, "x", 3)
	if err != nil {
		t.Fatalf("Dependency() error = %v", err)
	}
	b, err := Dependency(map[string]any{"a": 1, "b": 2}, "x", 3)
	if err != nil {
		t.Fatalf("Dependency() error = %v", err)
	}
	if a != b {
		t.Errorf("map order leaked into dependency: %s vs %s", a, b)
	}
	if a != `[{"a":1,"b":2},"x",3]` {
		t.Errorf("unexpected canonical form %s", a)
	}

	empty, err := Dependency()
	if err != nil || empty != "[]" {
		t.Errorf("Dependency() = %q, %v; want []", empty, err)
	}

	if _, err := Dependency(func() {}); err == nil {
		t.Error("expected error for unserializable argument")
	}
}

func TestProperty_FingerprintSensitivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	kinds := []types.Kind{
		types.KindString, types.KindInteger, types.KindFloat, types.KindBoolean,
		types.KindDatetime, types.KindDate, types.KindJSON, types.KindBytes, types.KindFault,
	}

	properties.Property("changing one field kind changes the schema fingerprint", prop.ForAll(
		func(n int, pos int, shift int) bool {
			fields := make([]types.Field, n)
			changed := make([]types.Field, n)
			for i := range fields {
				k := kinds[i%len(kinds)]
				fields[i] = field(string(rune('a'+i)), types.Primitive(k))
				changed[i] = fields[i]
			}
			p := pos % n
			k := kinds[(p%len(kinds)+shift)%len(kinds)]
			changed[p] = field(fields[p].Name, types.Primitive(k))
			return Schema(types.Composite(fields...)) != Schema(types.Composite(changed...))
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 100),
		gen.IntRange(1, len(kinds)-1),
	))

	properties.Property("dependency never affects the schema half", prop.ForAll(
		func(a, b string) bool {
			fa, fb := New(reading(), a), New(reading(), b)
			return fa.Schema == fb.Schema && fa.Equal(fb) == (a == b)
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
