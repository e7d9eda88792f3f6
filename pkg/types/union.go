package types

import (
	"fmt"
	"reflect"
	"sync"
)

var unions = struct {
	sync.RWMutex
	variants map[reflect.Type][]reflect.Type
}{variants: make(map[reflect.Type][]reflect.Type)}

// RegisterUnion declares the interface type I as a tagged union over the
// dynamic types of variants, in order. Variants are given as zero values or
// typed nil pointers. The order is both the discriminator numbering and the
// tie-break when a value matches several variants.
//
// A union that should carry faults must use an interface Fault satisfies,
// typically a named empty interface:
//
//	type Reading interface{}
//
//	func init() {
//		types.RegisterUnion[Reading](Measurement{}, types.Fault{})
//	}
//
// Another registered union is listed through a typed nil pointer to its
// interface, (*Other)(nil); its variants are hoisted into I.
//
// Registering I again replaces its variant list.
func RegisterUnion[I any](variants ...any) {
	iface := reflect.TypeFor[I]()
	if iface.Kind() != reflect.Interface {
		panic(fmt.Sprintf("types: RegisterUnion: %s is not an interface type", iface))
	}
	list := make([]reflect.Type, 0, len(variants))
	for i, v := range variants {
		t := reflect.TypeOf(v)
		if t == nil {
			panic(fmt.Sprintf("types: RegisterUnion[%s]: variant %d is an untyped nil", iface, i))
		}
		if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Interface {
			t = t.Elem()
		}
		list = append(list, t)
	}

	unions.Lock()
	unions.variants[iface] = list
	unions.Unlock()
}

// UnionVariants returns the registered variant types of a union interface.
func UnionVariants(iface reflect.Type) ([]reflect.Type, bool) {
	unions.RLock()
	defer unions.RUnlock()
	list, ok := unions.variants[iface]
	if !ok {
		return nil, false
	}
	out := make([]reflect.Type, len(list))
	copy(out, list)
	return out, true
}
