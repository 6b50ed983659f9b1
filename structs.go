package dbusobj

import (
	"cmp"
	"reflect"
)

// structFields returns the fields of struct type t that participate
// in DBus encoding: exported fields in declaration order, excluding
// fields tagged `dbus:"-"`.
func structFields(t reflect.Type) []reflect.StructField {
	var ret []reflect.StructField
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("dbus") == "-" {
			continue
		}
		ret = append(ret, f)
	}
	return ret
}

// alignAsStruct reports whether t aligns like a DBus struct, i.e. to
// 8 byte boundaries.
func alignAsStruct(t reflect.Type) bool {
	t = derefType(t)
	if reflect.PointerTo(t).Implements(marshalerType) || reflect.PointerTo(t).Implements(unmarshalerType) {
		return reflect.New(t).Interface().(interface{ IsDBusStruct() bool }).IsDBusStruct()
	}
	return t.Kind() == reflect.Struct
}

// mapKeyCmp returns a comparison function for map keys of type t, so
// that dictionaries encode deterministically.
func mapKeyCmp(t reflect.Type) func(a, b reflect.Value) int {
	switch t.Kind() {
	case reflect.Bool:
		return func(a, b reflect.Value) int {
			switch {
			case a.Bool() == b.Bool():
				return 0
			case a.Bool():
				return 1
			default:
				return -1
			}
		}
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return func(a, b reflect.Value) int { return cmp.Compare(a.Int(), b.Int()) }
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return func(a, b reflect.Value) int { return cmp.Compare(a.Uint(), b.Uint()) }
	case reflect.Float64:
		return func(a, b reflect.Value) int { return cmp.Compare(a.Float(), b.Float()) }
	case reflect.String:
		return func(a, b reflect.Value) int { return cmp.Compare(a.String(), b.String()) }
	default:
		panic("invalid map key type " + t.String())
	}
}
