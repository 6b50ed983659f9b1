package dbusobj

import "reflect"

// cloneValue returns a deep copy of v, so that containers held by
// the Conn are never shared with callers.
//
// Only the exported fields of structs are copied deeply. Unexported
// fields are copied shallowly.
func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	return deepCopy(reflect.ValueOf(v)).Interface()
}

func deepCopy(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		ret := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			ret.Index(i).Set(deepCopy(v.Index(i)))
		}
		return ret
	case reflect.Array:
		ret := reflect.New(v.Type()).Elem()
		for i := range v.Len() {
			ret.Index(i).Set(deepCopy(v.Index(i)))
		}
		return ret
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		ret := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			ret.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return ret
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		ret := reflect.New(v.Type().Elem())
		ret.Elem().Set(deepCopy(v.Elem()))
		return ret
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		ret := reflect.New(v.Type()).Elem()
		ret.Set(deepCopy(v.Elem()))
		return ret
	case reflect.Struct:
		ret := reflect.New(v.Type()).Elem()
		ret.Set(v)
		for i := range v.NumField() {
			if v.Type().Field(i).IsExported() {
				ret.Field(i).Set(deepCopy(v.Field(i)))
			}
		}
		return ret
	default:
		return v
	}
}
