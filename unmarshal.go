package dbusobj

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/danderson/dbusobj/fragments"
)

// Unmarshal reads a DBus message from data and stores the result in
// the value pointed to by v. If v is nil or not a pointer, Unmarshal
// returns a [TypeError]. All of data must be consumed.
//
// Generally, Unmarshal applies the inverse of the rules used by
// [Marshal]. The layout of the wire message must be compatible with
// the target's DBus signature.
//
// Unmarshal traverses the value v recursively. If an encountered
// value implements [Unmarshaler], Unmarshal calls UnmarshalDBus on it
// to unmarshal itself from the wire.
//
// Otherwise, Unmarshal uses the following type-dependent default
// decodings:
//
// uint{8,16,32,64}, int{16,32,64}, float64, bool and string values
// decode from the corresponding DBus basic types.
//
// Slices decode from DBus arrays. Slices are resized as needed to
// fit the array's contents. Go arrays decode from DBus arrays of the
// same length.
//
// Structs decode from DBus structs, each exported field decoding in
// declaration order.
//
// Maps decode from DBus dictionaries. Nil maps are allocated.
//
// Pointers decode as the value pointed to, allocating a new value as
// needed.
//
// Values of interface type any decode from DBus variants. The Go
// type of the decoded value is the type described by the variant's
// signature: DBus structs decode to anonymous Go structs with fields
// named Field0, Field1, and so on.
func Unmarshal(ctx context.Context, data []byte, ord fragments.ByteOrder, v any) error {
	d := fragments.Decoder{
		Order:  ord,
		Mapper: decoderFor,
		In:     data,
	}
	if err := d.Value(ctx, v); err != nil {
		return err
	}
	if n := d.Remaining(); n > 0 {
		return fmt.Errorf("%d trailing bytes after decoding %T", n, v)
	}
	return nil
}

// DecodeAs decodes data as a value of type sig. If sig describes
// several complete types, the returned value is a struct with one
// field per type.
func DecodeAs(ctx context.Context, data []byte, ord fragments.ByteOrder, sig Signature) (any, error) {
	if sig.IsZero() {
		if len(data) != 0 {
			return nil, fmt.Errorf("%d bytes of data for empty signature", len(data))
		}
		return nil, nil
	}
	ret := reflect.New(sig.Type())
	if err := Unmarshal(ctx, data, ord, ret.Interface()); err != nil {
		return nil, err
	}
	return ret.Elem().Interface(), nil
}

// Unmarshaler is the interface implemented by types that can
// unmarshal themselves.
//
// SignatureDBus and IsDBusStruct are invoked on zero values of the
// Unmarshaler, and must return constant values.
//
// UnmarshalDBus must have a pointer receiver. If Unmarshal encounters
// an Unmarshaler whose UnmarshalDBus method takes a value receiver,
// it will return a [TypeError].
//
// UnmarshalDBus is responsible for consuming padding appropriate to
// the values being decoded, and for consuming input in a way that
// agrees with the values of SignatureDBus and IsDBusStruct.
type Unmarshaler interface {
	SignatureDBus() Signature
	IsDBusStruct() bool
	UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error
}

var unmarshalerType = reflect.TypeFor[Unmarshaler]()

var decoders cache[reflect.Type, fragments.DecoderFunc]

// decoderFor returns the decoder func for the given type, if the type
// is representable in the DBus wire format.
func decoderFor(t reflect.Type) (ret fragments.DecoderFunc, err error) {
	if t == nil {
		return nil, typeErr(t, "cannot decode into nil interface")
	}
	if ret, err := decoders.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return nil, err
	}
	// Note, defer captures the type value in case it gets messed with
	// below.
	defer func(t reflect.Type) {
		if err != nil {
			decoders.SetErr(t, err)
		} else {
			decoders.Set(t, ret)
		}
	}(t)

	// Rejects recursive types before we descend into them below.
	if _, err := signatureFor(t, nil); err != nil {
		return nil, err
	}

	if t.Kind() != reflect.Pointer && t.Implements(unmarshalerType) {
		return nil, typeErr(t, "UnmarshalDBus must have a pointer receiver")
	} else if t.Kind() == reflect.Pointer && t.Elem().Implements(unmarshalerType) && t.Elem().Kind() != reflect.Pointer {
		// *T has T's value receiver method, which would decode into
		// a copy.
		return nil, typeErr(t, "UnmarshalDBus must have a pointer receiver")
	} else if t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(unmarshalerType) {
		return newAddrUnmarshalDecoder(t), nil
	} else if t.Implements(unmarshalerType) {
		return newUnmarshalDecoder(t), nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		return newPtrDecoder(t)
	case reflect.Interface:
		return newVariantDecoder(), nil
	case reflect.Bool:
		return newBoolDecoder(), nil
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return newIntDecoder(t), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return newUintDecoder(t), nil
	case reflect.Float64:
		return newFloatDecoder(), nil
	case reflect.String:
		return newStringDecoder(), nil
	case reflect.Slice:
		return newSliceDecoder(t)
	case reflect.Array:
		return newArrayDecoder(t)
	case reflect.Struct:
		return newStructDecoder(t)
	case reflect.Map:
		return newMapDecoder(t)
	}
	return nil, typeErr(t, "no dbus mapping for type")
}

func newAddrUnmarshalDecoder(t reflect.Type) fragments.DecoderFunc {
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		if !v.CanAddr() {
			return typeErr(t, "cannot decode into unaddressable value")
		}
		return v.Addr().Interface().(Unmarshaler).UnmarshalDBus(ctx, d)
	}
}

func newUnmarshalDecoder(t reflect.Type) fragments.DecoderFunc {
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			v.Set(reflect.New(t.Elem()))
		}
		return v.Interface().(Unmarshaler).UnmarshalDBus(ctx, d)
	}
}

func newPtrDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	elemDec, err := decoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	fn := func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			v.Set(reflect.New(t.Elem()))
		}
		return elemDec(ctx, d, v.Elem())
	}
	return fn, nil
}

// maxVariantDepth bounds the nesting of variants within variants.
const maxVariantDepth = 64

type variantDepthKey struct{}

func newVariantDecoder() fragments.DecoderFunc {
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		depth, _ := ctx.Value(variantDepthKey{}).(int)
		if depth >= maxVariantDepth {
			return fmt.Errorf("variants nested deeper than %d", maxVariantDepth)
		}
		var sig Signature
		if err := sig.UnmarshalDBus(ctx, d); err != nil {
			return err
		}
		if !sig.IsSingle() {
			return fmt.Errorf("variant signature %q is not a single complete type", sig)
		}
		dec, err := decoderFor(sig.Type())
		if err != nil {
			return err
		}
		inner := reflect.New(sig.Type()).Elem()
		ctx = context.WithValue(ctx, variantDepthKey{}, depth+1)
		if err := dec(ctx, d, inner); err != nil {
			return err
		}
		v.Set(inner)
		return nil
	}
}

func newBoolDecoder() fragments.DecoderFunc {
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		u, err := d.Uint32()
		if err != nil {
			return err
		}
		switch u {
		case 0:
			v.SetBool(false)
		case 1:
			v.SetBool(true)
		default:
			return fmt.Errorf("invalid boolean value %d", u)
		}
		return nil
	}
}

func newIntDecoder(t reflect.Type) fragments.DecoderFunc {
	switch t.Size() {
	case 2:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint16()
			if err != nil {
				return err
			}
			v.SetInt(int64(int16(u)))
			return nil
		}
	case 4:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint32()
			if err != nil {
				return err
			}
			v.SetInt(int64(int32(u)))
			return nil
		}
	case 8:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint64()
			if err != nil {
				return err
			}
			v.SetInt(int64(u))
			return nil
		}
	default:
		panic("invalid newIntDecoder type")
	}
}

func newUintDecoder(t reflect.Type) fragments.DecoderFunc {
	switch t.Size() {
	case 1:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint8()
			if err != nil {
				return err
			}
			v.SetUint(uint64(u))
			return nil
		}
	case 2:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint16()
			if err != nil {
				return err
			}
			v.SetUint(uint64(u))
			return nil
		}
	case 4:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint32()
			if err != nil {
				return err
			}
			v.SetUint(uint64(u))
			return nil
		}
	case 8:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint64()
			if err != nil {
				return err
			}
			v.SetUint(u)
			return nil
		}
	default:
		panic("invalid newUintDecoder type")
	}
}

func newFloatDecoder() fragments.DecoderFunc {
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		u, err := d.Uint64()
		if err != nil {
			return err
		}
		v.SetFloat(math.Float64frombits(u))
		return nil
	}
}

func newStringDecoder() fragments.DecoderFunc {
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		s, err := d.String()
		if err != nil {
			return err
		}
		v.SetString(s)
		return nil
	}
}

func newSliceDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	if t.Elem().Kind() == reflect.Uint8 && !reflect.PointerTo(t.Elem()).Implements(unmarshalerType) {
		// Fast path for []byte
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			bs, err := d.Bytes()
			if err != nil {
				return err
			}
			v.SetBytes(bs)
			return nil
		}, nil
	}

	elemDec, err := decoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	isStruct := alignAsStruct(t.Elem())
	fn := func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		v.Set(v.Slice(0, 0))
		_, err := d.Array(isStruct, func(i int) error {
			v.Grow(1)
			v.SetLen(i + 1)
			return elemDec(ctx, d, v.Index(i))
		})
		if err != nil {
			return err
		}
		if v.IsNil() {
			v.Set(reflect.MakeSlice(t, 0, 0))
		}
		return nil
	}
	return fn, nil
}

func newArrayDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	elemDec, err := decoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	isStruct := alignAsStruct(t.Elem())
	fn := func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		n, err := d.Array(isStruct, func(i int) error {
			if i >= t.Len() {
				return fmt.Errorf("array has more than %d elements", t.Len())
			}
			return elemDec(ctx, d, v.Index(i))
		})
		if err != nil {
			return err
		}
		if n != t.Len() {
			return fmt.Errorf("array has %d elements, want %d", n, t.Len())
		}
		return nil
	}
	return fn, nil
}

func newStructDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	type fieldDec struct {
		idx int
		dec fragments.DecoderFunc
	}
	var fields []fieldDec
	for _, f := range structFields(t) {
		dec, err := decoderFor(f.Type)
		if err != nil {
			return nil, err
		}
		fields = append(fields, fieldDec{f.Index[0], dec})
	}

	fn := func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		return d.Struct(func() error {
			for _, f := range fields {
				if err := f.dec(ctx, d, v.Field(f.idx)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return fn, nil
}

func newMapDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	kt := t.Key()
	kDec, err := decoderFor(kt)
	if err != nil {
		return nil, err
	}
	vt := t.Elem()
	vDec, err := decoderFor(vt)
	if err != nil {
		return nil, err
	}

	fn := func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			v.Set(reflect.MakeMap(t))
		}
		_, err := d.Array(true, func(int) error {
			return d.Struct(func() error {
				key := reflect.New(kt).Elem()
				if err := kDec(ctx, d, key); err != nil {
					return err
				}
				val := reflect.New(vt).Elem()
				if err := vDec(ctx, d, val); err != nil {
					return err
				}
				v.SetMapIndex(key, val)
				return nil
			})
		})
		return err
	}
	return fn, nil
}
