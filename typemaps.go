package dbusobj

import (
	"reflect"

	"github.com/creachadair/mds/mapset"
)

var (
	anyType = reflect.TypeFor[any]()

	// strToType maps the DBus type signature identifier of a type to
	// its reflect.Type.
	strToType = map[byte]reflect.Type{
		'b': reflect.TypeFor[bool](),
		'y': reflect.TypeFor[uint8](),
		'n': reflect.TypeFor[int16](),
		'q': reflect.TypeFor[uint16](),
		'i': reflect.TypeFor[int32](),
		'u': reflect.TypeFor[uint32](),
		'x': reflect.TypeFor[int64](),
		't': reflect.TypeFor[uint64](),
		'd': reflect.TypeFor[float64](),
		's': reflect.TypeFor[string](),
		'v': anyType,
		'g': reflect.TypeFor[Signature](),
		'o': reflect.TypeFor[ObjectPath](),
	}

	// kindToStr maps the reflect.Kinds of the basic types
	// representable by DBus to their signature identifier.
	kindToStr = map[reflect.Kind]byte{
		reflect.Bool:    'b',
		reflect.Uint8:   'y',
		reflect.Int16:   'n',
		reflect.Uint16:  'q',
		reflect.Int32:   'i',
		reflect.Uint32:  'u',
		reflect.Int64:   'x',
		reflect.Uint64:  't',
		reflect.Float64: 'd',
		reflect.String:  's',
	}

	// basicTypes is the set of signature identifiers that DBus
	// considers basic, and are therefore valid dict keys.
	basicTypes = mapset.New[byte]('b', 'y', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'g', 'o')

	// mapKeyKinds is the set of reflect.Kinds that can be in a DBus
	// map key.
	mapKeyKinds = mapset.New(
		reflect.Bool,
		reflect.Uint8,
		reflect.Int16,
		reflect.Uint16,
		reflect.Int32,
		reflect.Uint32,
		reflect.Int64,
		reflect.Uint64,
		reflect.Float64,
		reflect.String,
	)
)
