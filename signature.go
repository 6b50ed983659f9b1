package dbusobj

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/danderson/dbusobj/fragments"
)

const (
	maxSignatureLen = 255
	maxArrayDepth   = 32
	maxStructDepth  = 32
)

// A Signature describes the type of a DBus value.
//
// A Signature may describe a single complete type, or a sequence of
// complete types such as the contents of a message body. In the
// latter case, the Signature's Go type is a struct with one field
// per complete type.
type Signature struct {
	typ reflect.Type
	str string
}

// asMsgBody returns s as used in a message body: a Go struct
// contributes each of its fields as a separate body value. The
// returned Signature's Type is the same as that of a parsed body
// signature.
//
// asMsgBody must only be applied to the signature of a single Go
// type, never to a signature that is already a message body.
func (s Signature) asMsgBody() Signature {
	if s.typ == nil || s.typ.Kind() != reflect.Struct || !strings.HasPrefix(s.str, "(") || !s.IsSingle() {
		return s
	}
	return mustParseSignature(s.str[1 : len(s.str)-1])
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string {
	return s.str
}

// IsZero reports whether the signature is the zero value. A zero
// Signature describes a void value.
func (s Signature) IsZero() bool {
	return s.str == ""
}

// Type returns the reflect.Type the Signature represents.
//
// If [Signature.IsZero] is true, Type returns nil.
func (s Signature) Type() reflect.Type {
	return s.typ
}

// Parts returns the single complete types that make up s.
func (s Signature) Parts() []Signature {
	var ret []Signature
	rest := s.str
	for rest != "" {
		p := newSigParser(rest)
		if _, err := p.one(false); err != nil {
			// s was validated at construction.
			panic(fmt.Sprintf("invalid signature %q in Parts: %v", s.str, err))
		}
		part := rest[:len(rest)-len(p.rest)]
		ret = append(ret, mustParseSignature(part))
		rest = p.rest
	}
	return ret
}

// IsSingle reports whether s is exactly one complete type.
func (s Signature) IsSingle() bool {
	return len(s.Parts()) == 1
}

// Check returns a [TypeError] if the type of v is not s.
func (s Signature) Check(v any) error {
	got, err := SignatureOf(v)
	if err != nil {
		return err
	}
	if got.str != s.str && got.asMsgBody().str != s.str {
		return typeErr(reflect.TypeOf(v), "signature %q does not match expected %q", got.str, s.str)
	}
	return nil
}

func (s Signature) IsDBusStruct() bool { return false }

func (s Signature) SignatureDBus() Signature { return signatureSignature }

func (s Signature) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.Signature(s.str)
	return nil
}

func (s *Signature) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	str, err := d.Signature()
	if err != nil {
		return err
	}
	sig, err := ParseSignature(str)
	if err != nil {
		return err
	}
	*s = sig
	return nil
}

var (
	typeToSignature cache[reflect.Type, Signature]
	strToSignature  cache[string, Signature]

	signatureSignature = mkSignature(reflect.TypeFor[Signature](), "g")
)

func mkSignature(typ reflect.Type, str string) Signature {
	return Signature{typ, str}
}

// ParseSignature parses a DBus type signature string.
func ParseSignature(sig string) (Signature, error) {
	if ret, err := strToSignature.Get(sig); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return Signature{}, err
	}

	ret, err := parseSignature(sig)
	if err != nil {
		err = fmt.Errorf("invalid type signature %q: %w", sig, err)
		strToSignature.SetErr(sig, err)
		return Signature{}, err
	}
	strToSignature.Set(sig, ret)
	return ret, nil
}

func parseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return Signature{}, fmt.Errorf("signature longer than %d bytes", maxSignatureLen)
	}

	var (
		p     = newSigParser(sig)
		parts []reflect.Type
	)
	for p.rest != "" {
		part, err := p.one(false)
		if err != nil {
			return Signature{}, err
		}
		parts = append(parts, part)
	}

	switch len(parts) {
	case 0:
		return Signature{}, nil
	case 1:
		return mkSignature(parts[0], sig), nil
	default:
		return mkSignature(structOf(parts), sig), nil
	}
}

// MustParseSignature is like [ParseSignature], but panics if sig is
// invalid.
func MustParseSignature(sig string) Signature {
	return mustParseSignature(sig)
}

func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

func structOf(fields []reflect.Type) reflect.Type {
	fs := make([]reflect.StructField, len(fields))
	for i, f := range fields {
		fs[i] = reflect.StructField{
			Name: fmt.Sprintf("Field%d", i),
			Type: f,
		}
	}
	return reflect.StructOf(fs)
}

type sigParser struct {
	rest        string
	arrayDepth  int
	structDepth int
}

func newSigParser(sig string) *sigParser {
	return &sigParser{rest: sig}
}

// one consumes the first complete type from the front of p.rest, and
// returns the corresponding reflect.Type.
func (p *sigParser) one(inArray bool) (reflect.Type, error) {
	if p.rest == "" {
		return nil, errors.New("unexpected end of signature")
	}
	c := p.rest[0]
	if ret, ok := strToType[c]; ok {
		p.rest = p.rest[1:]
		return ret, nil
	}

	switch c {
	case 'a':
		p.arrayDepth++
		if p.arrayDepth > maxArrayDepth {
			return nil, fmt.Errorf("arrays nested deeper than %d", maxArrayDepth)
		}
		p.rest = p.rest[1:]
		isDict := p.rest != "" && p.rest[0] == '{'
		elem, err := p.one(true)
		if err != nil {
			return nil, err
		}
		p.arrayDepth--
		if isDict {
			return elem, nil // sub-parser already produced a map
		}
		return reflect.SliceOf(elem), nil
	case '(':
		p.structDepth++
		if p.structDepth > maxStructDepth {
			return nil, fmt.Errorf("structs nested deeper than %d", maxStructDepth)
		}
		p.rest = p.rest[1:]
		var fields []reflect.Type
		for p.rest != "" && p.rest[0] != ')' {
			field, err := p.one(false)
			if err != nil {
				return nil, err
			}
			fields = append(fields, field)
		}
		if p.rest == "" {
			return nil, errors.New("missing closing ) in struct definition")
		}
		if len(fields) == 0 {
			return nil, errors.New("empty struct")
		}
		p.rest = p.rest[1:]
		p.structDepth--
		return structOf(fields), nil
	case '{':
		if !inArray {
			return nil, errors.New("dict entry type found outside array")
		}
		p.rest = p.rest[1:]
		if p.rest == "" || !basicTypes.Has(p.rest[0]) {
			return nil, errors.New("dict entry key must be a basic type")
		}
		key, err := p.one(false)
		if err != nil {
			return nil, err
		}
		val, err := p.one(false)
		if err != nil {
			return nil, err
		}
		if p.rest == "" || p.rest[0] != '}' {
			return nil, errors.New("missing closing } in dict entry definition")
		}
		p.rest = p.rest[1:]
		return reflect.MapOf(key, val), nil
	case ')':
		return nil, errors.New("unexpected ) outside struct")
	case '}':
		return nil, errors.New("unexpected } outside dict entry")
	case 'h':
		return nil, errors.New("unix file descriptors are not supported")
	default:
		return nil, fmt.Errorf("unknown type specifier %q", c)
	}
}

// A signer provides its own DBus signature.
type signer interface {
	SignatureDBus() Signature
}

var signerType = reflect.TypeFor[signer]()

// SignatureFor returns the Signature for the given type.
func SignatureFor[T any]() (Signature, error) {
	return signatureFor(reflect.TypeFor[T](), nil)
}

// SignatureOf returns the Signature of the given value.
func SignatureOf(v any) (Signature, error) {
	return signatureFor(reflect.TypeOf(v), nil)
}

// bodySignature returns the Signature of t when used as a message
// body.
func bodySignature(t reflect.Type) (Signature, error) {
	sig, err := signatureFor(t, nil)
	if err != nil {
		return Signature{}, err
	}
	return sig.asMsgBody(), nil
}

func signatureFor(t reflect.Type, stack []reflect.Type) (sig Signature, err error) {
	if t == nil {
		return Signature{}, typeErr(t, "nil interface")
	}
	if ret, err := typeToSignature.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return Signature{}, err
	}

	if slices.Contains(stack, t) {
		return Signature{}, typeErr(t, "recursive type")
	}
	stack = append(stack, t)

	// Note, defer captures the type value before we mess with it
	// below.
	defer func(t reflect.Type) {
		if err != nil {
			typeToSignature.SetErr(t, err)
		} else {
			typeToSignature.Set(t, sig)
		}
	}(t)

	t = derefType(t)

	if reflect.PointerTo(t).Implements(signerType) {
		return reflect.New(t).Interface().(signer).SignatureDBus(), nil
	}

	if t == anyType {
		return mkSignature(t, "v"), nil
	}

	if c, ok := kindToStr[t.Kind()]; ok {
		return mkSignature(strToType[c], string(c)), nil
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return mkSignature(reflect.SliceOf(es.typ), "a"+es.str), nil
	case reflect.Map:
		k := t.Key()
		if !mapKeyKinds.Has(k.Kind()) {
			return Signature{}, typeErr(t, "map key %s is not a DBus basic type", k)
		}
		ks, err := signatureFor(k, stack)
		if err != nil {
			return Signature{}, err
		}
		vs, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return mkSignature(reflect.MapOf(ks.typ, vs.typ), "a{"+ks.str+vs.str+"}"), nil
	case reflect.Struct:
		fs := structFields(t)
		if len(fs) == 0 {
			return Signature{}, typeErr(t, "struct has no exported fields")
		}
		var s []string
		for _, f := range fs {
			fieldSig, err := signatureFor(f.Type, stack)
			if err != nil {
				return Signature{}, err
			}
			s = append(s, fieldSig.str)
		}
		return mkSignature(t, "("+strings.Join(s, "")+")"), nil
	case reflect.Interface:
		return Signature{}, typeErr(t, "interface types other than any are not supported")
	}

	return Signature{}, typeErr(t, "no mapping available")
}

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// Equal reports whether s and o describe the same DBus type.
func (s Signature) Equal(o Signature) bool {
	return s.str == o.str
}
