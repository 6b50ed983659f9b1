package dbusobj

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/danderson/dbusobj/fragments"
)

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Call calls method on the interface with the given request body, and
// writes the response into response.
//
// This is a low-level calling API. It is the caller's responsibility
// to match the body and response types to the signature of the method
// being invoked. Body may be nil for methods that accept no
// parameters. Response may be nil for methods that return no values.
func (f Interface) Call(ctx context.Context, method string, body any, response any) error {
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body, response, 0)
}

// OneWay calls method on the interface with the given request body,
// and tells the peer not to send a reply.
//
// OneWay returns after the method call is successfully sent. Since
// the response is suppressed at the bus level, there is no way to
// know whether the call was delivered to anyone, or acted upon.
func (f Interface) OneWay(ctx context.Context, method string, body any) error {
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body, nil, FlagNoReplyExpected)
}

// Call calls method on iface with the given request body, and returns
// the response.
func Call[Resp any, Req any](ctx context.Context, iface Interface, method string, body Req) (Resp, error) {
	var ret Resp
	if err := iface.Call(ctx, method, body, &ret); err != nil {
		var zero Resp
		return zero, err
	}
	return ret, nil
}

// GetProperty reads the value of the given property into val.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface. val may also be of type *any to
// retrieve a property without knowing its type.
func (f Interface) GetProperty(ctx context.Context, name string, val any) error {
	want := reflect.ValueOf(val)
	if !want.IsValid() {
		return errors.New("cannot read property into nil interface")
	}
	if want.Kind() != reflect.Pointer {
		return errors.New("cannot read property into non-pointer")
	}
	if want.IsNil() {
		return errors.New("cannot read property into nil pointer")
	}

	var resp any
	req := struct {
		InterfaceName string
		PropertyName  string
	}{f.name, name}
	err := f.Object().Interface(ifaceProps).Call(ctx, "Get", req, &resp)
	if err != nil {
		return err
	}

	return assignDecoded(want.Elem(), resp)
}

// GetProperty returns the value of the given property.
func GetProperty[T any](ctx context.Context, iface Interface, name string) (T, error) {
	var ret T
	if err := iface.GetProperty(ctx, name, &ret); err != nil {
		var zero T
		return zero, err
	}
	return ret, nil
}

// SetProperty sets the given property to value.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface.
func (f Interface) SetProperty(ctx context.Context, name string, value any) error {
	req := struct {
		InterfaceName string
		PropertyName  string
		Value         any
	}{f.name, name, value}
	return f.Object().Interface(ifaceProps).Call(ctx, "Set", req, nil)
}

// GetAllProperties returns all the properties exported by the
// interface.
func (f Interface) GetAllProperties(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := f.Object().Interface(ifaceProps).Call(ctx, "GetAll", f.name, &resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// assignDecoded stores v, a value decoded from a variant, into dst.
//
// Values decoded from variants have the canonical Go type for their
// signature. If dst has a different type with the same signature, v
// is converted by re-encoding it.
func assignDecoded(dst reflect.Value, v any) error {
	got := reflect.ValueOf(v)
	if dst.Type() == anyType {
		if got.IsValid() {
			dst.Set(got)
		}
		return nil
	}
	if !got.IsValid() {
		return typeErr(dst.Type(), "cannot assign nil value")
	}
	if got.Type().AssignableTo(dst.Type()) {
		dst.Set(got)
		return nil
	}
	conv, err := convertValue(v, dst.Type())
	if err != nil {
		return err
	}
	dst.Set(conv)
	return nil
}

// convertValue converts v to type t, which must have the same DBus
// signature as v, by round-tripping through the wire encoding.
func convertValue(v any, t reflect.Type) (reflect.Value, error) {
	have, err := SignatureOf(v)
	if err != nil {
		return reflect.Value{}, err
	}
	want, err := signatureFor(t, nil)
	if err != nil {
		return reflect.Value{}, err
	}
	if !have.Equal(want) {
		return reflect.Value{}, typeErr(t, "value has signature %q, want %q", have, want)
	}
	ctx := context.Background()
	bs, err := Marshal(ctx, v, fragments.NativeEndian)
	if err != nil {
		return reflect.Value{}, err
	}
	ret := reflect.New(t)
	if err := Unmarshal(ctx, bs, fragments.NativeEndian, ret.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ret.Elem(), nil
}
