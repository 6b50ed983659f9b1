package dbusobj

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// A Method is the implementation of a DBus method on an exported
// interface.
type Method struct {
	// Func implements the method. It must have one of the following
	// type signatures, where Req and Resp determine the method's
	// input and output signatures:
	//
	//	func(context.Context, dbusobj.ObjectPath) error
	//	func(context.Context, dbusobj.ObjectPath) (Resp, error)
	//	func(context.Context, dbusobj.ObjectPath, Req) error
	//	func(context.Context, dbusobj.ObjectPath, Req) (Resp, error)
	//
	// If Req or Resp is a struct, each of its fields is a separate
	// method argument.
	Func any

	// NoReply marks the method as never sending a reply, even if
	// the caller asks for one.
	NoReply bool
	// Deprecated marks the method as deprecated in introspection
	// data.
	Deprecated bool
	// Description is a human-readable description of the method,
	// included in introspection data.
	Description string
	// InArgs and OutArgs optionally name the method's arguments in
	// introspection data. By default, arguments are named after
	// the fields of Req and Resp.
	InArgs, OutArgs []string
}

var (
	contextType    = reflect.TypeFor[context.Context]()
	objectPathType = reflect.TypeFor[ObjectPath]()
	errorType      = reflect.TypeFor[error]()
)

// handler is a method implementation, resolved and validated at
// export time.
type handler struct {
	name string
	fn   reflect.Value

	// req and resp are the Go types of the request and response
	// bodies, or nil if the method takes or returns nothing.
	req, resp reflect.Type
	// in and out are the message body signatures of req and resp.
	in, out Signature

	noReply     bool
	deprecated  bool
	description string
	inArgs      []string
	outArgs     []string
}

const msgInvalidHandlerSignature = "invalid signature %s for method %s, valid signatures are:\n  func(context.Context, dbusobj.ObjectPath, ReqT) (RespT, error)\n  func(context.Context, dbusobj.ObjectPath) (RespT, error)\n  func(context.Context, dbusobj.ObjectPath, ReqT) error\n  func(context.Context, dbusobj.ObjectPath) error"

func newHandler(name string, m Method) (*handler, error) {
	if err := validMemberName(name); err != nil {
		return nil, err
	}
	v := reflect.ValueOf(m.Func)
	if !v.IsValid() {
		return nil, fmt.Errorf("nil function given for method %s", name)
	}
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("non-function %s given for method %s", t, name)
	}
	ni, no := t.NumIn(), t.NumOut()
	if ni < 2 || ni > 3 || no < 1 || no > 2 || t.IsVariadic() {
		return nil, fmt.Errorf(msgInvalidHandlerSignature, t, name)
	}
	if t.In(0) != contextType || t.In(1) != objectPathType || t.Out(no-1) != errorType {
		return nil, fmt.Errorf(msgInvalidHandlerSignature, t, name)
	}

	ret := &handler{
		name:        name,
		fn:          v,
		noReply:     m.NoReply,
		deprecated:  m.Deprecated,
		description: m.Description,
	}
	if ni == 3 {
		ret.req = t.In(2)
		sig, err := bodySignature(ret.req)
		if err != nil {
			return nil, fmt.Errorf("request type of method %s: %w", name, err)
		}
		if _, err := decoderFor(ret.req); err != nil {
			return nil, fmt.Errorf("request type of method %s: %w", name, err)
		}
		ret.in = sig
	}
	if no == 2 {
		ret.resp = t.Out(0)
		sig, err := bodySignature(ret.resp)
		if err != nil {
			return nil, fmt.Errorf("response type of method %s: %w", name, err)
		}
		if _, err := encoderFor(ret.resp); err != nil {
			return nil, fmt.Errorf("response type of method %s: %w", name, err)
		}
		ret.out = sig
	}

	ret.inArgs = argNames(ret.req, ret.in, m.InArgs)
	ret.outArgs = argNames(ret.resp, ret.out, m.OutArgs)
	return ret, nil
}

// argNames returns the introspection names of the arguments of a
// body of type t. Explicit names take precedence, then struct field
// names.
func argNames(t reflect.Type, sig Signature, explicit []string) []string {
	n := len(sig.Parts())
	ret := make([]string, n)
	copy(ret, explicit)
	if t == nil {
		return ret
	}
	t = derefType(t)
	if t.Kind() != reflect.Struct || reflect.PointerTo(t).Implements(signerType) {
		return ret
	}
	for i, f := range structFields(t) {
		if i < n && ret[i] == "" {
			ret[i] = f.Name
		}
	}
	return ret
}

// call invokes the handler with the body of msg.
//
// The caller must have checked that msg's body signature matches
// h.in.
func (h *handler) call(ctx context.Context, path ObjectPath, msg *Message) (resp reflect.Value, err error) {
	args := []reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(path)}
	if h.req != nil {
		req := reflect.New(h.req)
		if err := Unmarshal(ctx, msg.Body, msg.order(), req.Interface()); err != nil {
			return reflect.Value{}, errorf(ErrNameInvalidArgs, "decoding arguments: %v", err)
		}
		args = append(args, req.Elem())
	}

	defer func() {
		if r := recover(); r != nil {
			resp = reflect.Value{}
			err = fmt.Errorf("%w: %s: %v", errHandlerPanic, h.name, r)
		}
	}()
	rets := h.fn.Call(args)

	if errv := rets[len(rets)-1]; !errv.IsNil() {
		return reflect.Value{}, errv.Interface().(error)
	}
	if h.resp == nil {
		return reflect.Value{}, nil
	}
	return rets[0], nil
}

var errHandlerPanic = errors.New("method handler panicked")
