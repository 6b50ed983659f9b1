// Package bindingtest implements the DBus binding conformance test
// interfaces, org.freedesktop.DBus.Binding.*.
//
// A [Server] exports the Tests, SingleTests, TestSignals and
// TestClient interfaces, so that other DBus implementations can
// exercise their type mappings against this one. A [Responder]
// implements the client side of the TestClient callback protocol.
package bindingtest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/danderson/dbusobj"
	"github.com/sirupsen/logrus"
)

// Interface names.
const (
	IfaceTests       = "org.freedesktop.DBus.Binding.Tests"
	IfaceSingleTests = "org.freedesktop.DBus.Binding.SingleTests"
	IfaceTestSignals = "org.freedesktop.DBus.Binding.TestSignals"
	IfaceTestClient  = "org.freedesktop.DBus.Binding.TestClient"
)

// TestStruct is the argument of Tests.DeStruct.
type TestStruct struct {
	A string
	B uint32
	C int16
}

// Triplet is the result of Tests.DeStruct. Unlike TestStruct, its
// fields are returned as separate values.
type Triplet struct {
	A string
	B uint32
	C int16
}

// Response is a call to TestClient.Response, and the body of the
// TestClient.Trigger signal.
type Response struct {
	A uint16
	B float64
}

// Server is an exported set of binding test interfaces.
type Server struct {
	conn *dbusobj.Conn
	path dbusobj.ObjectPath
	log  logrus.FieldLogger

	responses chan Response
	exitOnce  sync.Once
	exit      chan struct{}
}

const identity = "Returns whatever it is passed"

// Export exports the binding test interfaces at path on conn.
func Export(conn *dbusobj.Conn, path dbusobj.ObjectPath, log logrus.FieldLogger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		conn:      conn,
		path:      path,
		log:       log.WithField("path", path),
		responses: make(chan Response, 16),
		exit:      make(chan struct{}),
	}

	tests := map[string]dbusobj.Method{
		"Identity":            {Func: identityFunc[any](), Description: identity},
		"IdentityByte":        {Func: identityFunc[uint8](), Description: identity},
		"IdentityBool":        {Func: identityFunc[bool](), Description: identity},
		"IdentityInt16":       {Func: identityFunc[int16](), Description: identity},
		"IdentityUInt16":      {Func: identityFunc[uint16](), Description: identity},
		"IdentityInt32":       {Func: identityFunc[int32](), Description: identity},
		"IdentityUInt32":      {Func: identityFunc[uint32](), Description: identity},
		"IdentityInt64":       {Func: identityFunc[int64](), Description: identity},
		"IdentityUInt64":      {Func: identityFunc[uint64](), Description: identity},
		"IdentityDouble":      {Func: identityFunc[float64](), Description: identity},
		"IdentityString":      {Func: identityFunc[string](), Description: identity},
		"IdentityArray":       {Func: identityFunc[[]any](), Description: identity},
		"IdentityByteArray":   {Func: identityFunc[[]byte](), Description: identity},
		"IdentityBoolArray":   {Func: identityFunc[[]bool](), Description: identity},
		"IdentityInt16Array":  {Func: identityFunc[[]int16](), Description: identity},
		"IdentityUInt16Array": {Func: identityFunc[[]uint16](), Description: identity},
		"IdentityInt32Array":  {Func: identityFunc[[]int32](), Description: identity},
		"IdentityUInt32Array": {Func: identityFunc[[]uint32](), Description: identity},
		"IdentityInt64Array":  {Func: identityFunc[[]int64](), Description: identity},
		"IdentityUInt64Array": {Func: identityFunc[[]uint64](), Description: identity},
		"IdentityDoubleArray": {Func: identityFunc[[]float64](), Description: identity},
		"IdentityStringArray": {Func: identityFunc[[]string](), Description: identity},
		"Sum": {
			Func:        sum32,
			Description: "Returns the sum of the values in the input list",
		},
		"InvertMapping": {
			Func:        invertMapping,
			Description: "Given a map of A => B, should return a map of B => a list of all the As which mapped to B",
		},
		"DeStruct": {
			Func:        deStruct,
			Description: "This method returns the contents of a struct as separate values",
		},
		"Primitize": {
			Func:        primitize,
			Description: "Given any compound type as a variant, return all the primitive types recursively contained within as an array of variants",
		},
		"Invert": {
			Func:        func(_ context.Context, _ dbusobj.ObjectPath, b bool) (bool, error) { return !b, nil },
			Description: "inverts its input",
		},
		"Trigger": {
			Func:        s.trigger,
			Description: "triggers sending of a signal from the supplied object with the given parameter",
		},
		"Exit": {
			Func:        s.exitMethod,
			Description: "Causes the server to exit",
		},
	}

	exports := []struct {
		iface string
		impl  dbusobj.Implementation
	}{
		{IfaceTests, dbusobj.Implementation{Methods: tests}},
		{IfaceSingleTests, dbusobj.Implementation{
			Methods: map[string]dbusobj.Method{
				"Sum": {
					Func:        sumBytes,
					Description: "Returns the sum of the values in the input list",
				},
			},
		}},
		{IfaceTestSignals, dbusobj.Implementation{
			Signals: map[string]any{"Triggered": uint64(0)},
		}},
		{IfaceTestClient, dbusobj.Implementation{
			Methods: map[string]dbusobj.Method{
				"Response": {
					Func:        s.response,
					Description: "when the trigger signal is received, this method should be called on the sending process/object.",
				},
			},
			Signals: map[string]any{"Trigger": Response{}},
		}},
	}
	for i, e := range exports {
		if err := conn.Export(path, e.iface, e.impl); err != nil {
			for _, prev := range exports[:i] {
				conn.Unexport(path, prev.iface)
			}
			return nil, fmt.Errorf("exporting %s: %w", e.iface, err)
		}
	}
	return s, nil
}

// Path returns the object path of the server.
func (s *Server) Path() dbusobj.ObjectPath { return s.path }

// Done returns a channel that is closed when a peer calls
// Tests.Exit.
func (s *Server) Done() <-chan struct{} { return s.exit }

// Responses returns a channel that receives the arguments of each
// TestClient.Response call made to the server.
func (s *Server) Responses() <-chan Response { return s.responses }

// FireTrigger emits the TestClient.Trigger signal. Conforming clients
// reply by calling TestClient.Response with the same values.
func (s *Server) FireTrigger(ctx context.Context, r Response) error {
	return s.conn.Emit(ctx, s.path, IfaceTestClient, "Trigger", r)
}

// Close unexports the server's interfaces.
func (s *Server) Close() error {
	var errs []error
	for _, iface := range []string{IfaceTests, IfaceSingleTests, IfaceTestSignals, IfaceTestClient} {
		if err := s.conn.Unexport(s.path, iface); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func identityFunc[T any]() func(context.Context, dbusobj.ObjectPath, T) (T, error) {
	return func(_ context.Context, _ dbusobj.ObjectPath, v T) (T, error) {
		return v, nil
	}
}

func sum32(_ context.Context, _ dbusobj.ObjectPath, vs []int32) (int64, error) {
	var ret int64
	for _, v := range vs {
		ret += int64(v)
	}
	return ret, nil
}

func sumBytes(_ context.Context, _ dbusobj.ObjectPath, vs []byte) (uint32, error) {
	var ret uint32
	for _, v := range vs {
		ret += uint32(v)
	}
	return ret, nil
}

func invertMapping(_ context.Context, _ dbusobj.ObjectPath, m map[string]string) (map[string][]string, error) {
	ret := map[string][]string{}
	for k, v := range m {
		ret[v] = append(ret[v], k)
	}
	for _, ks := range ret {
		slices.Sort(ks)
	}
	return ret, nil
}

type deStructReq struct {
	S TestStruct
}

func deStruct(_ context.Context, _ dbusobj.ObjectPath, req deStructReq) (Triplet, error) {
	return Triplet(req.S), nil
}

func primitize(_ context.Context, _ dbusobj.ObjectPath, v any) ([]any, error) {
	var ret []any
	flatten(reflect.ValueOf(v), &ret)
	if ret == nil {
		ret = []any{}
	}
	return ret, nil
}

// flatten appends the primitive values contained in v to out, in
// depth-first order. Map entries are visited in key order.
func flatten(v reflect.Value, out *[]any) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if !v.IsNil() {
			flatten(v.Elem(), out)
		}
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			flatten(v.Index(i), out)
		}
	case reflect.Struct:
		for i := range v.NumField() {
			if v.Type().Field(i).IsExported() {
				flatten(v.Field(i), out)
			}
		}
	case reflect.Map:
		keys := v.MapKeys()
		slices.SortFunc(keys, func(a, b reflect.Value) int {
			return cmp.Compare(fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface()))
		})
		for _, k := range keys {
			flatten(k, out)
			flatten(v.MapIndex(k), out)
		}
	default:
		*out = append(*out, v.Interface())
	}
}

type triggerReq struct {
	Path  string
	Value uint64
}

func (s *Server) trigger(ctx context.Context, _ dbusobj.ObjectPath, req triggerReq) error {
	path := dbusobj.ObjectPath(req.Path)
	if err := path.Valid(); err != nil {
		return &dbusobj.Error{Name: dbusobj.ErrNameInvalidArgs, Detail: err.Error()}
	}
	return s.conn.Emit(ctx, path, IfaceTestSignals, "Triggered", req.Value)
}

func (s *Server) exitMethod(context.Context, dbusobj.ObjectPath) error {
	s.exitOnce.Do(func() {
		s.log.Info("exit requested")
		close(s.exit)
	})
	return nil
}

func (s *Server) response(ctx context.Context, _ dbusobj.ObjectPath, r Response) error {
	select {
	case s.responses <- r:
	default:
		s.log.WithField("response", r).Warn("dropping TestClient response, nobody is reading")
	}
	return nil
}

// Responder answers TestClient.Trigger signals by calling
// TestClient.Response on the signal's sender.
type Responder struct {
	sub  *dbusobj.Subscription
	log  logrus.FieldLogger
	done chan struct{}
}

// Respond starts answering TestClient.Trigger signals received by
// conn.
func Respond(ctx context.Context, conn *dbusobj.Conn, log logrus.FieldLogger) (*Responder, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	sub, err := conn.Subscribe(ctx, dbusobj.MatchSignal(IfaceTestClient, "Trigger"))
	if err != nil {
		return nil, err
	}
	r := &Responder{
		sub:  sub,
		log:  log,
		done: make(chan struct{}),
	}
	go r.run(conn)
	return r, nil
}

func (r *Responder) run(conn *dbusobj.Conn) {
	defer close(r.done)
	ctx := context.Background()
	for sig := range r.sub.Chan() {
		var req Response
		if err := sig.Decode(ctx, &req); err != nil {
			r.log.WithError(err).Warn("malformed TestClient.Trigger signal")
			continue
		}
		iface := conn.Peer(sig.Sender).Object(sig.Path).Interface(IfaceTestClient)
		if err := iface.Call(ctx, "Response", req, nil); err != nil {
			r.log.WithError(err).WithField("path", sig.Path).Warn("calling TestClient.Response")
		}
	}
}

// Close stops answering signals.
func (r *Responder) Close() error {
	err := r.sub.Close()
	<-r.done
	return err
}
