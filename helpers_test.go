package dbusobj

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/danderson/dbusobj/fragments"
	"github.com/danderson/dbusobj/transport"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// Simple is a struct with simple fields.
type Simple struct {
	A int16
	B bool
}

// Nested is a struct with a struct field.
type Nested struct {
	A byte
	B Simple
}

// Embedded is a struct that embeds another struct by value. The
// embedded struct encodes as a nested DBus struct.
type Embedded struct {
	Simple
	C byte
}

// EmbeddedShadow is a struct that embeds another struct by value,
// with one of the embedded fields shadowed by an outer field.
type EmbeddedShadow struct {
	Simple
	B byte
}

// Arrays is a struct with various degrees of complicated arrays
// inside.
type Arrays struct {
	A []string
	B []Simple
	C [][]Nested
}

// Tagged is a struct with fields excluded from encoding.
type Tagged struct {
	A uint32
	B string `dbus:"-"`
	c int
	D bool
}

// Tree is a self-referential struct that can't be represented in the
// DBus wire format.
type Tree struct {
	Left  *Tree
	Right *Tree
}

// NestedSelfMashalerVal is a struct with a field that implements
// Marshaler/Unmarshaler using value method
// receivers. NestedSelfMashalerVal cannot be unmarshaled, because
// UnmarshalDBus must be implemented on a pointer receiver.
type NestedSelfMashalerVal struct {
	A byte
	B SelfMarshalerVal
}

// NestedSelfMarshalerPtr is a struct with a struct field that
// implements Marshaler/Unmarshaler with pointer method
// receivers.
type NestedSelfMarshalerPtr struct {
	A byte
	B SelfMarshalerPtr
}

// NestedSelfMarshalerPtrPtr is a struct with a struct pointer field
// that implements Marshaler/Unmarshaler with pointer method
// receivers.
type NestedSelfMarshalerPtrPtr struct {
	A byte
	B *SelfMarshalerPtr
}

// Embedded_P is a struct that embeds another struct by pointer.
type Embedded_P struct {
	*Simple
	C byte
}

// Embedded_PV is a struct with 2 layers of embedding, first by value
// then by pointers.
type Embedded_PV struct {
	Embedded_P
}

// Embedded_PVP is a struct that fights other structs online. And also
// a struct with 3 layers of embedding, pointer then value then
// pointer.
type Embedded_PVP struct {
	*Embedded_PV
	D byte
}

// SelfMarshalerVal is a struct that implements Marshaler and
// Unmarshaler, with value method receivers. Note the
// Unmarshaler implementation is deliberately unusable
// (UnmarshalDBus must have a pointer receiver).
type SelfMarshalerVal struct {
	B byte
}

func (s SelfMarshalerVal) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.Pad(3)
	e.Write([]byte{0, s.B + 1})
	return nil
}

func (s SelfMarshalerVal) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	if err := d.Pad(3); err != nil {
		return err
	}
	bs, err := d.Read(2)
	if err != nil {
		return err
	}
	if bs[0] != 0 {
		return fmt.Errorf("unexpected non-zero first bytes %x", bs[0])
	}
	s.B = bs[1] - 1
	return nil
}

func (s SelfMarshalerVal) IsDBusStruct() bool { return false }

func (s SelfMarshalerVal) SignatureDBus() Signature {
	return mustSignatureFor[uint16]()
}

// SelfMarshalerPtr is a struct that implements Marshaler and
// Unmarshaler with pointer method receivers.
type SelfMarshalerPtr struct {
	B byte
}

func (s *SelfMarshalerPtr) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.Pad(3)
	e.Write([]byte{0, s.B + 1})
	return nil
}

func (s *SelfMarshalerPtr) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	if err := d.Pad(3); err != nil {
		return err
	}
	bs, err := d.Read(2)
	if err != nil {
		return err
	}
	if bs[0] != 0 {
		return fmt.Errorf("unexpected non-zero first bytes %x", bs[0])
	}
	s.B = bs[1] - 1
	return nil
}

func (s *SelfMarshalerPtr) IsDBusStruct() bool { return false }

func (s *SelfMarshalerPtr) SignatureDBus() Signature {
	return mustSignatureFor[uint16]()
}

func ptr[T any](v T) *T {
	return &v
}

func mustSignatureFor[T any]() Signature {
	sig, err := SignatureFor[T]()
	if err != nil {
		panic(err)
	}
	return sig
}

// WithAny is a struct with a variant field.
type WithAny struct {
	A uint16
	B any
}

// Level is a named integer type, used to check that property values
// keep their Go type across the wire.
type Level uint8

// newPair returns two peer-to-peer Conns connected to each other in
// memory. Log entries from both Conns are collected in the returned
// hook.
func newPair(t *testing.T) (server, client *Conn, hook *logtest.Hook) {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	a, b := transport.Pipe()
	ctx := context.Background()
	server, err := NewConn(ctx, a, &Options{Logger: log, PeerToPeer: true})
	if err != nil {
		t.Fatalf("creating server conn: %v", err)
	}
	client, err = NewConn(ctx, b, &Options{Logger: log, PeerToPeer: true})
	if err != nil {
		server.Close()
		t.Fatalf("creating client conn: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client, hook
}

// remote returns a handle to iface at path, as seen from c's peer.
func remote(c *Conn, path ObjectPath, iface string) Interface {
	return c.Peer("").Object(path).Interface(iface)
}

// recvSignal returns the next signal delivered to s.
func recvSignal(t *testing.T, s *Subscription) *Signal {
	t.Helper()
	select {
	case sig, ok := <-s.Chan():
		if !ok {
			t.Fatalf("subscription %s closed while waiting for signal", s.Rule())
		}
		return sig
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for signal matching %s", s.Rule())
	}
	panic("unreachable")
}

// mustSubscribe subscribes to signals matching rule on c.
func mustSubscribe(t *testing.T, c *Conn, rule MatchRule) *Subscription {
	t.Helper()
	s, err := c.Subscribe(context.Background(), rule)
	if err != nil {
		t.Fatalf("Subscribe(%s) failed: %v", rule, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
