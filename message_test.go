package dbusobj

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/danderson/dbusobj/fragments"
	godbus "github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
)

var orderComparer = cmp.Comparer(func(a, b fragments.ByteOrder) bool { return a == b })

func mustBody(t *testing.T, m *Message, body any) *Message {
	t.Helper()
	if err := m.SetBody(context.Background(), body); err != nil {
		t.Fatalf("SetBody(%T) got err: %v", body, err)
	}
	return m
}

func TestMessageRoundTrip(t *testing.T) {
	call := func(order fragments.ByteOrder) *Message {
		m := NewMethodCall("org.test.Dest", "/org/test", "org.test.Iface", "Method")
		m.Order = order
		m.Serial = 42
		m.Sender = ":1.7"
		m.Flags = FlagNoAutoStart
		return m
	}
	type body struct {
		A string
		B []uint32
		C map[string]any
	}

	tests := []struct {
		name string
		msg  func(*testing.T) *Message
	}{
		{"call LE", func(t *testing.T) *Message {
			return mustBody(t, call(fragments.LittleEndian), body{"foo", []uint32{1, 2}, map[string]any{"x": int16(-1)}})
		}},
		{"call BE", func(t *testing.T) *Message {
			return mustBody(t, call(fragments.BigEndian), body{"foo", []uint32{1, 2}, map[string]any{"x": int16(-1)}})
		}},
		{"call no body", func(t *testing.T) *Message {
			return call(fragments.LittleEndian)
		}},
		{"signal", func(t *testing.T) *Message {
			m := NewSignal("/org/test", "org.test.Iface", "Changed")
			m.Serial = 1
			return mustBody(t, m, ObjectPath("/a/b"))
		}},
		{"return", func(t *testing.T) *Message {
			m := call(fragments.LittleEndian).NewReturn()
			m.Serial = 9
			return mustBody(t, m, uint64(1<<40))
		}},
		{"error", func(t *testing.T) *Message {
			m, err := call(fragments.BigEndian).NewError(context.Background(), errorf(ErrNameInvalidArgs, "nope"))
			if err != nil {
				t.Fatalf("NewError got err: %v", err)
			}
			m.Serial = 10
			return m
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			want := tc.msg(t)
			bs, err := want.Encode()
			if err != nil {
				t.Fatalf("Encode got err: %v", err)
			}
			got, err := DecodeMessage(bs)
			if err != nil {
				t.Fatalf("DecodeMessage got err: %v", err)
			}
			if diff := cmp.Diff(got, want, orderComparer); diff != "" {
				t.Errorf("DecodeMessage wrong result (-got+want):\n%s", diff)
			}

			// Same thing, but through the stream framing.
			got, err = ReadMessage(bytes.NewReader(append(bs, bs...)))
			if err != nil {
				t.Fatalf("ReadMessage got err: %v", err)
			}
			if diff := cmp.Diff(got, want, orderComparer); diff != "" {
				t.Errorf("ReadMessage wrong result (-got+want):\n%s", diff)
			}
		})
	}
}

func TestMessageErrorDetail(t *testing.T) {
	call := NewMethodCall("org.test", "/", "", "Method")
	call.Serial = 4
	m, err := call.NewError(context.Background(), errorf(ErrNameUnknownMethod, "no method %q", "Method"))
	if err != nil {
		t.Fatalf("NewError got err: %v", err)
	}
	got := m.asError()
	if !errors.Is(got, ErrUnknownMethod) {
		t.Errorf("asError() = %v, want UnknownMethod", got)
	}
	if want := `no method "Method"`; got.Detail != want {
		t.Errorf("asError().Detail = %q, want %q", got.Detail, want)
	}
	if m.ReplySerial != 4 {
		t.Errorf("ReplySerial = %d, want 4", m.ReplySerial)
	}
}

func TestMessageValid(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"zero serial", Message{Type: TypeMethodCall, Path: "/", Member: "Foo"}},
		{"zero type", Message{Serial: 1}},
		{"call without path", Message{Type: TypeMethodCall, Serial: 1, Member: "Foo"}},
		{"call bad path", Message{Type: TypeMethodCall, Serial: 1, Path: "foo", Member: "Foo"}},
		{"call without member", Message{Type: TypeMethodCall, Serial: 1, Path: "/"}},
		{"call bad member", Message{Type: TypeMethodCall, Serial: 1, Path: "/", Member: "a.b"}},
		{"signal without interface", Message{Type: TypeSignal, Serial: 1, Path: "/", Member: "Foo"}},
		{"return without reply serial", Message{Type: TypeMethodReturn, Serial: 1}},
		{"error without name", Message{Type: TypeErrorReply, Serial: 1, ReplySerial: 1}},
		{"error bad name", Message{Type: TypeErrorReply, Serial: 1, ReplySerial: 1, ErrorName: "nodots"}},
		{"bad interface", Message{Type: TypeMethodCall, Serial: 1, Path: "/", Member: "Foo", Interface: "x"}},
		{"bad destination", Message{Type: TypeMethodCall, Serial: 1, Path: "/", Member: "Foo", Destination: "x"}},
		{"body without signature", Message{Type: TypeMethodReturn, Serial: 1, ReplySerial: 1, Body: []byte{1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.msg.Valid(); err == nil {
				t.Error("Valid() = nil, want error")
			}
			if _, err := tc.msg.Encode(); err == nil {
				t.Error("Encode() succeeded, want error")
			}
		})
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	m := NewMethodCall("org.test", "/", "org.test", "Method")
	m.Serial = 1
	m.Order = fragments.LittleEndian
	mustBody(t, m, uint32(5))
	good, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode got err: %v", err)
	}
	if _, err := DecodeMessage(good); err != nil {
		t.Fatalf("DecodeMessage of valid message got err: %v", err)
	}

	mutate := func(f func(bs []byte) []byte) []byte {
		return f(append([]byte(nil), good...))
	}
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"bad order flag", mutate(func(bs []byte) []byte { bs[0] = 'x'; return bs })},
		{"bad version", mutate(func(bs []byte) []byte { bs[3] = 2; return bs })},
		{"truncated body", mutate(func(bs []byte) []byte { return bs[:len(bs)-1] })},
		{"trailing bytes", mutate(func(bs []byte) []byte { return append(bs, 0) })},
		{"zero serial", mutate(func(bs []byte) []byte { binary.LittleEndian.PutUint32(bs[8:], 0); return bs })},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeMessage(tc.in); err == nil {
				t.Error("DecodeMessage succeeded, want error")
			}
		})
	}

	if _, err := ReadMessage(bytes.NewReader(good[:10])); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadMessage of short input got err %v, want ErrUnexpectedEOF", err)
	}

	huge := append([]byte(nil), good[:16]...)
	binary.LittleEndian.PutUint32(huge[4:], fragments.MaxMessageLen)
	if _, err := ReadMessage(bytes.NewReader(huge)); err == nil {
		t.Error("ReadMessage of oversized message succeeded, want error")
	}
}

func TestDecodeBody(t *testing.T) {
	ctx := context.Background()
	m := mustBody(t, NewSignal("/", "org.test", "Sig"), Simple{42, true})
	if got, want := m.Signature.String(), "nb"; got != want {
		t.Fatalf("body signature = %q, want %q", got, want)
	}

	var s Simple
	if err := m.DecodeBody(ctx, &s); err != nil {
		t.Fatalf("DecodeBody(Simple) got err: %v", err)
	}
	if diff := cmp.Diff(s, Simple{42, true}); diff != "" {
		t.Errorf("DecodeBody(Simple) wrong result (-got+want):\n%s", diff)
	}

	var a any
	if err := m.DecodeBody(ctx, &a); err != nil {
		t.Fatalf("DecodeBody(any) got err: %v", err)
	}
	wantAny := struct {
		Field0 int16
		Field1 bool
	}{42, true}
	if diff := cmp.Diff(a, any(wantAny)); diff != "" {
		t.Errorf("DecodeBody(any) wrong result (-got+want):\n%s", diff)
	}

	vals, err := m.BodyValues(ctx)
	if err != nil {
		t.Fatalf("BodyValues got err: %v", err)
	}
	if diff := cmp.Diff(vals, []any{int16(42), true}); diff != "" {
		t.Errorf("BodyValues wrong result (-got+want):\n%s", diff)
	}

	var n Nested
	if err := m.DecodeBody(ctx, &n); err == nil {
		t.Error("DecodeBody(Nested) succeeded, want signature mismatch")
	}
	if err := m.DecodeBody(ctx, s); err == nil {
		t.Error("DecodeBody(non-pointer) succeeded, want error")
	}

	single := mustBody(t, NewSignal("/", "org.test", "Sig"), []string{"a", "b"})
	vals, err = single.BodyValues(ctx)
	if err != nil {
		t.Fatalf("BodyValues got err: %v", err)
	}
	if diff := cmp.Diff(vals, []any{[]string{"a", "b"}}); diff != "" {
		t.Errorf("BodyValues wrong result (-got+want):\n%s", diff)
	}

	empty := NewSignal("/", "org.test", "Sig")
	vals, err = empty.BodyValues(ctx)
	if err != nil || len(vals) != 0 {
		t.Errorf("BodyValues of empty body = %v, %v, want nothing", vals, err)
	}
}

// TestGodbusInterop checks that messages are byte compatible with
// another independent implementation of the wire format.
func TestGodbusInterop(t *testing.T) {
	type body struct {
		A string
		B []string
		C map[string]any
		D ObjectPath
	}

	t.Run("encode", func(t *testing.T) {
		for _, order := range []fragments.ByteOrder{fragments.LittleEndian, fragments.BigEndian} {
			m := NewMethodCall("org.test.Dest", "/org/test", "org.test.Iface", "Method")
			m.Order = order
			m.Serial = 77
			mustBody(t, m, body{"foo", []string{"x", "y"}, map[string]any{"k": uint32(3)}, "/a"})
			bs, err := m.Encode()
			if err != nil {
				t.Fatalf("Encode got err: %v", err)
			}

			got, err := godbus.DecodeMessage(bytes.NewReader(bs))
			if err != nil {
				t.Fatalf("godbus.DecodeMessage got err: %v", err)
			}
			if got.Type != godbus.TypeMethodCall {
				t.Errorf("godbus Type = %v, want method call", got.Type)
			}
			if got.Serial() != 77 {
				t.Errorf("godbus Serial = %d, want 77", got.Serial())
			}
			hdr := func(f godbus.HeaderField) any {
				return got.Headers[f].Value()
			}
			if v := hdr(godbus.FieldPath); v != godbus.ObjectPath("/org/test") {
				t.Errorf("godbus path = %v", v)
			}
			if v := hdr(godbus.FieldInterface); v != "org.test.Iface" {
				t.Errorf("godbus interface = %v", v)
			}
			if v := hdr(godbus.FieldMember); v != "Method" {
				t.Errorf("godbus member = %v", v)
			}
			if v := hdr(godbus.FieldDestination); v != "org.test.Dest" {
				t.Errorf("godbus destination = %v", v)
			}
			wantBody := []any{
				"foo",
				[]string{"x", "y"},
				map[string]godbus.Variant{"k": godbus.MakeVariant(uint32(3))},
				godbus.ObjectPath("/a"),
			}
			if diff := cmp.Diff(got.Body, wantBody, cmp.Comparer(func(a, b godbus.Variant) bool {
				return a.Signature() == b.Signature() && cmp.Equal(a.Value(), b.Value())
			})); diff != "" {
				t.Errorf("godbus body wrong (-got+want):\n%s", diff)
			}
		}
	})

	t.Run("decode", func(t *testing.T) {
		gm := &godbus.Message{
			Type: godbus.TypeSignal,
			Headers: map[godbus.HeaderField]godbus.Variant{
				godbus.FieldPath:      godbus.MakeVariant(godbus.ObjectPath("/org/test")),
				godbus.FieldInterface: godbus.MakeVariant("org.test.Iface"),
				godbus.FieldMember:    godbus.MakeVariant("Changed"),
				godbus.FieldSender:    godbus.MakeVariant(":1.3"),
			},
			Body: []any{"foo", []string{"x", "y"}, map[string]godbus.Variant{"k": godbus.MakeVariant(uint32(3))}, godbus.ObjectPath("/a")},
		}
		gm.Headers[godbus.FieldSignature] = godbus.MakeVariant(godbus.SignatureOf(gm.Body...))

		for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
			var buf bytes.Buffer
			if err := gm.EncodeTo(&buf, order); err != nil {
				t.Fatalf("godbus EncodeTo got err: %v", err)
			}
			bs := buf.Bytes()
			// godbus leaves the serial for its Conn to assign.
			order.PutUint32(bs[8:12], 5)

			got, err := DecodeMessage(bs)
			if err != nil {
				t.Fatalf("DecodeMessage got err: %v", err)
			}
			if got.Type != TypeSignal || got.Serial != 5 || got.Path != "/org/test" || got.Interface != "org.test.Iface" || got.Member != "Changed" || got.Sender != ":1.3" {
				t.Errorf("DecodeMessage wrong header: %+v", got)
			}
			var b body
			if err := got.DecodeBody(context.Background(), &b); err != nil {
				t.Fatalf("DecodeBody got err: %v", err)
			}
			want := body{"foo", []string{"x", "y"}, map[string]any{"k": uint32(3)}, "/a"}
			if diff := cmp.Diff(b, want); diff != "" {
				t.Errorf("DecodeBody wrong result (-got+want):\n%s", diff)
			}
		}
	})
}
