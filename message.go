package dbusobj

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/danderson/dbusobj/fragments"
)

// MessageType is the type of a DBus message.
type MessageType byte

const (
	TypeMethodCall MessageType = iota + 1
	TypeMethodReturn
	TypeErrorReply
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeErrorReply:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// MessageFlags are flags that modify the handling of a message.
type MessageFlags byte

const (
	// FlagNoReplyExpected indicates that the caller of a method does
	// not want a reply, and the callee should not send one.
	FlagNoReplyExpected MessageFlags = 0x1
	// FlagNoAutoStart asks the bus not to launch an owner for the
	// destination name in response to this message.
	FlagNoAutoStart MessageFlags = 0x2
	// FlagAllowInteractiveAuthorization indicates that the caller is
	// prepared to wait for an interactive authorization prompt.
	FlagAllowInteractiveAuthorization MessageFlags = 0x4
)

const protocolVersion = 1

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

// A Message is a single DBus message.
//
// Message bodies are kept in their wire encoding, and decoded on
// demand with [Message.DecodeBody] or [Message.BodyValues]. A
// Message should not be modified after it has been sent or received.
type Message struct {
	// Order is the byte order of the message header and body.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type MessageType
	// Flags is the message's flag byte.
	Flags MessageFlags
	// Serial is the message's serial number. Outgoing messages are
	// assigned a serial when sent.
	Serial uint32
	// ReplySerial is the serial of the call to which this message
	// is replying. It is set only for TypeMethodReturn and TypeErrorReply
	// messages.
	ReplySerial uint32

	// Path is the target object for a call, or the source object
	// for a signal.
	Path ObjectPath
	// Interface is the interface to target for a call, or the
	// source interface for a signal. Optional for calls.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal.
	Member string
	// ErrorName is the name of the error carried by a TypeErrorReply
	// message.
	ErrorName string
	// Destination is the bus name the message is addressed to.
	Destination string
	// Sender is the unique bus name of the message's sender. The
	// bus fills this in, any value set by the sender is
	// overwritten.
	Sender string

	// Signature is the type signature of Body.
	Signature Signature
	// Body is the wire encoding of the message body.
	Body []byte
}

// NewMethodCall returns a new method call message with no body.
func NewMethodCall(destination string, path ObjectPath, iface, method string) *Message {
	return &Message{
		Order:       fragments.NativeEndian,
		Type:        TypeMethodCall,
		Path:        path,
		Interface:   iface,
		Member:      method,
		Destination: destination,
	}
}

// NewSignal returns a new signal message with no body.
func NewSignal(path ObjectPath, iface, member string) *Message {
	return &Message{
		Order:     fragments.NativeEndian,
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
}

// NewReturn returns a new method return message in reply to m, with
// no body.
func (m *Message) NewReturn() *Message {
	return &Message{
		Order:       fragments.NativeEndian,
		Type:        TypeMethodReturn,
		ReplySerial: m.Serial,
		Destination: m.Sender,
	}
}

// NewError returns a new error message in reply to m.
func (m *Message) NewError(ctx context.Context, err *Error) (*Message, error) {
	ret := &Message{
		Order:       fragments.NativeEndian,
		Type:        TypeErrorReply,
		ReplySerial: m.Serial,
		ErrorName:   err.Name,
		Destination: m.Sender,
	}
	if err.Detail != "" {
		if err := ret.SetBody(ctx, err.Detail); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (m *Message) order() fragments.ByteOrder {
	if m.Order == nil {
		return fragments.NativeEndian
	}
	return m.Order
}

// WantReply reports whether m is a method call that expects a reply.
func (m *Message) WantReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// SetBody sets m's body to the encoding of body. If body is a
// struct, each of its fields becomes a separate value in the message
// body. A nil body clears the message body.
func (m *Message) SetBody(ctx context.Context, body any) error {
	if body == nil {
		m.Signature = Signature{}
		m.Body = nil
		return nil
	}
	return m.setBodyValue(ctx, reflect.ValueOf(body))
}

// setBodyValue is like SetBody, but uses v's static type. This
// preserves interface types, which encode as variants.
func (m *Message) setBodyValue(ctx context.Context, v reflect.Value) error {
	if !v.IsValid() {
		m.Signature = Signature{}
		m.Body = nil
		return nil
	}
	sig, err := bodySignature(v.Type())
	if err != nil {
		return err
	}
	enc, err := encoderFor(v.Type())
	if err != nil {
		return err
	}
	e := fragments.Encoder{
		Order:  m.order(),
		Mapper: encoderFor,
	}
	if err := enc(ctx, &e, v); err != nil {
		return err
	}
	m.Order = e.Order
	m.Signature = sig
	m.Body = e.Out
	return nil
}

// DecodeBody decodes the message body into v, which must be a
// non-nil pointer.
//
// If v points to a struct, each field of the struct receives one
// value from the body. If v points to an interface, it receives the
// value returned by [DecodeAs] for the body's signature.
func (m *Message) DecodeBody(ctx context.Context, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return typeErr(reflect.TypeOf(v), "DecodeBody requires a non-nil pointer")
	}
	t := rv.Type().Elem()
	if t == anyType {
		val, err := DecodeAs(ctx, m.Body, m.order(), m.Signature)
		if err != nil {
			return err
		}
		if val != nil {
			rv.Elem().Set(reflect.ValueOf(val))
		}
		return nil
	}
	full, err := signatureFor(t, nil)
	if err != nil {
		return err
	}
	if body := full.asMsgBody(); body.str != m.Signature.str && full.str != m.Signature.str {
		return typeErr(t, "message body has signature %q, want %q", m.Signature, body)
	}
	return Unmarshal(ctx, m.Body, m.order(), v)
}

// BodyValues decodes the message body and returns the sequence of
// values it contains.
func (m *Message) BodyValues(ctx context.Context) ([]any, error) {
	if m.Signature.IsZero() {
		if len(m.Body) != 0 {
			return nil, errors.New("message has a body but no signature")
		}
		return nil, nil
	}
	val, err := DecodeAs(ctx, m.Body, m.order(), m.Signature)
	if err != nil {
		return nil, err
	}
	if m.Signature.IsSingle() {
		return []any{val}, nil
	}
	rv := reflect.ValueOf(val)
	ret := make([]any, rv.NumField())
	for i := range ret {
		ret[i] = rv.Field(i).Interface()
	}
	return ret, nil
}

// errorDetail returns the human-readable detail of an error message,
// if any.
func (m *Message) errorDetail() string {
	if len(m.Signature.str) == 0 || m.Signature.str[0] != 's' {
		return ""
	}
	d := fragments.Decoder{Order: m.order(), In: m.Body}
	s, err := d.String()
	if err != nil {
		return ""
	}
	return s
}

// asError returns the *Error carried by an error message.
func (m *Message) asError() *Error {
	return &Error{Name: m.ErrorName, Detail: m.errorDetail()}
}

// Valid checks that the message's header fields are valid for its
// message type.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return errors.New("invalid message with zero Serial")
	}
	requireCallFields := func(needInterface bool) error {
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if err := m.Path.Valid(); err != nil {
			return err
		}
		if needInterface && m.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
		if err := validMemberName(m.Member); err != nil {
			return err
		}
		if m.ReplySerial != 0 {
			return fmt.Errorf("unexpected ReplySerial in %s message", m.Type)
		}
		return nil
	}
	switch m.Type {
	case 0:
		return errors.New("invalid message with Type 0")
	case TypeMethodCall:
		if err := requireCallFields(false); err != nil {
			return err
		}
	case TypeSignal:
		if err := requireCallFields(true); err != nil {
			return err
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case TypeErrorReply:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if m.ErrorName == "" {
			return errors.New("missing required header field ErrorName")
		}
		if err := validInterfaceName(m.ErrorName); err != nil {
			return fmt.Errorf("invalid error name: %w", err)
		}
	default:
		// Unknown message types are suspect, but DBus requires us to
		// gracefully ignore them.
	}
	if m.Interface != "" {
		if err := validInterfaceName(m.Interface); err != nil {
			return err
		}
	}
	if m.Destination != "" {
		if err := validBusName(m.Destination); err != nil {
			return err
		}
	}
	if m.Sender != "" {
		if err := validBusName(m.Sender); err != nil {
			return err
		}
	}
	if m.Signature.IsZero() && len(m.Body) > 0 {
		return errors.New("message has a body but no signature")
	}
	return nil
}

// Encode returns the wire encoding of m.
func (m *Message) Encode() ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, err
	}

	e := fragments.Encoder{Order: m.order()}
	e.ByteOrderFlag()
	e.Uint8(byte(m.Type))
	e.Uint8(byte(m.Flags))
	e.Uint8(protocolVersion)
	e.Uint32(uint32(len(m.Body)))
	e.Uint32(m.Serial)

	field := func(code byte, sig string, val func()) {
		e.Struct(func() error {
			e.Uint8(code)
			e.Signature(sig)
			val()
			return nil
		})
	}
	strField := func(code byte, sig string, s string) {
		if s != "" {
			field(code, sig, func() { e.String(s) })
		}
	}
	e.Array(true, func() error {
		strField(fieldPath, "o", string(m.Path))
		strField(fieldInterface, "s", m.Interface)
		strField(fieldMember, "s", m.Member)
		strField(fieldErrorName, "s", m.ErrorName)
		if m.ReplySerial != 0 {
			field(fieldReplySerial, "u", func() { e.Uint32(m.ReplySerial) })
		}
		strField(fieldDestination, "s", m.Destination)
		strField(fieldSender, "s", m.Sender)
		if !m.Signature.IsZero() {
			field(fieldSignature, "g", func() { e.Signature(m.Signature.str) })
		}
		return nil
	})
	e.Pad(8)
	e.Write(m.Body)

	if len(e.Out) > fragments.MaxMessageLen {
		return nil, fmt.Errorf("encoded message size %d exceeds maximum %d", len(e.Out), fragments.MaxMessageLen)
	}
	return e.Out, nil
}

// DecodeMessage decodes a single message from bs. bs must contain
// exactly one message.
func DecodeMessage(bs []byte) (*Message, error) {
	ctx := context.Background()
	d := fragments.Decoder{
		Order:  fragments.NativeEndian,
		Mapper: decoderFor,
		In:     bs,
	}
	if err := d.ByteOrderFlag(); err != nil {
		return nil, err
	}
	typ, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	flags, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	version, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	if version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", version)
	}
	bodyLen, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	serial, err := d.Uint32()
	if err != nil {
		return nil, err
	}

	m := &Message{
		Order:  d.Order,
		Type:   MessageType(typ),
		Flags:  MessageFlags(flags),
		Serial: serial,
	}

	_, err = d.Array(true, func(int) error {
		return d.Struct(func() error {
			code, err := d.Uint8()
			if err != nil {
				return err
			}
			var val any
			if err := d.Value(ctx, &val); err != nil {
				return fmt.Errorf("header field %d: %w", code, err)
			}
			return m.setHeaderField(code, val)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("decoding message header: %w", err)
	}
	if err := d.Pad(8); err != nil {
		return nil, err
	}
	if d.Remaining() != int(bodyLen) {
		return nil, fmt.Errorf("message body is %d bytes, header says %d", d.Remaining(), bodyLen)
	}
	if bodyLen > 0 {
		body, _ := d.Read(int(bodyLen))
		m.Body = append([]byte(nil), body...)
	}
	if err := m.Valid(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) setHeaderField(code uint8, val any) error {
	str := func(dst *string) error {
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("header field %d has type %T, want string", code, val)
		}
		*dst = s
		return nil
	}
	switch code {
	case fieldPath:
		p, ok := val.(ObjectPath)
		if !ok {
			return fmt.Errorf("header field %d has type %T, want ObjectPath", code, val)
		}
		m.Path = p
	case fieldInterface:
		return str(&m.Interface)
	case fieldMember:
		return str(&m.Member)
	case fieldErrorName:
		return str(&m.ErrorName)
	case fieldReplySerial:
		u, ok := val.(uint32)
		if !ok {
			return fmt.Errorf("header field %d has type %T, want uint32", code, val)
		}
		m.ReplySerial = u
	case fieldDestination:
		return str(&m.Destination)
	case fieldSender:
		return str(&m.Sender)
	case fieldSignature:
		s, ok := val.(Signature)
		if !ok {
			return fmt.Errorf("header field %d has type %T, want Signature", code, val)
		}
		m.Signature = s
	case fieldUnixFDs:
		if n, ok := val.(uint32); ok && n > 0 {
			return errors.New("unix file descriptor passing is not supported")
		}
	default:
		// Unknown header fields must be ignored.
	}
	return nil
}

// readFrame reads the bytes of one complete message from r, without
// decoding it. Errors from readFrame leave r at an unknown position
// in the stream.
func readFrame(r io.Reader) ([]byte, error) {
	var fixed [16]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	order, err := fragments.OrderForFlag(fixed[0])
	if err != nil {
		return nil, err
	}
	bodyLen := uint64(order.Uint32(fixed[4:8]))
	fieldsLen := uint64(order.Uint32(fixed[12:16]))
	hdrLen := (16 + fieldsLen + 7) &^ 7
	total := hdrLen + bodyLen
	if total > fragments.MaxMessageLen {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", total, fragments.MaxMessageLen)
	}
	ret := make([]byte, total)
	copy(ret, fixed[:])
	if _, err := io.ReadFull(r, ret[16:]); err != nil {
		return nil, err
	}
	return ret, nil
}

// ReadMessage reads and decodes one message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	bs, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(bs)
}
