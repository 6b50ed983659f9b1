package fragments

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// An EncoderFunc writes v to e.
type EncoderFunc func(ctx context.Context, e *Encoder, v reflect.Value) error

// An Encoder builds a DBus byte stream.
//
// Methods insert padding as needed to conform to DBus alignment
// rules, except for [Encoder.Write] which outputs bytes verbatim.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// Mapper provides [EncoderFunc]s for types given to
	// [Encoder.Value]. If Mapper is nil, the Encoder functions
	// normally except that [Encoder.Value] always returns an error.
	Mapper func(reflect.Type) (EncoderFunc, error)

	// Out is the encoded output.
	Out []byte
}

// Pad inserts padding bytes as needed to make the next write happen
// at a multiple of align bytes.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Write writes bs as-is to the output.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Bytes writes bs as a DBus byte array.
func (e *Encoder) Bytes(bs []byte) {
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String writes s as a DBus string.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature writes s as a DBus signature. Signatures differ from
// strings in that their length prefix is a single byte.
func (e *Encoder) Signature(s string) {
	e.Uint8(uint8(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes a uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes a uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes a uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// Value writes v, using the [EncoderFunc] provided by Mapper.
func (e *Encoder) Value(ctx context.Context, v any) error {
	if e.Mapper == nil {
		return errors.New("Mapper not provided to Encoder")
	}
	fn, err := e.Mapper(reflect.TypeOf(v))
	if err != nil {
		return err
	}
	return fn(ctx, e, reflect.ValueOf(v))
}

// Array writes a DBus array. elements is called to write the array's
// contents, and the array's length prefix is filled in once it
// returns.
//
// containsStructs indicates whether the array's elements are structs,
// so that the correct padding is written even when the array is
// empty.
func (e *Encoder) Array(containsStructs bool, elements func() error) error {
	e.Pad(4)
	offset := len(e.Out)
	e.Uint32(0)
	if containsStructs {
		e.Pad(8)
	}
	start := len(e.Out)
	if err := elements(); err != nil {
		return err
	}
	ln := len(e.Out) - start
	if ln > MaxArrayLen {
		return fmt.Errorf("array length %d exceeds maximum %d", ln, MaxArrayLen)
	}
	e.Order.PutUint32(e.Out[offset:offset+4], uint32(ln))
	return nil
}

// Struct writes a DBus struct. fields is called to write the struct's
// fields.
func (e *Encoder) Struct(fields func() error) error {
	e.Pad(8)
	return fields()
}

// ByteOrderFlag writes a DBus byte order flag byte that matches
// e.Order.
func (e *Encoder) ByteOrderFlag() {
	e.Uint8(e.Order.dbusFlag())
}
