package fragments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"unicode/utf8"
)

// A DecoderFunc reads a value from d into v.
type DecoderFunc func(ctx context.Context, d *Decoder, v reflect.Value) error

// A Decoder reads DBus values from a byte slice.
//
// Methods consume padding as needed to conform to DBus alignment
// rules, except for [Decoder.Read] which reads bytes verbatim. Padding
// bytes must be zero.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// Mapper provides [DecoderFunc]s for types given to
	// [Decoder.Value]. If Mapper is nil, the Decoder functions
	// normally except that [Decoder.Value] always returns an error.
	Mapper func(reflect.Type) (DecoderFunc, error)
	// In is the input to decode.
	In []byte

	offset int
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.offset }

// Remaining returns the number of unconsumed input bytes.
func (d *Decoder) Remaining() int { return len(d.In) - d.offset }

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.Remaining() < skip {
		return io.ErrUnexpectedEOF
	}
	for _, b := range d.In[d.offset : d.offset+skip] {
		if b != 0 {
			return fmt.Errorf("non-zero padding byte at offset %d", d.offset)
		}
	}
	d.offset += skip
	return nil
}

// Read reads n bytes verbatim. The returned slice aliases d.In.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	ret := d.In[d.offset : d.offset+n]
	d.offset += n
	return ret, nil
}

// Bytes reads a DBus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if ln > MaxArrayLen {
		return nil, fmt.Errorf("array length %d exceeds maximum %d", ln, MaxArrayLen)
	}
	bs, err := d.Read(int(ln))
	if err != nil {
		return nil, err
	}
	return bytes.Clone(bs), nil
}

// String reads a DBus string.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	if ln > MaxArrayLen {
		return "", fmt.Errorf("string length %d exceeds maximum %d", ln, MaxArrayLen)
	}
	return d.terminated(int(ln))
}

// Signature reads a DBus signature string. The returned string is not
// validated as a signature.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

func (d *Decoder) terminated(ln int) (string, error) {
	bs, err := d.Read(ln + 1)
	if err != nil {
		return "", err
	}
	if bs[ln] != 0 {
		return "", errors.New("string is missing nul terminator")
	}
	bs = bs[:ln]
	if bytes.IndexByte(bs, 0) >= 0 {
		return "", errors.New("string contains nul byte")
	}
	if !utf8.Valid(bs) {
		return "", errors.New("string is not valid UTF-8")
	}
	return string(bs), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Value reads a value into v, using the [DecoderFunc] provided by
// Mapper. v must be a non-nil pointer.
func (d *Decoder) Value(ctx context.Context, v any) error {
	if d.Mapper == nil {
		return errors.New("Mapper not provided to Decoder")
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("Decoder.Value requires a non-nil pointer, got %T", v)
	}
	fn, err := d.Mapper(rv.Type().Elem())
	if err != nil {
		return err
	}
	return fn(ctx, d, rv.Elem())
}

// Array reads a DBus array, calling readElement once per array
// element with the element's index. readElement must consume exactly
// one element. Array returns the number of elements read.
//
// containsStructs indicates whether the array's elements are structs,
// so that the correct padding is consumed even when the array is
// empty.
func (d *Decoder) Array(containsStructs bool, readElement func(int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if ln > MaxArrayLen {
		return 0, fmt.Errorf("array length %d exceeds maximum %d", ln, MaxArrayLen)
	}
	if containsStructs {
		if err := d.Pad(8); err != nil {
			return 0, err
		}
	}
	end := d.offset + int(ln)
	if end > len(d.In) {
		return 0, io.ErrUnexpectedEOF
	}
	n := 0
	for d.offset < end {
		before := d.offset
		if err := readElement(n); err != nil {
			return n, err
		}
		if d.offset == before {
			return n, errors.New("array element decoder consumed no input")
		}
		n++
	}
	if d.offset != end {
		return n, fmt.Errorf("array elements overran array length by %d bytes", d.offset-end)
	}
	return n, nil
}

// Struct reads a DBus struct. fields is called to read the struct's
// fields.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets d.Order
// to match it.
func (d *Decoder) ByteOrderFlag() error {
	u8, err := d.Uint8()
	if err != nil {
		return err
	}
	order, err := OrderForFlag(u8)
	if err != nil {
		return err
	}
	d.Order = order
	return nil
}
