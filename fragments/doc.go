// Package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus messages.
//
// The provided encoder and decoder are very low level, and do not
// encode any DBus semantics. It is the caller's responsibility to
// produce valid DBus messages using these tools.
//
// You should not need to use this package at all, unless you are
// writing your own dbusobj.Marshaler/dbusobj.Unmarshaler
// implementations, in which case your code will be handed a
// [Encoder]/[Decoder] and expected to produce correct DBus fragments
// with it.
package fragments

const (
	// MaxArrayLen is the maximum size in bytes of an encoded array.
	MaxArrayLen = 1 << 26
	// MaxMessageLen is the maximum size in bytes of an encoded
	// message, header included.
	MaxMessageLen = 1 << 27
)
