// Package dbusobj binds Go values to the DBus object model.
//
// A [Conn] exports local objects onto a bus with [Conn.Export],
// routes incoming method calls to their implementations, and
// maintains the standard Introspectable, Properties, Peer and
// ObjectManager interfaces for every exported object. Signals are
// emitted with [Conn.Emit] and received with [Conn.Subscribe].
//
// Remote objects are reached through handles: [Conn.Peer] returns a
// [Peer], whose [Peer.Object] returns an [Object], whose
// [Object.Interface] returns an [Interface] on which methods can be
// called and properties read and written.
//
// Go values map to DBus types as described by [Marshal] and
// [Unmarshal]. Interface values of type any are DBus variants.
package dbusobj
