package dbusobj

import (
	"context"
)

type messageContextKey struct{}

type contextMessage struct {
	c   *Conn
	msg *Message
}

func withContextMessage(ctx context.Context, c *Conn, msg *Message) context.Context {
	return context.WithValue(ctx, messageContextKey{}, contextMessage{c, msg})
}

// ContextMessage returns the method call message being handled, if
// ctx is the context of a method handler.
func ContextMessage(ctx context.Context) (*Message, bool) {
	v, ok := ctx.Value(messageContextKey{}).(contextMessage)
	if !ok {
		return nil, false
	}
	return v.msg, true
}

// ContextSender returns the peer that sent the method call being
// handled, if ctx is the context of a method handler.
//
// On peer-to-peer connections, the returned Peer has an empty name.
func ContextSender(ctx context.Context) (Peer, bool) {
	v, ok := ctx.Value(messageContextKey{}).(contextMessage)
	if !ok {
		return Peer{}, false
	}
	return v.c.Peer(v.msg.Sender), true
}
