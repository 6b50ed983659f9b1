package dbusobj

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/sirupsen/logrus"
)

// callState is the processing state of an inbound method call.
type callState int

const (
	callReceived callState = iota
	callRouted
	callExecuting
	callReplied
	callErrored
	callNoReplyExpected
)

func (s callState) String() string {
	switch s {
	case callReceived:
		return "received"
	case callRouted:
		return "routed"
	case callExecuting:
		return "executing"
	case callReplied:
		return "replied"
	case callErrored:
		return "errored"
	case callNoReplyExpected:
		return "no-reply-expected"
	default:
		return fmt.Sprintf("callState(%d)", int(s))
	}
}

// inboundCall tracks one inbound method call through dispatch.
type inboundCall struct {
	c     *Conn
	msg   *Message
	log   logrus.FieldLogger
	state callState

	// noReply is set if either the caller or the method
	// implementation asked for no reply.
	noReply bool
}

func (c *Conn) dispatchCall(ctx context.Context, msg *Message) {
	call := &inboundCall{
		c:   c,
		msg: msg,
		log: c.logger().WithFields(logrus.Fields{
			"serial":    msg.Serial,
			"sender":    msg.Sender,
			"path":      msg.Path,
			"interface": msg.Interface,
			"member":    msg.Member,
		}),
		state:   callReceived,
		noReply: !msg.WantReply(),
	}
	ctx = withContextMessage(ctx, c, msg)

	h, derr := c.route(msg)
	if derr != nil {
		call.fail(ctx, derr)
		return
	}
	call.state = callRouted
	if h.noReply {
		call.noReply = true
	}

	if !h.in.Equal(msg.Signature) {
		call.fail(ctx, errorf(ErrNameInvalidArgs, "method %s takes arguments %q, got %q", h.name, h.in, msg.Signature))
		return
	}

	call.state = callExecuting
	resp, err := h.call(ctx, msg.Path, msg)
	if ctx.Err() != nil && c.isClosed() {
		// Conn shut down while the handler ran, nobody to reply to.
		call.log.Debug("discarding result of call on closed connection")
		return
	}
	if err != nil {
		if errors.Is(err, errHandlerPanic) {
			call.log.WithError(err).Error("method handler panicked")
		}
		call.fail(ctx, asDBusError(err))
		return
	}
	call.reply(ctx, resp)
}

func (ic *inboundCall) fail(ctx context.Context, derr *Error) {
	if ic.noReply {
		ic.state = callNoReplyExpected
		ic.log.WithError(derr).Debug("method call failed, no reply sent")
		return
	}
	ic.state = callErrored
	ic.log.WithError(derr).Debug("method call failed")
	resp, err := ic.msg.NewError(ctx, derr)
	if err != nil {
		ic.log.WithError(err).Error("encoding error reply")
		return
	}
	if err := ic.c.send(resp, nil); err != nil {
		ic.log.WithError(err).Debug("sending error reply")
	}
}

func (ic *inboundCall) reply(ctx context.Context, body reflect.Value) {
	if ic.noReply {
		ic.state = callNoReplyExpected
		return
	}
	resp := ic.msg.NewReturn()
	if err := resp.setBodyValue(ctx, body); err != nil {
		ic.fail(ctx, errorf(ErrNameFailed, "encoding method response: %v", err))
		return
	}
	ic.state = callReplied
	if err := ic.c.send(resp, nil); err != nil {
		ic.log.WithError(err).Debug("sending method reply")
	}
}
