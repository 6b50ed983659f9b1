package dbusobj

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// A Signal is a signal received from a bus peer, or emitted by the
// local Conn.
type Signal struct {
	// Sender is the unique bus name of the signal's sender. It is
	// empty for signals emitted locally, and on peer-to-peer
	// connections.
	Sender string
	// Path is the object that emitted the signal.
	Path ObjectPath
	// Interface and Member name the signal.
	Interface string
	Member    string
	// Body is the signal's payload. Each delivered Signal has its own
	// copy.
	Body []any
	// Overflow reports that the subscription discarded some signals
	// that followed this one, due to the caller not processing
	// delivered signals fast enough.
	Overflow bool

	msg *Message
}

// Message returns the message that carried the signal. The message
// is shared by every subscription that received the signal, and must
// not be modified.
func (s *Signal) Message() *Message { return s.msg }

// Decode decodes the signal body into v, as with
// [Message.DecodeBody].
func (s *Signal) Decode(ctx context.Context, v any) error {
	return s.msg.DecodeBody(ctx, v)
}

func (s *Signal) String() string {
	return fmt.Sprintf("%s %s.%s%v", s.Path, s.Interface, s.Member, s.Body)
}

// NameAcquired is the body of the org.freedesktop.DBus.NameAcquired
// signal, sent to a connection when it becomes the owner of a name.
type NameAcquired struct {
	Name string
}

// NameLost is the body of the org.freedesktop.DBus.NameLost signal,
// sent to a connection when it loses ownership of a name.
type NameLost struct {
	Name string
}

// NameOwnerChanged is the body of the
// org.freedesktop.DBus.NameOwnerChanged signal, broadcast when the
// owner of any bus name changes.
type NameOwnerChanged struct {
	Name string
	// Prev is the previous owner, or empty if the name was
	// unowned.
	Prev string
	// New is the new owner, or empty if the name is now unowned.
	New string
}

// PropertiesChanged is the body of the
// org.freedesktop.DBus.Properties.PropertiesChanged signal.
type PropertiesChanged struct {
	Interface   string
	Changed     map[string]any
	Invalidated []string
}

// InterfacesAdded is the body of the
// org.freedesktop.DBus.ObjectManager.InterfacesAdded signal.
type InterfacesAdded struct {
	Path       ObjectPath
	Interfaces map[string]map[string]any
}

// InterfacesRemoved is the body of the
// org.freedesktop.DBus.ObjectManager.InterfacesRemoved signal.
type InterfacesRemoved struct {
	Path       ObjectPath
	Interfaces []string
}

// signalBus delivers signals to local subscriptions.
//
// The subscriber list is copy-on-write, so that each delivery
// evaluates a consistent snapshot without holding a lock.
type signalBus struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]*Subscription]

	// afterSnapshot, if set, is called by deliver once it has taken
	// its snapshot of subscribers. Set only in tests.
	afterSnapshot atomic.Pointer[func()]
}

func (b *signalBus) snapshot() []*Subscription {
	if p := b.subs.Load(); p != nil {
		return *p
	}
	return nil
}

func (b *signalBus) add(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := append(slices.Clone(b.snapshot()), s)
	b.subs.Store(&next)
}

func (b *signalBus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := slices.DeleteFunc(slices.Clone(b.snapshot()), func(o *Subscription) bool { return o == s })
	b.subs.Store(&next)
}

// deliver enqueues msg on every subscription whose rule matches
// it. Each rule is evaluated once, against the subscriptions present
// when deliver is called.
func (b *signalBus) deliver(ctx context.Context, log logrus.FieldLogger, msg *Message) {
	subs := b.snapshot()
	if hook := b.afterSnapshot.Load(); hook != nil {
		(*hook)()
	}
	if len(subs) == 0 {
		return
	}
	body, err := msg.BodyValues(ctx)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"path":      msg.Path,
			"interface": msg.Interface,
			"member":    msg.Member,
		}).Warn("dropping signal with undecodable body")
		return
	}
	shared := false
	for _, s := range subs {
		if !s.rule.Matches(msg, body) {
			continue
		}
		// Each subscription gets its own copy of the body values.
		sigBody := body
		if shared {
			sigBody = cloneValue(body).([]any)
		}
		shared = true
		s.enqueue(&Signal{
			Sender:    msg.Sender,
			Path:      msg.Path,
			Interface: msg.Interface,
			Member:    msg.Member,
			Body:      sigBody,
			msg:       msg,
		})
	}
}

// finishAll ends all subscriptions, after they deliver the signals
// already queued.
func (b *signalBus) finishAll() {
	b.mu.Lock()
	subs := b.snapshot()
	b.subs.Store(nil)
	b.mu.Unlock()
	for _, s := range subs {
		s.finish()
	}
}

// Emit broadcasts a signal from the object at path.
//
// body is the signal's payload. If body is a struct, each of its
// fields is a separate value in the signal body. body may be nil
// for signals with no payload.
//
// If iface is exported at path and declares the signal member, body
// must match the declared signature.
//
// Emit returns once the signal has been written to the connection
// and queued for delivery to matching local subscriptions.
func (c *Conn) Emit(ctx context.Context, path ObjectPath, iface, member string, body any) error {
	if err := path.Valid(); err != nil {
		return err
	}
	if err := validInterfaceName(iface); err != nil {
		return err
	}
	if err := validMemberName(member); err != nil {
		return err
	}
	msg := NewSignal(path, iface, member)
	if err := msg.SetBody(ctx, body); err != nil {
		return err
	}
	if want, ok := c.declaredSignal(path, iface, member); ok && !want.Equal(msg.Signature) {
		return typeErr(reflect.TypeOf(body), "signal %s.%s has signature %q, got %q", iface, member, want, msg.Signature)
	}
	return c.emitMessage(msg)
}

// emitInternal emits a signal from one of the standard interfaces.
func (c *Conn) emitInternal(path ObjectPath, iface, member string, body any) {
	msg := NewSignal(path, iface, member)
	if err := msg.SetBody(context.Background(), body); err != nil {
		c.logger().WithError(err).WithField("member", member).Error("encoding signal")
		return
	}
	if err := c.emitMessage(msg); err != nil {
		c.logger().WithError(err).WithField("member", member).Debug("emitting signal")
	}
}

// emitMessage sends a signal and delivers it to local subscriptions.
// All outgoing signals must go through here: dispatchSignal drops the
// bus's echo of signals sent by this Conn, so a signal written with a
// bare send would never reach local subscribers.
func (c *Conn) emitMessage(msg *Message) error {
	if err := c.send(msg, nil); err != nil {
		return err
	}
	msg.Sender = c.LocalName()
	c.signals.deliver(c.ctx, c.logger(), msg)
	return nil
}

// declaredSignal returns the declared body signature of a signal
// exported at path.
func (c *Conn) declaredSignal(path ObjectPath, iface, member string) (Signature, bool) {
	if ei := c.std[iface]; ei != nil {
		if decl := ei.signals[member]; decl != nil {
			return decl.sig, true
		}
		return Signature{}, false
	}
	obj := c.objects.lookupObject(path)
	if obj == nil {
		return Signature{}, false
	}
	obj.mu.RLock()
	defer obj.mu.RUnlock()
	ei := obj.ifaces[iface]
	if ei == nil {
		return Signature{}, false
	}
	if decl := ei.signals[member]; decl != nil {
		return decl.sig, true
	}
	return Signature{}, false
}
