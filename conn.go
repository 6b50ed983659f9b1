package dbusobj

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/danderson/dbusobj/transport"
	"github.com/sirupsen/logrus"
)

// Options are optional settings for a [Conn].
type Options struct {
	// Logger receives the Conn's diagnostic logs. If nil,
	// logrus.StandardLogger() is used.
	Logger logrus.FieldLogger
	// PeerToPeer indicates that the transport is connected directly
	// to another peer rather than to a bus daemon. The Hello
	// handshake is skipped, and bus match rules are not
	// registered.
	PeerToPeer bool
}

func (o *Options) logger() logrus.FieldLogger {
	if o == nil || o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context) (*Conn, error) {
	return Dial(ctx, transport.SystemBusAddress(), nil)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	addr, err := transport.SessionBusAddress()
	if err != nil {
		return nil, err
	}
	return Dial(ctx, addr, nil)
}

// Dial connects to the DBus server at address, which is a DBus
// server address such as "unix:path=/run/dbus/system_bus_socket".
func Dial(ctx context.Context, address string, opts *Options) (*Conn, error) {
	t, err := transport.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return NewConn(ctx, t, opts)
}

// NewConn returns a Conn that exchanges messages over t. t must have
// already completed authentication.
//
// Unless opts.PeerToPeer is set, NewConn performs the Hello handshake
// with the bus before returning.
func NewConn(ctx context.Context, t transport.Transport, opts *Options) (*Conn, error) {
	baseCtx, cancel := context.WithCancel(context.Background())
	ret := &Conn{
		t:        t,
		log:      opts.logger(),
		p2p:      opts != nil && opts.PeerToPeer,
		objects:  newRegistry(),
		signals:  &signalBus{},
		handlers: taskgroup.New(nil),
		ctx:      baseCtx,
		cancel:   cancel,
		readDone: make(chan struct{}),
		calls:    map[uint32]*pendingCall{},
		names:    mapset.New[string](),
		claims:   mapset.New[*Claim](),
	}
	ret.initStandardHandlers()
	ret.bus = ret.Peer(ifaceBus).Object("/org/freedesktop/DBus").Interface(ifaceBus)

	go ret.readLoop()

	if ret.p2p {
		return ret, nil
	}
	var id string
	if err := ret.bus.Call(ctx, "Hello", nil, &id); err != nil {
		ret.Close()
		return nil, fmt.Errorf("getting DBus client ID: %w", err)
	}
	ret.setClientID(id)
	return ret, nil
}

// Conn is a DBus connection.
//
// A Conn owns the objects it exports and the signal subscriptions
// made through it. Nothing is shared between Conns.
type Conn struct {
	t   transport.Transport
	p2p bool

	// idMu guards clientID and log, which change once when Hello
	// completes, while the read loop is already running.
	idMu     sync.RWMutex
	clientID string
	log      logrus.FieldLogger

	bus Interface

	serial atomic.Uint32

	writeMu sync.Mutex

	objects  *registry
	std      standardHandlers
	signals  *signalBus
	handlers *taskgroup.Group

	// ctx is the parent of all method handler contexts. It is
	// canceled when the Conn shuts down.
	ctx      context.Context
	cancel   context.CancelFunc
	readDone chan struct{}

	mu     sync.Mutex
	closed bool
	calls  map[uint32]*pendingCall
	names  mapset.Set[string]
	claims mapset.Set[*Claim]
}

type callResult struct {
	msg *Message
	err error
}

type pendingCall struct {
	done chan callResult
}

func (p *pendingCall) finish(msg *Message, err error) {
	select {
	case p.done <- callResult{msg, err}:
	default:
	}
}

// Close closes the DBus connection.
//
// Pending outbound calls fail with [ErrConnectionLost]. The contexts
// of running method handlers are canceled, and Close waits for them
// to return before returning. Any results they produce are
// discarded. Close must not be called from a method handler.
func (c *Conn) Close() error {
	err := c.shutdown(net.ErrClosed)
	<-c.readDone
	c.handlers.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// shutdown marks c closed, and fails pending calls with an error
// wrapping cause.
func (c *Conn) shutdown(cause error) error {
	var (
		pend   map[uint32]*pendingCall
		claims mapset.Set[*Claim]
	)
	{
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.closed = true
		pend, c.calls = c.calls, nil
		claims, c.claims = c.claims, nil
		c.mu.Unlock()
	}

	if !errors.Is(cause, net.ErrClosed) {
		c.logger().WithError(cause).Warn("connection lost")
	}
	c.cancel()
	err := c.t.Close()

	lost := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	for _, p := range pend {
		p.finish(nil, lost)
	}

	disc := NewSignal("/org/freedesktop/DBus/Local", ifaceLocal, "Disconnected")
	disc.Serial = 1
	c.signals.deliver(context.Background(), c.logger(), disc)
	c.signals.finishAll()

	for cl := range claims {
		cl.stop()
	}
	return err
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LocalName returns the connection's unique bus name. It returns the
// empty string for peer-to-peer connections.
func (c *Conn) LocalName() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.clientID
}

func (c *Conn) logger() logrus.FieldLogger {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.log
}

// setClientID records the unique name assigned by the bus. The name
// is also owned from this point on, even if the read loop has
// already discarded the bus's NameAcquired signal for it.
func (c *Conn) setClientID(id string) {
	c.idMu.Lock()
	c.clientID = id
	c.log = c.log.WithField("conn", id)
	c.idMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.names.Add(id)
	}
}

// Names returns the bus names currently owned by the connection,
// including its unique name.
func (c *Conn) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names.Slice()
}

// Peer returns a Peer for the given bus name.
//
// The returned value is a purely local handle. It does not indicate
// that the requested peer exists, or that it is currently reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{
		c:    c,
		name: name,
	}
}

// nextSerial returns the next outgoing message serial. Serial 0 is
// invalid and is skipped when the counter wraps.
func (c *Conn) nextSerial() uint32 {
	for {
		if s := c.serial.Add(1); s != 0 {
			return s
		}
	}
}

// send assigns msg a serial and writes it to the transport. If pend
// is non-nil, it is registered to receive msg's reply.
func (c *Conn) send(msg *Message, pend *pendingCall) error {
	msg.Serial = c.nextSerial()
	bs, err := msg.Encode()
	if err != nil {
		return err
	}

	{
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrConnectionLost, net.ErrClosed)
		}
		if pend != nil {
			c.calls[msg.Serial] = pend
		}
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return fmt.Errorf("%w: %w", ErrConnectionLost, net.ErrClosed)
	}
	if _, err := c.t.Write(bs); err != nil {
		// A partial write leaves the stream unusable.
		go c.shutdown(err)
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return nil
}

func (c *Conn) forgetCall(serial uint32, pend *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[serial] == pend {
		delete(c.calls, serial)
	}
}

// roundTrip sends msg and waits for its reply. It returns a nil
// Message if msg does not expect a reply.
func (c *Conn) roundTrip(ctx context.Context, msg *Message) (*Message, error) {
	if !msg.WantReply() {
		return nil, c.send(msg, nil)
	}
	pend := &pendingCall{done: make(chan callResult, 1)}
	if err := c.send(msg, pend); err != nil {
		c.forgetCall(msg.Serial, pend)
		return nil, err
	}
	defer c.forgetCall(msg.Serial, pend)

	select {
	case res := <-pend.done:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call calls a remote method and decodes the response into the
// provided pointer.
//
// It is the caller's responsibility to supply the correct types of
// body and response for the method being called.
func (c *Conn) call(ctx context.Context, destination string, path ObjectPath, iface, method string, body any, response any, flags MessageFlags) error {
	if response != nil && reflect.TypeOf(response).Kind() != reflect.Pointer {
		return errors.New("response parameter in Call must be a pointer, or nil")
	}

	msg := NewMethodCall(destination, path, iface, method)
	msg.Flags = flags
	if err := msg.SetBody(ctx, body); err != nil {
		return err
	}
	reply, err := c.roundTrip(ctx, msg)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if reply.Type == TypeErrorReply {
		return reply.asError()
	}
	if response == nil {
		return nil
	}
	return reply.DecodeBody(ctx, response)
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		bs, err := readFrame(c.t)
		if err != nil {
			// Framing errors leave the stream at an unknown
			// position, and are fatal to the Conn.
			c.shutdown(err)
			return
		}
		msg, err := DecodeMessage(bs)
		if err != nil {
			c.logger().WithError(err).Warn("dropping malformed message")
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch routes one inbound message. It must not block on I/O.
func (c *Conn) dispatch(msg *Message) {
	switch msg.Type {
	case TypeMethodCall:
		if c.isClosed() {
			return
		}
		c.handlers.Go(func() error {
			c.dispatchCall(c.ctx, msg)
			return nil
		})
	case TypeMethodReturn, TypeErrorReply:
		c.dispatchReply(msg)
	case TypeSignal:
		c.dispatchSignal(msg)
	default:
		c.logger().WithField("type", msg.Type).Debug("ignoring message of unknown type")
	}
}

func (c *Conn) dispatchReply(msg *Message) {
	pend := func() *pendingCall {
		c.mu.Lock()
		defer c.mu.Unlock()
		ret := c.calls[msg.ReplySerial]
		delete(c.calls, msg.ReplySerial)
		return ret
	}()
	if pend == nil {
		// Response to a canceled call
		return
	}
	pend.finish(msg, nil)
}

func (c *Conn) dispatchSignal(msg *Message) {
	if msg.Sender == ifaceBus && msg.Interface == ifaceBus {
		c.trackNames(msg)
	}
	if !c.p2p && msg.Sender != "" && msg.Sender == c.LocalName() {
		// emitMessage already delivered our own signals locally.
		return
	}
	c.signals.deliver(c.ctx, c.logger(), msg)
}

// trackNames updates the set of owned names from the bus's name
// ownership signals.
func (c *Conn) trackNames(msg *Message) {
	// Before Hello completes our unique name is unknown, but the bus
	// only sends us signals addressed to us.
	if id := c.LocalName(); id != "" && msg.Destination != "" && msg.Destination != id {
		return
	}
	switch msg.Member {
	case "NameAcquired":
		var sig NameAcquired
		if err := msg.DecodeBody(c.ctx, &sig); err != nil {
			c.logger().WithError(err).Warn("malformed NameAcquired signal")
			return
		}
		c.mu.Lock()
		c.names.Add(sig.Name)
		c.mu.Unlock()
	case "NameLost":
		var sig NameLost
		if err := msg.DecodeBody(c.ctx, &sig); err != nil {
			c.logger().WithError(err).Warn("malformed NameLost signal")
			return
		}
		c.mu.Lock()
		c.names.Remove(sig.Name)
		c.mu.Unlock()
	}
}
