package dbusobj

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/mds/value"
)

// Claim requests ownership of a bus name.
//
// Bus names may have multiple active claims by different clients, but
// only one active owner at a time. The [ClaimOptions] set by each
// claimant determines the owner and rules of succession.
//
// Claiming a name does not guarantee ownership of the name. Callers
// must monitor [Claim.Chan] to find out if and when the name gets
// assigned to them.
func (c *Conn) Claim(ctx context.Context, name string, opts ClaimOptions) (*Claim, error) {
	if c.p2p {
		return nil, errors.New("cannot claim names on a peer-to-peer connection")
	}
	if err := validBusName(name); err != nil {
		return nil, err
	}
	rule := func(member string) MatchRule {
		r := MatchSignal(ifaceBus, member)
		r.Sender = value.Just(ifaceBus)
		r.Args = map[int]string{0: name}
		return r
	}
	acquired, err := c.Subscribe(ctx, rule("NameAcquired"))
	if err != nil {
		return nil, err
	}
	lost, err := c.Subscribe(ctx, rule("NameLost"))
	if err != nil {
		acquired.Close()
		return nil, err
	}

	ret := &Claim{
		c:           c,
		acquired:    acquired,
		lost:        lost,
		owner:       make(chan bool, 1),
		name:        name,
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
	}
	if _, err := ret.Request(ctx, opts); err != nil {
		acquired.Close()
		lost.Close()
		return nil, err
	}

	go ret.pump()

	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.claims.Add(ret)
	}
	c.mu.Unlock()
	if closed {
		ret.stop()
		return nil, ErrConnectionLost
	}
	return ret, nil
}

// ClaimOptions are the options for a [Claim] to a bus name.
type ClaimOptions struct {
	// AllowReplacement is whether to allow another request that sets
	// TryReplace to take over ownership.
	AllowReplacement bool
	// TryReplace is whether to attempt to replace the current owner,
	// if the name already has an owner.
	//
	// Replacement is only permitted if the current owner made its
	// claim with the AllowReplacement option set. Otherwise, the
	// request for ownership joins the backup queue or returns an
	// error, depending on the NoQueue setting.
	TryReplace bool
	// NoQueue, if set, causes this claim to never join the backup
	// queue for any reason.
	//
	// If ownership is secured and a later event causes loss of
	// ownership, the claim becomes inactive until a new request is
	// explicitly made with Claim.Request.
	NoQueue bool
}

func (o ClaimOptions) flags() NameFlags {
	var ret NameFlags
	if o.AllowReplacement {
		ret |= NameFlagAllowReplacement
	}
	if o.TryReplace {
		ret |= NameFlagReplaceExisting
	}
	if o.NoQueue {
		ret |= NameFlagDoNotQueue
	}
	return ret
}

// Claim is a claim to ownership of a bus name.
//
// Multiple DBus clients may claim ownership of the same name. The bus
// tracks a single current owner, as well as a queue of other
// claimants that are eligible to succeed the current owner.
type Claim struct {
	c        *Conn
	acquired *Subscription
	lost     *Subscription
	owner    chan bool
	name     string

	stopPump    chan struct{}
	pumpStopped chan struct{}
}

// Request makes a new request to the bus for the claimed name, and
// returns the bus's reply.
//
// If this Claim is the current owner, Request updates the
// AllowReplacement and NoQueue settings without relinquishing
// ownership.
func (c *Claim) Request(ctx context.Context, opts ClaimOptions) (RequestNameReply, error) {
	return c.c.RequestName(ctx, c.name, opts.flags())
}

// Close abandons the claim.
//
// If the claim is the current owner of the bus name, ownership is
// lost and may be passed on to another claimant.
func (c *Claim) Close() error {
	if !c.stop() {
		return nil
	}
	c.c.mu.Lock()
	if c.c.claims != nil {
		c.c.claims.Remove(c)
	}
	c.c.mu.Unlock()

	if c.c.isClosed() {
		return nil
	}
	reply, err := c.c.ReleaseName(context.Background(), c.name)
	if err != nil {
		return err
	}
	if reply != ReleaseNameReplyReleased && reply != ReleaseNameReplyNotOwner {
		return fmt.Errorf("releasing name %s: %s", c.name, reply)
	}
	return nil
}

// stop shuts down the claim's pump and subscriptions. It reports
// whether the claim was running.
func (c *Claim) stop() bool {
	select {
	case <-c.stopPump:
		return false
	default:
	}
	close(c.stopPump)
	<-c.pumpStopped
	c.acquired.Close()
	c.lost.Close()

	// One final send to report loss of ownership, before closing the
	// chan.
	c.send(false)
	close(c.owner)
	return true
}

// Name returns the claim's bus name.
func (c *Claim) Name() string { return c.name }

// Chan returns a channel that reports whether this claim is the
// current owner of the bus name.
func (c *Claim) Chan() <-chan bool { return c.owner }

func (c *Claim) send(isOwner bool) {
	select {
	case c.owner <- isOwner:
	case <-c.owner:
		c.owner <- isOwner
	}
}

func (c *Claim) pump() {
	defer close(c.pumpStopped)
	acq, lost := c.acquired.Chan(), c.lost.Chan()
	for acq != nil || lost != nil {
		select {
		case <-c.stopPump:
			return
		case _, ok := <-acq:
			if !ok {
				acq = nil
				continue
			}
			c.send(true)
		case _, ok := <-lost:
			if !ok {
				lost = nil
				continue
			}
			c.send(false)
		}
	}
}
