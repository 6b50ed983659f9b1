package dbusobj

import (
	"context"
	"sync"

	"github.com/creachadair/mds/queue"
)

const maxSubscriptionQueue = 20

// Subscribe returns a Subscription that delivers signals matching
// rule.
//
// On bus connections, Subscribe also asks the bus to route matching
// signals to this connection. Signals emitted by this Conn with
// [Conn.Emit] are delivered to matching subscriptions directly.
//
// A Subscription receives only signals that arrive or are emitted
// after Subscribe returns.
func (c *Conn) Subscribe(ctx context.Context, rule MatchRule) (*Subscription, error) {
	if err := rule.Valid(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrConnectionLost
	}
	if !c.p2p {
		if err := c.AddMatch(ctx, rule); err != nil {
			return nil, err
		}
	}
	s := &Subscription{
		c:           c,
		rule:        rule,
		remote:      !c.p2p,
		signals:     make(chan *Signal),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
	}
	go s.pump()
	c.signals.add(s)
	if c.isClosed() {
		// Raced with shutdown, which may have missed s.
		s.finish()
	}
	return s, nil
}

// A Subscription delivers signals that match its rule.
type Subscription struct {
	c       *Conn
	rule    MatchRule
	remote  bool
	signals chan *Signal

	wakePump    chan struct{}
	stopPump    chan struct{}
	pumpStopped chan struct{}
	closeOnce   sync.Once

	mu       sync.Mutex
	queue    queue.Queue[*Signal]
	finished bool
}

// Rule returns the subscription's match rule.
func (s *Subscription) Rule() MatchRule { return s.rule }

// Chan returns the channel on which signals are delivered.
//
// The caller must drain this channel of new signals promptly, to
// avoid overflowing the Subscription's receive queue and losing
// signals of interest. Missing signals due to an overflow are
// indicated by the Overflow field of the [Signal] that immediately
// precedes the discarded signal(s).
//
// The channel is closed when the Subscription is closed, or after
// the final org.freedesktop.DBus.Local.Disconnected signal if the
// connection is lost.
func (s *Subscription) Chan() <-chan *Signal {
	return s.signals
}

// Close shuts down the Subscription. Signals not yet received from
// Chan are discarded.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.c.signals.remove(s)
		close(s.stopPump)
		<-s.pumpStopped

		s.mu.Lock()
		s.queue.Clear()
		s.mu.Unlock()

		if s.remote && !s.c.isClosed() {
			err = s.c.RemoveMatch(context.Background(), s.rule)
		}
	})
	return err
}

// finish stops the Subscription after it delivers its already
// queued signals.
func (s *Subscription) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	select {
	case s.wakePump <- struct{}{}:
	default:
	}
}

func (s *Subscription) enqueue(sig *Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}
	if s.queue.Len() >= maxSubscriptionQueue {
		last, _ := s.queue.Peek(-1)
		last.Overflow = true
		return
	}

	s.queue.Add(sig)
	if s.queue.Len() == 1 {
		select {
		case s.wakePump <- struct{}{}:
		default:
		}
	}
}

func (s *Subscription) pump() {
	defer close(s.pumpStopped)
	defer close(s.signals)
	for {
		sig, done := func() (*Signal, bool) {
			s.mu.Lock()
			defer s.mu.Unlock()
			ret, _ := s.queue.Pop()
			return ret, ret == nil && s.finished
		}()
		if done {
			return
		}
		if sig == nil {
			select {
			case <-s.stopPump:
				return
			case <-s.wakePump:
				continue
			}
		}
		select {
		case s.signals <- sig:
		case <-s.stopPump:
			return
		}
	}
}
