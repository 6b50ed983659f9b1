package dbusobj

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/google/go-cmp/cmp"
)

const ifaceClock = "org.test.Clock"

type tick struct {
	N     uint32
	Label string
}

func exportClock(t *testing.T, c *Conn) {
	t.Helper()
	err := c.Export("/clock", ifaceClock, Implementation{
		Signals: map[string]any{
			"Tick":  tick{},
			"Alarm": nil,
		},
	})
	if err != nil {
		t.Fatalf("exporting clock: %v", err)
	}
}

func TestEmit(t *testing.T) {
	server, client, _ := newPair(t)
	exportClock(t, server)
	ctx := context.Background()
	remoteTicks := mustSubscribe(t, client, MatchSignal(ifaceClock, "Tick"))
	localTicks := mustSubscribe(t, server, MatchSignal(ifaceClock, "Tick"))

	if err := server.Emit(ctx, "/clock", ifaceClock, "Tick", tick{1, "one"}); err != nil {
		t.Fatalf("Emit(Tick) failed: %v", err)
	}

	for _, s := range []*Subscription{remoteTicks, localTicks} {
		sig := recvSignal(t, s)
		if sig.Path != "/clock" || sig.Interface != ifaceClock || sig.Member != "Tick" {
			t.Errorf("got signal %s %s.%s, want /clock %s.Tick", sig.Path, sig.Interface, sig.Member, ifaceClock)
		}
		if diff := cmp.Diff(sig.Body, []any{uint32(1), "one"}); diff != "" {
			t.Errorf("wrong signal body (-got+want):\n%s", diff)
		}
		var got tick
		if err := sig.Decode(ctx, &got); err != nil {
			t.Fatalf("decoding signal: %v", err)
		}
		if diff := cmp.Diff(got, tick{1, "one"}); diff != "" {
			t.Errorf("wrong decoded signal (-got+want):\n%s", diff)
		}
		if sig.Overflow {
			t.Error("signal unexpectedly marked as overflowed")
		}
	}
}

func TestEmitErrors(t *testing.T) {
	server, _, _ := newPair(t)
	exportClock(t, server)
	ctx := context.Background()

	var terr TypeError
	if err := server.Emit(ctx, "/clock", ifaceClock, "Tick", "not a tick"); !errors.As(err, &terr) {
		t.Errorf("Emit(Tick) with wrong body returned %v, want TypeError", err)
	}
	if err := server.Emit(ctx, "/clock", ifaceClock, "Alarm", uint32(1)); !errors.As(err, &terr) {
		t.Errorf("Emit(Alarm) with unexpected body returned %v, want TypeError", err)
	}
	if err := server.Emit(ctx, "/clock", ifaceClock, "Alarm", nil); err != nil {
		t.Errorf("Emit(Alarm) failed: %v", err)
	}
	// Undeclared signals are sent as given.
	if err := server.Emit(ctx, "/clock", ifaceClock, "Chime", "bong"); err != nil {
		t.Errorf("Emit(Chime) failed: %v", err)
	}
	if err := server.Emit(ctx, "clock", ifaceClock, "Tick", tick{}); err == nil {
		t.Error("Emit with invalid path succeeded")
	}
	if err := server.Emit(ctx, "/clock", "clock", "Tick", tick{}); err == nil {
		t.Error("Emit with invalid interface succeeded")
	}
	if err := server.Emit(ctx, "/clock", ifaceClock, "Tick.Tock", tick{}); err == nil {
		t.Error("Emit with invalid member succeeded")
	}
}

func TestSubscriptionFiltering(t *testing.T) {
	server, client, _ := newPair(t)
	exportClock(t, server)
	ctx := context.Background()

	all := mustSubscribe(t, client, MatchRule{})
	rule := MatchSignal(ifaceClock, "Tick")
	rule.Args = map[int]string{1: "two"}
	two := mustSubscribe(t, client, rule)
	alarms := mustSubscribe(t, client, MatchRule{
		Path:   value.Just[ObjectPath]("/clock"),
		Member: value.Just("Alarm"),
	})

	for i, label := range []string{"one", "two", "three"} {
		if err := server.Emit(ctx, "/clock", ifaceClock, "Tick", tick{uint32(i + 1), label}); err != nil {
			t.Fatal(err)
		}
	}
	if err := server.Emit(ctx, "/clock", ifaceClock, "Alarm", nil); err != nil {
		t.Fatal(err)
	}

	var got []string
	for range 4 {
		got = append(got, recvSignal(t, all).Member)
	}
	if diff := cmp.Diff(got, []string{"Tick", "Tick", "Tick", "Alarm"}); diff != "" {
		t.Errorf("wrong signals for match-all rule (-got+want):\n%s", diff)
	}
	if sig := recvSignal(t, two); sig.Body[1] != "two" {
		t.Errorf("arg1 rule got body %v, want arg1 two", sig.Body)
	}
	if sig := recvSignal(t, alarms); sig.Member != "Alarm" {
		t.Errorf("alarm rule got %s, want Alarm", sig.Member)
	}
}

func TestSubscribeSeesOnlyLaterSignals(t *testing.T) {
	server, _, _ := newPair(t)
	exportClock(t, server)
	ctx := context.Background()

	if err := server.Emit(ctx, "/clock", ifaceClock, "Tick", tick{1, "before"}); err != nil {
		t.Fatal(err)
	}
	s := mustSubscribe(t, server, MatchSignal(ifaceClock, "Tick"))
	if err := server.Emit(ctx, "/clock", ifaceClock, "Tick", tick{2, "after"}); err != nil {
		t.Fatal(err)
	}
	if sig := recvSignal(t, s); sig.Body[1] != "after" {
		t.Errorf("first signal on new subscription is %v, want the one emitted after Subscribe", sig.Body)
	}
}

func TestSubscriptionOverflow(t *testing.T) {
	server, _, _ := newPair(t)
	exportClock(t, server)
	ctx := context.Background()
	s := mustSubscribe(t, server, MatchSignal(ifaceClock, "Tick"))

	const total = 3 * maxSubscriptionQueue
	for i := range total {
		if err := server.Emit(ctx, "/clock", ifaceClock, "Tick", tick{uint32(i), ""}); err != nil {
			t.Fatal(err)
		}
	}

	var got []*Signal
	for done := false; !done; {
		select {
		case sig := <-s.Chan():
			got = append(got, sig)
		case <-time.After(200 * time.Millisecond):
			done = true
		}
	}

	if len(got) >= total {
		t.Fatalf("received all %d signals, want some dropped", len(got))
	}
	if len(got) > maxSubscriptionQueue+2 {
		t.Errorf("received %d signals, queue should hold at most %d", len(got), maxSubscriptionQueue)
	}
	// Overflow must be set exactly on the signals that precede a
	// gap in the sequence.
	for i, sig := range got {
		n := sig.Body[0].(uint32)
		next := uint32(total)
		if i+1 < len(got) {
			next = got[i+1].Body[0].(uint32)
		}
		if next <= n {
			t.Fatalf("signal %d has N=%d, not before next N=%d", i, n, next)
		}
		if gap := next != n+1; sig.Overflow != gap {
			t.Errorf("signal N=%d has Overflow=%v, next N=%d", n, sig.Overflow, next)
		}
	}
	if n := got[0].Body[0].(uint32); n != 0 {
		t.Errorf("first signal has N=%d, want 0", n)
	}

	// Once drained, the subscription delivers normally again.
	if err := server.Emit(ctx, "/clock", ifaceClock, "Tick", tick{999, ""}); err != nil {
		t.Fatal(err)
	}
	sig := recvSignal(t, s)
	if n := sig.Body[0].(uint32); n != 999 || sig.Overflow {
		t.Errorf("signal after drain has N=%d Overflow=%v, want N=999 Overflow=false", n, sig.Overflow)
	}
}

func TestSubscriptionClose(t *testing.T) {
	server, _, _ := newPair(t)
	exportClock(t, server)
	ctx := context.Background()
	s, err := server.Subscribe(ctx, MatchSignal(ifaceClock, "Tick"))
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Emit(ctx, "/clock", ifaceClock, "Tick", tick{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-s.Chan(); ok {
		t.Error("received signal after Close")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	// Emitting with no subscribers is fine.
	if err := server.Emit(ctx, "/clock", ifaceClock, "Tick", tick{}); err != nil {
		t.Fatal(err)
	}
}

func TestSubscriptionDisconnected(t *testing.T) {
	server, client, _ := newPair(t)
	ctx := context.Background()
	disc, err := client.Subscribe(ctx, MatchSignal(ifaceLocal, "Disconnected"))
	if err != nil {
		t.Fatal(err)
	}
	ticks, err := client.Subscribe(ctx, MatchSignal(ifaceClock, "Tick"))
	if err != nil {
		t.Fatal(err)
	}

	server.Close()

	sig := recvSignal(t, disc)
	if sig.Path != "/org/freedesktop/DBus/Local" || sig.Member != "Disconnected" {
		t.Errorf("got signal %s %s.%s, want Local.Disconnected", sig.Path, sig.Interface, sig.Member)
	}
	for _, s := range []*Subscription{disc, ticks} {
		select {
		case sig, ok := <-s.Chan():
			if ok {
				t.Errorf("subscription %s got %s after disconnect, want closed channel", s.Rule(), sig)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("subscription %s not closed after disconnect", s.Rule())
		}
	}

	if _, err := client.Subscribe(ctx, MatchSignal(ifaceClock, "Tick")); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Subscribe on lost conn returned %v, want %v", err, ErrConnectionLost)
	}
	if err := disc.Close(); err != nil {
		t.Errorf("closing finished subscription: %v", err)
	}
}

func TestSubscribeInvalidRule(t *testing.T) {
	server, _, _ := newPair(t)
	_, err := server.Subscribe(context.Background(), MatchRule{Interface: value.Just("nodots")})
	if err == nil {
		t.Error("Subscribe with invalid rule succeeded")
	}
}

func TestSubscribeDuringDelivery(t *testing.T) {
	server, _, _ := newPair(t)
	exportClock(t, server)
	ctx := context.Background()
	early := mustSubscribe(t, server, MatchSignal(ifaceClock, "Tick"))

	// Subscribe while the first Tick is being delivered, after the
	// subscriber snapshot is taken.
	var late *Subscription
	hook := func() {
		if late == nil {
			late = mustSubscribe(t, server, MatchSignal(ifaceClock, "Tick"))
		}
	}
	server.signals.afterSnapshot.Store(&hook)
	defer server.signals.afterSnapshot.Store(nil)
	if err := server.Emit(ctx, "/clock", ifaceClock, "Tick", tick{1, "in flight"}); err != nil {
		t.Fatal(err)
	}
	if late == nil {
		t.Fatal("delivery did not subscribe")
	}
	if err := server.Emit(ctx, "/clock", ifaceClock, "Tick", tick{2, "next"}); err != nil {
		t.Fatal(err)
	}

	if sig := recvSignal(t, early); sig.Body[1] != "in flight" {
		t.Errorf("existing subscription got %v first, want the in-flight signal", sig.Body)
	}
	if sig := recvSignal(t, late); sig.Body[1] != "next" {
		t.Errorf("subscription made during delivery got %v first, want only later signals", sig.Body)
	}
}

func TestSubscribeConcurrentWithEmit(t *testing.T) {
	server, _, _ := newPair(t)
	exportClock(t, server)
	ctx := context.Background()

	var (
		emitted atomic.Uint32
		stop    = make(chan struct{})
		done    = make(chan error, 1)
	)
	go func() {
		defer close(done)
		for n := uint32(0); ; n++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := server.Emit(ctx, "/clock", ifaceClock, "Tick", tick{n, ""}); err != nil {
				done <- err
				return
			}
			emitted.Store(n + 1)
		}
	}()

	for range 20 {
		// Every signal whose Emit returned before Subscribe started
		// must not be delivered to the new subscription.
		before := emitted.Load()
		s, err := server.Subscribe(ctx, MatchSignal(ifaceClock, "Tick"))
		if err != nil {
			t.Fatal(err)
		}
		sig := recvSignal(t, s)
		if n := sig.Body[0].(uint32); n < before {
			t.Errorf("new subscription received tick %d, emitted before Subscribe (%d done)", n, before)
		}
		s.Close()
	}
	close(stop)
	if err := <-done; err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
}

func TestSignalBodiesNotShared(t *testing.T) {
	server, _, _ := newPair(t)
	exportClock(t, server)
	a := mustSubscribe(t, server, MatchSignal(ifaceClock, "Tick"))
	b := mustSubscribe(t, server, MatchSignal(ifaceClock, "Tick"))

	if err := server.Emit(context.Background(), "/clock", ifaceClock, "Tick", tick{1, "one"}); err != nil {
		t.Fatal(err)
	}
	sa, sb := recvSignal(t, a), recvSignal(t, b)
	sa.Body[0] = uint32(99)
	if diff := cmp.Diff(sb.Body, []any{uint32(1), "one"}); diff != "" {
		t.Errorf("modifying one subscription's body changed another's (-got+want):\n%s", diff)
	}
}
