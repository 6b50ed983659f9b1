package dbusobj

import (
	"context"
	"errors"
	"maps"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestObjectManagerSignals(t *testing.T) {
	server, client, _ := newPair(t)
	ctx := context.Background()
	if err := server.ExportObjectManager("/app"); err != nil {
		t.Fatalf("ExportObjectManager failed: %v", err)
	}
	if err := server.ExportObjectManager("/app"); !errors.Is(err, ErrPathAlreadyExported) {
		t.Errorf("second ExportObjectManager returned %v, want %v", err, ErrPathAlreadyExported)
	}
	added := mustSubscribe(t, client, MatchSignal(ifaceObjectManager, "InterfacesAdded"))
	removed := mustSubscribe(t, client, MatchSignal(ifaceObjectManager, "InterfacesRemoved"))

	recvAdded := func() (ObjectPath, InterfacesAdded) {
		t.Helper()
		sig := recvSignal(t, added)
		var ret InterfacesAdded
		if err := sig.Decode(ctx, &ret); err != nil {
			t.Fatalf("decoding InterfacesAdded: %v", err)
		}
		return sig.Path, ret
	}
	recvRemoved := func() (ObjectPath, InterfacesRemoved) {
		t.Helper()
		sig := recvSignal(t, removed)
		var ret InterfacesRemoved
		if err := sig.Decode(ctx, &ret); err != nil {
			t.Fatalf("decoding InterfacesRemoved: %v", err)
		}
		return sig.Path, ret
	}

	exportDevice(t, server, "/app/dev")
	from, gotAdded := recvAdded()
	if from != "/app" {
		t.Errorf("InterfacesAdded emitted by %s, want /app", from)
	}
	wantAdded := InterfacesAdded{
		Path: "/app/dev",
		Interfaces: map[string]map[string]any{
			ifaceDevice: {
				"Name":   "gopher",
				"Serial": uint32(42),
				"Level":  uint8(3),
				"Cached": int32(1),
				"Quiet":  false,
			},
		},
	}
	if diff := cmp.Diff(gotAdded, wantAdded); diff != "" {
		t.Errorf("wrong InterfacesAdded (-got+want):\n%s", diff)
	}

	// Exports outside the manager's subtree are not announced, and
	// each export is announced once. The next signal is for the
	// next export under /app.
	exportDevice(t, server, "/other/dev")
	exportClock(t, server)
	if err := server.Export("/app/clock", ifaceClock, Implementation{Signals: map[string]any{"Tick": tick{}}}); err != nil {
		t.Fatal(err)
	}
	from, gotAdded = recvAdded()
	wantAdded = InterfacesAdded{
		Path:       "/app/clock",
		Interfaces: map[string]map[string]any{ifaceClock: {}},
	}
	if from != "/app" {
		t.Errorf("InterfacesAdded emitted by %s, want /app", from)
	}
	if diff := cmp.Diff(gotAdded, wantAdded, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("wrong InterfacesAdded (-got+want):\n%s", diff)
	}

	// A deeper manager takes over announcements for its subtree.
	if err := server.ExportObjectManager("/app/sub"); err != nil {
		t.Fatal(err)
	}
	exportDevice(t, server, "/app/sub/dev")
	from, gotAdded = recvAdded()
	if from != "/app/sub" || gotAdded.Path != "/app/sub/dev" {
		t.Errorf("InterfacesAdded for %s emitted by %s, want /app/sub/dev by /app/sub", gotAdded.Path, from)
	}

	if err := server.Unexport("/app/dev", ifaceDevice); err != nil {
		t.Fatalf("Unexport failed: %v", err)
	}
	from, gotRemoved := recvRemoved()
	if from != "/app" {
		t.Errorf("InterfacesRemoved emitted by %s, want /app", from)
	}
	if diff := cmp.Diff(gotRemoved, InterfacesRemoved{"/app/dev", []string{ifaceDevice}}); diff != "" {
		t.Errorf("wrong InterfacesRemoved (-got+want):\n%s", diff)
	}
	if err := server.Unexport("/app/dev", ifaceDevice); !errors.Is(err, ErrNotExported) {
		t.Errorf("second Unexport returned %v, want %v", err, ErrNotExported)
	}

	if err := server.UnexportObject("/app/clock"); err != nil {
		t.Fatalf("UnexportObject failed: %v", err)
	}
	from, gotRemoved = recvRemoved()
	if from != "/app" {
		t.Errorf("InterfacesRemoved emitted by %s, want /app", from)
	}
	if diff := cmp.Diff(gotRemoved, InterfacesRemoved{"/app/clock", []string{ifaceClock}}); diff != "" {
		t.Errorf("wrong InterfacesRemoved (-got+want):\n%s", diff)
	}
	if err := server.UnexportObject("/app/clock"); !errors.Is(err, ErrNotExported) {
		t.Errorf("second UnexportObject returned %v, want %v", err, ErrNotExported)
	}
}

func TestGetManagedObjects(t *testing.T) {
	server, client, _ := newPair(t)
	ctx := context.Background()
	if err := server.ExportObjectManager("/app"); err != nil {
		t.Fatal(err)
	}
	exportDevice(t, server, "/app/a")
	exportDevice(t, server, "/app/deep/b")
	exportDevice(t, server, "/elsewhere")
	if err := server.Export("/app/a", ifaceClock, Implementation{}); err != nil {
		t.Fatal(err)
	}

	objs, err := client.Peer("").Object("/app").ManagedObjects(ctx)
	if err != nil {
		t.Fatalf("ManagedObjects failed: %v", err)
	}
	got := map[ObjectPath][]string{}
	for obj, ifaces := range objs {
		for _, iface := range ifaces {
			got[obj.Path()] = append(got[obj.Path()], iface.Name())
		}
	}
	want := map[ObjectPath][]string{
		"/app/a":      {ifaceClock, ifaceDevice},
		"/app/deep/b": {ifaceDevice},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("wrong managed objects (-got+want):\n%s", diff)
	}

	raw, err := Call[map[ObjectPath]map[string]map[string]any, any](ctx, remote(client, "/app", ifaceObjectManager), "GetManagedObjects", nil)
	if err != nil {
		t.Fatalf("GetManagedObjects failed: %v", err)
	}
	if got := slices.Sorted(maps.Keys(raw)); !slices.Equal(got, []ObjectPath{"/app/a", "/app/deep/b"}) {
		t.Errorf("GetManagedObjects returned paths %v", got)
	}
	if got := raw["/app/deep/b"][ifaceDevice]["Serial"]; got != uint32(42) {
		t.Errorf("managed property Serial = %v, want 42", got)
	}
	if _, ok := raw["/app/deep/b"][ifaceDevice]["Secret"]; ok {
		t.Error("managed properties include write-only property")
	}

	err = remote(client, "/elsewhere", ifaceObjectManager).Call(ctx, "GetManagedObjects", nil, nil)
	if !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("GetManagedObjects on non-manager returned %v, want %v", err, ErrUnknownMethod)
	}

	if err := server.UnexportObjectManager("/app"); err != nil {
		t.Fatalf("UnexportObjectManager failed: %v", err)
	}
	if err := server.UnexportObjectManager("/app"); !errors.Is(err, ErrNotExported) {
		t.Errorf("second UnexportObjectManager returned %v, want %v", err, ErrNotExported)
	}
	err = remote(client, "/app", ifaceObjectManager).Call(ctx, "GetManagedObjects", nil, nil)
	if !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("GetManagedObjects after UnexportObjectManager returned %v, want %v", err, ErrUnknownMethod)
	}
}
