package dbusobj

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"
)

// Peer is a handle to a bus peer, identified by its bus name.
type Peer struct {
	c    *Conn
	name string
}

// Conn returns the DBus connection associated with the peer.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Object returns a handle to the object at path on the peer.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}

// Ping checks that the peer is reachable.
func (p Peer) Ping(ctx context.Context) error {
	return p.Object("/").Interface(ifacePeer).Call(ctx, "Ping", nil, nil)
}

// MachineID returns the ID of the machine the peer is running on.
func (p Peer) MachineID(ctx context.Context) (string, error) {
	return Call[string, any](ctx, p.Object("/").Interface(ifacePeer), "GetMachineId", nil)
}

func (c *Conn) peerPing(context.Context, ObjectPath) error {
	return nil
}

var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

func (c *Conn) peerMachineID(context.Context, ObjectPath) (string, error) {
	id, err := machineID()
	if err != nil {
		return "", errorf(ErrNameFailed, "reading machine ID: %v", err)
	}
	return id, nil
}
