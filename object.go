package dbusobj

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Object is a handle to an object exported by a bus peer.
type Object struct {
	p    Peer
	path ObjectPath
}

// Conn returns the DBus connection associated with the object.
func (o Object) Conn() *Conn { return o.p.Conn() }

// Peer returns the peer that exports the object.
func (o Object) Peer() Peer { return o.p }

// Path returns the object's path.
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s:%s", o.p, o.path)
}

// Child returns a handle to the child object with the given name.
func (o Object) Child(name string) Object {
	return o.p.Object(o.path.Child(name))
}

// Interface returns a handle to the named interface on the object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Introspect returns the object's self-description.
func (o Object) Introspect(ctx context.Context) (*ObjectDescription, error) {
	resp, err := Call[string, any](ctx, o.Interface(ifaceIntrospect), "Introspect", nil)
	if err != nil {
		return nil, err
	}
	return ParseObjectDescription(resp)
}

// ManagedObjects returns the objects managed by the object, which
// must implement org.freedesktop.DBus.ObjectManager, along with
// their interfaces.
func (o Object) ManagedObjects(ctx context.Context) (map[Object][]Interface, error) {
	resp, err := Call[map[ObjectPath]map[string]map[string]any, any](ctx, o.Interface(ifaceObjectManager), "GetManagedObjects", nil)
	if err != nil {
		return nil, err
	}
	ret := make(map[Object][]Interface, len(resp))
	for path, ifs := range resp {
		if !path.IsWithin(o.path) {
			return nil, fmt.Errorf("object manager %s returned unrelated object %s", o, path)
		}
		child := o.Peer().Object(path)
		ifaces := make([]Interface, 0, len(ifs))
		for _, ifname := range slices.Sorted(maps.Keys(ifs)) {
			ifaces = append(ifaces, child.Interface(ifname))
		}
		ret[child] = ifaces
	}
	return ret, nil
}
