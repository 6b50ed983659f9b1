package dbusobj

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
)

// Standard interface names.
const (
	ifaceBus           = "org.freedesktop.DBus"
	ifacePeer          = "org.freedesktop.DBus.Peer"
	ifaceIntrospect    = "org.freedesktop.DBus.Introspectable"
	ifaceProps         = "org.freedesktop.DBus.Properties"
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
	ifaceLocal         = "org.freedesktop.DBus.Local"
)

// Implementation is the implementation of a DBus interface by a
// local object, for use with [Conn.Export].
type Implementation struct {
	// Methods maps method names to their implementation.
	Methods map[string]Method
	// Properties maps property names to their definition and
	// initial value.
	Properties map[string]Property
	// Signals maps the names of signals emitted by the interface to
	// a value of the signal's body type. The value is used only for
	// its type.
	Signals map[string]any
}

// Access describes whether a property can be read and written by
// remote peers.
type Access int

const (
	ReadWrite Access = iota
	ReadOnly
	WriteOnly
)

func (a Access) String() string {
	switch a {
	case ReadWrite:
		return "readwrite"
	case ReadOnly:
		return "read"
	case WriteOnly:
		return "write"
	default:
		return fmt.Sprintf("Access(%d)", int(a))
	}
}

func (a Access) readable() bool { return a != WriteOnly }
func (a Access) writable() bool { return a != ReadOnly }

// EmitsChanged describes how changes to a property are announced with
// the PropertiesChanged signal.
type EmitsChanged int

const (
	// EmitsTrue announces changes along with the property's new
	// value.
	EmitsTrue EmitsChanged = iota
	// EmitsInvalidates announces changes without the new value.
	EmitsInvalidates
	// EmitsConst declares that the property never changes.
	EmitsConst
	// EmitsFalse announces nothing when the property changes.
	EmitsFalse
)

func (e EmitsChanged) String() string {
	switch e {
	case EmitsTrue:
		return "true"
	case EmitsInvalidates:
		return "invalidates"
	case EmitsConst:
		return "const"
	case EmitsFalse:
		return "false"
	default:
		return fmt.Sprintf("EmitsChanged(%d)", int(e))
	}
}

// A Property is a property of an exported interface.
type Property struct {
	// Value is the property's initial value. Its type determines
	// the property's signature, which cannot change afterwards.
	Value any
	// Access controls whether remote peers can read and write the
	// property.
	Access Access
	// Emits controls the PropertiesChanged signal sent when the
	// property's value changes.
	Emits EmitsChanged
	// Validate, if non-nil, is called with the new value when a
	// remote peer sets the property. If Validate returns an error,
	// the property is not changed and the error is returned to the
	// caller.
	Validate func(ctx context.Context, value any) error
}

// property is a live property value in an exported object.
type property struct {
	name     string
	sig      Signature
	typ      reflect.Type
	access   Access
	emits    EmitsChanged
	validate func(context.Context, any) error

	// value is guarded by the owning object's mu.
	value any
}

// exportedInterface is one interface of an exported object.
type exportedInterface struct {
	name    string
	methods map[string]*handler
	props   map[string]*property
	signals map[string]*signalDecl
}

// signalDecl is a signal declared by an exported interface.
type signalDecl struct {
	sig  Signature
	args []string
}

func newExportedInterface(name string, impl Implementation) (*exportedInterface, error) {
	ret := &exportedInterface{
		name:    name,
		methods: map[string]*handler{},
		props:   map[string]*property{},
		signals: map[string]*signalDecl{},
	}
	for name, m := range impl.Methods {
		h, err := newHandler(name, m)
		if err != nil {
			return nil, err
		}
		ret.methods[name] = h
	}
	for name, p := range impl.Properties {
		if err := validMemberName(name); err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		if p.Value == nil {
			return nil, fmt.Errorf("property %s has nil initial value", name)
		}
		sig, err := SignatureOf(p.Value)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		ret.props[name] = &property{
			name:     name,
			sig:      sig,
			typ:      reflect.TypeOf(p.Value),
			access:   p.Access,
			emits:    p.Emits,
			validate: p.Validate,
			value:    cloneValue(p.Value),
		}
	}
	for name, body := range impl.Signals {
		if err := validMemberName(name); err != nil {
			return nil, fmt.Errorf("signal %s: %w", name, err)
		}
		decl := &signalDecl{}
		if body != nil {
			t := reflect.TypeOf(body)
			sig, err := bodySignature(t)
			if err != nil {
				return nil, fmt.Errorf("signal %s: %w", name, err)
			}
			decl.sig = sig
			decl.args = argNames(t, sig, nil)
		}
		ret.signals[name] = decl
	}
	return ret, nil
}

// object is a locally exported object.
type object struct {
	path ObjectPath
	// manager reports whether the object implements ObjectManager.
	// Guarded by registry.mu.
	manager bool

	// mu guards ifaces, and the values of the interfaces'
	// properties.
	mu     sync.RWMutex
	ifaces map[string]*exportedInterface
}

// readableProps returns the readable properties of iface. The caller
// must hold o.mu.
func (o *object) readableProps(iface *exportedInterface) map[string]any {
	ret := map[string]any{}
	for name, p := range iface.props {
		if p.access.readable() {
			ret[name] = p.value
		}
	}
	return ret
}

// registry is the set of objects exported by a Conn.
type registry struct {
	mu      sync.RWMutex
	objects map[ObjectPath]*object
}

func newRegistry() *registry {
	return &registry{
		objects: map[ObjectPath]*object{},
	}
}

// isStandardInterface reports whether name is one of the interfaces
// implicitly provided on every object.
func isStandardInterface(name string) bool {
	switch name {
	case ifacePeer, ifaceIntrospect, ifaceProps, ifaceObjectManager:
		return true
	}
	return false
}

// Export exports an implementation of the interface named iface at
// path. Export returns [ErrPathAlreadyExported] if iface is already
// exported at path.
//
// The org.freedesktop.DBus.Peer, Introspectable and Properties
// interfaces are provided automatically for all exported objects,
// and cannot be exported explicitly. See [Conn.ExportObjectManager]
// for ObjectManager.
//
// If path is managed by an ObjectManager, the InterfacesAdded signal
// is emitted.
func (c *Conn) Export(path ObjectPath, iface string, impl Implementation) error {
	if err := path.Valid(); err != nil {
		return err
	}
	if err := validInterfaceName(iface); err != nil {
		return err
	}
	if isStandardInterface(iface) {
		return fmt.Errorf("cannot export standard interface %s", iface)
	}
	ei, err := newExportedInterface(iface, impl)
	if err != nil {
		return fmt.Errorf("exporting %s at %s: %w", iface, path, err)
	}

	props, manager, err := func() (map[string]any, ObjectPath, error) {
		c.objects.mu.Lock()
		defer c.objects.mu.Unlock()
		obj := c.objects.objects[path]
		if obj == nil {
			obj = &object{
				path:   path,
				ifaces: map[string]*exportedInterface{},
			}
			c.objects.objects[path] = obj
		}
		obj.mu.Lock()
		defer obj.mu.Unlock()
		if obj.ifaces[iface] != nil {
			return nil, "", fmt.Errorf("%w: %s at %s", ErrPathAlreadyExported, iface, path)
		}
		obj.ifaces[iface] = ei
		m, _ := c.objects.managerForLocked(path)
		return obj.readableProps(ei), m, nil
	}()
	if err != nil {
		return err
	}

	c.logger().WithField("path", path).WithField("interface", iface).Debug("exported interface")
	if manager != "" {
		c.emitInternal(manager, ifaceObjectManager, "InterfacesAdded", InterfacesAdded{
			Path:       path,
			Interfaces: map[string]map[string]any{iface: props},
		})
	}
	return nil
}

// Unexport removes the implementation of iface at path. Unexport
// returns [ErrNotExported] if iface is not exported at path.
//
// If path is managed by an ObjectManager, the InterfacesRemoved
// signal is emitted.
func (c *Conn) Unexport(path ObjectPath, iface string) error {
	manager, err := func() (ObjectPath, error) {
		c.objects.mu.Lock()
		defer c.objects.mu.Unlock()
		obj := c.objects.objects[path]
		if obj == nil {
			return "", fmt.Errorf("%w: %s at %s", ErrNotExported, iface, path)
		}
		obj.mu.Lock()
		defer obj.mu.Unlock()
		if obj.ifaces[iface] == nil {
			return "", fmt.Errorf("%w: %s at %s", ErrNotExported, iface, path)
		}
		delete(obj.ifaces, iface)
		if len(obj.ifaces) == 0 && !obj.manager {
			delete(c.objects.objects, path)
		}
		m, _ := c.objects.managerForLocked(path)
		return m, nil
	}()
	if err != nil {
		return err
	}

	c.logger().WithField("path", path).WithField("interface", iface).Debug("unexported interface")
	if manager != "" {
		c.emitInternal(manager, ifaceObjectManager, "InterfacesRemoved", InterfacesRemoved{
			Path:       path,
			Interfaces: []string{iface},
		})
	}
	return nil
}

// UnexportObject removes all interfaces exported at path, including
// ObjectManager. UnexportObject returns [ErrNotExported] if nothing is
// exported at path.
func (c *Conn) UnexportObject(path ObjectPath) error {
	ifaces, manager, err := func() ([]string, ObjectPath, error) {
		c.objects.mu.Lock()
		defer c.objects.mu.Unlock()
		obj := c.objects.objects[path]
		if obj == nil {
			return nil, "", fmt.Errorf("%w: %s", ErrNotExported, path)
		}
		delete(c.objects.objects, path)
		obj.mu.RLock()
		defer obj.mu.RUnlock()
		m, _ := c.objects.managerForLocked(path)
		return slices.Sorted(maps.Keys(obj.ifaces)), m, nil
	}()
	if err != nil {
		return err
	}
	if manager != "" && len(ifaces) > 0 {
		c.emitInternal(manager, ifaceObjectManager, "InterfacesRemoved", InterfacesRemoved{
			Path:       path,
			Interfaces: ifaces,
		})
	}
	return nil
}

// Interfaces returns the names of the interfaces available on the
// locally exported object at path, including the standard interfaces
// provided automatically. It returns nil if nothing is exported at
// path.
func (c *Conn) Interfaces(path ObjectPath) []string {
	std := c.standardAt(path)
	if len(std) == 1 {
		return nil
	}
	ret := slices.Clone(std)
	if obj := c.objects.lookupObject(path); obj != nil {
		obj.mu.RLock()
		ret = slices.AppendSeq(ret, maps.Keys(obj.ifaces))
		obj.mu.RUnlock()
	}
	slices.Sort(ret)
	return ret
}

// lookupObject returns the object at path, or nil.
func (r *registry) lookupObject(path ObjectPath) *object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects[path]
}

// hasChildrenLocked reports whether any object is exported strictly
// below path. The caller must hold r.mu.
func (r *registry) hasChildrenLocked(path ObjectPath) bool {
	for p := range r.objects {
		if p.IsChildOf(path) {
			return true
		}
	}
	return false
}

// childNamesLocked returns the names of path's immediate children in
// the object tree, including intermediate nodes that exist only
// because of deeper descendants. The caller must hold r.mu.
func (r *registry) childNamesLocked(path ObjectPath) []string {
	seen := map[string]bool{}
	prefix := string(path)
	if prefix != "/" {
		prefix += "/"
	}
	for p := range r.objects {
		if !p.IsChildOf(path) {
			continue
		}
		rest := string(p)[len(prefix):]
		for i := range len(rest) {
			if rest[i] == '/' {
				rest = rest[:i]
				break
			}
		}
		seen[rest] = true
	}
	return slices.Sorted(maps.Keys(seen))
}

// managerForLocked returns the path of the nearest ObjectManager at or
// above path. The caller must hold r.mu.
func (r *registry) managerForLocked(path ObjectPath) (ObjectPath, bool) {
	for p := path; ; p = p.Parent() {
		if obj := r.objects[p]; obj != nil && obj.manager {
			return p, true
		}
		if p == "/" {
			return "", false
		}
	}
}

// lookupMethod resolves a method call to its handler.
func (r *registry) lookupMethod(path ObjectPath, iface, member string) (*handler, *Error) {
	obj := r.lookupObject(path)
	if obj == nil {
		return nil, errorf(ErrNameUnknownObject, "no object at path %s", path)
	}
	obj.mu.RLock()
	defer obj.mu.RUnlock()
	if iface == "" {
		for _, name := range slices.Sorted(maps.Keys(obj.ifaces)) {
			if h := obj.ifaces[name].methods[member]; h != nil {
				return h, nil
			}
		}
		return nil, errorf(ErrNameUnknownMethod, "no method %s on object %s", member, path)
	}
	ei := obj.ifaces[iface]
	if ei == nil {
		return nil, errorf(ErrNameUnknownMethod, "no interface %s on object %s", iface, path)
	}
	h := ei.methods[member]
	if h == nil {
		return nil, errorf(ErrNameUnknownMethod, "no method %s.%s on object %s", iface, member, path)
	}
	return h, nil
}
