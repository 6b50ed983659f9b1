package dbusobj

import (
	"context"
	"maps"
	"reflect"
	"slices"
)

// propsRequest is the body of Properties.Get.
type propsRequest struct {
	Interface string
	Property  string
}

// propsSetRequest is the body of Properties.Set.
type propsSetRequest struct {
	Interface string
	Property  string
	Value     any
}

func (c *Conn) propGet(ctx context.Context, path ObjectPath, req propsRequest) (any, error) {
	obj, ei, err := c.lookupPropsInterface(path, req.Interface)
	if err != nil {
		return nil, err
	}
	obj.mu.RLock()
	defer obj.mu.RUnlock()
	p := ei.props[req.Property]
	if p == nil {
		return nil, errorf(ErrNameUnknownProperty, "no property %s.%s on object %s", req.Interface, req.Property, path)
	}
	if !p.access.readable() {
		return nil, errorf(ErrNameAccessDenied, "property %s.%s is not readable", req.Interface, req.Property)
	}
	return p.value, nil
}

func (c *Conn) propGetAll(ctx context.Context, path ObjectPath, iface string) (map[string]any, error) {
	if iface == "" {
		obj := c.objects.lookupObject(path)
		if obj == nil {
			return nil, errorf(ErrNameUnknownObject, "no object at path %s", path)
		}
		obj.mu.RLock()
		defer obj.mu.RUnlock()
		ret := map[string]any{}
		for _, ei := range sortedInterfaces(obj.ifaces) {
			maps.Copy(ret, obj.readableProps(ei))
		}
		return ret, nil
	}
	obj, ei, err := c.lookupPropsInterface(path, iface)
	if err != nil {
		return nil, err
	}
	obj.mu.RLock()
	defer obj.mu.RUnlock()
	return obj.readableProps(ei), nil
}

func (c *Conn) propSet(ctx context.Context, path ObjectPath, req propsSetRequest) error {
	return c.setProps(ctx, path, req.Interface, map[string]any{req.Property: req.Value}, true)
}

// SetProperty sets the value of a property exported by c.
//
// value must have the same DBus signature as the property's initial
// value. SetProperty stores a copy of value. Access restrictions and Validate functions apply only to
// remote peers, and are not checked by SetProperty.
//
// If value differs from the property's current value, a
// PropertiesChanged signal is emitted according to the property's
// Emits setting.
func (c *Conn) SetProperty(path ObjectPath, iface, name string, value any) error {
	return c.setProps(context.Background(), path, iface, map[string]any{name: value}, false)
}

// SetProperties is like SetProperty, but sets several properties of
// one interface at once. All changes are announced in a single
// PropertiesChanged signal.
//
// If any value is invalid, no properties are changed.
func (c *Conn) SetProperties(path ObjectPath, iface string, values map[string]any) error {
	return c.setProps(context.Background(), path, iface, values, false)
}

// GetProperty returns the current value of a property exported by c.
// Access restrictions do not apply.
//
// The returned value is a copy. Modifying it does not change the
// property.
func (c *Conn) GetProperty(path ObjectPath, iface, name string) (any, error) {
	obj, ei, err := c.lookupPropsInterface(path, iface)
	if err != nil {
		return nil, err
	}
	obj.mu.RLock()
	defer obj.mu.RUnlock()
	p := ei.props[name]
	if p == nil {
		return nil, errorf(ErrNameUnknownProperty, "no property %s.%s on object %s", iface, name, path)
	}
	return cloneValue(p.value), nil
}

func (c *Conn) lookupPropsInterface(path ObjectPath, iface string) (*object, *exportedInterface, error) {
	obj := c.objects.lookupObject(path)
	if obj == nil {
		return nil, nil, errorf(ErrNameUnknownObject, "no object at path %s", path)
	}
	obj.mu.RLock()
	defer obj.mu.RUnlock()
	ei := obj.ifaces[iface]
	if ei == nil {
		return nil, nil, errorf(ErrNameUnknownInterface, "no interface %s on object %s", iface, path)
	}
	return obj, ei, nil
}

// setProps stores new property values and emits PropertiesChanged
// for those that changed. If remote is set, the caller is a bus peer
// and access restrictions and Validate functions apply.
func (c *Conn) setProps(ctx context.Context, path ObjectPath, iface string, values map[string]any, remote bool) error {
	obj, ei, err := c.lookupPropsInterface(path, iface)
	if err != nil {
		return err
	}

	// Properties' types and access modes are fixed, so values can
	// be checked without holding the lock.
	names := slices.Sorted(maps.Keys(values))
	converted := make(map[string]any, len(values))
	for _, name := range names {
		p := ei.props[name]
		if p == nil {
			return errorf(ErrNameUnknownProperty, "no property %s.%s on object %s", iface, name, path)
		}
		if remote && !p.access.writable() {
			return errorf(ErrNamePropertyReadOnly, "property %s.%s is read-only", iface, name)
		}
		v, err := p.coerce(values[name])
		if err != nil {
			return errorf(ErrNameInvalidArgs, "property %s.%s: %v", iface, name, err)
		}
		if remote && p.validate != nil {
			if err := p.validate(ctx, v); err != nil {
				return err
			}
		}
		if !remote {
			v = cloneValue(v)
		}
		converted[name] = v
	}

	changed := func() *PropertiesChanged {
		obj.mu.Lock()
		defer obj.mu.Unlock()
		ret := &PropertiesChanged{
			Interface: iface,
			Changed:   map[string]any{},
		}
		for _, name := range names {
			p, v := ei.props[name], converted[name]
			if reflect.DeepEqual(p.value, v) {
				continue
			}
			p.value = v
			switch {
			case p.emits == EmitsTrue && p.access.readable():
				ret.Changed[name] = v
			case p.emits == EmitsTrue, p.emits == EmitsInvalidates:
				ret.Invalidated = append(ret.Invalidated, name)
			}
		}
		if len(ret.Changed) == 0 && len(ret.Invalidated) == 0 {
			return nil
		}
		return ret
	}()
	if changed != nil && c.exported(path, iface, ei) {
		c.emitInternal(path, ifaceProps, "PropertiesChanged", *changed)
	}
	return nil
}

// exported reports whether ei is still exported as iface at path.
func (c *Conn) exported(path ObjectPath, iface string, ei *exportedInterface) bool {
	obj := c.objects.lookupObject(path)
	if obj == nil {
		return false
	}
	obj.mu.RLock()
	defer obj.mu.RUnlock()
	return obj.ifaces[iface] == ei
}

// coerce returns v as a value of the property's Go type.
func (p *property) coerce(v any) (any, error) {
	if v == nil {
		return nil, typeErr(p.typ, "nil property value")
	}
	if reflect.TypeOf(v) == p.typ {
		return v, nil
	}
	ret, err := convertValue(v, p.typ)
	if err != nil {
		return nil, err
	}
	return ret.Interface(), nil
}
