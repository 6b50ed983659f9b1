package dbusobj

import (
	"context"
	"fmt"
)

// ExportObjectManager exports the org.freedesktop.DBus.ObjectManager
// interface at path.
//
// The manager reports all objects exported at or below path. Unless
// a deeper ObjectManager exists, it emits InterfacesAdded and
// InterfacesRemoved as interfaces are exported and unexported in its
// subtree.
func (c *Conn) ExportObjectManager(path ObjectPath) error {
	if err := path.Valid(); err != nil {
		return err
	}
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
	if obj.manager {
		return fmt.Errorf("%w: %s at %s", ErrPathAlreadyExported, ifaceObjectManager, path)
	}
	obj.manager = true
	return nil
}

// UnexportObjectManager removes the ObjectManager at path.
func (c *Conn) UnexportObjectManager(path ObjectPath) error {
	c.objects.mu.Lock()
	defer c.objects.mu.Unlock()
	obj := c.objects.objects[path]
	if obj == nil || !obj.manager {
		return fmt.Errorf("%w: %s at %s", ErrNotExported, ifaceObjectManager, path)
	}
	obj.manager = false
	obj.mu.RLock()
	empty := len(obj.ifaces) == 0
	obj.mu.RUnlock()
	if empty {
		delete(c.objects.objects, path)
	}
	return nil
}

func (c *Conn) getManagedObjects(ctx context.Context, path ObjectPath) (map[ObjectPath]map[string]map[string]any, error) {
	c.objects.mu.RLock()
	defer c.objects.mu.RUnlock()
	ret := map[ObjectPath]map[string]map[string]any{}
	for p, obj := range c.objects.objects {
		if !p.IsWithin(path) {
			continue
		}
		ifaces := func() map[string]map[string]any {
			obj.mu.RLock()
			defer obj.mu.RUnlock()
			ret := make(map[string]map[string]any, len(obj.ifaces))
			for name, ei := range obj.ifaces {
				ret[name] = obj.readableProps(ei)
			}
			return ret
		}()
		if len(ifaces) > 0 {
			ret[p] = ifaces
		}
	}
	return ret, nil
}
