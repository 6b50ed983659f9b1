package dbusobj

import (
	"fmt"
	"maps"
	"slices"
)

// standardInterfaces returns the method tables of the interfaces
// that c provides automatically.
func (c *Conn) standardInterfaces() map[string]map[string]Method {
	return map[string]map[string]Method{
		ifacePeer: {
			"Ping":         {Func: c.peerPing},
			"GetMachineId": {Func: c.peerMachineID, OutArgs: []string{"machine_uuid"}},
		},
		ifaceIntrospect: {
			"Introspect": {Func: c.introspect, OutArgs: []string{"xml_data"}},
		},
		ifaceProps: {
			"Get":    {Func: c.propGet, InArgs: []string{"interface_name", "property_name"}, OutArgs: []string{"value"}},
			"Set":    {Func: c.propSet, InArgs: []string{"interface_name", "property_name", "value"}},
			"GetAll": {Func: c.propGetAll, InArgs: []string{"interface_name"}, OutArgs: []string{"props"}},
		},
		ifaceObjectManager: {
			"GetManagedObjects": {Func: c.getManagedObjects, OutArgs: []string{"objpath_interfaces_and_properties"}},
		},
	}
}

// standardSignals lists the signals emitted by the standard
// interfaces, for introspection.
var standardSignals = map[string]map[string]*signalDecl{
	ifaceProps: {
		"PropertiesChanged": mustSignalDecl[PropertiesChanged]("interface_name", "changed_properties", "invalidated_properties"),
	},
	ifaceObjectManager: {
		"InterfacesAdded":   mustSignalDecl[InterfacesAdded]("object_path", "interfaces_and_properties"),
		"InterfacesRemoved": mustSignalDecl[InterfacesRemoved]("object_path", "interfaces"),
	},
}

func mustSignalDecl[T any](args ...string) *signalDecl {
	sig, err := SignatureFor[T]()
	if err != nil {
		panic(err)
	}
	return &signalDecl{sig.asMsgBody(), args}
}

// standardHandlers are the resolved method handlers of the standard
// interfaces.
type standardHandlers map[string]*exportedInterface

func (c *Conn) initStandardHandlers() {
	ret := standardHandlers{}
	for iface, methods := range c.standardInterfaces() {
		ei, err := newExportedInterface(iface, Implementation{Methods: methods})
		if err != nil {
			panic(fmt.Errorf("standard interface %s: %w", iface, err))
		}
		if sigs := standardSignals[iface]; sigs != nil {
			ei.signals = sigs
		}
		ret[iface] = ei
	}
	c.std = ret
}

// standardAt returns the standard interfaces available at path, in
// sorted order.
func (c *Conn) standardAt(path ObjectPath) []string {
	c.objects.mu.RLock()
	defer c.objects.mu.RUnlock()
	return c.standardAtLocked(path)
}

// standardAtLocked is like standardAt. The caller must hold
// c.objects.mu.
func (c *Conn) standardAtLocked(path ObjectPath) []string {
	obj := c.objects.objects[path]
	switch {
	case obj != nil && obj.manager:
		return []string{ifaceIntrospect, ifacePeer, ifaceProps, ifaceObjectManager}
	case obj != nil:
		return []string{ifaceIntrospect, ifacePeer, ifaceProps}
	case path == "/" || c.objects.hasChildrenLocked(path):
		return []string{ifaceIntrospect, ifacePeer}
	default:
		return []string{ifacePeer}
	}
}

// route resolves msg to a method handler, either one of the standard
// interfaces or an exported implementation.
func (c *Conn) route(msg *Message) (*handler, *Error) {
	std := c.standardAt(msg.Path)
	if msg.Interface == "" {
		if h, err := c.objects.lookupMethod(msg.Path, "", msg.Member); err == nil {
			return h, nil
		}
		for _, iface := range std {
			if h := c.std[iface].methods[msg.Member]; h != nil {
				return h, nil
			}
		}
		return nil, c.unknownMethod(msg.Path, "", msg.Member, std)
	}

	if isStandardInterface(msg.Interface) {
		if !slices.Contains(std, msg.Interface) {
			return nil, c.unknownMethod(msg.Path, msg.Interface, msg.Member, std)
		}
		if h := c.std[msg.Interface].methods[msg.Member]; h != nil {
			return h, nil
		}
		return nil, errorf(ErrNameUnknownMethod, "no method %s.%s on object %s", msg.Interface, msg.Member, msg.Path)
	}
	return c.objects.lookupMethod(msg.Path, msg.Interface, msg.Member)
}

// unknownMethod returns the error for a call that matched no
// handler.
func (c *Conn) unknownMethod(path ObjectPath, iface, member string, std []string) *Error {
	if len(std) == 1 {
		// Only Peer, nothing is exported at or below path.
		return errorf(ErrNameUnknownObject, "no object at path %s", path)
	}
	if iface == "" {
		return errorf(ErrNameUnknownMethod, "no method %s on object %s", member, path)
	}
	return errorf(ErrNameUnknownMethod, "no interface %s on object %s", iface, path)
}

// sortedInterfaces returns the interfaces in m, sorted by name.
func sortedInterfaces(m map[string]*exportedInterface) []*exportedInterface {
	ret := make([]*exportedInterface, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		ret = append(ret, m[k])
	}
	return ret
}
