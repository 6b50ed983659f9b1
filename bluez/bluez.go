// Package bluez exports GATT descriptors to BlueZ over DBus.
//
// An [Application] is a tree of objects rooted at an
// org.freedesktop.DBus.ObjectManager, which BlueZ walks after
// [Application.Register] to discover the GATT hierarchy.
package bluez

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/danderson/dbusobj"
	"github.com/sirupsen/logrus"
)

const (
	// Service is the bus name of the BlueZ daemon.
	Service = "org.bluez"

	ifaceDescriptor  = "org.bluez.GattDescriptor1"
	ifaceGattManager = "org.bluez.GattManager1"
)

// GATT descriptor flags, as listed in BlueZ's GattDescriptor1
// documentation.
const (
	FlagRead             = "read"
	FlagWrite            = "write"
	FlagEncryptRead      = "encrypt-read"
	FlagEncryptWrite     = "encrypt-write"
	FlagEncryptAuthRead  = "encrypt-authenticated-read"
	FlagEncryptAuthWrite = "encrypt-authenticated-write"
	FlagSecureRead       = "secure-read"
	FlagSecureWrite      = "secure-write"
	FlagAuthorize        = "authorize"
)

const (
	errNameNotPermitted       = "org.bluez.Error.NotPermitted"
	errNameInvalidValueLength = "org.bluez.Error.InvalidValueLength"
)

// ErrNotPermitted is returned to callers of ReadValue and WriteValue
// when the descriptor's flags forbid the operation.
var ErrNotPermitted = &dbusobj.Error{Name: errNameNotPermitted}

// ErrInvalidValueLength is returned to WriteValue callers when the
// written value exceeds the descriptor's MaxLength.
var ErrInvalidValueLength = &dbusobj.Error{Name: errNameInvalidValueLength}

// A Descriptor is a GATT characteristic descriptor.
type Descriptor struct {
	// UUID is the 128-bit descriptor UUID, in its canonical string
	// form.
	UUID string
	// Characteristic is the object path of the GATT characteristic
	// the descriptor belongs to.
	Characteristic dbusobj.ObjectPath
	// Flags lists the descriptor's access flags. ReadValue requires
	// FlagRead, and WriteValue requires FlagWrite.
	Flags []string
	// Value is the descriptor's initial value.
	Value []byte
	// MaxLength, if non-zero, is the maximum length of a written
	// value.
	MaxLength int
	// OnWrite, if non-nil, is called before a remote write is
	// applied. If it returns an error, the value is not changed.
	OnWrite func(ctx context.Context, value []byte) error
}

// Application is a set of GATT objects exported on a Conn.
type Application struct {
	conn *dbusobj.Conn
	root dbusobj.ObjectPath
	log  logrus.FieldLogger

	mu    sync.Mutex
	descs map[dbusobj.ObjectPath]*Descriptor
}

// NewApplication exports an ObjectManager at root and returns an
// Application that exports GATT objects beneath it.
func NewApplication(conn *dbusobj.Conn, root dbusobj.ObjectPath, log logrus.FieldLogger) (*Application, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := conn.ExportObjectManager(root); err != nil {
		return nil, fmt.Errorf("exporting application root %s: %w", root, err)
	}
	return &Application{
		conn:  conn,
		root:  root,
		log:   log.WithField("application", root),
		descs: map[dbusobj.ObjectPath]*Descriptor{},
	}, nil
}

// Root returns the object path of the application's ObjectManager.
func (a *Application) Root() dbusobj.ObjectPath { return a.root }

// AddDescriptor exports d as an org.bluez.GattDescriptor1 at path,
// which must be a descendant of the application root.
func (a *Application) AddDescriptor(path dbusobj.ObjectPath, d Descriptor) error {
	if !path.IsChildOf(a.root) {
		return fmt.Errorf("descriptor path %s is not under application root %s", path, a.root)
	}
	if d.UUID == "" {
		return fmt.Errorf("descriptor %s has no UUID", path)
	}
	if err := d.Characteristic.Valid(); err != nil {
		return fmt.Errorf("descriptor %s characteristic: %w", path, err)
	}
	value := slices.Clone(d.Value)
	if value == nil {
		value = []byte{}
	}
	flags := slices.Clone(d.Flags)
	if flags == nil {
		flags = []string{}
	}
	d.Value = value
	d.Flags = flags

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.descs[path]; ok {
		return fmt.Errorf("descriptor %s: %w", path, dbusobj.ErrPathAlreadyExported)
	}
	err := a.conn.Export(path, ifaceDescriptor, dbusobj.Implementation{
		Methods: map[string]dbusobj.Method{
			"ReadValue": {
				Func:    a.readValue,
				OutArgs: []string{"value"},
			},
			"WriteValue": {
				Func:   a.writeValue,
				InArgs: []string{"value"},
			},
		},
		Properties: map[string]dbusobj.Property{
			"UUID":           {Value: d.UUID, Access: dbusobj.ReadOnly, Emits: dbusobj.EmitsConst},
			"Characteristic": {Value: d.Characteristic, Access: dbusobj.ReadOnly, Emits: dbusobj.EmitsConst},
			"Flags":          {Value: flags, Access: dbusobj.ReadOnly, Emits: dbusobj.EmitsConst},
			"Value":          {Value: value, Access: dbusobj.ReadOnly},
		},
	})
	if err != nil {
		return err
	}
	a.descs[path] = &d
	a.log.WithField("path", path).WithField("uuid", d.UUID).Debug("descriptor added")
	return nil
}

// RemoveDescriptor unexports the descriptor at path.
func (a *Application) RemoveDescriptor(path dbusobj.ObjectPath) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.descs[path]; !ok {
		return fmt.Errorf("descriptor %s: %w", path, dbusobj.ErrNotExported)
	}
	delete(a.descs, path)
	return a.conn.Unexport(path, ifaceDescriptor)
}

// Value returns the current value of the descriptor at path.
func (a *Application) Value(path dbusobj.ObjectPath) ([]byte, error) {
	v, err := a.conn.GetProperty(path, ifaceDescriptor, "Value")
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]byte)), nil
}

// SetValue updates the value of the descriptor at path, notifying
// remote peers of the change.
func (a *Application) SetValue(path dbusobj.ObjectPath, value []byte) error {
	return a.conn.SetProperty(path, ifaceDescriptor, "Value", slices.Clone(value))
}

// Close unexports all of the application's objects.
func (a *Application) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for path := range a.descs {
		if err := a.conn.Unexport(path, ifaceDescriptor); err != nil {
			a.log.WithError(err).WithField("path", path).Warn("unexporting descriptor")
		}
	}
	clear(a.descs)
	return a.conn.UnexportObjectManager(a.root)
}

// Register asks BlueZ to register the application with the
// Bluetooth adapter at adapter, for example "/org/bluez/hci0".
func (a *Application) Register(ctx context.Context, adapter dbusobj.ObjectPath) error {
	req := struct {
		Application dbusobj.ObjectPath
		Options     map[string]any
	}{a.root, map[string]any{}}
	return a.manager(adapter).Call(ctx, "RegisterApplication", req, nil)
}

// Unregister asks BlueZ to forget the application.
func (a *Application) Unregister(ctx context.Context, adapter dbusobj.ObjectPath) error {
	return a.manager(adapter).Call(ctx, "UnregisterApplication", a.root, nil)
}

func (a *Application) manager(adapter dbusobj.ObjectPath) dbusobj.Interface {
	return a.conn.Peer(Service).Object(adapter).Interface(ifaceGattManager)
}

func (a *Application) descriptor(path dbusobj.ObjectPath) (*Descriptor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.descs[path]
	if !ok {
		return nil, dbusobj.ErrUnknownObject
	}
	return d, nil
}

func (a *Application) readValue(ctx context.Context, path dbusobj.ObjectPath) ([]byte, error) {
	d, err := a.descriptor(path)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(d.Flags, FlagRead) {
		return nil, &dbusobj.Error{Name: errNameNotPermitted, Detail: "descriptor is not readable"}
	}
	return a.Value(path)
}

func (a *Application) writeValue(ctx context.Context, path dbusobj.ObjectPath, value []byte) error {
	d, err := a.descriptor(path)
	if err != nil {
		return err
	}
	if !slices.Contains(d.Flags, FlagWrite) {
		return &dbusobj.Error{Name: errNameNotPermitted, Detail: "descriptor is not writable"}
	}
	if d.MaxLength > 0 && len(value) > d.MaxLength {
		return &dbusobj.Error{
			Name:   errNameInvalidValueLength,
			Detail: fmt.Sprintf("value is %d bytes, max %d", len(value), d.MaxLength),
		}
	}
	if d.OnWrite != nil {
		if err := d.OnWrite(ctx, value); err != nil {
			return err
		}
	}
	cur, err := a.Value(path)
	if err == nil && bytes.Equal(cur, value) {
		return nil
	}
	return a.SetValue(path, value)
}
