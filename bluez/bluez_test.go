package bluez_test

import (
	"context"
	"errors"
	"testing"

	"github.com/danderson/dbusobj"
	"github.com/danderson/dbusobj/bluez"
	"github.com/danderson/dbusobj/dbustest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	descUUID = "00002901-0000-1000-8000-00805f9b34fb"
	charPath = dbusobj.ObjectPath("/app/service0/char0")
	descPath = dbusobj.ObjectPath("/app/service0/char0/desc0")
)

func newApp(t *testing.T) (app *bluez.Application, remote *dbusobj.Conn) {
	t.Helper()
	local, remote := dbustest.Pair(t)
	app, err := bluez.NewApplication(local, "/app", dbustest.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app, remote
}

func descriptor(c *dbusobj.Conn, path dbusobj.ObjectPath) dbusobj.Interface {
	return c.Peer("").Object(path).Interface("org.bluez.GattDescriptor1")
}

func TestDescriptorReadWrite(t *testing.T) {
	app, remote := newApp(t)
	ctx := context.Background()

	var writes [][]byte
	err := app.AddDescriptor(descPath, bluez.Descriptor{
		UUID:           descUUID,
		Characteristic: charPath,
		Flags:          []string{bluez.FlagRead, bluez.FlagWrite},
		Value:          []byte("hello"),
		MaxLength:      8,
		OnWrite: func(_ context.Context, v []byte) error {
			if string(v) == "nope" {
				return errors.New("rejected")
			}
			writes = append(writes, v)
			return nil
		},
	})
	require.NoError(t, err)

	d := descriptor(remote, descPath)
	got, err := dbusobj.Call[[]byte, any](ctx, d, "ReadValue", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	changed, err := remote.Subscribe(ctx, dbusobj.MatchSignal("org.freedesktop.DBus.Properties", "PropertiesChanged"))
	require.NoError(t, err)
	defer changed.Close()

	require.NoError(t, d.Call(ctx, "WriteValue", []byte("world"), nil))
	got, err = dbusobj.Call[[]byte, any](ctx, d, "ReadValue", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)
	assert.Equal(t, [][]byte{[]byte("world")}, writes)

	sig := <-changed.Chan()
	var pc dbusobj.PropertiesChanged
	require.NoError(t, sig.Decode(ctx, &pc))
	assert.Equal(t, descPath, sig.Path)
	assert.Equal(t, "org.bluez.GattDescriptor1", pc.Interface)
	assert.Equal(t, []byte("world"), pc.Changed["Value"])

	local, err := app.Value(descPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), local)

	err = d.Call(ctx, "WriteValue", []byte("too long for it"), nil)
	assert.ErrorIs(t, err, bluez.ErrInvalidValueLength)
	err = d.Call(ctx, "WriteValue", []byte("nope"), nil)
	assert.ErrorIs(t, err, dbusobj.ErrFailed)

	props, err := d.GetAllProperties(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"UUID":           descUUID,
		"Characteristic": charPath,
		"Flags":          []string{"read", "write"},
		"Value":          []byte("world"),
	}, props)

	err = d.SetProperty(ctx, "Value", []byte("x"))
	assert.ErrorIs(t, err, dbusobj.ErrPropertyReadOnly)
}

func TestDescriptorFlags(t *testing.T) {
	app, remote := newApp(t)
	ctx := context.Background()

	require.NoError(t, app.AddDescriptor("/app/ro", bluez.Descriptor{
		UUID:           descUUID,
		Characteristic: charPath,
		Flags:          []string{bluez.FlagRead},
		Value:          []byte{1},
	}))
	require.NoError(t, app.AddDescriptor("/app/wo", bluez.Descriptor{
		UUID:           descUUID,
		Characteristic: charPath,
		Flags:          []string{bluez.FlagWrite},
	}))

	err := descriptor(remote, "/app/ro").Call(ctx, "WriteValue", []byte{2}, nil)
	assert.ErrorIs(t, err, bluez.ErrNotPermitted)
	_, err = dbusobj.Call[[]byte, any](ctx, descriptor(remote, "/app/wo"), "ReadValue", nil)
	assert.ErrorIs(t, err, bluez.ErrNotPermitted)
	assert.NoError(t, descriptor(remote, "/app/wo").Call(ctx, "WriteValue", []byte{2}, nil))
}

func TestAddDescriptorErrors(t *testing.T) {
	app, _ := newApp(t)
	ok := bluez.Descriptor{UUID: descUUID, Characteristic: charPath}

	require.NoError(t, app.AddDescriptor(descPath, ok))
	assert.ErrorIs(t, app.AddDescriptor(descPath, ok), dbusobj.ErrPathAlreadyExported)
	assert.Error(t, app.AddDescriptor("/elsewhere/desc", ok))
	assert.Error(t, app.AddDescriptor("/app", ok))
	assert.Error(t, app.AddDescriptor("/app/nouuid", bluez.Descriptor{Characteristic: charPath}))
	assert.Error(t, app.AddDescriptor("/app/nochar", bluez.Descriptor{UUID: descUUID}))

	require.NoError(t, app.RemoveDescriptor(descPath))
	assert.ErrorIs(t, app.RemoveDescriptor(descPath), dbusobj.ErrNotExported)
}

func TestRegister(t *testing.T) {
	local, fakeBluez := dbustest.Pair(t)
	ctx := context.Background()

	type registerReq struct {
		Application dbusobj.ObjectPath
		Options     map[string]any
	}
	registered := make(chan map[dbusobj.ObjectPath][]string, 1)
	err := fakeBluez.Export("/org/bluez/hci0", "org.bluez.GattManager1", dbusobj.Implementation{
		Methods: map[string]dbusobj.Method{
			"RegisterApplication": {
				Func: func(ctx context.Context, _ dbusobj.ObjectPath, req registerReq) error {
					sender, _ := dbusobj.ContextSender(ctx)
					objs, err := sender.Object(req.Application).ManagedObjects(ctx)
					if err != nil {
						return err
					}
					got := map[dbusobj.ObjectPath][]string{}
					for obj, ifaces := range objs {
						for _, iface := range ifaces {
							got[obj.Path()] = append(got[obj.Path()], iface.Name())
						}
					}
					registered <- got
					return nil
				},
			},
			"UnregisterApplication": {
				Func: func(context.Context, dbusobj.ObjectPath, dbusobj.ObjectPath) error { return nil },
			},
		},
	})
	require.NoError(t, err)

	app, err := bluez.NewApplication(local, "/app", dbustest.Logger(t))
	require.NoError(t, err)
	defer app.Close()
	require.NoError(t, app.AddDescriptor(descPath, bluez.Descriptor{
		UUID:           descUUID,
		Characteristic: charPath,
		Flags:          []string{bluez.FlagRead},
	}))

	require.NoError(t, app.Register(ctx, "/org/bluez/hci0"))
	assert.Equal(t, map[dbusobj.ObjectPath][]string{
		descPath: {"org.bluez.GattDescriptor1"},
	}, <-registered)
	assert.NoError(t, app.Unregister(ctx, "/org/bluez/hci0"))

	err = app.Register(ctx, "/org/bluez/hci1")
	assert.ErrorIs(t, err, dbusobj.ErrUnknownObject)
}

func TestClose(t *testing.T) {
	app, remote := newApp(t)
	ctx := context.Background()
	require.NoError(t, app.AddDescriptor(descPath, bluez.Descriptor{UUID: descUUID, Characteristic: charPath}))

	require.NoError(t, app.Close())
	_, err := remote.Peer("").Object("/app").ManagedObjects(ctx)
	assert.ErrorIs(t, err, dbusobj.ErrUnknownObject)
	_, err = dbusobj.Call[[]byte, any](ctx, descriptor(remote, descPath), "ReadValue", nil)
	assert.ErrorIs(t, err, dbusobj.ErrUnknownObject)
}
