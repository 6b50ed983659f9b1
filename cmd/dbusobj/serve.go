package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/creachadair/command"
	"github.com/danderson/dbusobj"
	"github.com/danderson/dbusobj/bindingtest"
	"github.com/danderson/dbusobj/bluez"
	"gopkg.in/yaml.v3"
)

const serveHelp = `Serve DBus objects described by a YAML config file.

Example config:

  names: [org.example.Demo]
  manager: /org/example
  objects:
    - path: /org/example/Demo
      interface: org.example.Demo
      properties:
        Greeting: {value: hello}
        Volume: {value: 7, type: u, access: readwrite}
  bindingtest: /Test
  gatt:
    root: /org/example/gatt
    adapter: /org/bluez/hci0
    descriptors:
      - path: /org/example/gatt/service0/char0/desc0
        uuid: 00002901-0000-1000-8000-00805f9b34fb
        characteristic: /org/example/gatt/service0/char0
        flags: [read]
        value: "gopher"

Every configured object also implements an Echo method, which
returns its string argument.

Names given in the config are claimed in addition to --names.`

var serveArgs struct {
	Config string `flag:"config,Path to the YAML config file"`
}

type serveConfig struct {
	Names       []string       `yaml:"names"`
	Manager     string         `yaml:"manager"`
	Objects     []objectConfig `yaml:"objects"`
	BindingTest string         `yaml:"bindingtest"`
	Gatt        *gattConfig    `yaml:"gatt"`
}

type objectConfig struct {
	Path       string                    `yaml:"path"`
	Interface  string                    `yaml:"interface"`
	Properties map[string]propertyConfig `yaml:"properties"`
}

type propertyConfig struct {
	Value any `yaml:"value"`
	// Type is the property's DBus signature. If empty, it is
	// inferred from Value, which must then be a scalar.
	Type   string `yaml:"type"`
	Access string `yaml:"access"`
	Emits  string `yaml:"emits"`
}

type gattConfig struct {
	Root        string             `yaml:"root"`
	Adapter     string             `yaml:"adapter"`
	Descriptors []descriptorConfig `yaml:"descriptors"`
}

type descriptorConfig struct {
	Path           string   `yaml:"path"`
	UUID           string   `yaml:"uuid"`
	Characteristic string   `yaml:"characteristic"`
	Flags          []string `yaml:"flags"`
	Value          string   `yaml:"value"`
}

func loadConfig(r io.Reader) (*serveConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var ret serveConfig
	if err := dec.Decode(&ret); err != nil {
		if errors.Is(err, io.EOF) {
			return &ret, nil
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &ret, nil
}

func (o objectConfig) implementation() (dbusobj.Implementation, error) {
	ret := dbusobj.Implementation{
		Methods: map[string]dbusobj.Method{
			"Echo": {
				Func: func(ctx context.Context, path dbusobj.ObjectPath, s string) (string, error) {
					sender, _ := dbusobj.ContextSender(ctx)
					log.WithField("path", path).WithField("sender", sender.Name()).Infof("echo %q", s)
					return s, nil
				},
				Description: "Returns its argument.",
			},
		},
		Properties: map[string]dbusobj.Property{},
	}
	for name, pc := range o.Properties {
		p, err := pc.property()
		if err != nil {
			return dbusobj.Implementation{}, fmt.Errorf("property %s: %w", name, err)
		}
		ret.Properties[name] = p
	}
	return ret, nil
}

func (pc propertyConfig) property() (dbusobj.Property, error) {
	var ret dbusobj.Property
	switch pc.Access {
	case "", "read":
		ret.Access = dbusobj.ReadOnly
	case "readwrite":
		ret.Access = dbusobj.ReadWrite
	case "write":
		ret.Access = dbusobj.WriteOnly
	default:
		return ret, fmt.Errorf("unknown access %q", pc.Access)
	}
	switch pc.Emits {
	case "", "true":
		ret.Emits = dbusobj.EmitsTrue
	case "invalidates":
		ret.Emits = dbusobj.EmitsInvalidates
	case "const":
		ret.Emits = dbusobj.EmitsConst
	case "false":
		ret.Emits = dbusobj.EmitsFalse
	default:
		return ret, fmt.Errorf("unknown emits-changed mode %q", pc.Emits)
	}

	typ := pc.Type
	if typ == "" {
		switch pc.Value.(type) {
		case string:
			typ = "s"
		case bool:
			typ = "b"
		case int:
			typ = "x"
		case float64:
			typ = "d"
		default:
			return ret, fmt.Errorf("cannot infer type of %v (%T), please specify one", pc.Value, pc.Value)
		}
	}
	sig, err := dbusobj.ParseSignature(typ)
	if err != nil {
		return ret, err
	}
	if !sig.IsSingle() {
		return ret, fmt.Errorf("type %q is not a single complete type", typ)
	}
	v, err := convertYAML(pc.Value, sig.Type())
	if err != nil {
		return ret, err
	}
	ret.Value = v.Interface()
	return ret, nil
}

// convertYAML converts a value decoded from YAML into a value of
// type t.
func convertYAML(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Value{}, errors.New("missing value")
	}
	rv := reflect.ValueOf(v)
	switch t.Kind() {
	case reflect.Interface:
		inner := rv
		switch x := v.(type) {
		case int:
			inner = reflect.ValueOf(int64(x))
		case []any, map[string]any:
			var err error
			if inner, err = convertYAML(v, rv.Type()); err != nil {
				return reflect.Value{}, err
			}
		}
		ret := reflect.New(t).Elem()
		ret.Set(inner)
		return ret, nil
	case reflect.Bool, reflect.String:
		if rv.Kind() != t.Kind() {
			return reflect.Value{}, fmt.Errorf("cannot use %v (%T) as %s", v, v, t)
		}
		return rv.Convert(t), nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := v.(int)
		if !ok {
			return reflect.Value{}, fmt.Errorf("cannot use %v (%T) as %s", v, v, t)
		}
		ret := reflect.New(t).Elem()
		if ret.OverflowInt(int64(n)) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", n, t)
		}
		ret.SetInt(int64(n))
		return ret, nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := v.(int)
		if !ok || n < 0 {
			return reflect.Value{}, fmt.Errorf("cannot use %v (%T) as %s", v, v, t)
		}
		ret := reflect.New(t).Elem()
		if ret.OverflowUint(uint64(n)) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", n, t)
		}
		ret.SetUint(uint64(n))
		return ret, nil
	case reflect.Float64:
		switch n := v.(type) {
		case int:
			return reflect.ValueOf(float64(n)), nil
		case float64:
			return reflect.ValueOf(n), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use %v (%T) as %s", v, v, t)
	case reflect.Slice:
		if s, ok := v.(string); ok && t.Elem().Kind() == reflect.Uint8 {
			return reflect.ValueOf([]byte(s)), nil
		}
		vs, ok := v.([]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("cannot use %v (%T) as %s", v, v, t)
		}
		ret := reflect.MakeSlice(t, 0, len(vs))
		for i, elem := range vs {
			ev, err := convertYAML(elem, t.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			ret = reflect.Append(ret, ev)
		}
		return ret, nil
	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("cannot use %v (%T) as %s", v, v, t)
		}
		ret := reflect.MakeMapWithSize(t, len(m))
		for k, elem := range m {
			kv, err := convertYAML(k, t.Key())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			ev, err := convertYAML(elem, t.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			ret.SetMapIndex(kv, ev)
		}
		return ret, nil
	default:
		return reflect.Value{}, fmt.Errorf("properties of type %s are not supported in configs", t)
	}
}

// serve exports the objects described by cfg on conn. It returns a
// channel that is closed if a peer asks the server to exit.
func serve(ctx context.Context, conn *dbusobj.Conn, cfg *serveConfig) (<-chan struct{}, error) {
	if cfg.Manager != "" {
		if err := conn.ExportObjectManager(dbusobj.ObjectPath(cfg.Manager)); err != nil {
			return nil, fmt.Errorf("exporting object manager at %s: %w", cfg.Manager, err)
		}
	}
	for _, o := range cfg.Objects {
		impl, err := o.implementation()
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", o.Path, err)
		}
		if err := conn.Export(dbusobj.ObjectPath(o.Path), o.Interface, impl); err != nil {
			return nil, fmt.Errorf("exporting %s at %s: %w", o.Interface, o.Path, err)
		}
		log.WithField("path", o.Path).WithField("interface", o.Interface).Info("exported object")
	}

	var exit <-chan struct{}
	if cfg.BindingTest != "" {
		srv, err := bindingtest.Export(conn, dbusobj.ObjectPath(cfg.BindingTest), log)
		if err != nil {
			return nil, err
		}
		exit = srv.Done()
	}

	if g := cfg.Gatt; g != nil {
		app, err := bluez.NewApplication(conn, dbusobj.ObjectPath(g.Root), log)
		if err != nil {
			return nil, err
		}
		for _, d := range g.Descriptors {
			err := app.AddDescriptor(dbusobj.ObjectPath(d.Path), bluez.Descriptor{
				UUID:           d.UUID,
				Characteristic: dbusobj.ObjectPath(d.Characteristic),
				Flags:          d.Flags,
				Value:          []byte(d.Value),
			})
			if err != nil {
				return nil, err
			}
		}
		if g.Adapter != "" {
			if err := app.Register(ctx, dbusobj.ObjectPath(g.Adapter)); err != nil {
				return nil, fmt.Errorf("registering GATT application with %s: %w", g.Adapter, err)
			}
		}
	}
	return exit, nil
}

func runServe(env *command.Env) error {
	if serveArgs.Config == "" {
		return env.Usagef("--config is required")
	}
	f, err := os.Open(serveArgs.Config)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(f)
	f.Close()
	if err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	exit, err := serve(env.Context(), conn, cfg)
	if err != nil {
		return err
	}
	if len(cfg.Names) > 0 {
		if err := claimNames(env.Context(), conn, cfg.Names); err != nil {
			return err
		}
	}
	fmt.Printf("serving as %s\n", strings.Join(append([]string{conn.LocalName()}, cfg.Names...), ", "))

	select {
	case <-env.Context().Done():
	case <-exit:
	}
	fmt.Println("shutdown")
	return nil
}
