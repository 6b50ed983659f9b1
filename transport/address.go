package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
)

// Address is one entry of a DBus server address, such as
// "unix:path=/run/dbus/system_bus_socket".
type Address struct {
	// Kind is the transport kind, for example "unix" or "tcp".
	Kind string
	// Params are the transport's key/value parameters, unescaped.
	Params map[string]string
}

func (a Address) String() string {
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	b.WriteString(a.Kind)
	b.WriteByte(':')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%s", k, escapeValue(a.Params[k]))
	}
	return b.String()
}

// ParseAddress parses a DBus server address, which is a semicolon
// separated list of transport entries.
func ParseAddress(s string) ([]Address, error) {
	var ret []Address
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		kind, rest, ok := strings.Cut(entry, ":")
		if !ok || kind == "" {
			return nil, fmt.Errorf("invalid dbus address entry %q: missing transport kind", entry)
		}
		addr := Address{
			Kind:   kind,
			Params: map[string]string{},
		}
		if rest != "" {
			for _, kv := range strings.Split(rest, ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return nil, fmt.Errorf("invalid dbus address entry %q: malformed parameter %q", entry, kv)
				}
				uv, err := url.PathUnescape(v)
				if err != nil {
					return nil, fmt.Errorf("invalid dbus address entry %q: %w", entry, err)
				}
				if _, dup := addr.Params[k]; dup {
					return nil, fmt.Errorf("invalid dbus address entry %q: duplicate parameter %q", entry, k)
				}
				addr.Params[k] = uv
			}
		}
		ret = append(ret, addr)
	}
	if len(ret) == 0 {
		return nil, errors.New("empty dbus address")
	}
	return ret, nil
}

// dialTarget returns the net.Dial arguments and authentication
// mechanism to use for a.
func (a Address) dialTarget() (network, target string, mech Mechanism, err error) {
	switch a.Kind {
	case "unix":
		if p, ok := a.Params["path"]; ok {
			return "unix", p, External, nil
		}
		if p, ok := a.Params["abstract"]; ok {
			return "unix", "@" + p, External, nil
		}
		return "", "", "", fmt.Errorf("unix address %q needs a path or abstract parameter", a)
	case "tcp":
		host, port := a.Params["host"], a.Params["port"]
		if host == "" {
			host = "localhost"
		}
		if port == "" {
			return "", "", "", fmt.Errorf("tcp address %q needs a port parameter", a)
		}
		network := "tcp"
		switch a.Params["family"] {
		case "ipv4":
			network = "tcp4"
		case "ipv6":
			network = "tcp6"
		}
		return network, net.JoinHostPort(host, port), Anonymous, nil
	default:
		return "", "", "", fmt.Errorf("unsupported dbus transport %q", a.Kind)
	}
}

// SystemBusAddress returns the address of the system bus.
func SystemBusAddress() string {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return "unix:path=/var/run/dbus/system_bus_socket"
}

// SessionBusAddress returns the address of the current user's
// session bus.
func SessionBusAddress() (string, error) {
	if addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); addr != "" {
		return addr, nil
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return "unix:path=" + escapeValue(dir+"/bus"), nil
	}
	return "", errors.New("session bus address not found, DBUS_SESSION_BUS_ADDRESS is not set")
}

// escapeValue escapes s for use as a DBus address parameter value.
func escapeValue(s string) string {
	var b strings.Builder
	for i := range len(s) {
		c := s[i]
		if isOptionallyEscaped(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}

func isOptionallyEscaped(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("-_/\\.*", c) >= 0
}

func joinErrs(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}
