package dbusobj

import (
	"errors"
	"fmt"
	"strings"
)

const maxNameLen = 255

// validInterfaceName returns an error if name is not a valid DBus
// interface name. Error names follow the same rules.
func validInterfaceName(name string) error {
	if name == "" {
		return errors.New("empty interface name")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("interface name %q longer than %d bytes", name, maxNameLen)
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return fmt.Errorf("interface name %q must have at least two elements", name)
	}
	for _, elem := range elems {
		if err := validNameElement(elem, false); err != nil {
			return fmt.Errorf("invalid interface name %q: %w", name, err)
		}
	}
	return nil
}

// validMemberName returns an error if name is not a valid DBus method
// or signal name.
func validMemberName(name string) error {
	if name == "" {
		return errors.New("empty member name")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("member name %q longer than %d bytes", name, maxNameLen)
	}
	if err := validNameElement(name, false); err != nil {
		return fmt.Errorf("invalid member name %q: %w", name, err)
	}
	return nil
}

// validBusName returns an error if name is not a valid unique or
// well-known bus name.
func validBusName(name string) error {
	if name == "" {
		return errors.New("empty bus name")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("bus name %q longer than %d bytes", name, maxNameLen)
	}
	unique := strings.HasPrefix(name, ":")
	if unique {
		name = name[1:]
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return fmt.Errorf("bus name %q must have at least two elements", name)
	}
	for _, elem := range elems {
		if err := validNameElement(elem, true); err != nil {
			return fmt.Errorf("invalid bus name %q: %w", name, err)
		}
		if !unique && elem[0] >= '0' && elem[0] <= '9' {
			return fmt.Errorf("invalid bus name %q: element %q starts with a digit", name, elem)
		}
	}
	return nil
}

func validNameElement(elem string, allowDash bool) error {
	if elem == "" {
		return errors.New("empty element")
	}
	for i, r := range elem {
		switch {
		case isNameChar(r) && !(i == 0 && r >= '0' && r <= '9' && !allowDash):
		case r == '-' && allowDash:
		default:
			return fmt.Errorf("invalid character %q in %q", r, elem)
		}
	}
	return nil
}
