package dbusobj

import (
	"context"
	"errors"
	"fmt"
	"path"
	"reflect"
	"strings"

	"github.com/danderson/dbusobj/fragments"
)

// ObjectPath is the path of an object exported on a bus connection.
//
// A valid path is either "/", or a sequence of one or more "/name"
// elements, where each name is a non-empty string of ASCII letters,
// digits and underscores.
type ObjectPath string

// Valid returns an error if p is not a valid ObjectPath.
func (p ObjectPath) Valid() error {
	s := string(p)
	if s == "" {
		return errors.New("empty object path")
	}
	if s[0] != '/' {
		return fmt.Errorf("object path %q does not start with /", s)
	}
	if s == "/" {
		return nil
	}
	if strings.HasSuffix(s, "/") {
		return fmt.Errorf("object path %q has a trailing /", s)
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return fmt.Errorf("object path %q has an empty element", s)
		}
		for _, r := range elem {
			if !isNameChar(r) {
				return fmt.Errorf("object path %q has invalid character %q", s, r)
			}
		}
	}
	return nil
}

func isNameChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

// Clean returns p with redundant elements removed, as in [path.Clean].
func (p ObjectPath) Clean() ObjectPath {
	return ObjectPath(path.Clean(string(p)))
}

// Child returns the path of p's child object with the given name.
func (p ObjectPath) Child(name string) ObjectPath {
	return ObjectPath(path.Join(string(p), name))
}

// Parent returns p's parent path. The parent of "/" is "/".
func (p ObjectPath) Parent() ObjectPath {
	return ObjectPath(path.Dir(string(p)))
}

// IsChildOf reports whether p is a strict descendant of parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if p == parent {
		return false
	}
	if parent == "/" {
		return strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// IsWithin reports whether p is equal to or a descendant of parent.
func (p ObjectPath) IsWithin(parent ObjectPath) bool {
	return p == parent || p.IsChildOf(parent)
}

func (p ObjectPath) String() string { return string(p) }

func (p ObjectPath) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	if err := p.Valid(); err != nil {
		return err
	}
	e.String(string(p))
	return nil
}

func (p *ObjectPath) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	s, err := d.String()
	if err != nil {
		return err
	}
	ret := ObjectPath(s)
	if err := ret.Valid(); err != nil {
		return err
	}
	*p = ret
	return nil
}

func (p ObjectPath) IsDBusStruct() bool { return false }

var objectPathSignature = mkSignature(reflect.TypeFor[ObjectPath](), "o")

func (p ObjectPath) SignatureDBus() Signature { return objectPathSignature }
