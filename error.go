package dbusobj

import (
	"errors"
	"fmt"
	"reflect"
)

// TypeError is the error returned when a type cannot be represented
// in the DBus wire format, or when a value does not match the type
// that was expected of it.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't acceptable.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := "nil"
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// Well-known DBus error names.
const (
	ErrNameFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrNameServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrNameUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrNameInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameAccessDenied     = "org.freedesktop.DBus.Error.AccessDenied"
	ErrNamePropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNameMatchRuleInvalid = "org.freedesktop.DBus.Error.MatchRuleInvalid"
	ErrNameNoReply          = "org.freedesktop.DBus.Error.NoReply"
	ErrNameDisconnected     = "org.freedesktop.DBus.Error.Disconnected"
)

// Error is a DBus error, either received from a remote peer in reply
// to a method call, or returned by a local method handler to be sent
// to the caller.
//
// Errors compare equal with [errors.Is] when their names match,
// regardless of Detail. A PropertyReadOnly error is additionally
// considered to be an AccessDenied error.
type Error struct {
	// Name is the DBus error name, for example
	// "org.freedesktop.DBus.Error.InvalidArgs".
	Name string
	// Detail is a human-readable explanation of what went wrong.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("dbus error %s", e.Name)
	}
	return fmt.Sprintf("dbus error %s: %s", e.Name, e.Detail)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Name == e.Name {
		return true
	}
	return e.Name == ErrNamePropertyReadOnly && t.Name == ErrNameAccessDenied
}

// errorf returns an *Error with the given name and formatted detail.
func errorf(name string, format string, args ...any) *Error {
	return &Error{Name: name, Detail: fmt.Sprintf(format, args...)}
}

// Sentinel errors for use with [errors.Is].
var (
	ErrFailed           = &Error{Name: ErrNameFailed}
	ErrServiceUnknown   = &Error{Name: ErrNameServiceUnknown}
	ErrUnknownObject    = &Error{Name: ErrNameUnknownObject}
	ErrUnknownInterface = &Error{Name: ErrNameUnknownInterface}
	ErrUnknownMethod    = &Error{Name: ErrNameUnknownMethod}
	ErrUnknownProperty  = &Error{Name: ErrNameUnknownProperty}
	ErrInvalidArgs      = &Error{Name: ErrNameInvalidArgs}
	ErrAccessDenied     = &Error{Name: ErrNameAccessDenied}
	ErrPropertyReadOnly = &Error{Name: ErrNamePropertyReadOnly}
	ErrMatchRuleInvalid = &Error{Name: ErrNameMatchRuleInvalid}
	ErrNoReply          = &Error{Name: ErrNameNoReply}

	// ErrPathAlreadyExported is returned by [Conn.Export] when the
	// requested interface is already exported at the object path.
	ErrPathAlreadyExported = errors.New("interface already exported at object path")
	// ErrNotExported is returned by [Conn.Unexport] when the
	// requested interface is not exported at the object path.
	ErrNotExported = errors.New("interface not exported at object path")
	// ErrConnectionLost is returned by pending and future calls on a
	// Conn whose transport has failed or been closed.
	ErrConnectionLost = errors.New("dbus connection lost")
)

// asDBusError converts err into an *Error suitable for sending to a
// remote caller.
func asDBusError(err error) *Error {
	var derr *Error
	if errors.As(err, &derr) {
		return derr
	}
	var terr TypeError
	if errors.As(err, &terr) {
		return &Error{Name: ErrNameInvalidArgs, Detail: terr.Error()}
	}
	return &Error{Name: ErrNameFailed, Detail: err.Error()}
}
