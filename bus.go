package dbusobj

import (
	"context"
	"fmt"
)

// NameFlags are the flags of a RequestName call. They are passed to
// the bus unmodified.
type NameFlags uint32

const (
	// NameFlagAllowReplacement allows another connection that sets
	// NameFlagReplaceExisting to take over ownership of the name.
	NameFlagAllowReplacement NameFlags = 1 << iota
	// NameFlagReplaceExisting tries to take over ownership of the
	// name from its current owner.
	NameFlagReplaceExisting
	// NameFlagDoNotQueue fails the request instead of joining the
	// queue of prospective owners.
	NameFlagDoNotQueue
)

// RequestNameReply is the bus's response to a RequestName call.
type RequestNameReply uint32

const (
	RequestNameReplyPrimaryOwner RequestNameReply = iota + 1
	RequestNameReplyInQueue
	RequestNameReplyExists
	RequestNameReplyAlreadyOwner
)

func (r RequestNameReply) String() string {
	switch r {
	case RequestNameReplyPrimaryOwner:
		return "primary-owner"
	case RequestNameReplyInQueue:
		return "in-queue"
	case RequestNameReplyExists:
		return "exists"
	case RequestNameReplyAlreadyOwner:
		return "already-owner"
	default:
		return fmt.Sprintf("RequestNameReply(%d)", uint32(r))
	}
}

// ReleaseNameReply is the bus's response to a ReleaseName call.
type ReleaseNameReply uint32

const (
	ReleaseNameReplyReleased ReleaseNameReply = iota + 1
	ReleaseNameReplyNonExistent
	ReleaseNameReplyNotOwner
)

func (r ReleaseNameReply) String() string {
	switch r {
	case ReleaseNameReplyReleased:
		return "released"
	case ReleaseNameReplyNonExistent:
		return "non-existent"
	case ReleaseNameReplyNotOwner:
		return "not-owner"
	default:
		return fmt.Sprintf("ReleaseNameReply(%d)", uint32(r))
	}
}

// StartServiceReply is the bus's response to a StartServiceByName
// call.
type StartServiceReply uint32

const (
	StartServiceReplySuccess StartServiceReply = iota + 1
	StartServiceReplyAlreadyRunning
)

// RequestName asks the bus to assign name to this connection.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameFlags) (RequestNameReply, error) {
	return Call[RequestNameReply](ctx, c.bus, "RequestName", struct {
		Name  string
		Flags uint32
	}{name, uint32(flags)})
}

// ReleaseName asks the bus to release this connection's claim to
// name.
func (c *Conn) ReleaseName(ctx context.Context, name string) (ReleaseNameReply, error) {
	return Call[ReleaseNameReply](ctx, c.bus, "ReleaseName", name)
}

// ListQueuedOwners returns the connections queued for ownership of
// name, starting with the current owner.
func (c *Conn) ListQueuedOwners(ctx context.Context, name string) ([]string, error) {
	return Call[[]string](ctx, c.bus, "ListQueuedOwners", name)
}

// ListNames returns the names currently owned on the bus.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	return Call[[]string, any](ctx, c.bus, "ListNames", nil)
}

// ListActivatableNames returns the names that the bus can start a
// service for on demand.
func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	return Call[[]string, any](ctx, c.bus, "ListActivatableNames", nil)
}

// NameHasOwner reports whether name currently has an owner.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	return Call[bool](ctx, c.bus, "NameHasOwner", name)
}

// GetNameOwner returns the unique name of name's current owner.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	return Call[string](ctx, c.bus, "GetNameOwner", name)
}

// GetConnectionUnixUser returns the Unix UID of the process that owns
// name.
func (c *Conn) GetConnectionUnixUser(ctx context.Context, name string) (uint32, error) {
	return Call[uint32](ctx, c.bus, "GetConnectionUnixUser", name)
}

// GetConnectionUnixProcessID returns the PID of the process that owns
// name.
func (c *Conn) GetConnectionUnixProcessID(ctx context.Context, name string) (uint32, error) {
	return Call[uint32](ctx, c.bus, "GetConnectionUnixProcessID", name)
}

// GetBusID returns the bus's globally unique ID.
func (c *Conn) GetBusID(ctx context.Context) (string, error) {
	return Call[string, any](ctx, c.bus, "GetId", nil)
}

// AddMatch asks the bus to route signals matching rule to this
// connection. Most callers should use [Conn.Subscribe] instead.
func (c *Conn) AddMatch(ctx context.Context, rule MatchRule) error {
	if err := rule.Valid(); err != nil {
		return err
	}
	return c.bus.Call(ctx, "AddMatch", rule.String(), nil)
}

// RemoveMatch removes a rule previously added with AddMatch.
func (c *Conn) RemoveMatch(ctx context.Context, rule MatchRule) error {
	return c.bus.Call(ctx, "RemoveMatch", rule.String(), nil)
}

// Not implemented:
//  - StartServiceByName, deprecated in favor of auto-start.
//  - UpdateActivationEnvironment, so locked down you can't really do
//    much with it any more.
//  - GetAdtAuditSessionData, Solaris-only.
//  - GetConnectionSELinuxSecurityContext, deprecated in favor
//    of GetConnectionCredentials.
//  - GetConnectionCredentials, its reply is a vardict.
