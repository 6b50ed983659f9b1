package dbusobj

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/mds/value"
)

// MatchRule is a filter that selects signals.
//
// Unset fields match any value. The zero MatchRule matches every
// signal.
type MatchRule struct {
	// Type restricts the match to messages of the given type. Only
	// signals are ever delivered to subscriptions.
	Type value.Maybe[MessageType]
	// Sender restricts the match to a single sender bus name.
	Sender value.Maybe[string]
	// Path restricts the match to a single object path.
	Path value.Maybe[ObjectPath]
	// PathNamespace restricts the match to an object path and its
	// descendants.
	//
	// For example, PathNamespace "/mascots/gopher" matches signals
	// emitted by /mascots/gopher, /mascots/gopher/plushie,
	// /mascots/gopher/art/renee-french, but not /mascots/glenda.
	PathNamespace value.Maybe[ObjectPath]
	// Interface and Member restrict the match to the given signal
	// name.
	Interface value.Maybe[string]
	Member    value.Maybe[string]
	// Destination restricts the match to signals sent to the given
	// bus name.
	Destination value.Maybe[string]
	// Args restricts the match to signals whose i-th body value is
	// a string equal to Args[i].
	Args map[int]string
	// ArgPaths restricts the match to signals whose i-th body value
	// is a string or object path equal to ArgPaths[i], or such that
	// one is a path prefix of the other and the prefix ends in '/'.
	ArgPaths map[int]string
	// Arg0Namespace restricts the match to signals whose first body
	// value is a string that is a bus or interface name in the given
	// dot-separated namespace.
	Arg0Namespace value.Maybe[string]
}

// maxMatchArg is the largest argument index allowed in a match rule.
const maxMatchArg = 63

// MatchSignal returns a rule matching the named signal.
func MatchSignal(iface, member string) MatchRule {
	return MatchRule{
		Type:      value.Just(TypeSignal),
		Interface: value.Just(iface),
		Member:    value.Just(member),
	}
}

// String returns the rule in the text syntax used by the bus's
// AddMatch and RemoveMatch methods.
func (m MatchRule) String() string {
	var ms []string
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if t, ok := m.Type.GetOK(); ok {
		kv("type", t.String())
	}
	if s, ok := m.Sender.GetOK(); ok {
		kv("sender", s)
	}
	if s, ok := m.Interface.GetOK(); ok {
		kv("interface", s)
	}
	if s, ok := m.Member.GetOK(); ok {
		kv("member", s)
	}
	if o, ok := m.Path.GetOK(); ok {
		kv("path", o.String())
	}
	if p, ok := m.PathNamespace.GetOK(); ok && p != "/" {
		// dbus-broker rejects path_namespace='/', which matches
		// everything anyway.
		kv("path_namespace", p.String())
	}
	if s, ok := m.Destination.GetOK(); ok {
		kv("destination", s)
	}
	for _, i := range slices.Sorted(maps.Keys(m.Args)) {
		kv(fmt.Sprintf("arg%d", i), m.Args[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.ArgPaths)) {
		kv(fmt.Sprintf("arg%dpath", i), m.ArgPaths[i])
	}
	if n, ok := m.Arg0Namespace.GetOK(); ok {
		kv("arg0namespace", n)
	}

	return strings.Join(ms, ",")
}

// Valid reports whether m is a well-formed rule.
func (m MatchRule) Valid() error {
	if t, ok := m.Type.GetOK(); ok && (t < TypeMethodCall || t > TypeSignal) {
		return errorf(ErrNameMatchRuleInvalid, "invalid message type %d", t)
	}
	if m.Path.Present() && m.PathNamespace.Present() {
		return errorf(ErrNameMatchRuleInvalid, "path and path_namespace cannot both be set")
	}
	if p, ok := m.Path.GetOK(); ok {
		if err := p.Valid(); err != nil {
			return errorf(ErrNameMatchRuleInvalid, "invalid path: %v", err)
		}
	}
	if p, ok := m.PathNamespace.GetOK(); ok {
		if err := p.Valid(); err != nil {
			return errorf(ErrNameMatchRuleInvalid, "invalid path_namespace: %v", err)
		}
	}
	if s, ok := m.Sender.GetOK(); ok {
		if err := validBusName(s); err != nil {
			return errorf(ErrNameMatchRuleInvalid, "invalid sender: %v", err)
		}
	}
	if s, ok := m.Destination.GetOK(); ok {
		if err := validBusName(s); err != nil {
			return errorf(ErrNameMatchRuleInvalid, "invalid destination: %v", err)
		}
	}
	if s, ok := m.Interface.GetOK(); ok {
		if err := validInterfaceName(s); err != nil {
			return errorf(ErrNameMatchRuleInvalid, "invalid interface: %v", err)
		}
	}
	if s, ok := m.Member.GetOK(); ok {
		if err := validMemberName(s); err != nil {
			return errorf(ErrNameMatchRuleInvalid, "invalid member: %v", err)
		}
	}
	for i := range m.Args {
		if i < 0 || i > maxMatchArg {
			return errorf(ErrNameMatchRuleInvalid, "argument index %d out of range", i)
		}
	}
	for i := range m.ArgPaths {
		if i < 0 || i > maxMatchArg {
			return errorf(ErrNameMatchRuleInvalid, "argument index %d out of range", i)
		}
		if _, dup := m.Args[i]; dup {
			return errorf(ErrNameMatchRuleInvalid, "arg%d and arg%dpath cannot both be set", i, i)
		}
	}
	return nil
}

// Matches reports whether msg, whose decoded body is body, matches
// the rule. Matching follows the bus's semantics for the rule's
// String form.
//
// This is necessary because a DBus connection receives a single
// stream of signals. When multiple subscriptions are active, the
// received signals are the union of all the subscriptions' rules, and
// so each one needs to do additional filtering on received signals.
func (m MatchRule) Matches(msg *Message, body []any) bool {
	if t, ok := m.Type.GetOK(); ok && msg.Type != t {
		return false
	}
	if s, ok := m.Sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if s, ok := m.Interface.GetOK(); ok && msg.Interface != s {
		return false
	}
	if s, ok := m.Member.GetOK(); ok && msg.Member != s {
		return false
	}
	if o, ok := m.Path.GetOK(); ok && msg.Path != o {
		return false
	}
	if p, ok := m.PathNamespace.GetOK(); ok && !msg.Path.IsWithin(p) {
		return false
	}
	if s, ok := m.Destination.GetOK(); ok && msg.Destination != s {
		return false
	}

	argStr := func(i int) (string, bool) {
		if i >= len(body) {
			return "", false
		}
		s, ok := body[i].(string)
		return s, ok
	}
	for i, want := range m.Args {
		if got, ok := argStr(i); !ok || got != want {
			return false
		}
	}
	for i, want := range m.ArgPaths {
		var got string
		if i >= len(body) {
			return false
		}
		switch v := body[i].(type) {
		case string:
			got = v
		case ObjectPath:
			got = string(v)
		default:
			return false
		}
		if !argPathMatch(got, want) {
			return false
		}
	}
	if n, ok := m.Arg0Namespace.GetOK(); ok {
		got, ok := argStr(0)
		if !ok || (got != n && !strings.HasPrefix(got, n+".")) {
			return false
		}
	}
	return true
}

// argPathMatch implements the argNpath matching rule: equal strings
// match, as do strings where one is a prefix of the other and the
// prefix ends with '/'.
func argPathMatch(got, want string) bool {
	switch {
	case got == want:
		return true
	case strings.HasSuffix(want, "/") && strings.HasPrefix(got, want):
		return true
	case strings.HasSuffix(got, "/") && strings.HasPrefix(want, got):
		return true
	}
	return false
}

// ParseMatchRule parses a match rule in the text syntax used by the
// bus's AddMatch method. Errors are of type *[Error] with the name
// org.freedesktop.DBus.Error.MatchRuleInvalid.
func ParseMatchRule(s string) (MatchRule, error) {
	var ret MatchRule
	seen := map[string]bool{}
	rest := s
	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return MatchRule{}, errorf(ErrNameMatchRuleInvalid, "missing '=' in %q", rest)
		}
		key := strings.TrimSpace(rest[:eq])
		val, next, err := unescapeMatchArg(rest[eq+1:])
		if err != nil {
			return MatchRule{}, errorf(ErrNameMatchRuleInvalid, "value of %s: %v", key, err)
		}
		rest = next
		if seen[key] {
			return MatchRule{}, errorf(ErrNameMatchRuleInvalid, "duplicate key %q", key)
		}
		seen[key] = true
		if err := ret.setKey(key, val); err != nil {
			return MatchRule{}, err
		}
	}
	if err := ret.Valid(); err != nil {
		return MatchRule{}, err
	}
	return ret, nil
}

func (m *MatchRule) setKey(key, val string) error {
	switch key {
	case "type":
		switch val {
		case "method_call":
			m.Type = value.Just(TypeMethodCall)
		case "method_return":
			m.Type = value.Just(TypeMethodReturn)
		case "error":
			m.Type = value.Just(TypeErrorReply)
		case "signal":
			m.Type = value.Just(TypeSignal)
		default:
			return errorf(ErrNameMatchRuleInvalid, "unknown message type %q", val)
		}
	case "sender":
		m.Sender = value.Just(val)
	case "interface":
		m.Interface = value.Just(val)
	case "member":
		m.Member = value.Just(val)
	case "path":
		m.Path = value.Just(ObjectPath(val))
	case "path_namespace":
		m.PathNamespace = value.Just(ObjectPath(val))
	case "destination":
		m.Destination = value.Just(val)
	case "arg0namespace":
		m.Arg0Namespace = value.Just(val)
	default:
		n, isPath, ok := parseArgKey(key)
		if !ok {
			return errorf(ErrNameMatchRuleInvalid, "unknown key %q", key)
		}
		if isPath {
			if m.ArgPaths == nil {
				m.ArgPaths = map[int]string{}
			}
			m.ArgPaths[n] = val
		} else {
			if m.Args == nil {
				m.Args = map[int]string{}
			}
			m.Args[n] = val
		}
	}
	return nil
}

// parseArgKey parses keys of the form argN and argNpath.
func parseArgKey(key string) (n int, isPath, ok bool) {
	rest, found := strings.CutPrefix(key, "arg")
	if !found {
		return 0, false, false
	}
	rest, isPath = strings.CutSuffix(rest, "path")
	if rest == "" || len(rest) > 2 {
		return 0, false, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 || n > maxMatchArg {
		return 0, false, false
	}
	return n, isPath, true
}

// unescapeMatchArg reads one match rule value from the start of s,
// and returns the value and the remainder of s after the following
// comma.
//
// Values are quoted with apostrophes. Within quotes, all characters
// are literal. Outside quotes, \' is a literal apostrophe.
func unescapeMatchArg(s string) (val, rest string, err error) {
	var (
		b      strings.Builder
		quoted bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			quoted = !quoted
		case quoted:
			b.WriteByte(c)
		case c == '\\' && i+1 < len(s) && s[i+1] == '\'':
			b.WriteByte('\'')
			i++
		case c == ',':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(c)
		}
	}
	if quoted {
		return "", "", fmt.Errorf("unterminated quote in %q", s)
	}
	return b.String(), "", nil
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
