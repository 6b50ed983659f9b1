// Package notifications provides an interface to the Freedesktop
// notifications API.
//
// This corresponds to the org.freedesktop.Notifications service on
// the session bus.
package notifications

import (
	"context"
	"fmt"

	"github.com/creachadair/mds/value"
	"github.com/danderson/dbusobj"
	"github.com/sirupsen/logrus"
)

const (
	// Service is the bus name of the notification service.
	Service = "org.freedesktop.Notifications"
	// Path is the object path of the notification service.
	Path = dbusobj.ObjectPath("/org/freedesktop/Notifications")
	// Interface is the name of the notifications interface.
	Interface = "org.freedesktop.Notifications"
)

// Notifications is a client of a notification service.
type Notifications struct{ iface dbusobj.Interface }

// New returns an interface to the session's notification service.
func New(conn *dbusobj.Conn) Notifications {
	return On(conn.Peer(Service).Object(Path))
}

// On returns a client for the notification service at obj.
func On(obj dbusobj.Object) Notifications {
	return Notifications{iface: obj.Interface(Interface)}
}

// CloseNotification closes the notification with the given ID.
func (n Notifications) CloseNotification(ctx context.Context, id uint32) error {
	return n.iface.Call(ctx, "CloseNotification", id, nil)
}

// Capabilities enumerates the optional capabilities of a notification
// service.
type Capabilities struct {
	// Actions reports whether notifications can have actions attached
	// to them. Actions trigger a signal back to the notification's
	// sender when interacted with.
	Actions bool
	// ActionIcons reports notification actions can use icons to
	// describe actions instead of text.
	ActionIcons bool
	// Body reports whether notifications can have a body, in addition
	// to a short title.
	Body bool
	// BodyLinks reports whether notification bodies can include
	// hyperlinks.
	BodyLinks bool
	// BodyImages reports whether notification bodies can include
	// images.
	BodyImages bool
	// BodyMarkup reports whether notification bodies can contain
	// notification markup, a small subset of HTML.
	BodyMarkup bool
	// Icon reports whether notifications can have an icon.
	Icon bool
	// IconAnimation reports whether the notification icon can be
	// multiple frames of animation.
	IconAnimation bool
	// Persistence reports whether notifications remain on screen
	// until explicitly dismissed by the user.
	Persistence bool
	// Sound reports whether notifications can play a sound.
	Sound bool

	// Inhibitions reports whether the service supports Inhibit. KDE
	// only.
	Inhibitions bool
	// InlineReply reports whether notifications can prompt for a
	// text reply. KDE only.
	InlineReply bool

	// Unknown collects the capability strings that aren't known to
	// this package.
	Unknown []string
}

// Capabilities reports the capabilities of the notification service.
func (n Notifications) Capabilities(ctx context.Context) (caps Capabilities, err error) {
	cs, err := dbusobj.Call[[]string, any](ctx, n.iface, "GetCapabilities", nil)
	if err != nil {
		return Capabilities{}, err
	}
	for _, c := range cs {
		switch c {
		case "actions":
			caps.Actions = true
		case "action-icons":
			caps.ActionIcons = true
		case "body":
			caps.Body = true
		case "body-hyperlinks":
			caps.BodyLinks = true
		case "body-images":
			caps.BodyImages = true
		case "body-markup":
			caps.BodyMarkup = true
		case "icon-static":
			caps.Icon = true
		case "icon-multi":
			caps.Icon = true
			caps.IconAnimation = true
		case "persistence":
			caps.Persistence = true
		case "sound":
			caps.Sound = true
		case "inhibitions":
			caps.Inhibitions = true
		case "inline-reply":
			caps.InlineReply = true
		default:
			caps.Unknown = append(caps.Unknown, c)
		}
	}
	return caps, nil
}

// ServerInformation describes the notification service.
type ServerInformation struct {
	Name        string
	Vendor      string
	Version     string
	SpecVersion string
}

func (n Notifications) ServerInformation(ctx context.Context) (ServerInformation, error) {
	return dbusobj.Call[ServerInformation, any](ctx, n.iface, "GetServerInformation", nil)
}

// Notification is a notification to display.
type Notification struct {
	AppName string
	// ReplacesID is the ID of a notification to replace, or zero.
	ReplacesID uint32
	AppIcon    string
	Summary    string
	Body       string
	// Actions is a list of pairs of action identifiers and their
	// display labels.
	Actions []string
	Hints   map[string]any
	// Timeout is the display timeout in milliseconds. -1 lets the
	// server decide, 0 never expires.
	Timeout int32
}

// Notify displays a notification and returns its ID.
func (n Notifications) Notify(ctx context.Context, req Notification) (uint32, error) {
	if req.Actions == nil {
		req.Actions = []string{}
	}
	if req.Hints == nil {
		req.Hints = map[string]any{}
	}
	return dbusobj.Call[uint32](ctx, n.iface, "Notify", req)
}

// Inhibit suppresses notifications until [Notifications.UnInhibit]
// is called with the returned cookie.
func (n Notifications) Inhibit(ctx context.Context, desktopEntry, reason string) (uint32, error) {
	req := struct {
		DesktopEntry string
		Reason       string
		Hints        map[string]any
	}{desktopEntry, reason, map[string]any{}}
	return dbusobj.Call[uint32](ctx, n.iface, "Inhibit", req)
}

func (n Notifications) UnInhibit(ctx context.Context, cookie uint32) error {
	return n.iface.Call(ctx, "UnInhibit", cookie, nil)
}

// Inhibited reports whether notifications are currently inhibited.
func (n Notifications) Inhibited(ctx context.Context) (bool, error) {
	return dbusobj.GetProperty[bool](ctx, n.iface, "Inhibited")
}

// ActionInvoked is sent when the user activates a notification
// action.
type ActionInvoked struct {
	ID        uint32
	ActionKey string
}

// NotificationClosed is sent when a notification goes away.
type NotificationClosed struct {
	ID     uint32
	Reason CloseReason
}

// CloseReason is the reason a notification was closed.
type CloseReason uint32

const (
	ReasonExpired CloseReason = iota + 1
	ReasonDismissed
	ReasonClosed
	ReasonUndefined
)

func (r CloseReason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonDismissed:
		return "dismissed"
	case ReasonClosed:
		return "closed"
	default:
		return fmt.Sprintf("reason(%d)", uint32(r))
	}
}

// NotificationReplied is sent when the user replies to a notification
// inline.
type NotificationReplied struct {
	ID   uint32
	Text string
}

// Watcher delivers notification events.
type Watcher struct {
	sub    *dbusobj.Subscription
	log    logrus.FieldLogger
	events chan any
	stop   chan struct{}
	done   chan struct{}
}

// Watch returns a Watcher that delivers the signals of the
// notification service as *ActionInvoked, *NotificationClosed and
// *NotificationReplied values.
func (n Notifications) Watch(ctx context.Context, log logrus.FieldLogger) (*Watcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	sub, err := n.iface.Conn().Subscribe(ctx, dbusobj.MatchRule{
		Type:      value.Just(dbusobj.TypeSignal),
		Path:      value.Just(n.iface.Object().Path()),
		Interface: value.Just(Interface),
	})
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		sub:    sub,
		log:    log,
		events: make(chan any),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Events returns the channel of notification events. It is closed
// when the Watcher is closed.
func (w *Watcher) Events() <-chan any { return w.events }

// Close stops the Watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	err := w.sub.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	defer close(w.events)
	ctx := context.Background()
	for sig := range w.sub.Chan() {
		var ev any
		switch sig.Member {
		case "ActionInvoked":
			ev = new(ActionInvoked)
		case "NotificationClosed":
			ev = new(NotificationClosed)
		case "NotificationReplied":
			ev = new(NotificationReplied)
		default:
			continue
		}
		if err := sig.Decode(ctx, ev); err != nil {
			w.log.WithError(err).WithField("signal", sig.Member).Warn("malformed notification signal")
			continue
		}
		select {
		case w.events <- ev:
		case <-w.stop:
			return
		}
	}
}
