// Command dbusobj is a tool for exploring and serving DBus objects.
package main

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/slice"
	"github.com/danderson/dbusobj"
	"github.com/danderson/dbusobj/freedesktop/notifications"
	"github.com/danderson/dbusobj/transport"
	"github.com/kr/pretty"
	"github.com/sirupsen/logrus"
)

var globalArgs struct {
	UseSessionBus bool   `flag:"session,Connect to session bus instead of system bus"`
	Address       string `flag:"address,Connect to the DBus server at this address"`
	Names         string `flag:"names,Comma-separated list of bus names to claim"`
	Verbose       bool   `flag:"verbose,Log DBus connection internals"`
}

var log = logrus.New()

func busConn(ctx context.Context) (*dbusobj.Conn, error) {
	if globalArgs.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	opts := &dbusobj.Options{Logger: log}

	var conn *dbusobj.Conn
	var err error
	switch {
	case globalArgs.Address != "":
		conn, err = dbusobj.Dial(ctx, globalArgs.Address, opts)
	case globalArgs.UseSessionBus:
		var addr string
		addr, err = transport.SessionBusAddress()
		if err == nil {
			conn, err = dbusobj.Dial(ctx, addr, opts)
		}
	default:
		conn, err = dbusobj.Dial(ctx, transport.SystemBusAddress(), opts)
	}
	if err != nil {
		return nil, err
	}

	if globalArgs.Names == "" {
		return conn, nil
	}
	if err := claimNames(ctx, conn, strings.Split(globalArgs.Names, ",")); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func claimNames(ctx context.Context, conn *dbusobj.Conn, names []string) error {
	for _, n := range names {
		claim, err := conn.Claim(ctx, n, dbusobj.ClaimOptions{})
		if err != nil {
			return fmt.Errorf("claiming name %q: %w", n, err)
		}
		go func() {
			for isOwner := range claim.Chan() {
				if isOwner {
					fmt.Printf("acquired name %s\n", n)
				} else {
					fmt.Printf("lost name %s\n", n)
				}
			}
		}()
	}
	return nil
}

func main() {
	root := &command.C{
		Name:     "dbusobj",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "list",
				Usage: "list args...",
				Commands: []*command.C{
					{
						Name:  "names",
						Usage: "list names",
						Help:  "List names on the bus, along with their owners.",
						Run:   command.Adapt(runListNames),
					},
					{
						Name:  "interfaces",
						Usage: "list interfaces [peer] [object] [interface]",
						Help: `List bus interfaces.

With no arguments, enumerates all discoverable interfaces on named bus
services. Unique bus names (like ":1.234") are skipped because many of
them do not expect to be sent RPCs, and do not respond correctly.

With one argument, enumerate all objects of the given peer and the
interfaces they implement.

With two arguments, enumerate all interfaces on the given peer and
object.

With three arguments, list only the exact peer, object and interface
specified.

In all cases, the full API for every interface is shown.`,
						Run: runListInterfaces,
					},
					{
						Name:  "props",
						Usage: "list props [peer] [object] [interface] [property]",
						Help:  "List properties.",
						Run:   runListProps,
					},
				},
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "whois",
				Usage: "whois peer",
				Help:  "Get the owner and credentials of a bus name.",
				Run:   command.Adapt(runWhois),
			},
			{
				Name:  "introspect",
				Usage: "introspect peer object",
				Help:  "Print the raw introspection XML of an object.",
				Run:   command.Adapt(runIntrospect),
			},
			{
				Name:  "listen",
				Usage: "listen [match-rule]",
				Help: `Listen to bus signals.

The optional argument is a match rule in the bus's text syntax, for
example "interface='org.freedesktop.DBus',member='NameOwnerChanged'".`,
				Run: runListen,
			},
			{
				Name:     "serve",
				Usage:    "serve --config=file.yaml",
				Help:     serveHelp,
				SetFlags: command.Flags(flax.MustBind, &serveArgs),
				Run:      command.Adapt(runServe),
			},
			{
				Name:  "notify",
				Usage: "notify <summary> <body>",
				Help:  "Show a desktop notification and wait for it to close.",
				Run:   command.Adapt(runNotify),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runListNames(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	slices.Sort(names)
	aliases := map[string][]string{}

	for _, n := range names {
		if strings.HasPrefix(n, ":") {
			continue
		}
		owner, err := conn.GetNameOwner(ctx, n)
		if err != nil {
			fmt.Printf("Getting owner of %s: %v\n", n, err)
			continue
		}
		aliases[owner] = append(aliases[owner], n)
		aliases[n] = []string{owner}
	}
	for _, alias := range aliases {
		slices.SortFunc(alias, cmp.Compare)
	}

	for _, n := range names {
		alias := aliases[n]
		if len(alias) == 0 {
			fmt.Println(n)
		} else {
			fmt.Printf("%s (%s)\n", n, strings.Join(alias, ", "))
		}
	}

	return nil
}

func runListInterfaces(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 3)
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	var out indenter
	var prev dbusobj.Interface
	for p, err := range listPeers(ctx, conn, args[0]) {
		if err != nil {
			out.v(err)
			continue
		}
		ownerName, err := conn.GetNameOwner(ctx, p.Name())
		if err != nil {
			ownerName = fmt.Sprintf("getting owner: %v", err)
		}
		for iface, err := range listInterfaces(ctx, p, args[1], args[2]) {
			if err != nil {
				out.v(err)
				continue
			}
			if iface.Peer() != prev.Peer() {
				out.indent(0)
				if prev.Peer() != (dbusobj.Peer{}) {
					out.s("")
				}
				out.f("%s (%s)", iface.Peer().Name(), ownerName)
				out.indent(1)
				out.v(iface.Object().Path())
				out.indent(2)
			} else if iface.Object() != prev.Object() {
				out.indent(1)
				out.v(iface.Object().Path())
				out.indent(2)
			}

			out.v(iface.Description)
			prev = iface.Interface
		}
	}

	return nil
}

func runListProps(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 4)
	pf, err := regexp.Compile(args[3])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	var out indenter
	var prev dbusobj.Interface
	for p, err := range listPeers(ctx, conn, args[0]) {
		if err != nil {
			out.indent(0)
			out.v(err)
			continue
		}
		for iface, err := range listInterfaces(ctx, p, args[1], args[2]) {
			if err != nil {
				out.indent(0)
				out.v(err)
				continue
			}
			if len(iface.Description.Properties) == 0 {
				continue
			}

			props, err := iface.GetAllProperties(ctx)
			if err != nil {
				out.indent(0)
				out.v(fmt.Errorf("listing properties of %s: %w", iface, err))
				continue
			}
			ks := slices.Sorted(maps.Keys(props))
			ks = slices.Collect(slice.Select(ks, pf.MatchString))
			if len(ks) == 0 {
				continue
			}

			if iface.Peer() != prev.Peer() {
				out.indent(0)
				out.v(iface.Peer().Name())
				out.indent(1)
				out.v(iface.Object().Path())
			} else if iface.Object() != prev.Object() {
				out.indent(1)
				out.v(iface.Object().Path())
			}
			prev = iface.Interface

			out.indent(2)
			out.v(iface.Name())
			out.indent(3)
			for _, k := range ks {
				out.f("%s: %# v", k, pretty.Formatter(props[k]))
			}
		}
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Peer(peer).Ping(env.Context()); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("pong from %s in %v\n", peer, time.Since(start).Round(time.Microsecond))

	return nil
}

func runWhois(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()
	ctx := env.Context()

	owner, err := conn.GetNameOwner(ctx, peer)
	if err != nil {
		return fmt.Errorf("getting owner of %s: %w", peer, err)
	}
	fmt.Println("Owner:", owner)
	if uid, err := conn.GetConnectionUnixUser(ctx, peer); err != nil {
		fmt.Println("UID:", err)
	} else {
		fmt.Println("UID:", uid)
	}
	if pid, err := conn.GetConnectionUnixProcessID(ctx, peer); err != nil {
		fmt.Println("PID:", err)
	} else {
		fmt.Println("PID:", pid)
	}
	queued, err := conn.ListQueuedOwners(ctx, peer)
	if err != nil {
		return fmt.Errorf("listing queued owners of %s: %w", peer, err)
	}
	fmt.Println("Queued owners:", strings.Join(queued, ", "))

	return nil
}

func runIntrospect(env *command.Env, peer, object string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	path := dbusobj.ObjectPath(object)
	if err := path.Valid(); err != nil {
		return env.Usagef("invalid object path %q: %v", object, err)
	}
	desc, err := conn.Peer(peer).Object(path).Introspect(env.Context())
	if err != nil {
		return fmt.Errorf("introspecting %s %s: %w", peer, path, err)
	}
	xml, err := desc.XML()
	if err != nil {
		return err
	}
	fmt.Println(xml)
	return nil
}

func runListen(env *command.Env) error {
	rule := dbusobj.MatchRule{}
	switch len(env.Args) {
	case 0:
	case 1:
		var err error
		rule, err = dbusobj.ParseMatchRule(env.Args[0])
		if err != nil {
			return env.Usagef("invalid match rule: %v", err)
		}
	default:
		return env.Usagef("listen takes at most one argument")
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	sub, err := conn.Subscribe(env.Context(), rule)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", rule, err)
	}
	defer sub.Close()
	fmt.Println("Listening for signals...")
	for {
		select {
		case <-env.Context().Done():
			return nil
		case sig, ok := <-sub.Chan():
			if !ok {
				return dbusobj.ErrConnectionLost
			}
			fmt.Printf("Signal %s.%s from %s on object %s:\n  %# v\n\n", sig.Interface, sig.Member, sig.Sender, sig.Path, pretty.Formatter(sig.Body))
			if sig.Overflow {
				fmt.Println("OVERFLOW, some signals lost")
			}
		}
	}
}

func runNotify(env *command.Env, summary, body string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	n := notifications.New(conn)
	w, err := n.Watch(env.Context(), log)
	if err != nil {
		return err
	}
	defer w.Close()

	id, err := n.Notify(env.Context(), notifications.Notification{
		AppName: "dbusobj",
		Summary: summary,
		Body:    body,
		Actions: []string{"default", "OK"},
		Timeout: -1,
	})
	if err != nil {
		return err
	}
	fmt.Printf("notification %d shown\n", id)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return dbusobj.ErrConnectionLost
			}
			switch ev := ev.(type) {
			case *notifications.ActionInvoked:
				if ev.ID == id {
					fmt.Printf("action %q invoked\n", ev.ActionKey)
				}
			case *notifications.NotificationClosed:
				if ev.ID == id {
					fmt.Printf("closed: %s\n", ev.Reason)
					return nil
				}
			}
		case <-env.Context().Done():
			return n.CloseNotification(context.Background(), id)
		}
	}
}
