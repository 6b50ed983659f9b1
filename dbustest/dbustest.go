// Package dbustest provides helpers to run dbusobj code in tests,
// either against an isolated bus instance or over an in-memory
// peer-to-peer connection.
package dbustest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danderson/dbusobj"
	"github.com/danderson/dbusobj/transport"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const busConfig = `<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-Bus Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <keep_umask/>
  <listen>unix:path=__SOCKET__</listen>
  <servicedir>__SERVICEDIR__</servicedir>
  <policy context="default">
    <allow send_destination="*" eavesdrop="true"/>
    <allow eavesdrop="true"/>
    <allow own="*"/>
  </policy>
</busconfig>
`

// ActivatableName is a bus name that the test bus reports as
// activatable. Activation always fails.
const ActivatableName = "org.test.Activated"

const activatableService = `[D-BUS Service]
Name=` + ActivatableName + `
Exec=/bin/false
`

// Available reports whether the required binaries are available for
// testing against a real DBus server.
func Available() bool {
	_, err := exec.LookPath("dbus-daemon")
	if err != nil {
		return false
	}
	_, err = exec.LookPath("dbus-monitor")
	return err == nil
}

// Bus is an isolated DBus instance for tests.
type Bus struct {
	bus  *exec.Cmd
	mon  *exec.Cmd
	lw   *logWriter
	sock string
	log  *logrus.Logger

	stop       chan struct{}
	busStopped chan struct{}
	monStopped chan struct{}
}

// New launches a DBus instance dedicated to the calling test.
//
// If [Available] is false, New calls t.Skip to skip the calling test.
//
// If logMonitor is true, the returned bus logs all bus messages using
// t.Logf.
func New(t *testing.T, logMonitor bool) *Bus {
	if !Available() {
		t.Skip("dbus-daemon and dbus-monitor not available, cannot run test bus")
	}
	tmp := t.TempDir()
	svc := filepath.Join(tmp, "services")
	if err := os.Mkdir(svc, 0700); err != nil {
		t.Fatalf("creating dbus services dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(svc, ActivatableName+".service"), []byte(activatableService), 0600); err != nil {
		t.Fatalf("writing dbus service file: %v", err)
	}

	ret := &Bus{
		sock:       filepath.Join(tmp, "bus.sock"),
		log:        Logger(t),
		stop:       make(chan struct{}),
		busStopped: make(chan struct{}),
		monStopped: make(chan struct{}),
	}

	cfgPath := filepath.Join(tmp, "bus.config")
	cfg := strings.NewReplacer("__SERVICEDIR__", svc, "__SOCKET__", ret.sock).Replace(busConfig)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}

	// Watch for the socket before starting the bus, so that its
	// creation cannot be missed.
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.Fatalf("creating socket watcher: %v", err)
	}
	defer w.Close()
	if err := w.Add(tmp); err != nil {
		t.Fatalf("watching %s: %v", tmp, err)
	}

	ret.bus = exec.Command("dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog")
	ret.bus.Stdout = os.Stdout
	ret.bus.Stderr = os.Stderr
	if err := ret.bus.Start(); err != nil {
		t.Fatalf("starting bus: %v", err)
	}
	t.Cleanup(ret.close)

	go func() {
		defer close(ret.busStopped)
		err := ret.bus.Wait()
		select {
		case <-ret.stop:
		default:
			panic(fmt.Errorf("bus stopped prematurely: %w", err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := waitForFile(ctx, w, ret.sock); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	if logMonitor {
		ret.lw = newLogWriter(t)
		ret.mon = exec.Command("dbus-monitor", "--address", ret.Address())
		ret.mon.Stdout = ret.lw
		ret.mon.Stderr = ret.lw
		if err := ret.mon.Start(); err != nil {
			t.Fatalf("starting monitor: %v", err)
		}
		go func() {
			defer close(ret.monStopped)
			err := ret.mon.Wait()
			select {
			case <-ret.stop:
			default:
				panic(fmt.Errorf("dbus-monitor stopped prematurely: %w", err))
			}
			ret.lw.Flush()
		}()
		if err := ret.lw.WaitForFirstLine(ctx); err != nil {
			t.Fatalf("waiting for monitor: %v", err)
		}
	} else {
		close(ret.monStopped)
	}

	return ret
}

// waitForFile waits until path exists. w must already be watching
// path's parent directory.
func waitForFile(ctx context.Context, w *fsnotify.Watcher, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if ev.Name == path && ev.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bus) close() {
	close(b.stop)
	b.bus.Process.Kill()
	if b.mon != nil {
		b.mon.Process.Kill()
	}
	timeout := time.After(10 * time.Second)
	select {
	case <-b.busStopped:
	case <-timeout:
		b.log.Warn("timed out waiting for bus to stop")
	}
	select {
	case <-b.monStopped:
	case <-timeout:
		b.log.Warn("timed out waiting for dbus-monitor to stop")
	}
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// Address returns the bus's DBus address.
func (b *Bus) Address() string {
	return transport.Address{
		Kind:   "unix",
		Params: map[string]string{"path": b.sock},
	}.String()
}

// MustConn returns a connection to the bus. It causes an immediate
// test failure with t.Fatal if it is unable to connect.
func (b *Bus) MustConn(t *testing.T) *dbusobj.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ret, err := dbusobj.Dial(ctx, b.Address(), &dbusobj.Options{Logger: Logger(t)})
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	return ret
}

// Pair returns two peer-to-peer Conns connected to each other in
// memory. The Conns are closed when the test ends.
func Pair(t *testing.T) (a, b *dbusobj.Conn) {
	t.Helper()
	ta, tb := transport.Pipe()
	opts := &dbusobj.Options{
		Logger:     Logger(t),
		PeerToPeer: true,
	}
	ctx := context.Background()
	a, err := dbusobj.NewConn(ctx, ta, opts)
	if err != nil {
		t.Fatalf("creating conn: %v", err)
	}
	b, err = dbusobj.NewConn(ctx, tb, opts)
	if err != nil {
		a.Close()
		t.Fatalf("creating conn: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// Logger returns a logger that writes to t.Log.
func Logger(t *testing.T) *logrus.Logger {
	ret := logrus.New()
	ret.SetOutput(testWriter{t})
	ret.SetLevel(logrus.DebugLevel)
	ret.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return ret
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(bs []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(bs), "\n"))
	return len(bs), nil
}

type logWriter struct {
	output chan struct{}
	t      *testing.T
	buf    bytes.Buffer
}

func newLogWriter(t *testing.T) *logWriter {
	return &logWriter{
		output: make(chan struct{}, 1),
		t:      t,
	}
}

func (l *logWriter) out(s string) {
	l.t.Log(s)
}

func (l *logWriter) Flush() {
	l.flushComplete()
	l.out(l.buf.String())
	l.buf.Reset()
}

func (l *logWriter) Write(bs []byte) (int, error) {
	l.buf.Write(bs)
	l.flushComplete()
	return len(bs), nil
}

// flushComplete logs each complete message in the buffer. Messages
// start with a line beginning with the message type.
func (l *logWriter) flushComplete() {
	bs := l.buf.Bytes()
	total := 0
	for {
		i := bytes.IndexByte(bs, '\n')
		if i == -1 {
			return
		}
		total += i
		bs = bs[i+1:]
		if !bytes.HasPrefix(bs, []byte("method ")) && !bytes.HasPrefix(bs, []byte("signal ")) && !bytes.HasPrefix(bs, []byte("error ")) {
			total++
			continue
		}

		out := l.buf.Next(total)
		l.out(string(out))
		l.buf.Next(1)
		select {
		case l.output <- struct{}{}:
		default:
		}
		total = 0
		bs = l.buf.Bytes()
	}
}

func (l *logWriter) WaitForFirstLine(ctx context.Context) error {
	select {
	case <-l.output:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
