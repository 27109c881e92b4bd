// Package control accepts toggle requests over a per-session unix socket.
//
// The protocol is one line per connection:
//
//	TOGGLE <target>   -> OK    (the toggle runs after the reply)
//	PING              -> PONG
//	anything else     -> ERR
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/listen/internal/app"
	"github.com/petems/listen/internal/errs"
)

const (
	maxLine     = 256
	readTimeout = 2 * time.Second
)

// Toggler is the part of the controller the listener drives.
type Toggler interface {
	Toggle(target string) app.Outcome
}

type Listener struct {
	path string
	tog  Toggler
	log  zerolog.Logger

	mu sync.Mutex
	ln net.Listener

	wg sync.WaitGroup
}

func New(path string, tog Toggler, log zerolog.Logger) *Listener {
	return &Listener{
		path: path,
		tog:  tog,
		log:  log.With().Str("component", "control").Logger(),
	}
}

// DefaultSocketPath returns the socket path for a session.
func DefaultSocketPath(session string) string {
	return filepath.Join(os.TempDir(), "listen-"+session+".sock")
}

func (l *Listener) Path() string { return l.path }

// Listen binds the socket, replacing a stale one, and restricts it to the
// current user.
func (l *Listener) Listen() error {
	if fi, err := os.Lstat(l.path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("refusing to replace %s: not a socket", l.path)
		}
		if err := os.Remove(l.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat socket: %w", err)
	}

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.path, err)
	}
	if err := os.Chmod(l.path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.log.Info().Str("socket", l.path).Msg("Control socket listening")
	return nil
}

// Serve accepts connections until ctx is done or the listener is closed.
// Toggles already dispatched keep running; Serve only waits for replies.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return errors.New("control: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
		}()
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(readTimeout))

	line, err := readLine(conn)
	if err != nil {
		l.log.Warn().Err(err).Msg("Failed to read control request")
		return
	}

	cmd, target := parse(line)
	switch cmd {
	case "TOGGLE":
		reply(conn, "OK")
		go l.toggle(target)
	case "PING":
		reply(conn, "PONG")
	default:
		err := errs.Errorf(errs.Protocol, "control", "unknown command %q", truncate(line, 32))
		l.log.Warn().Err(err).Msg("Ignoring malformed request")
		reply(conn, "ERR")
	}
}

func (l *Listener) toggle(target string) {
	out := l.tog.Toggle(target)
	ev := l.log.Debug()
	if out.Err != nil {
		ev = l.log.Warn().Err(out.Err).Str("kind", out.Kind.String())
	}
	ev.Str("target", target).Str("action", out.Action.String()).Msg("Toggle handled")
}

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

func readLine(r io.Reader) (string, error) {
	br := bufio.NewReaderSize(io.LimitReader(r, maxLine), maxLine)
	line, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func parse(line string) (cmd, arg string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}
	cmd = strings.ToUpper(fields[0])
	if len(fields) > 1 {
		arg = fields[1]
	}
	return cmd, arg
}

func reply(conn net.Conn, msg string) {
	conn.Write([]byte(msg + "\n"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
