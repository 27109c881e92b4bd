// Package tmux runs tmux client commands against the session the daemon
// serves.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes one tmux command.
type Runner interface {
	Run(ctx context.Context, args ...string) error
}

// Exec runs the tmux binary.
type Exec struct {
	Bin string
}

func (e Exec) bin() string {
	if e.Bin == "" {
		return "tmux"
	}
	return e.Bin
}

func (e Exec) Run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, e.bin(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("tmux %s: %w: %s", firstArg(args), err, msg)
		}
		return fmt.Errorf("tmux %s: %w", firstArg(args), err)
	}
	return nil
}

// Available reports whether tmux commands can reach a server.
func (e Exec) Available() bool {
	if os.Getenv("TMUX") != "" {
		return true
	}
	_, err := exec.LookPath(e.bin())
	return err == nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// Recorder is a Runner that records commands instead of running them.
type Recorder struct {
	mu    sync.Mutex
	calls [][]string
	// Fail returns an error for commands whose first argument it names.
	Fail map[string]error
}

func (r *Recorder) Run(ctx context.Context, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), args...))
	if err, ok := r.Fail[firstArg(args)]; ok {
		return err
	}
	return nil
}

// Calls returns the recorded commands joined by spaces.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

// Args returns the recorded commands as argument lists.
func (r *Recorder) Args() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}
