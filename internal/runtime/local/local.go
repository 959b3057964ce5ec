// Package local runs agents in PTYs on the supervisor host. Each session
// gets a pseudo-terminal with a vt10x emulator attached, so the engine reads
// rendered screen content instead of raw escape sequences.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/plugin"
)

const (
	runtimeName = "local"

	termCols = 120
	termRows = 40
)

// ErrUnknownHandle is returned for operations that need the live PTY of a
// session this runtime instance does not hold.
var ErrUnknownHandle = errors.New("unknown runtime handle")

// Runtime hosts agent processes in local PTYs. Handles carry the child pid;
// a PTY does not survive the supervisor process, so after a restart IsAlive
// degrades to a pid probe and Send/Output report the handle as unknown.
type Runtime struct {
	mu       sync.Mutex
	sessions map[string]*ptySession
	logger   *logger.Logger
}

type ptySession struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	ptmx *os.File
	term vt10x.Terminal
	done chan struct{}
}

// NewRuntime creates the local PTY runtime.
func NewRuntime(log *logger.Logger) *Runtime {
	return &Runtime{
		sessions: make(map[string]*ptySession),
		logger:   log.WithFields(zap.String("component", "runtime-local")),
	}
}

func (r *Runtime) Name() string { return runtimeName }

// Create starts the agent command in a fresh PTY and begins feeding its
// output into a terminal emulator.
func (r *Runtime) Create(_ context.Context, spec plugin.RuntimeSpec) (plugin.Handle, error) {
	if len(spec.Command) == 0 {
		return plugin.Handle{}, errors.New("runtime spec has no command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: termCols, Rows: termRows})
	if err != nil {
		return plugin.Handle{}, fmt.Errorf("failed to start pty: %w", err)
	}

	sess := &ptySession{
		cmd:  cmd,
		ptmx: ptmx,
		term: vt10x.New(vt10x.WithSize(termCols, termRows)),
		done: make(chan struct{}),
	}
	go sess.readLoop()

	r.mu.Lock()
	r.sessions[spec.Key] = sess
	r.mu.Unlock()

	r.logger.Info("pty started",
		zap.String("key", spec.Key),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("workdir", spec.WorkDir))

	return plugin.Handle{
		ID:          spec.Key,
		RuntimeName: runtimeName,
		Data:        map[string]string{"pid": strconv.Itoa(cmd.Process.Pid)},
	}, nil
}

// readLoop drains the PTY into the emulator until the child exits.
func (s *ptySession) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.mu.Lock()
			_, _ = s.term.Write(buf[:n])
			s.mu.Unlock()
		}
		if err != nil {
			break
		}
	}
	_ = s.cmd.Wait()
	close(s.done)
}

func (s *ptySession) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Destroy kills the session's process group and releases the PTY. A handle
// whose process is already gone is not an error.
func (r *Runtime) Destroy(_ context.Context, handle plugin.Handle) error {
	r.mu.Lock()
	sess, ok := r.sessions[handle.ID]
	delete(r.sessions, handle.ID)
	r.mu.Unlock()

	if ok {
		if !sess.exited() && sess.cmd.Process != nil {
			// The child leads its own session, so the negative pid
			// reaches everything it spawned.
			if err := syscall.Kill(-sess.cmd.Process.Pid, syscall.SIGKILL); err != nil {
				_ = sess.cmd.Process.Kill()
			}
			<-sess.done
		}
		_ = sess.ptmx.Close()
		r.logger.Info("pty destroyed", zap.String("key", handle.ID))
		return nil
	}

	pid, err := handlePid(handle)
	if err != nil {
		return nil
	}
	if kerr := syscall.Kill(-pid, syscall.SIGKILL); kerr != nil && !errors.Is(kerr, syscall.ESRCH) {
		if kerr = syscall.Kill(pid, syscall.SIGKILL); kerr != nil && !errors.Is(kerr, syscall.ESRCH) {
			return fmt.Errorf("failed to kill pid %d: %w", pid, kerr)
		}
	}
	return nil
}

// Send queues text as a bracketed paste followed by a carriage return, so a
// multi-line message arrives at the agent as one submission.
func (r *Runtime) Send(_ context.Context, handle plugin.Handle, text string) error {
	sess, err := r.lookup(handle)
	if err != nil {
		return err
	}
	if sess.exited() {
		return fmt.Errorf("session %s: process exited", handle.ID)
	}

	payload := "\x1b[200~" + text + "\x1b[201~\r"
	if _, werr := sess.ptmx.Write([]byte(payload)); werr != nil {
		return fmt.Errorf("failed to write to pty: %w", werr)
	}
	return nil
}

// Output renders the emulator screen and returns the last n lines with
// trailing blanks dropped.
func (r *Runtime) Output(_ context.Context, handle plugin.Handle, lines int) (string, error) {
	sess, err := r.lookup(handle)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	screen := renderScreen(sess.term)
	sess.mu.Unlock()

	if lines > 0 && len(screen) > lines {
		screen = screen[len(screen)-lines:]
	}
	return strings.Join(screen, "\n"), nil
}

// IsAlive reports the child's liveness. Handles from a previous supervisor
// process fall back to a pid signal probe.
func (r *Runtime) IsAlive(_ context.Context, handle plugin.Handle) bool {
	r.mu.Lock()
	sess, ok := r.sessions[handle.ID]
	r.mu.Unlock()

	if ok {
		return !sess.exited()
	}

	pid, err := handlePid(handle)
	if err != nil {
		return false
	}
	if kerr := syscall.Kill(pid, 0); kerr != nil {
		return errors.Is(kerr, syscall.EPERM)
	}
	return true
}

func (r *Runtime) lookup(handle plugin.Handle) (*ptySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[handle.ID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", handle.ID, ErrUnknownHandle)
	}
	return sess, nil
}

// renderScreen extracts visible lines from the emulator, right-trimmed,
// with trailing empty rows removed.
func renderScreen(term vt10x.Terminal) []string {
	lines := make([]string, termRows)
	for row := 0; row < termRows; row++ {
		chars := make([]rune, termCols)
		for col := 0; col < termCols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				chars[col] = ' '
			} else {
				chars[col] = g.Char
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return lines[:end]
}

func handlePid(handle plugin.Handle) (int, error) {
	raw, ok := handle.Data["pid"]
	if !ok || raw == "" {
		return 0, fmt.Errorf("handle %s has no pid", handle.ID)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("handle %s has invalid pid %q", handle.ID, raw)
	}
	return pid, nil
}
