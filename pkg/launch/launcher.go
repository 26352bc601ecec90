package launch

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Environment passed to a launched child so it can record its own exit
// status with FinishCurrent.
const (
	EnvLaunchID  = "LAUNCHR_LAUNCH_ID"
	EnvLaunchDir = "LAUNCHR_LAUNCH_DIR"
)

// Launcher spawns detached child processes with per-launch log files.
type Launcher struct {
	store *Store

	// Executable is the program to run. Defaults to os.Executable().
	Executable string
}

func NewLauncher(root string) *Launcher {
	return &Launcher{store: NewStore(root)}
}

func (l *Launcher) Store() *Store {
	return l.store
}

func (l *Launcher) StdoutPath(id string) string {
	return filepath.Join(l.store.Dir(id), "stdout.log")
}

func (l *Launcher) StderrPath(id string) string {
	return filepath.Join(l.store.Dir(id), "stderr.log")
}

// Start runs the executable with args in a new session, detached from the
// caller's terminal. It returns once the child has started and its record
// is written. If the caller outlives the child, the child's exit status is
// recorded when it is reaped.
func (l *Launcher) Start(kind Kind, label string, args []string) (*Record, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("launcher is not initialized")
	}

	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(l.store.Dir(id), 0o755); err != nil {
		return nil, fmt.Errorf("create launch dir: %w", err)
	}
	stdout, err := os.Create(l.StdoutPath(id))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdout.Close() }()
	stderr, err := os.Create(l.StderrPath(id))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderr.Close() }()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), EnvLaunchID+"="+id, EnvLaunchDir+"="+l.store.RootDir())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start background %s: %w", kind, err)
	}

	rec := &Record{
		ID:         id,
		Kind:       kind,
		State:      StateRunning,
		Label:      strings.TrimSpace(label),
		Args:       append([]string(nil), args...),
		PID:        cmd.Process.Pid,
		CreatedAt:  time.Now().UTC(),
		StdoutPath: l.StdoutPath(id),
		StderrPath: l.StderrPath(id),
	}
	writeErr := l.store.Write(rec)

	// The record exists before the reaper can report on it.
	go func() {
		code := exitStatus(cmd.Wait())
		if writeErr == nil {
			_ = l.store.Finish(id, code)
		}
	}()

	if writeErr != nil {
		return nil, writeErr
	}
	return rec, nil
}

// exitStatus maps the result of exec.Cmd.Wait to a shell-style status:
// 128+signal for a signalled child.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return 1
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := ee.ExitCode(); code > 0 {
		return code
	}
	return 1
}

// FinishCurrent records exitCode for the launch this process was started
// as. It does nothing when the process was not started by a Launcher.
func FinishCurrent(exitCode int) error {
	id, dir := os.Getenv(EnvLaunchID), os.Getenv(EnvLaunchDir)
	if id == "" || dir == "" {
		return nil
	}
	return NewStore(dir).Finish(id, exitCode)
}
