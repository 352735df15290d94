// Package process starts and stops component helper processes.
//
// The manager owns reaping: every spawned child gets a goroutine that
// waits for it and reports the exit through the OnExit callback. A
// component whose process has been signalled but has not yet exited is
// in the Stopping state and cannot be started again until the exit is
// observed.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"github.com/mattn/go-shellwords"
	"golang.org/x/sys/unix"

	"ibusd/internal/component"
)

// State describes a component's process.
type State int

const (
	NotRunning State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "not-running"
	}
}

var (
	// ErrNotParsable is returned when a component's exec line cannot be split.
	ErrNotParsable = errors.New("can not parse component exec")
	// ErrStopping is returned by Start while a previous process is still exiting.
	ErrStopping = errors.New("component process is still stopping")
)

// Exit describes a reaped child.
type Exit struct {
	Component string
	PID       int
	Err       error
}

type proc struct {
	pid   int
	state State
	done  chan struct{}
}

// Manager tracks one process per component name.
type Manager struct {
	mu     sync.Mutex
	procs  map[string]*proc
	onExit func(Exit)
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewManager returns a Manager. onExit, if set, runs on the reaper
// goroutine after the process state has been cleared.
func NewManager(logger *slog.Logger, onExit func(Exit)) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		procs:  make(map[string]*proc),
		onExit: onExit,
		logger: logger,
	}
}

// Start spawns the component's exec line unless it is already running.
func (m *Manager) Start(c *component.Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.procs[c.Name]; ok {
		if p.state == Stopping {
			return fmt.Errorf("%s: %w", c.Name, ErrStopping)
		}
		return nil
	}

	args, err := shellwords.Parse(c.Exec)
	if err != nil || len(args) == 0 {
		m.logger.Error("can not parse component exec", "component", c.Name, "exec", c.Exec, "error", err)
		return fmt.Errorf("%s: %w", c.Name, ErrNotParsable)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		m.logger.Error("can not execute component", "component", c.Name, "exec", c.Exec, "error", err)
		return fmt.Errorf("execute %s: %w", c.Name, err)
	}

	p := &proc{pid: cmd.Process.Pid, state: Running, done: make(chan struct{})}
	m.procs[c.Name] = p
	m.logger.Info("component started", "component", c.Name, "pid", p.pid)

	m.wg.Add(1)
	go m.reap(c.Name, cmd, p)
	return nil
}

func (m *Manager) reap(name string, cmd *exec.Cmd, p *proc) {
	defer m.wg.Done()

	err := cmd.Wait()

	m.mu.Lock()
	if cur, ok := m.procs[name]; ok && cur == p {
		delete(m.procs, name)
	}
	m.mu.Unlock()
	close(p.done)

	m.logger.Info("component exited", "component", name, "pid", p.pid, "status", exitStatus(err))
	if m.onExit != nil {
		m.onExit(Exit{Component: name, PID: p.pid, Err: err})
	}
}

// Stop sends SIGTERM to a running component's process group and returns
// without waiting.
func (m *Manager) Stop(c *component.Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs[c.Name]
	if !ok {
		return nil
	}
	if err := unix.Kill(-p.pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("terminate %s: %w", c.Name, err)
	}
	p.state = Stopping
	return nil
}

// IsRunning reports whether the component has a live process id.
func (m *Manager) IsRunning(c *component.Component) bool {
	return m.PID(c.Name) != 0
}

// PID returns the process id for a component, or 0.
func (m *Manager) PID(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[name]; ok {
		return p.pid
	}
	return 0
}

// State returns the process state for a component.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[name]; ok {
		return p.state
	}
	return NotRunning
}

// StopAll terminates every process and waits for them to exit. Processes
// still alive when ctx is done are killed.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	procs := make(map[string]*proc, len(m.procs))
	for name, p := range m.procs {
		procs[name] = p
		if p.state == Running {
			_ = unix.Kill(-p.pid, unix.SIGTERM)
			p.state = Stopping
		}
	}
	m.mu.Unlock()

	for name, p := range procs {
		select {
		case <-p.done:
		case <-ctx.Done():
			m.logger.Warn("component did not exit, killing", "component", name, "pid", p.pid)
			_ = unix.Kill(-p.pid, unix.SIGKILL)
			<-p.done
		}
	}
	m.wg.Wait()
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
