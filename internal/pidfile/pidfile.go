// Package pidfile guards a server data directory against a second instance.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by Acquire when the recorded process is still alive.
var ErrRunning = errors.New("another instance is running")

// Pidfile represents a PID file
type Pidfile struct {
	path string
	pid  int
}

// New creates a new PID file instance for the current process
func New(path string) *Pidfile {
	return &Pidfile{
		path: path,
		pid:  os.Getpid(),
	}
}

// Acquire writes the current PID unless a live process already holds the
// file. A file left behind by a dead process is replaced.
func (p *Pidfile) Acquire() error {
	if pid, err := p.Read(); err == nil && pid != p.pid && alive(pid) {
		return fmt.Errorf("%w (pid %d, %s)", ErrRunning, pid, p.path)
	}
	return p.write()
}

func (p *Pidfile) write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(p.pid)), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Read reads the PID from the PID file
func (p *Pidfile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in pidfile: %w", err)
	}

	return pid, nil
}

// Release removes the PID file if it still names this process.
func (p *Pidfile) Release() error {
	if pid, err := p.Read(); err == nil && pid != p.pid {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Path returns the PID file path
func (p *Pidfile) Path() string {
	return p.path
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
