package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// DefaultPIDFile is used when the configuration leaves pid empty
const DefaultPIDFile = "/var/run/imgate.pid"

// PIDManager handles PID file operations
type PIDManager struct {
	pidFile string
}

// NewPIDManager creates a new PIDManager instance
func NewPIDManager(pidFile string) *PIDManager {
	if pidFile == "" {
		pidFile = DefaultPIDFile
	}
	return &PIDManager{
		pidFile: pidFile,
	}
}

// WritePID writes the current process ID to the PID file
func (p *PIDManager) WritePID() error {
	if err := os.MkdirAll(filepath.Dir(p.pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	return os.WriteFile(p.pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// ReadPID parses the process ID stored in the PID file
func (p *PIDManager) ReadPID() (int, error) {
	data, err := os.ReadFile(p.pidFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID format in file: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID value: %d", pid)
	}
	return pid, nil
}

// Signal sends sig to the process recorded in the PID file
func (p *PIDManager) Signal(sig syscall.Signal) error {
	pid, err := p.ReadPID()
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}

// RemovePID removes the PID file, ignoring a file that is already gone
func (p *PIDManager) RemovePID() error {
	if err := os.Remove(p.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// GetPIDFile returns the PID file path
func (p *PIDManager) GetPIDFile() string {
	return p.pidFile
}
