// Package lock keeps a single writer per migration plan with a PID file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/reloquent/carryover/internal/config"
)

const DefaultDir = "~/.carryover/locks/"

// ErrHeld is returned when another live process holds the lock.
var ErrHeld = errors.New("lock held by another process")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// PathFor returns the lock file of a plan inside dir.
func PathFor(dir, plan string) string {
	if dir == "" {
		dir = DefaultDir
	}
	name := unsafeChars.ReplaceAllString(plan, "_")
	if name == "" {
		name = "default"
	}
	return filepath.Join(config.ExpandHome(dir), name+".lock")
}

// Acquire creates the lock file with the current process PID. A lock left
// behind by a process that is no longer running is taken over.
func Acquire(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	for range 2 {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			return errors.Join(werr, cerr)
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file: %w", err)
		}

		held, pid, err := IsHeld(path)
		if err != nil {
			return err
		}
		if held {
			return fmt.Errorf("%w (PID %d): only one run per plan can be active", ErrHeld, pid)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale lock: %w", err)
		}
	}
	return fmt.Errorf("%w: lock file %s keeps reappearing", ErrHeld, path)
}

// Release removes the lock file.
func Release(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsHeld checks if the lock is currently held by a running process.
func IsHeld(path string) (bool, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0, nil
	}
	if isProcessRunning(pid) {
		return true, pid, nil
	}
	return false, pid, nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
