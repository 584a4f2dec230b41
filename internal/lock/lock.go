// Package lock keeps a single fluxyd running per instance directory and
// records where that daemon can be reached.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// LockHeldError is returned when another process holds the instance lock.
type LockHeldError struct {
	PID  int
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("instance lock held by PID %d (%s)", e.PID, e.Path)
}

// Info is what the holder writes into the lock file.
type Info struct {
	PID      int
	Started  time.Time
	Instance string
	Gateway  string // listen address of the WebSocket gateway
}

// Lock represents an acquired instance lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire attempts to acquire an exclusive lock on the instance directory and
// writes info into it. PID and Started are filled in here.
// Returns LockHeldError if another process already holds it.
func Acquire(instanceDir string, info Info) (*Lock, error) {
	lockPath := filepath.Join(instanceDir, fileName)

	if err := os.MkdirAll(instanceDir, 0700); err != nil {
		return nil, fmt.Errorf("create instance dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		held, _ := Read(instanceDir)
		_ = f.Close()
		pid := 0
		if held != nil {
			pid = held.PID
		}
		return nil, &LockHeldError{PID: pid, Path: lockPath}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	info.PID = os.Getpid()
	info.Started = time.Now().UTC()
	if _, err := f.WriteString(encode(info)); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Read parses the lock file of instanceDir without taking the lock. It
// reports os.ErrNotExist when no daemon has written one.
func Read(instanceDir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(instanceDir, fileName))
	if err != nil {
		return nil, err
	}
	return decode(string(data)), nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func encode(info Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", info.PID)
	fmt.Fprintf(&b, "time=%s\n", info.Started.Format(time.RFC3339))
	if info.Instance != "" {
		fmt.Fprintf(&b, "instance=%s\n", info.Instance)
	}
	if info.Gateway != "" {
		fmt.Fprintf(&b, "gateway=%s\n", info.Gateway)
	}
	return b.String()
}

func decode(content string) *Info {
	info := &Info{}
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "time":
			info.Started, _ = time.Parse(time.RFC3339, value)
		case "instance":
			info.Instance = value
		case "gateway":
			info.Gateway = value
		}
	}
	return info
}
