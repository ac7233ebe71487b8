// Package lockfile implements the flock-based daemon singleton and the
// liveness probes its clients use. At most one daemon per repository
// holds the exclusive lock on .switchyard/daemon.lock; everyone else can
// ask who holds it without blocking.
package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLockBusy is returned by the non-blocking flock helpers when another
// process already holds a conflicting lock.
var ErrLockBusy = errors.New("file lock busy")

const (
	// LockFileName is the daemon singleton lock inside .switchyard.
	LockFileName = "daemon.lock"

	// PIDFileName is the plain-PID liveness file; probes fall back to it
	// when the lock file is missing or unreadable.
	PIDFileName = "daemon.pid"
)

// LockInfo is the metadata a daemon records inside its lock file.
type LockInfo struct {
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid,omitempty"`
	Database  string    `json:"database,omitempty"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ReadLockInfo parses the lock file in dir. Both the JSON format and the
// older plain-PID format decode; anything else is an error.
func ReadLockInfo(dir string) (*LockInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if jerr := json.Unmarshal(data, &info); jerr == nil && info.PID > 0 {
		return &info, nil
	}
	pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
	if perr != nil || pid <= 0 {
		return nil, errors.New("lock file is neither JSON nor a bare pid")
	}
	return &LockInfo{PID: pid}, nil
}

// checkPIDFile probes the plain-PID file in dir. Reports whether that
// process is alive, and its pid.
func checkPIDFile(dir string) (bool, int) {
	data, err := os.ReadFile(filepath.Join(dir, PIDFileName))
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0
	}
	if !isProcessRunning(pid) {
		return false, 0
	}
	return true, pid
}

// TryDaemonLock reports whether some process holds the daemon lock in
// dir and, when one does, which pid. The probe briefly takes the lock
// itself when it is free, so never call it from a process that has
// already acquired its own daemon lock.
func TryDaemonLock(dir string) (running bool, pid int) {
	f, err := os.OpenFile(filepath.Join(dir, LockFileName), os.O_RDWR, 0644)
	if err != nil {
		return checkPIDFile(dir)
	}
	defer f.Close()

	err = flockExclusive(f)
	switch {
	case err == nil:
		_ = FlockUnlock(f)
		return checkPIDFile(dir)
	case errors.Is(err, errDaemonLocked):
		if info, rerr := ReadLockInfo(dir); rerr == nil {
			return true, info.PID
		}
		_, pid = checkPIDFile(dir)
		return true, pid
	default:
		return checkPIDFile(dir)
	}
}

// AcquireDaemonLock takes the daemon singleton lock in dir and records
// info inside it. The lock lives as long as the returned file stays
// open; release it with ReleaseDaemonLock on shutdown. A second daemon
// gets ErrLockBusy.
func AcquireDaemonLock(dir string, info LockInfo) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, LockFileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errDaemonLocked) {
			return nil, ErrLockBusy
		}
		return nil, err
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.ParentPID == 0 {
		info.ParentPID = os.Getppid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	data, err := json.Marshal(&info)
	if err == nil {
		err = f.Truncate(0)
	}
	if err == nil {
		_, err = f.WriteAt(data, 0)
	}
	if err != nil {
		_ = FlockUnlock(f)
		_ = f.Close()
		return nil, err
	}

	// Probes that cannot read the lock format fall back to daemon.pid.
	_ = os.WriteFile(filepath.Join(dir, PIDFileName), []byte(strconv.Itoa(info.PID)), 0644)
	return f, nil
}

// ReleaseDaemonLock unlocks, closes, and removes the daemon lock
// artifacts. Best-effort: a daemon that dies without calling this leaves
// an unlocked file behind, which probes correctly read as "not running".
func ReleaseDaemonLock(f *os.File, dir string) {
	if f != nil {
		_ = FlockUnlock(f)
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
	}
	_ = os.Remove(filepath.Join(dir, PIDFileName))
}
