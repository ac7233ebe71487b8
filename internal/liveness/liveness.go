// Package liveness decides whether a registered session is still live:
// its process exists and its heartbeat is fresh. The stale sweep keys off
// both signals so a wedged-but-running process is still reclaimed.
package liveness

import (
	"os"
	"time"

	"github.com/steveyegge/switchyard/internal/types"
)

// Oracle answers process-alive and heartbeat-stale questions.
type Oracle struct {
	// StaleThreshold is how old a heartbeat may grow before the session is
	// presumed abandoned even when its PID still exists.
	StaleThreshold time.Duration

	// aliveFn is overridden in tests.
	aliveFn func(pid int) bool
}

// New returns an Oracle with the given staleness threshold. A zero
// threshold selects the default.
func New(threshold time.Duration) *Oracle {
	if threshold <= 0 {
		threshold = types.DefaultStaleSessionThreshold
	}
	return &Oracle{StaleThreshold: threshold, aliveFn: isProcessRunning}
}

// Alive reports whether a process with the given PID exists on this host.
// The calling process is always alive; pid <= 0 is never alive.
func (o *Oracle) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	fn := o.aliveFn
	if fn == nil {
		fn = isProcessRunning
	}
	return fn(pid)
}

// Stale reports whether a heartbeat is older than the threshold at now.
func (o *Oracle) Stale(lastHeartbeat, now time.Time) bool {
	return now.Sub(lastHeartbeat) > o.StaleThreshold
}

// EligibleForSweep reports whether a session should be reclaimed: its
// process is gone, or its heartbeat went stale.
func (o *Oracle) EligibleForSweep(pid int, lastHeartbeat, now time.Time) bool {
	return !o.Alive(pid) || o.Stale(lastHeartbeat, now)
}
