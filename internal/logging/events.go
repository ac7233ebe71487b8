package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var eventMutex sync.Mutex

// Event codes written to .switchyard/events.log. Agents tail this file to
// learn about merges and conflicts without polling the CLI.
const (
	EventSessionRegister = "SESSION_REGISTER"
	EventSessionRelease  = "SESSION_RELEASE"
	EventMergeDetected   = "MERGE_DETECTED"
	EventConflictFound   = "CONFLICT_FOUND"
	EventClaimConflict   = "CLAIM_CONFLICT"
	EventAutoFixApplied  = "AUTOFIX_APPLIED"
	EventBudgetWarning   = "BUDGET_WARNING"
)

// LogEvent appends one event line to the repo's .switchyard/events.log.
// Format: TIMESTAMP|EVENT_CODE|SESSION_ID|AGENT_ID|DETAILS. Failures are
// silent; event logging never interrupts an operation.
func LogEvent(repoPath, eventCode, sessionID, details string) {
	if repoPath == "" {
		return
	}
	logPath := filepath.Join(repoPath, ".switchyard", "events.log")

	if sessionID == "" {
		sessionID = os.Getenv("SWITCHYARD_SESSION_ID")
		if sessionID == "" {
			sessionID = "none"
		}
	}
	agentID := os.Getenv("SWITCHYARD_AGENT_ID")
	if agentID == "" {
		agentID = os.Getenv("USER")
		if agentID == "" {
			agentID = "unknown"
		}
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	entry := fmt.Sprintf("%s|%s|%s|%s|%s\n", timestamp, eventCode, sessionID, agentID, details)

	eventMutex.Lock()
	defer eventMutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer file.Close()

	_, _ = file.WriteString(entry)
}
