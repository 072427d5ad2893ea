// Package obslog provides the orchestration core's structured logging:
// one JSON line per lifecycle event over the standard logger.
package obslog

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Entry is a structured log entry for a session-scoped event.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	SessionID string                 `json:"session_id,omitempty"`
	ProjectID string                 `json:"project_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	EventType string                 `json:"event_type"`
	Status    string                 `json:"status,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

var structured = os.Getenv("STRUCTURED_LOGGING") != "false"

// Log emits e, filling Timestamp if unset. When structured logging is
// disabled it falls back to a plain printf-style line.
func Log(e Entry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if structured {
		b, err := json.Marshal(e)
		if err != nil {
			log.Printf("obslog: marshal failed: %v", err)
			return
		}
		log.Println(string(b))
		return
	}

	if e.Error != "" {
		log.Printf("[%s] %s %s: %s (error: %s)", e.Component, e.EventType, e.SessionID, e.Status, e.Error)
	} else {
		log.Printf("[%s] %s %s: %s", e.Component, e.EventType, e.SessionID, e.Status)
	}
}

// SessionCreated logs the admission/reservation of a new session.
func SessionCreated(sessionID, projectID string, metadata map[string]interface{}) {
	Log(Entry{SessionID: sessionID, ProjectID: projectID, Component: "provisioner", EventType: "SESSION_CREATED", Status: "CREATING", Metadata: metadata})
}

// SessionReady logs the resolution of a provisioning wait into READY.
func SessionReady(sessionID, projectID, publicAddress string, provisioningTime time.Duration) {
	Log(Entry{SessionID: sessionID, ProjectID: projectID, Component: "provisioner", EventType: "SESSION_READY", Status: "READY", Duration: provisioningTime.Milliseconds(), Metadata: map[string]interface{}{"public_address": publicAddress}})
}

// SessionTerminated logs the end of a session's lifetime.
func SessionTerminated(sessionID, projectID, reason string, sessionDuration time.Duration) {
	Log(Entry{SessionID: sessionID, ProjectID: projectID, Component: "statemachine", EventType: "SESSION_TERMINATED", Status: "STOPPED", Duration: sessionDuration.Milliseconds(), Metadata: map[string]interface{}{"reason": reason}})
}

// SessionError logs a failed operation against a session.
func SessionError(sessionID, projectID string, err error, operation string) {
	Log(Entry{SessionID: sessionID, ProjectID: projectID, Component: operation, EventType: "SESSION_ERROR", Error: err.Error()})
}

// SessionTimeout logs a provisioning or idle timeout.
func SessionTimeout(sessionID, projectID string, age time.Duration) {
	Log(Entry{SessionID: sessionID, ProjectID: projectID, Component: "provisioner", EventType: "SESSION_TIMEOUT", Status: "TIMED_OUT", Duration: age.Milliseconds()})
}

// TaskEvent logs a container-platform lifecycle event.
func TaskEvent(sessionID, taskID, phase string, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["task_id"] = taskID
	metadata["phase"] = phase
	Log(Entry{SessionID: sessionID, Component: "eventrouter", EventType: "TASK_EVENT", Status: phase, Metadata: metadata})
}

// ProxyConnection logs a CDP Auth Proxy connection lifecycle event.
func ProxyConnection(sessionID, eventType string, metadata map[string]interface{}) {
	Log(Entry{SessionID: sessionID, Component: "cdpproxy", EventType: eventType, Metadata: metadata})
}

// ReconcileSweep logs the result of one Lifecycle Reconciler pass.
func ReconcileSweep(pass string, affected int, duration time.Duration) {
	Log(Entry{Component: "reconciler", EventType: "RECONCILE_SWEEP", Status: pass, Duration: duration.Milliseconds(), Metadata: map[string]interface{}{"affected": affected}})
}
