package storage

import "time"

// EventWriter is the interface for writing gate decision events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// DecisionEvent is the audit record of one authorization decision.
type DecisionEvent struct {
	EventID   string
	Timestamp time.Time
	Kind      string // "http_request" or "history_access"
	Hostname  string
	Port      int32
	Category  string
	Decision  string // "allow" or "deny"
	Outcome   string // prompt outcome, empty on the fast path
	Source    string // what decided: "approval_disabled", "allowlist", "category_flag", "prompt", ...
	PendingID string
	ClientID  string
	Actor     string
	Detail    string
	WaitMs    float32
}
