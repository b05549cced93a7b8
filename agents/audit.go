package agents

import (
	"encoding/json"
	"time"
)

// AuditEventType classifies an audit log entry.
type AuditEventType string

const (
	AuditEventPromptSent       AuditEventType = "prompt_sent"
	AuditEventResponseReceived AuditEventType = "response_received"
	AuditEventToolCall         AuditEventType = "tool_call"
	AuditEventError            AuditEventType = "error"
)

// AuditEntry records one interaction with the coding agent.
type AuditEntry struct {
	ID         string
	TicketID   string
	Branch     string
	EventType  AuditEventType
	EventData  string
	DurationMs int
	CreatedAt  time.Time
}

// AuditLogger records the coding agent's interactions for a ticket. Kept as
// an optional capability: a StateStore may or may not want to persist every
// prompt/response pair, so callers should degrade gracefully when it's absent.
type AuditLogger interface {
	LogPromptSent(ticketID, branch, prompt string) error
	LogResponseReceived(ticketID, output string, durationMs int) error
	LogError(ticketID, errMsg string) error
}

// AuditStore is the persistence capability an AuditLogger needs. A
// pipeline.StateStore implementation may optionally satisfy this via type
// assertion; when it doesn't, callers should skip audit logging.
type AuditStore interface {
	AddAuditEntry(entry *AuditEntry) error
	GetConfigValue(key string) (string, error)
}

// StoreAuditLogger implements AuditLogger against an AuditStore, truncating
// large payloads before persisting them.
type StoreAuditLogger struct {
	store   AuditStore
	enabled bool
}

// NewStoreAuditLogger creates a store-backed audit logger. Logging can be
// disabled via the "enable_audit_logging" config value.
func NewStoreAuditLogger(store AuditStore) *StoreAuditLogger {
	enabled := true
	if v, _ := store.GetConfigValue("enable_audit_logging"); v == "false" {
		enabled = false
	}
	return &StoreAuditLogger{store: store, enabled: enabled}
}

func generateAuditID() string {
	return time.Now().Format("20060102-150405.000000")
}

const maxAuditPayload = 50_000

func truncateAudit(s string) string {
	if len(s) <= maxAuditPayload {
		return s
	}
	return s[:maxAuditPayload] + "\n...[truncated]"
}

// LogPromptSent records the prompt sent to the coding agent for ticketID.
func (l *StoreAuditLogger) LogPromptSent(ticketID, branch, prompt string) error {
	if !l.enabled {
		return nil
	}
	return l.store.AddAuditEntry(&AuditEntry{
		ID:        generateAuditID(),
		TicketID:  ticketID,
		Branch:    branch,
		EventType: AuditEventPromptSent,
		EventData: truncateAudit(prompt),
		CreatedAt: time.Now(),
	})
}

// LogResponseReceived records the agent's output for ticketID.
func (l *StoreAuditLogger) LogResponseReceived(ticketID, output string, durationMs int) error {
	if !l.enabled {
		return nil
	}
	data, _ := json.Marshal(map[string]any{
		"output":      truncateAudit(output),
		"duration_ms": durationMs,
	})
	return l.store.AddAuditEntry(&AuditEntry{
		ID:         generateAuditID(),
		TicketID:   ticketID,
		EventType:  AuditEventResponseReceived,
		EventData:  string(data),
		DurationMs: durationMs,
		CreatedAt:  time.Now(),
	})
}

// LogError records a coding-agent failure for ticketID.
func (l *StoreAuditLogger) LogError(ticketID, errMsg string) error {
	if !l.enabled {
		return nil
	}
	return l.store.AddAuditEntry(&AuditEntry{
		ID:        generateAuditID(),
		TicketID:  ticketID,
		EventType: AuditEventError,
		EventData: errMsg,
		CreatedAt: time.Now(),
	})
}

// NoOpAuditLogger discards everything. Nothing in this module constructs
// it: Worker treats a nil AuditLogger as disabled, and StoreAuditLogger
// honours the "enable_audit_logging" config value on its own.
type NoOpAuditLogger struct{}

func (NoOpAuditLogger) LogPromptSent(string, string, string) error    { return nil }
func (NoOpAuditLogger) LogResponseReceived(string, string, int) error { return nil }
func (NoOpAuditLogger) LogError(string, string) error                 { return nil }
