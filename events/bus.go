// Package events implements the VibeCC event bus: fan-out of typed domain
// events to zero-or-more subscribers with optional per-project filtering
// and a heartbeat keepalive, matching the Server-Sent-Events contract
// consumed by internal/web.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event carried on the bus.
type Type string

const (
	TypePipelineCreated   Type = "pipeline_created"
	TypePipelineUpdated   Type = "pipeline_updated"
	TypePipelineCompleted Type = "pipeline_completed"
	TypeAutopilotStarted  Type = "autopilot_started"
	TypeAutopilotStopped  Type = "autopilot_stopped"
	TypeLog               Type = "log"
	TypeHeartbeat         Type = "heartbeat"
)

// LogLevel is the severity of a Log event.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// Event is a single message delivered on the bus. ProjectID is empty for
// events that are not project-scoped (currently only heartbeat).
type Event struct {
	Type      Type            `json:"-"`
	ProjectID string          `json:"-"`
	Data      json.RawMessage `json:"-"`
}

// ToSSE renders the event in the `event: <type>\ndata: <json>\n\n` wire
// format used by the HTTP Surface's SSE endpoint.
func (e Event) ToSSE() string {
	return "event: " + string(e.Type) + "\ndata: " + string(e.Data) + "\n\n"
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only ever fails on a programming error (unmarshalable type);
		// the payload types below are all plain structs.
		panic(err)
	}
	return b
}

// subscriberQueueSize bounds how many undelivered events a slow subscriber
// may accumulate before emit starts dropping events for it. A full queue
// never blocks the producer.
const subscriberQueueSize = 64

// heartbeatInterval is the default cadence for synthetic heartbeat events.
const heartbeatInterval = 30 * time.Second

// Subscription is a live registration on the Bus. Read from C until it
// closes (on Unsubscribe or Bus shutdown).
type Subscription struct {
	ID        string
	ProjectID string // empty means "all projects"
	C         chan Event
}

// Bus fans out events to subscribers. The zero value is not usable; use
// NewBus.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[string]*Subscription),
		stopCh: make(chan struct{}),
	}
}

// Subscribe registers a new subscription. projectID == "" subscribes to
// events for every project. The caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(projectID string) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		C:         make(chan Event, subscriberQueueSize),
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription. Idempotent; unknown ids are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.C)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// emit delivers ev to every subscriber whose filter matches. Delivery is
// fire-and-forget: a subscriber with a full queue is skipped rather than
// blocking the producer.
func (b *Bus) emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.ProjectID != "" && ev.ProjectID != "" && sub.ProjectID != ev.ProjectID {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			// queue full; drop for this subscriber only
		}
	}
}

// Shutdown stops the heartbeat loop (if started) and closes every
// subscriber channel.
func (b *Bus) Shutdown() {
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.C)
	}
}

// RunHeartbeat emits a heartbeat event every interval until ctx is done or
// Shutdown is called. Call once, in its own goroutine, per Bus.
func (b *Bus) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = heartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.emit(Event{
				Type: TypeHeartbeat,
				Data: mustMarshal(heartbeatPayload{Timestamp: time.Now().UTC()}),
			})
		}
	}
}

type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// EmitPipelineCreated emits a pipeline_created event.
func (b *Bus) EmitPipelineCreated(pipelineID, projectID, ticketID, state string) {
	b.emit(Event{
		Type:      TypePipelineCreated,
		ProjectID: projectID,
		Data: mustMarshal(struct {
			PipelineID string `json:"pipeline_id"`
			ProjectID  string `json:"project_id"`
			TicketID   string `json:"ticket_id"`
			State      string `json:"state"`
		}{pipelineID, projectID, ticketID, state}),
	})
}

// EmitPipelineUpdated emits a pipeline_updated event.
func (b *Bus) EmitPipelineUpdated(pipelineID, projectID, state, previousState string) {
	b.emit(Event{
		Type:      TypePipelineUpdated,
		ProjectID: projectID,
		Data: mustMarshal(struct {
			PipelineID    string `json:"pipeline_id"`
			State         string `json:"state"`
			PreviousState string `json:"previous_state"`
		}{pipelineID, state, previousState}),
	})
}

// EmitPipelineCompleted emits a pipeline_completed event.
func (b *Bus) EmitPipelineCompleted(pipelineID, projectID, finalState string) {
	b.emit(Event{
		Type:      TypePipelineCompleted,
		ProjectID: projectID,
		Data: mustMarshal(struct {
			PipelineID string `json:"pipeline_id"`
			FinalState string `json:"final_state"`
		}{pipelineID, finalState}),
	})
}

// EmitAutopilotStarted emits an autopilot_started event.
func (b *Bus) EmitAutopilotStarted(projectID string) {
	b.emit(Event{
		Type:      TypeAutopilotStarted,
		ProjectID: projectID,
		Data: mustMarshal(struct {
			ProjectID string `json:"project_id"`
		}{projectID}),
	})
}

// EmitAutopilotStopped emits an autopilot_stopped event with a reason
// (e.g. "manual", "coding_failure", "max_retries").
func (b *Bus) EmitAutopilotStopped(projectID, reason string) {
	b.emit(Event{
		Type:      TypeAutopilotStopped,
		ProjectID: projectID,
		Data: mustMarshal(struct {
			ProjectID string `json:"project_id"`
			Reason    string `json:"reason"`
		}{projectID, reason}),
	})
}

// EmitLog emits a log event tied to a pipeline.
func (b *Bus) EmitLog(pipelineID, projectID string, level LogLevel, message string) {
	b.emit(Event{
		Type:      TypeLog,
		ProjectID: projectID,
		Data: mustMarshal(struct {
			PipelineID string   `json:"pipeline_id"`
			Level      LogLevel `json:"level"`
			Message    string   `json:"message"`
			Timestamp  string   `json:"timestamp"`
		}{pipelineID, level, message, time.Now().UTC().Format(time.RFC3339)}),
	})
}
