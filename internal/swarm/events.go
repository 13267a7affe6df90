package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/model"
)

// EventType identifies a progress event on the task stream.
type EventType string

const (
	EventPhaseChanged      EventType = "phase_changed"
	EventQueueBuilt        EventType = "queue_built"
	EventOutputUpdated     EventType = "output_updated"
	EventEvaluationUpdated EventType = "evaluation_updated"
	EventFinalistsSelected EventType = "finalists_selected"
	EventRankingUpdated    EventType = "ranking_updated"
)

// Event is one progress event. Payload rows are always fully materialized:
// a consumer must be able to update its view without a follow-up fetch.
type Event struct {
	TaskID    string    `json:"task_id"`
	OrgID     string    `json:"org_id"`
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	Task        *model.Task         `json:"task,omitempty"`
	Outputs     []*model.Output     `json:"outputs,omitempty"`
	Evaluations []*model.Evaluation `json:"evaluations,omitempty"`
}

// Emitter publishes progress events. Emission is a side channel, not a
// correctness dependency: implementations must never block or fail the
// pipeline.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// EventSubject returns the NATS subject for one task event type.
// Consumers subscribe to swarm.tasks.{org_id}.{task_id}.> for the full
// per-task stream.
func EventSubject(orgID, taskID string, eventType EventType) string {
	return fmt.Sprintf("swarm.tasks.%s.%s.%s", orgID, taskID, eventType)
}

// NATSEmitter publishes events to NATS with per-task sequence numbers.
// Publish failures are logged and swallowed.
type NATSEmitter struct {
	nc     *nats.Conn
	logger *zap.Logger

	mu   sync.Mutex
	seqs map[string]uint64
}

// NewNATSEmitter creates an emitter over an established NATS connection.
func NewNATSEmitter(nc *nats.Conn, logger *zap.Logger) *NATSEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSEmitter{
		nc:     nc,
		logger: logger,
		seqs:   make(map[string]uint64),
	}
}

// Emit implements Emitter.
func (e *NATSEmitter) Emit(ctx context.Context, event Event) {
	e.mu.Lock()
	e.seqs[event.TaskID]++
	event.Seq = e.seqs[event.TaskID]
	if event.Type == EventPhaseChanged && event.Task != nil && event.Task.Phase.Terminal() {
		// Terminal event: the stream is done, drop the counter.
		delete(e.seqs, event.TaskID)
	}
	e.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Warn("failed to marshal event",
			zap.String("task_id", event.TaskID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
		return
	}

	subject := EventSubject(event.OrgID, event.TaskID, event.Type)
	if err := e.nc.Publish(subject, data); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// CollectorEmitter records events in memory for tests.
type CollectorEmitter struct {
	mu     sync.Mutex
	events []Event
}

// NewCollectorEmitter creates an empty collector.
func NewCollectorEmitter() *CollectorEmitter {
	return &CollectorEmitter{}
}

// Emit implements Emitter.
func (c *CollectorEmitter) Emit(ctx context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	event.Seq = uint64(len(c.events) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	c.events = append(c.events, event)
}

// Events returns a copy of the recorded events.
func (c *CollectorEmitter) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ByType returns recorded events of one type, in emission order.
func (c *CollectorEmitter) ByType(t EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
