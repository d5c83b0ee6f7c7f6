package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// Event is one entry of the structured event stream.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the component that emitted the event.
	Source string `json:"source"`

	// SessionID is the deployment session, if applicable.
	SessionID string `json:"session_id,omitempty"`

	// NodeID is the compute node concerned, if applicable.
	NodeID string `json:"node_id,omitempty"`

	// Step is the pipeline step label, if applicable.
	Step string `json:"step,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types emitted by the engine.
const (
	EventTypeDeploymentStarted  = "deployment.started"
	EventTypeDeploymentFinished = "deployment.finished"
	EventTypeStepCompleted      = "step.completed"
	EventTypeStepFailed         = "step.failed"
	EventTypeCostCheckpoint     = "cost.checkpoint"
	EventTypeDriftDetected      = "drift.detected"
	EventTypeReachability       = "reachability.report"
	EventTypeRemoteOutput       = "remote.output"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Sink receives events. Components emit through a Sink so callers decide
// whether events are buffered, printed or dropped.
type Sink interface {
	Publish(event Event) error
}

// NopSink discards every event.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(Event) error { return nil }

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. Subscribers
// receive events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// DeploymentStartedEvent describes the start of a full deployment.
func DeploymentStartedEvent(sessionID string, identity engine.OwnershipTag, steps int) Event {
	return Event{
		Type:      EventTypeDeploymentStarted,
		Source:    "orchestrator",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Deployment of %s started (%d steps)", identity.Name(), steps),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"steps_total": steps,
		},
	}
}

// DeploymentFinishedEvent describes the outcome of a full deployment.
func DeploymentFinishedEvent(outcome engine.Outcome, duration time.Duration) Event {
	level := EventLevelInfo
	if outcome.Kind == engine.OutcomeFailed {
		level = EventLevelError
	}
	return Event{
		Type:      EventTypeDeploymentFinished,
		Source:    "orchestrator",
		SessionID: outcome.Session.ID,
		NodeID:    outcome.NodeID,
		Message:   "Deployment " + outcome.String(),
		Level:     level,
		Data: map[string]interface{}{
			"outcome":  string(outcome.Kind),
			"address":  outcome.Address,
			"duration": duration.Seconds(),
		},
	}
}

// StepCompletedEvent describes the completion of a pipeline step.
func StepCompletedEvent(sessionID, step string, done, total int, duration time.Duration) Event {
	return Event{
		Type:      EventTypeStepCompleted,
		Source:    "orchestrator",
		SessionID: sessionID,
		Step:      step,
		Message:   fmt.Sprintf("[%d/%d] %s", done, total, step),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"done":     done,
			"total":    total,
			"duration": duration.Seconds(),
		},
	}
}

// StepFailedEvent describes the failure of a pipeline step.
func StepFailedEvent(sessionID, step string, err error) Event {
	return Event{
		Type:      EventTypeStepFailed,
		Source:    "orchestrator",
		SessionID: sessionID,
		Step:      step,
		Message:   fmt.Sprintf("%s failed: %v", step, err),
		Level:     EventLevelError,
	}
}

// CostCheckpointEvent describes the decision taken at the cost checkpoint.
func CostCheckpointEvent(sessionID string, estimate engine.CostEstimate, decision engine.Decision) Event {
	return Event{
		Type:      EventTypeCostCheckpoint,
		Source:    "orchestrator",
		SessionID: sessionID,
		NodeID:    estimate.NodeID,
		Message:   fmt.Sprintf("%s in %s: $%.4f/h, $%.2f/month -> %s", estimate.InstanceType, estimate.Region, estimate.Hourly, estimate.Monthly, decision),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"hourly":   estimate.Hourly,
			"monthly":  estimate.Monthly,
			"decision": string(decision),
		},
	}
}

// DriftDetectedEvent describes an inventory correction.
func DriftDetectedEvent(nodeID, kind string) Event {
	return Event{
		Type:    EventTypeDriftDetected,
		Source:  "reconciler",
		NodeID:  nodeID,
		Message: fmt.Sprintf("Inventory drift on %s: %s", nodeID, kind),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"kind": kind,
		},
	}
}

// ReachabilityEvent describes a connectivity observation.
func ReachabilityEvent(source string, report engine.ReachabilityReport) Event {
	level := EventLevelInfo
	if !report.Edge.Reachable {
		level = EventLevelWarning
	}
	data := map[string]interface{}{"edge": report.Edge.Reachable}
	for id, ok := range report.Nodes {
		data[id] = ok
		if !ok {
			level = EventLevelWarning
		}
	}
	return Event{
		Type:      EventTypeReachability,
		Source:    source,
		Timestamp: report.At,
		Message:   fmt.Sprintf("edge %s reachable=%t, %d cloud node(s) probed", report.Edge.Host, report.Edge.Reachable, len(report.Nodes)),
		Level:     level,
		Data:      data,
	}
}

// RemoteOutputEvent carries one output line of a remote command.
func RemoteOutputEvent(host, stream, line string) Event {
	level := EventLevelInfo
	if stream == "stderr" {
		level = EventLevelWarning
	}
	return Event{
		Type:    EventTypeRemoteOutput,
		Source:  host,
		Message: line,
		Level:   level,
		Data: map[string]interface{}{
			"stream": stream,
		},
	}
}

// Subscribe adds a new event subscriber. A nil filter receives everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches, at the latest every
// flush interval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers pending events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySession creates a filter that only allows events for one deployment session.
func FilterBySession(sessionID string) EventFilter {
	return func(event Event) bool {
		return event.SessionID == sessionID
	}
}
