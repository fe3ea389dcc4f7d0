package station

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edgeforge-io/edgeforge/internal/plan"
	"github.com/edgeforge-io/edgeforge/pkg/log"
	"github.com/edgeforge-io/edgeforge/pkg/mqtt"
	mqtttopic "github.com/edgeforge-io/edgeforge/pkg/mqtt/topic"
)

// EventSink receives deployment lifecycle events. The MQTT publisher is
// the production implementation; a nil-safe no-op stands in when the
// bridge is disabled.
type EventSink interface {
	Progress(runID string, p plan.Progress)
	Log(runID string, ev LogEvent)
	Status(runID string, status plan.RunStatus)
	Result(state *plan.ExecutionState)
}

// LogEvent is a human-readable line about a run, mirrored onto the
// run's log topic for dashboards that tail deployments.
type LogEvent struct {
	StepID  string `json:"step_id,omitempty"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// progressEvent is the wire form of a progress update.
type progressEvent struct {
	RunID      string    `json:"run_id"`
	StepID     string    `json:"step_id"`
	Phase      string    `json:"phase"`
	BytesDone  int64     `json:"bytes_done"`
	BytesTotal int64     `json:"bytes_total"`
	At         time.Time `json:"at"`
}

// logEvent is the wire form of a log line.
type logEvent struct {
	RunID   string    `json:"run_id"`
	StepID  string    `json:"step_id,omitempty"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// statusEvent is the wire form of a run status transition.
type statusEvent struct {
	RunID  string         `json:"run_id"`
	Status plan.RunStatus `json:"status"`
	At     time.Time      `json:"at"`
}

// Publisher bridges deployment events onto MQTT topics built by the
// topic builder. Publish failures are logged and dropped; the event
// bridge never blocks or fails a deployment.
type Publisher struct {
	client mqtt.Client
	topics *mqtttopic.Builder
	log    log.Logger
}

// NewPublisher wraps an MQTT client with the deployment topic layout.
func NewPublisher(client mqtt.Client, topics *mqtttopic.Builder) *Publisher {
	return &Publisher{
		client: client,
		topics: topics,
		log:    log.WithName("publisher"),
	}
}

func (p *Publisher) Progress(runID string, ev plan.Progress) {
	p.publish(p.topics.Progress(runID), 0, false, progressEvent{
		RunID:      runID,
		StepID:     ev.StepID,
		Phase:      ev.Phase,
		BytesDone:  ev.BytesDone,
		BytesTotal: ev.BytesTotal,
		At:         time.Now().UTC(),
	})
}

func (p *Publisher) Log(runID string, ev LogEvent) {
	p.publish(p.topics.Log(runID), 0, false, logEvent{
		RunID:   runID,
		StepID:  ev.StepID,
		Level:   ev.Level,
		Message: ev.Message,
		At:      time.Now().UTC(),
	})
}

func (p *Publisher) Status(runID string, status plan.RunStatus) {
	p.publish(p.topics.Status(runID), 1, false, statusEvent{
		RunID:  runID,
		Status: status,
		At:     time.Now().UTC(),
	})
}

// Result publishes the final run record, retained so dashboards that
// attach late still see the outcome.
func (p *Publisher) Result(state *plan.ExecutionState) {
	p.publish(p.topics.Result(state.RunID), 1, true, state)
}

func (p *Publisher) publish(topic string, qos int, retain bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.log.Error(err, "marshal event", "topic", topic)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Publish(ctx, topic, qos, retain, payload); err != nil {
		p.log.Error(err, "publish event", "topic", topic)
	}
}

// nopSink drops every event. Used when the MQTT bridge is disabled.
type nopSink struct{}

func (nopSink) Progress(string, plan.Progress) {}
func (nopSink) Log(string, LogEvent)           {}
func (nopSink) Status(string, plan.RunStatus)  {}
func (nopSink) Result(*plan.ExecutionState)    {}
