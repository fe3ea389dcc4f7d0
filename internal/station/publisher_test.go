package station

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/edgeforge-io/edgeforge/internal/plan"
	"github.com/edgeforge-io/edgeforge/pkg/mqtt"
	mqtttopic "github.com/edgeforge-io/edgeforge/pkg/mqtt/topic"
)

type published struct {
	topic   string
	qos     int
	retain  bool
	payload []byte
}

// fakeMQTT records published messages.
type fakeMQTT struct {
	mu       sync.Mutex
	messages []published
}

func (f *fakeMQTT) Start(ctx context.Context) error           { return nil }
func (f *fakeMQTT) Disconnect(ctx context.Context)            {}
func (f *fakeMQTT) AwaitConnection(ctx context.Context) error { return nil }

func (f *fakeMQTT) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic: topic, qos: qos, retain: retain, payload: payload})
	return nil
}

func (f *fakeMQTT) Subscribe(ctx context.Context, topic string, qos int, handler mqtt.MessageHandler) error {
	return nil
}

func (f *fakeMQTT) Unsubscribe(ctx context.Context, topic string) error { return nil }

func TestPublisherTopics(t *testing.T) {
	client := &fakeMQTT{}
	p := NewPublisher(client, mqtttopic.NewBuilder("edgeforge/v1"))

	p.Status("run-1", plan.RunInProgress)
	p.Progress("run-1", plan.Progress{StepID: "flash", BytesDone: 64, BytesTotal: 128, Phase: "flash"})
	p.Log("run-1", LogEvent{StepID: "flash", Level: "info", Message: "step started"})
	p.Result(&plan.ExecutionState{RunID: "run-1", DeviceID: "we2", Status: plan.RunCompleted})

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(client.messages))
	}

	status := client.messages[0]
	if status.topic != "edgeforge/v1/deployment/run-1/status" || status.retain {
		t.Errorf("status message = %+v", status)
	}
	var sev statusEvent
	if err := json.Unmarshal(status.payload, &sev); err != nil {
		t.Fatal(err)
	}
	if sev.RunID != "run-1" || sev.Status != plan.RunInProgress {
		t.Errorf("status event = %+v", sev)
	}

	progress := client.messages[1]
	if progress.topic != "edgeforge/v1/deployment/run-1/progress" {
		t.Errorf("progress topic = %q", progress.topic)
	}
	var pev progressEvent
	if err := json.Unmarshal(progress.payload, &pev); err != nil {
		t.Fatal(err)
	}
	if pev.StepID != "flash" || pev.BytesDone != 64 || pev.BytesTotal != 128 {
		t.Errorf("progress event = %+v", pev)
	}

	logged := client.messages[2]
	if logged.topic != "edgeforge/v1/deployment/run-1/log" || logged.retain {
		t.Errorf("log message = %+v", logged)
	}
	var lev logEvent
	if err := json.Unmarshal(logged.payload, &lev); err != nil {
		t.Fatal(err)
	}
	if lev.RunID != "run-1" || lev.StepID != "flash" || lev.Level != "info" || lev.Message != "step started" {
		t.Errorf("log event = %+v", lev)
	}

	// The final result is retained for late subscribers.
	result := client.messages[3]
	if result.topic != "edgeforge/v1/deployment/run-1/result" || !result.retain || result.qos != 1 {
		t.Errorf("result message = %+v", result)
	}
	var state plan.ExecutionState
	if err := json.Unmarshal(result.payload, &state); err != nil {
		t.Fatal(err)
	}
	if state.Status != plan.RunCompleted {
		t.Errorf("result state = %+v", state)
	}
}
