package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeforge-io/edgeforge/internal/plan"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func sampleState(runID, deviceID string, status plan.RunStatus, started time.Time) *plan.ExecutionState {
	return &plan.ExecutionState{
		RunID:    runID,
		DeviceID: deviceID,
		Status:   status,
		Steps: []plan.StepResult{
			{ID: "detect", State: plan.StepSucceeded},
			{ID: "flash", State: plan.StepSucceeded},
		},
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
	}
}

func TestAppendAndGet(t *testing.T) {
	r := openTestRepo(t)
	state := sampleState("run-1", "grove-vision-ai-we2", plan.RunCompleted, time.Now())
	state.Steps[1] = plan.StepResult{
		ID: "flash", State: plan.StepFailed,
		ErrorKind: "protocol error", Detail: "packet 4 rejected 11 times",
	}
	state.Status = plan.RunFailed
	state.Error = "flash failed"

	if err := r.Append(state); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rec, err := r.Get("run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != plan.RunFailed || rec.Error != "flash failed" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Steps) != 2 || rec.Steps[1].ErrorKind != "protocol error" {
		t.Errorf("steps = %+v", rec.Steps)
	}

	if _, err := r.Get("run-999"); !errors.IsKind(err, errors.NotFound) {
		t.Errorf("missing run kind = %v, want not found", errors.KindOf(err))
	}
}

func TestLatest(t *testing.T) {
	r := openTestRepo(t)
	base := time.Now().Add(-time.Hour)
	for i, dev := range []string{"we2", "we2", "xiao", "we2"} {
		state := sampleState(
			"run-"+string(rune('a'+i)), dev, plan.RunCompleted,
			base.Add(time.Duration(i)*time.Minute),
		)
		if err := r.Append(state); err != nil {
			t.Fatal(err)
		}
	}

	all, err := r.Latest("", 10)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d records, want 4", len(all))
	}
	if all[0].RunID != "run-d" {
		t.Errorf("newest first = %s, want run-d", all[0].RunID)
	}

	we2, err := r.Latest("we2", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(we2) != 2 || we2[0].DeviceID != "we2" {
		t.Errorf("device filter records = %+v", we2)
	}
}

func TestAppendDuplicateRunID(t *testing.T) {
	r := openTestRepo(t)
	state := sampleState("run-dup", "we2", plan.RunCompleted, time.Now())
	if err := r.Append(state); err != nil {
		t.Fatal(err)
	}
	if err := r.Append(state); err == nil {
		t.Error("duplicate run id accepted")
	}
}
