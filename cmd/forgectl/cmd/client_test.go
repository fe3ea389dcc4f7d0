package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edgeforge-io/edgeforge/internal/plan"
	"github.com/edgeforge-io/edgeforge/internal/station"
)

func newStationStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Device{
			{ID: "grove-vision-ai-we2", Name: "Grove Vision AI V2", Type: "block-transfer"},
		})
	})
	mux.HandleFunc("POST /api/v1/devices/grove-vision-ai-we2/detect", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(DetectResult{Target: "/dev/ttyACM0", Port: "/dev/ttyACM0"})
	})
	mux.HandleFunc("POST /api/v1/deployments", func(w http.ResponseWriter, r *http.Request) {
		var req station.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(apiError{Kind: "precondition failed", Message: "device_id is required"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"run_id": "run-1"})
	})
	mux.HandleFunc("GET /api/v1/deployments/run-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(station.RunView{ExecutionState: plan.ExecutionState{
			RunID:    "run-1",
			DeviceID: "grove-vision-ai-we2",
			Status:   plan.RunCompleted,
			Steps: []plan.StepResult{
				{ID: "detect", State: plan.StepSucceeded},
				{ID: "flash", State: plan.StepSucceeded},
			},
		}})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestClientDevices(t *testing.T) {
	ts := newStationStub(t)
	c := NewClient(ts.URL)

	devices, err := c.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "grove-vision-ai-we2" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestClientErrorBody(t *testing.T) {
	ts := newStationStub(t)
	c := NewClient(ts.URL)

	_, err := c.StartDeployment(context.Background(), station.Request{})
	if err == nil || !strings.Contains(err.Error(), "device_id is required") {
		t.Errorf("error = %v, want station message surfaced", err)
	}
}

func TestDeployCommandNoWait(t *testing.T) {
	ts := newStationStub(t)
	SetClient(NewClient(ts.URL))
	t.Cleanup(func() { SetClient(nil) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"deploy", "grove-vision-ai-we2", "--no-wait"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !strings.Contains(out.String(), "Run run-1 started") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStatusCommand(t *testing.T) {
	ts := newStationStub(t)
	SetClient(NewClient(ts.URL))
	t.Cleanup(func() { SetClient(nil) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"status", "run-1"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"run-1", "completed", "detect", "flash"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output misses %q: %s", want, out.String())
		}
	}
}
