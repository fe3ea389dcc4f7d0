package station

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edgeforge-io/edgeforge/internal/device"
	"github.com/edgeforge-io/edgeforge/internal/history"
	"github.com/edgeforge-io/edgeforge/internal/plan"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/options"
)

// fakeService scripts the deployment service behind the API.
type fakeService struct {
	startRuns  []Request
	startID    string
	startErr   error
	runView    *RunView
	runErr     error
	abortErr   error
	historyRec []history.Record
}

func (f *fakeService) Start(req Request) (string, error) {
	f.startRuns = append(f.startRuns, req)
	return f.startID, f.startErr
}

func (f *fakeService) Run(runID string) (*RunView, error) { return f.runView, f.runErr }
func (f *fakeService) Abort(runID string) error           { return f.abortErr }
func (f *fakeService) History(deviceID string, limit int) ([]history.Record, error) {
	return f.historyRec, nil
}

func newTestServer(t *testing.T, svc deploymentService) *Server {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "we2.yaml"), []byte(we2YAML), 0o644); err != nil {
		t.Fatal(err)
	}
	registry, err := device.NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(options.NewHttpOptions(), registry, device.NewDetector(), svc)
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	if w := doJSON(t, s.Handler(), http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestServer(t, &fakeService{})

	w := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var devices []deviceSummary
	if err := json.Unmarshal(w.Body.Bytes(), &devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].ID != "grove-vision-ai-we2" || devices[0].Type != device.TypeBlockTransfer {
		t.Errorf("devices = %+v", devices)
	}
}

func TestDetectEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	s.detect = func(ctx context.Context, desc *device.Descriptor) (*device.Handle, error) {
		return &device.Handle{Descriptor: desc, Port: "/dev/ttyACM0"}, nil
	}

	w := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/devices/grove-vision-ai-we2/detect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp detectResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Port != "/dev/ttyACM0" || resp.Target != "/dev/ttyACM0" {
		t.Errorf("response = %+v", resp)
	}

	// Unknown device id.
	if w := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/devices/nope/detect", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d", w.Code)
	}
}

func TestDetectEndpointDeviceAbsent(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	s.detect = func(ctx context.Context, desc *device.Descriptor) (*device.Handle, error) {
		return nil, errors.New(errors.NotFound, "no port matched")
	}

	if w := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/devices/grove-vision-ai-we2/detect", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestStartDeployment(t *testing.T) {
	svc := &fakeService{startID: "run-1"}
	s := newTestServer(t, svc)

	body := `{"device_id":"grove-vision-ai-we2","models":{"person-detect":true}}`
	w := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/deployments", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["run_id"] != "run-1" {
		t.Errorf("run_id = %q", resp["run_id"])
	}
	if len(svc.startRuns) != 1 || !svc.startRuns[0].Models["person-detect"] {
		t.Errorf("request = %+v", svc.startRuns)
	}
}

func TestStartDeploymentErrors(t *testing.T) {
	tests := []struct {
		name string
		svc  *fakeService
		body string
		want int
	}{
		{
			name: "missing device id",
			svc:  &fakeService{},
			body: `{}`,
			want: http.StatusBadRequest,
		},
		{
			name: "malformed body",
			svc:  &fakeService{},
			body: `{"device_id":`,
			want: http.StatusBadRequest,
		},
		{
			name: "device busy",
			svc:  &fakeService{startErr: errors.New(errors.Busy, "already running")},
			body: `{"device_id":"grove-vision-ai-we2"}`,
			want: http.StatusConflict,
		},
		{
			name: "unknown device",
			svc:  &fakeService{startErr: errors.New(errors.NotFound, "no descriptor")},
			body: `{"device_id":"nope"}`,
			want: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.svc)
			w := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/deployments", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			var resp errorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("error body: %v", err)
			}
			if resp.Kind == "" {
				t.Error("error response carries no kind")
			}
		})
	}
}

func TestGetDeployment(t *testing.T) {
	now := time.Now().UTC()
	svc := &fakeService{runView: &RunView{ExecutionState: plan.ExecutionState{
		RunID:     "run-1",
		DeviceID:  "grove-vision-ai-we2",
		Status:    plan.RunCompleted,
		StartedAt: now,
	}}}
	s := newTestServer(t, svc)

	w := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/deployments/run-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view RunView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.RunID != "run-1" || view.Status != plan.RunCompleted {
		t.Errorf("view = %+v", view)
	}
}

func TestGetDeploymentUnknown(t *testing.T) {
	svc := &fakeService{runErr: errors.New(errors.NotFound, "run not found")}
	s := newTestServer(t, svc)
	if w := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/deployments/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestAbortDeployment(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	if w := doJSON(t, s.Handler(), http.MethodDelete, "/api/v1/deployments/run-1", ""); w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}

	s = newTestServer(t, &fakeService{abortErr: errors.New(errors.Precondition, "already finished")})
	if w := doJSON(t, s.Handler(), http.MethodDelete, "/api/v1/deployments/run-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("finished run status = %d", w.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	svc := &fakeService{historyRec: []history.Record{
		{RunID: "run-2", DeviceID: "grove-vision-ai-we2", Status: plan.RunCompleted},
		{RunID: "run-1", DeviceID: "grove-vision-ai-we2", Status: plan.RunFailed},
	}}
	s := newTestServer(t, svc)

	w := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/history?device=grove-vision-ai-we2&limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var records []history.Record
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].RunID != "run-2" {
		t.Errorf("records = %+v", records)
	}

	if w := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/history?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeService{})
	w := doJSON(t, s.Handler(), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "edgeforge_active_runs") {
		t.Error("metrics output misses station collectors")
	}
}
