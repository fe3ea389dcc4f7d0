package station

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgeforge-io/edgeforge/internal/device"
	"github.com/edgeforge-io/edgeforge/internal/history"
	"github.com/edgeforge-io/edgeforge/internal/metrics"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
	"github.com/edgeforge-io/edgeforge/pkg/options"
)

// deploymentService is the slice of the deployer the HTTP layer uses.
type deploymentService interface {
	Start(req Request) (string, error)
	Run(runID string) (*RunView, error)
	Abort(runID string) error
	History(deviceID string, limit int) ([]history.Record, error)
}

// Server exposes the station's REST API and metrics endpoint.
type Server struct {
	addr    string
	timeout time.Duration
	router  *mux.Router
	svc     deploymentService
	devices *device.Registry
	log     log.Logger

	// detect runs a single detection attempt; swappable in tests.
	detect func(ctx context.Context, desc *device.Descriptor) (*device.Handle, error)
}

// NewServer builds the API server around a device registry, a detector
// and a deployment service.
func NewServer(opts *options.HttpOptions, devices *device.Registry, detector *device.Detector, svc deploymentService) *Server {
	s := &Server{
		addr:    opts.Addr,
		timeout: opts.Timeout,
		router:  mux.NewRouter(),
		svc:     svc,
		devices: devices,
		log:     log.WithName("http"),
		detect:  detector.Detect,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/detect", s.handleDetect).Methods(http.MethodPost)
	api.HandleFunc("/deployments", s.handleStartDeployment).Methods(http.MethodPost)
	api.HandleFunc("/deployments/{run_id}", s.handleGetDeployment).Methods(http.MethodGet)
	api.HandleFunc("/deployments/{run_id}", s.handleAbortDeployment).Methods(http.MethodDelete)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:        s.addr,
		Handler:     s.router,
		ReadTimeout: s.timeout,
	}

	s.log.Info("http server listening", "address", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type deviceSummary struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Type device.Type `json:"type"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	descs := s.devices.List()
	out := make([]deviceSummary, 0, len(descs))
	for _, d := range descs {
		out = append(out, deviceSummary{ID: d.ID, Name: d.Name, Type: d.Type})
	}
	writeJSON(w, http.StatusOK, out)
}

type detectResponse struct {
	Target string `json:"target"`
	Port   string `json:"port,omitempty"`
	Host   string `json:"host,omitempty"`
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	desc, err := s.devices.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	handle, err := s.detect(r.Context(), desc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detectResponse{
		Target: handle.Target(),
		Port:   handle.Port,
		Host:   handle.Host,
	})
}

func (s *Server) handleStartDeployment(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.New(errors.Precondition, "invalid request body: %v", err))
		return
	}
	if req.DeviceID == "" {
		s.writeError(w, errors.New(errors.Precondition, "device_id is required"))
		return
	}

	runID, err := s.svc.Start(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Run(mux.Vars(r)["run_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAbortDeployment(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Abort(mux.Vars(r)["run_id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, errors.New(errors.Precondition, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	records, err := s.svc.History(r.URL.Query().Get("device"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	status := kindStatus(kind)
	if status >= http.StatusInternalServerError {
		s.log.Error(err, "request failed")
	}
	writeJSON(w, status, errorResponse{Kind: kind.String(), Message: err.Error()})
}

func kindStatus(kind errors.Kind) int {
	switch kind {
	case errors.NotFound:
		return http.StatusNotFound
	case errors.Busy:
		return http.StatusConflict
	case errors.Precondition:
		return http.StatusBadRequest
	case errors.Timeout:
		return http.StatusGatewayTimeout
	case errors.PermissionDenied:
		return http.StatusForbidden
	case errors.Auth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
