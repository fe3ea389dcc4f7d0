package station

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgeforge-io/edgeforge/internal/asset"
	"github.com/edgeforge-io/edgeforge/internal/device"
	"github.com/edgeforge-io/edgeforge/internal/flash"
	"github.com/edgeforge-io/edgeforge/internal/flow"
	"github.com/edgeforge-io/edgeforge/internal/history"
	"github.com/edgeforge-io/edgeforge/internal/metrics"
	"github.com/edgeforge-io/edgeforge/internal/mode"
	"github.com/edgeforge-io/edgeforge/internal/plan"
	"github.com/edgeforge-io/edgeforge/internal/transport"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
	"github.com/edgeforge-io/edgeforge/pkg/options"
)

// Request describes one deployment to run.
type Request struct {
	// DeviceID selects the descriptor.
	DeviceID string `json:"device_id"`

	// Models maps model names to an explicit include/exclude choice.
	// Models absent from the map follow their descriptor default.
	Models map[string]bool `json:"models,omitempty"`

	// Steps maps optional step IDs to an explicit choice, overriding
	// the step's default.
	Steps map[string]bool `json:"steps,omitempty"`

	// FlowDocument optionally carries an inline flow document for
	// network devices, bypassing the descriptor's firmware source.
	FlowDocument json.RawMessage `json:"flow_document,omitempty"`
}

// RunView is the status surface for one run: the execution record plus,
// while the run is still going, the most recent progress event.
type RunView struct {
	plan.ExecutionState
	Live *plan.Progress `json:"live_progress,omitempty"`
}

// commandRunner is a closable remote shell, satisfied by the SSH
// transport.
type commandRunner interface {
	mode.CommandRunner
	Close() error
}

// runHandle tracks one in-flight or finished run.
type runHandle struct {
	runID    string
	deviceID string
	started  time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	progress plan.Progress
	state    *plan.ExecutionState // set once, when the run finishes
}

func (h *runHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Deployer owns deployment runs: it builds the step plan for a device,
// executes it on a background goroutine, and records the outcome.
type Deployer struct {
	registry *device.Registry
	hist     *history.Repository
	engine   *plan.Engine
	sink     EventSink
	serial   *options.SerialOptions
	log      log.Logger

	// Seams for tests; production wiring in NewDeployer.
	detect     func(ctx context.Context, desc *device.Descriptor) (*device.Handle, error)
	resolve    func(ctx context.Context, ref, checksum string) (string, error)
	newFlasher func(desc *device.Descriptor) (flash.Flasher, error)
	openRunner func(host string, probe device.NetworkProbe) (commandRunner, error)
	newFlow    func(host string, port int) flowDeployer

	mu   sync.Mutex
	runs map[string]*runHandle

	// retain caps the number of finished run handles kept in memory;
	// older ones are pruned and served from history instead. Zero means
	// the default cap.
	retain int
}

// maxRetainedRuns bounds the in-memory record of finished runs. The
// sqlite history keeps the full archive.
const maxRetainedRuns = 128

// flowDeployer is the slice of the flow client the deployer uses.
type flowDeployer interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
	Deploy(ctx context.Context, flows json.RawMessage) error
}

// NewDeployer wires a deployer against the given detector, the real
// resolver and the real flash drivers. serial carries station-wide
// defaults applied to descriptors that omit protocol parameters.
func NewDeployer(registry *device.Registry, detector *device.Detector, resolver *asset.Resolver, hist *history.Repository, sink EventSink, serial *options.SerialOptions) *Deployer {
	if sink == nil {
		sink = nopSink{}
	}
	if serial == nil {
		serial = options.NewSerialOptions()
	}
	return &Deployer{
		registry:   registry,
		hist:       hist,
		engine:     plan.NewEngine(),
		sink:       sink,
		serial:     serial,
		log:        log.WithName("deployer"),
		detect:     detector.WaitFor,
		resolve:    resolver.Resolve,
		newFlasher: flash.New,
		openRunner: func(host string, probe device.NetworkProbe) (commandRunner, error) {
			return transport.OpenSSH(host, transport.SSHParams{
				Port:     probe.SSHPort,
				Username: probe.Username,
				Password: probe.Password,
			})
		},
		newFlow: func(host string, port int) flowDeployer {
			return flow.NewClient(host, port)
		},
		runs: make(map[string]*runHandle),
	}
}

// Start begins a deployment for the requested device and returns the
// run ID. At most one run per device may be in flight.
func (d *Deployer) Start(req Request) (string, error) {
	desc, err := d.registry.Get(req.DeviceID)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	for _, h := range d.runs {
		if h.deviceID == desc.ID && !h.finished() {
			d.mu.Unlock()
			return "", errors.New(errors.Busy, "device %s already has run %s in flight", desc.ID, h.runID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{
		runID:    uuid.NewString(),
		deviceID: desc.ID,
		started:  time.Now().UTC(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	d.runs[h.runID] = h
	d.mu.Unlock()

	go d.execute(ctx, h, desc, req)

	return h.runID, nil
}

// Run returns the status of a run: live state for in-flight runs, the
// final record for finished ones, falling back to history for runs
// from earlier processes.
func (d *Deployer) Run(runID string) (*RunView, error) {
	d.mu.Lock()
	h, ok := d.runs[runID]
	d.mu.Unlock()

	if !ok {
		return d.fromHistory(runID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != nil {
		return &RunView{ExecutionState: *h.state}, nil
	}
	live := h.progress
	return &RunView{
		ExecutionState: plan.ExecutionState{
			RunID:     h.runID,
			DeviceID:  h.deviceID,
			Status:    plan.RunInProgress,
			StartedAt: h.started,
		},
		Live: &live,
	}, nil
}

func (d *Deployer) fromHistory(runID string) (*RunView, error) {
	rec, err := d.hist.Get(runID)
	if err != nil {
		return nil, err
	}
	return &RunView{ExecutionState: plan.ExecutionState{
		RunID:      rec.RunID,
		DeviceID:   rec.DeviceID,
		Status:     rec.Status,
		Steps:      rec.Steps,
		Error:      rec.Error,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}}, nil
}

// Abort cancels an in-flight run. Finished runs are left untouched.
func (d *Deployer) Abort(runID string) error {
	d.mu.Lock()
	h, ok := d.runs[runID]
	d.mu.Unlock()

	if !ok {
		return errors.New(errors.NotFound, "run %s not found", runID)
	}
	if h.finished() {
		return errors.New(errors.Precondition, "run %s already finished", runID)
	}
	h.cancel()
	return nil
}

// History lists recent runs, optionally filtered by device.
func (d *Deployer) History(deviceID string, limit int) ([]history.Record, error) {
	return d.hist.Latest(deviceID, limit)
}

func (d *Deployer) execute(ctx context.Context, h *runHandle, desc *device.Descriptor, req Request) {
	defer h.cancel()

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	d.sink.Status(h.runID, plan.RunInProgress)

	var flashedBytes int64
	progress := func(p plan.Progress) {
		h.mu.Lock()
		h.progress = p
		h.mu.Unlock()

		if p.StepID == "flash" {
			if p.BytesDone > flashedBytes {
				metrics.BytesFlashed.WithLabelValues(desc.ID).Add(float64(p.BytesDone - flashedBytes))
				flashedBytes = p.BytesDone
			} else if p.BytesDone < flashedBytes {
				// New payload started; the counter restarts from zero.
				flashedBytes = p.BytesDone
			}
		}
		d.sink.Progress(h.runID, p)
	}

	steps := d.withLogEvents(h.runID, d.buildSteps(desc, req))
	state := d.engine.Execute(ctx, h.runID, desc.ID, steps, req.Steps, progress)

	metrics.DeploymentsTotal.WithLabelValues(desc.ID, string(state.Status)).Inc()
	metrics.DeploymentDuration.WithLabelValues(desc.ID).Observe(state.FinishedAt.Sub(state.StartedAt).Seconds())

	if err := d.hist.Append(state); err != nil {
		d.log.Error(err, "record run history", "run", h.runID)
	}

	level := "info"
	if state.Status != plan.RunCompleted {
		level = "error"
	}
	d.sink.Log(h.runID, LogEvent{Level: level, Message: "run " + string(state.Status)})
	d.sink.Status(h.runID, state.Status)
	d.sink.Result(state)

	// Publish the final state last so every observer that sees the run
	// as finished also finds its history record and events in place.
	h.mu.Lock()
	h.state = state
	close(h.done)
	h.mu.Unlock()

	d.log.Info("run finished", "run", h.runID, "device", desc.ID, "status", state.Status)
	d.pruneRuns()
}

// pruneRuns drops the oldest finished run handles beyond the retention
// cap. In-flight runs are never pruned.
func (d *Deployer) pruneRuns() {
	keep := d.retain
	if keep == 0 {
		keep = maxRetainedRuns
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var finished []*runHandle
	for _, h := range d.runs {
		if h.finished() {
			finished = append(finished, h)
		}
	}
	if len(finished) <= keep {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].started.Before(finished[j].started) })
	for _, h := range finished[:len(finished)-keep] {
		delete(d.runs, h.runID)
	}
}

// withLogEvents mirrors step transitions onto the run's log topic.
// Skipped steps produce no lines; the final record carries them.
func (d *Deployer) withLogEvents(runID string, steps []plan.Step) []plan.Step {
	for i := range steps {
		id := steps[i].ID
		run := steps[i].Run
		steps[i].Run = func(ctx context.Context, report func(done, total int64)) error {
			d.sink.Log(runID, LogEvent{StepID: id, Level: "info", Message: "step started"})
			err := run(ctx, report)
			if err != nil {
				d.sink.Log(runID, LogEvent{StepID: id, Level: "error", Message: err.Error()})
			} else {
				d.sink.Log(runID, LogEvent{StepID: id, Level: "info", Message: "step succeeded"})
			}
			return err
		}
	}
	return steps
}

// buildSteps assembles the plan for one device. Serial devices get the
// detect / resolve / flash sequence; network devices get runtime
// preparation and a flow deployment instead.
func (d *Deployer) buildSteps(desc *device.Descriptor, req Request) []plan.Step {
	if desc.Type == device.TypeNetworkFlow {
		return d.networkSteps(desc, req)
	}
	return d.serialSteps(desc, req)
}

func (d *Deployer) serialSteps(desc *device.Descriptor, req Request) []plan.Step {
	// The flash step sees the erase choice made by the erase step
	// through this per-run copy. Read-back verification stays a
	// driver concern and follows the descriptor directly.
	run := *desc
	run.Firmware.FlashConfig.EraseBeforeWrite = false
	if run.Firmware.FlashConfig.TimeoutSeconds == 0 {
		run.Firmware.FlashConfig.TimeoutSeconds = int(d.serial.HandshakeTimeout / time.Second)
	}

	var (
		handle   *device.Handle
		payloads = desc.Payloads(req.Models)
	)

	steps := []plan.Step{
		{
			ID: "detect",
			Run: func(ctx context.Context, report func(done, total int64)) error {
				var err error
				handle, err = d.detect(ctx, desc)
				return err
			},
		},
		{
			ID: "resolve-assets",
			Run: func(ctx context.Context, report func(done, total int64)) error {
				for i := range payloads {
					path, err := d.resolve(ctx, payloads[i].Source, payloads[i].Checksum)
					if err != nil {
						return err
					}
					payloads[i].Path = path
					report(int64(i+1), int64(len(payloads)))
				}
				return nil
			},
		},
	}

	if desc.Type == device.TypeSerialFlash {
		steps = append(steps,
			plan.Step{
				ID:       "erase",
				Optional: true,
				Default:  desc.Firmware.FlashConfig.EraseBeforeWrite,
				Run: func(ctx context.Context, report func(done, total int64)) error {
					run.Firmware.FlashConfig.EraseBeforeWrite = true
					return nil
				},
			},
		)
	}

	steps = append(steps, plan.Step{
		ID: "flash",
		Run: func(ctx context.Context, report func(done, total int64)) error {
			flasher, err := d.newFlasher(&run)
			if err != nil {
				return err
			}
			return flasher.Flash(ctx, handle, payloads, func(p flash.Progress) {
				report(p.Done, p.Total)
			})
		},
	})

	steps = append(steps, d.verifyStep(desc, &handle))

	return steps
}

// verifyStep confirms the device comes back after its post-flash
// reset by redetecting it within the descriptor's ready window.
func (d *Deployer) verifyStep(desc *device.Descriptor, handle **device.Handle) plan.Step {
	wait := 30 * time.Second
	if desc.PostDeploy.WaitForReadySeconds > 0 {
		wait = time.Duration(desc.PostDeploy.WaitForReadySeconds) * time.Second
	}
	return plan.Step{
		ID:       "verify",
		Optional: true,
		Default:  true,
		Run: func(ctx context.Context, report func(done, total int64)) error {
			ctx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			h, err := d.detect(ctx, desc)
			if err != nil {
				return errors.Wrap(errors.Timeout, "redetect device after flash", err)
			}
			*handle = h
			return nil
		},
	}
}

func (d *Deployer) networkSteps(desc *device.Descriptor, req Request) []plan.Step {
	var (
		handle *device.Handle
		flows  = req.FlowDocument
	)

	steps := []plan.Step{
		{
			ID: "detect",
			Run: func(ctx context.Context, report func(done, total int64)) error {
				var err error
				handle, err = d.detect(ctx, desc)
				return err
			},
		},
	}

	if desc.Detection.Network.Username != "" {
		steps = append(steps, plan.Step{
			ID:       "prepare-runtime",
			Optional: true,
			Default:  true,
			Run: func(ctx context.Context, report func(done, total int64)) error {
				runner, err := d.openRunner(handle.Host, desc.Detection.Network)
				if err != nil {
					return err
				}
				defer runner.Close()
				return mode.NewManager().SwitchTo(ctx, runner, mode.ModeFlow)
			},
		})
	}

	steps = append(steps,
		plan.Step{
			ID: "resolve-flows",
			Run: func(ctx context.Context, report func(done, total int64)) error {
				if len(flows) > 0 {
					return nil
				}
				path, err := d.resolve(ctx, desc.Firmware.Source, desc.Firmware.Checksum)
				if err != nil {
					return err
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return errors.Wrap(errors.Unknown, "read flow document", err)
				}
				flows = data
				return nil
			},
		},
		plan.Step{
			ID: "deploy-flows",
			Run: func(ctx context.Context, report func(done, total int64)) error {
				client := d.newFlow(handle.Host, desc.Detection.Network.Port)
				if err := client.WaitReady(ctx, 2*time.Minute); err != nil {
					return err
				}
				return client.Deploy(ctx, flows)
			},
		},
	)

	return steps
}
