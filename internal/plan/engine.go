package plan

import (
	"context"
	"time"

	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

// Engine executes deployment plans. Stateless; each Execute call owns
// its ExecutionState exclusively.
type Engine struct {
	log log.Logger
}

func NewEngine() *Engine {
	return &Engine{log: log.WithName("plan.engine")}
}

// selectedStep decides whether a step runs. Explicit caller intent
// overrides the Default flag; required steps always run.
func selectedStep(s Step, selected map[string]bool) bool {
	if !s.Optional {
		return true
	}
	if want, chosen := selected[s.ID]; chosen {
		return want
	}
	return s.Default
}

// Execute runs the plan against its target. selected carries explicit
// caller choices for optional steps by step id; progress, if non-nil,
// receives transfer progress events. The returned state records every
// step's outcome and the overall status.
func (e *Engine) Execute(ctx context.Context, runID, deviceID string, steps []Step, selected map[string]bool, progress ProgressFunc) *ExecutionState {
	state := &ExecutionState{
		RunID:     runID,
		DeviceID:  deviceID,
		Status:    RunInProgress,
		StartedAt: time.Now(),
		Steps:     make([]StepResult, len(steps)),
	}
	for i, s := range steps {
		state.Steps[i] = StepResult{ID: s.ID, State: StepPending}
	}

	machine := newRunFSM(state)
	logger := e.log.WithValues("run", runID, "device", deviceID)
	logger.Info("plan started", "steps", len(steps))

	aborted := false
	failed := ""
	for i, s := range steps {
		result := &state.Steps[i]

		if aborted || failed != "" {
			result.State = StepSkipped
			continue
		}
		if !selectedStep(s, selected) {
			logger.Debug("step not selected", "step", s.ID)
			result.State = StepSkipped
			continue
		}
		if err := ctx.Err(); err != nil {
			result.State = StepSkipped
			aborted = true
			continue
		}

		result.State = StepRunning
		result.StartedAt = time.Now()
		logger.Info("step started", "step", s.ID, "index", i)

		err := s.Run(ctx, func(done, total int64) {
			if progress != nil {
				progress(Progress{StepID: s.ID, BytesDone: done, BytesTotal: total, Phase: s.ID})
			}
		})
		result.FinishedAt = time.Now()

		switch {
		case err == nil:
			result.State = StepSucceeded
			logger.Info("step succeeded", "step", s.ID)
		case errors.IsKind(err, errors.Aborted) || ctx.Err() != nil:
			result.recordFailure(err)
			aborted = true
			logger.Warn("step aborted", "step", s.ID)
		case s.Optional:
			result.recordFailure(err)
			logger.Warn("optional step failed, continuing", "step", s.ID, "err", err.Error())
		default:
			result.recordFailure(err)
			failed = err.Error()
			logger.Error(err, "required step failed, aborting run", "step", s.ID)
		}
	}

	// Finish against a fresh context; the run context may already be
	// cancelled on the abort path.
	switch {
	case aborted:
		_ = machine.finish(context.Background(), eventAbort, "run aborted")
	case failed != "":
		_ = machine.finish(context.Background(), eventFail, failed)
	default:
		_ = machine.finish(context.Background(), eventComplete)
	}

	logger.Info("plan finished", "status", state.Status)
	return state
}
