package plan

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

// Run-level transition events.
const (
	eventComplete = "event_complete"
	eventFail     = "event_fail"
	eventAbort    = "event_abort"
)

// runFSM guards the run-level status transitions so a finished run can
// never be finished twice or flip between terminal states.
type runFSM struct {
	*fsm.FSM
	state *ExecutionState
}

func newRunFSM(state *ExecutionState) *runFSM {
	r := &runFSM{state: state}

	events := fsm.Events{
		{Name: eventComplete, Src: []string{string(RunInProgress)}, Dst: string(RunCompleted)},
		{Name: eventFail, Src: []string{string(RunInProgress)}, Dst: string(RunFailed)},
		{Name: eventAbort, Src: []string{string(RunInProgress)}, Dst: string(RunAborted)},
	}

	callbacks := fsm.Callbacks{
		"enter_" + string(RunCompleted): wrapEvent(r.actionFinish),
		"enter_" + string(RunFailed):    wrapEvent(r.actionFinish),
		"enter_" + string(RunAborted):   wrapEvent(r.actionFinish),
	}

	r.FSM = fsm.NewFSM(string(RunInProgress), events, callbacks)
	return r
}

// wrapEvent adapts an error-returning callback to the fsm callback
// signature, surfacing the error through the event.
func wrapEvent(fn func(ctx context.Context, e *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, e *fsm.Event) {
		if err := fn(ctx, e); err != nil {
			e.Err = err
		}
	}
}

// actionFinish stamps the terminal status onto the execution state.
func (r *runFSM) actionFinish(ctx context.Context, e *fsm.Event) error {
	r.state.Status = RunStatus(e.Dst)
	r.state.FinishedAt = time.Now()
	if len(e.Args) == 1 {
		if detail, ok := e.Args[0].(string); ok {
			r.state.Error = detail
		}
	}
	return nil
}

func (r *runFSM) finish(ctx context.Context, event string, args ...interface{}) error {
	return r.Event(ctx, event, args...)
}
