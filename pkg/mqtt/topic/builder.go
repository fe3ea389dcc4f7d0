package topic

import (
	"fmt"
)

// Constants defining the standard topic segments for deployment events.
// External dashboards subscribe to these; changing them breaks consumers.
const (
	// SuffixProgress carries per-step progress updates.
	// Structure: {root}/deployment/{runID}/progress
	SuffixProgress = "progress"

	// SuffixLog carries human-readable log lines for a run.
	// Structure: {root}/deployment/{runID}/log
	SuffixLog = "log"

	// SuffixStatus carries run-level status transitions.
	// Structure: {root}/deployment/{runID}/status
	SuffixStatus = "status"

	// SuffixResult carries the final structured run result, retained so
	// late subscribers still see the outcome.
	// Structure: {root}/deployment/{runID}/result
	SuffixResult = "result"
)

// Builder constructs MQTT topic strings under a fixed root namespace so the
// station and its consumers never disagree about topic layout.
type Builder struct {
	root string
}

// NewBuilder creates a Builder with the given root namespace
// (e.g. "edgeforge/v1").
func NewBuilder(root string) *Builder {
	return &Builder{root: root}
}

// Progress returns the per-step progress topic for a run.
func (b *Builder) Progress(runID string) string {
	return b.build(runID, SuffixProgress)
}

// Log returns the log-line topic for a run.
func (b *Builder) Log(runID string) string {
	return b.build(runID, SuffixLog)
}

// Status returns the run-status topic for a run.
func (b *Builder) Status(runID string) string {
	return b.build(runID, SuffixStatus)
}

// Result returns the final-result topic for a run.
func (b *Builder) Result(runID string) string {
	return b.build(runID, SuffixResult)
}

// AllRuns returns the wildcard filter matching every event of every run.
func (b *Builder) AllRuns() string {
	return fmt.Sprintf("%s/deployment/#", b.root)
}

func (b *Builder) build(runID, suffix string) string {
	return fmt.Sprintf("%s/deployment/%s/%s", b.root, runID, suffix)
}
