package tasks

// Defines constants for task types used in Asynq.

const (
	// TypeTick runs one orchestrator tick for a run and re-enqueues itself until the run is done.
	TypeTick = "pipeline:tick"
	// TypeProcessItem drives one work item through the stage chain.
	TypeProcessItem = "pipeline:process_item"
	// TypeFinalize runs the finalization gate and assembles the output.
	TypeFinalize = "pipeline:finalize"
	// TypeSweep reclaims orphaned PROCESSING items.
	TypeSweep = "pipeline:sweep"
)

// Queues names the asynq queues the pipeline uses.
type Queues struct {
	Orchestration string `mapstructure:"orchestration"`
	Stages        string `mapstructure:"stages"`
}

// WithDefaults fills in unset queue names.
func (q Queues) WithDefaults() Queues {
	if q.Orchestration == "" {
		q.Orchestration = "orchestration"
	}
	if q.Stages == "" {
		q.Stages = "stages"
	}
	return q
}

// FinalizeTaskID is the asynq task id used to deduplicate finalize requests for a run.
func FinalizeTaskID(runID string) string {
	return "finalize:" + runID
}

// SweepPayload scopes a sweep to one run; an empty RunID sweeps every run.
type SweepPayload struct {
	RunID string `json:"run_id,omitempty"`
}
