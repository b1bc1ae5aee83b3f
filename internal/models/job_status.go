package models

/*
Item and run status constants. Centralizing these avoids magic strings in the
store queries and the orchestration loop.
*/

// ItemStatus is the lifecycle state of a WorkItem.
type ItemStatus string

const (
	StatusInitialized     ItemStatus = "INITIALIZED"
	StatusPending         ItemStatus = "PENDING"
	StatusProcessing      ItemStatus = "PROCESSING"
	StatusCompleted       ItemStatus = "COMPLETED"
	StatusFailedRetryable ItemStatus = "FAILED_RETRYABLE"
	StatusFailedPermanent ItemStatus = "FAILED_PERMANENT"
)

// RunStatus is the overall state recorded on a run summary.
type RunStatus string

const (
	RunInitializing RunStatus = "RUN_INITIALIZING"
	RunActive       RunStatus = "RUN_ACTIVE"
	RunNoImages     RunStatus = "NO_IMAGES_FOUND"
	RunCompleted    RunStatus = "RUN_COMPLETED"
)

// Orchestrator phases reported on each tick.
const (
	PhaseNotInitialized  = "NOT_INITIALIZED"
	PhaseInitializing    = "INITIALIZING"
	PhaseDispatching     = "DISPATCHING"
	PhaseAwaitingWorkers = "ALL_DISPATCHED_AWAITING_COMPLETION"
	PhaseDone            = "DONE"
	PhaseNoImages        = "NO_IMAGES"
)

// AllItemStatuses lists every item status in lifecycle order.
var AllItemStatuses = []ItemStatus{
	StatusInitialized,
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailedRetryable,
	StatusFailedPermanent,
}

// ClaimableStatuses are the states an item may be dispatched from.
var ClaimableStatuses = []ItemStatus{StatusInitialized, StatusPending, StatusFailedRetryable}

var transitions = map[ItemStatus][]ItemStatus{
	StatusInitialized:     {StatusPending, StatusProcessing},
	StatusPending:         {StatusProcessing},
	StatusProcessing:      {StatusProcessing, StatusCompleted, StatusFailedRetryable, StatusFailedPermanent},
	StatusFailedRetryable: {StatusProcessing, StatusFailedPermanent},
	StatusCompleted:       {StatusCompleted},
	StatusFailedPermanent: {StatusFailedPermanent},
}

// IsTerminal reports whether no further real transition is allowed.
func (s ItemStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailedPermanent
}

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether an item in status from may be moved to status to.
// Terminal states only accept same-status no-ops.
func CanTransition(from, to ItemStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status from which a transition into to is allowed.
func SourcesFor(to ItemStatus) []ItemStatus {
	var sources []ItemStatus
	for _, from := range AllItemStatuses {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}
