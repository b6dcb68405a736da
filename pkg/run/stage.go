// Package run holds the pipeline's domain model: runs, their ordered stages,
// artifact records, and the durable Store that arbitrates stage ownership.
package run

// StageKind identifies one step of the pipeline. Kinds execute in the fixed
// order given by StageOrder, one fully-resolved stage unlocking the next.
type StageKind string

const (
	StagePromptExecution   StageKind = "PROMPT_EXECUTION"
	StageResponseParsing   StageKind = "RESPONSE_PARSING"
	StageCodeValidation    StageKind = "CODE_VALIDATION"
	StageBuilding          StageKind = "BUILDING"
	StageRendering         StageKind = "RENDERING"
	StageSamplePreparation StageKind = "SAMPLE_PREPARATION"
)

// StageOrder is the total order of stage kinds for every run.
var StageOrder = []StageKind{
	StagePromptExecution,
	StageResponseParsing,
	StageCodeValidation,
	StageBuilding,
	StageRendering,
	StageSamplePreparation,
}

// queueNames maps each stage kind to its work queue so stage types scale and
// rate-limit independently.
var queueNames = map[StageKind]string{
	StagePromptExecution:   "prompt",
	StageResponseParsing:   "parse",
	StageCodeValidation:    "validate",
	StageBuilding:          "build",
	StageRendering:         "render",
	StageSamplePreparation: "prepare",
}

// Queue returns the work-queue name for the stage kind.
func (k StageKind) Queue() string {
	return queueNames[k]
}

// Valid reports whether the kind is one of the six pipeline stages.
func (k StageKind) Valid() bool {
	_, ok := queueNames[k]
	return ok
}

// NextKind returns the stage kind that follows k, or false for the last one.
func NextKind(k StageKind) (StageKind, bool) {
	for i, kind := range StageOrder {
		if kind == k && i+1 < len(StageOrder) {
			return StageOrder[i+1], true
		}
	}
	return "", false
}

// StageState is the lifecycle state of one RunStage.
type StageState string

const (
	StagePending      StageState = "PENDING"
	StageInProgress   StageState = "IN_PROGRESS"
	StageRetryPending StageState = "RETRY_PENDING"
	StageInRetry      StageState = "IN_RETRY"
	StageCompleted    StageState = "COMPLETED"
	StageFailed       StageState = "FAILED"
)

// Terminal reports whether the state is an endpoint.
func (s StageState) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Startable reports whether a lease may be acquired from this state.
func (s StageState) Startable() bool {
	return s == StagePending || s == StageRetryPending
}

// RunState is the derived overall status of a run.
type RunState string

const (
	RunCreated    RunState = "CREATED"
	RunInProgress RunState = "IN_PROGRESS"
	RunInRetry    RunState = "IN_RETRY"
	RunCompleted  RunState = "COMPLETED"
	RunFailed     RunState = "FAILED"
)

// DeriveRunState computes a run's status from its stages: FAILED if any
// stage failed terminally, COMPLETED only when every kind completed,
// CREATED while nothing has started, IN_PROGRESS otherwise.
func DeriveRunState(stages []*RunStage) RunState {
	completed := 0
	started := false
	retrying := false
	for _, st := range stages {
		switch st.State {
		case StageFailed:
			return RunFailed
		case StageCompleted:
			completed++
			started = true
		case StageInProgress, StageInRetry:
			started = true
			if st.State == StageInRetry {
				retrying = true
			}
		case StageRetryPending:
			started = true
			retrying = true
		}
	}
	if completed == len(StageOrder) {
		return RunCompleted
	}
	if retrying {
		return RunInRetry
	}
	if started {
		return RunInProgress
	}
	return RunCreated
}
