package run

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Run is the unit of work: one attempt to generate, build, and render a
// structure from a prompt/model pair. Runs are never deleted, only retired.
type Run struct {
	bun.BaseModel `bun:"table:pipeline.runs,alias:r"`

	ID          uuid.UUID `bun:"type:uuid,default:gen_random_uuid(),pk" json:"id"`
	PromptRef   string    `bun:",notnull" json:"prompt_ref"`
	ModelRef    string    `bun:",notnull" json:"model_ref"`
	TemplateRef string    `bun:",notnull" json:"template_ref"`
	State       RunState  `bun:",notnull,default:'CREATED'" json:"state"`
	Retired     bool      `bun:",notnull,default:false" json:"retired"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"updated_at"`

	Stages    []*RunStage `bun:"rel:has-many,join:id=run_id" json:"stages,omitempty"`
	Artifacts []*Artifact `bun:"rel:has-many,join:id=run_id" json:"artifacts,omitempty"`
}

// Stage returns the run's stage of the given kind, or nil.
func (r *Run) Stage(kind StageKind) *RunStage {
	for _, st := range r.Stages {
		if st.Kind == kind {
			return st
		}
	}
	return nil
}

// SortedStages returns the stages in pipeline order.
func (r *Run) SortedStages() []*RunStage {
	out := make([]*RunStage, 0, len(r.Stages))
	for _, kind := range StageOrder {
		if st := r.Stage(kind); st != nil {
			out = append(out, st)
		}
	}
	return out
}

// RunStage is one pipeline step instance of a run. The Version column is the
// optimistic-concurrency token: every state transition is a compare-and-swap
// on it, so duplicate queue deliveries and late workers lose cleanly.
type RunStage struct {
	bun.BaseModel `bun:"table:pipeline.run_stages,alias:rs"`

	ID       uuid.UUID  `bun:"type:uuid,default:gen_random_uuid(),pk" json:"id"`
	RunID    uuid.UUID  `bun:"type:uuid,notnull" json:"run_id"`
	Kind     StageKind  `bun:",notnull" json:"kind"`
	State    StageState `bun:",notnull,default:'PENDING'" json:"state"`
	Version  int64      `bun:",notnull,default:0" json:"version"`
	Attempts int        `bun:",notnull,default:0" json:"attempts"`

	// LastError accumulates one line per failed attempt; prior attempts'
	// text is retained for audit even across operator retries.
	LastError string `bun:",nullzero" json:"last_error,omitempty"`

	// NotBefore gates when a RETRY_PENDING stage becomes eligible again.
	NotBefore time.Time `bun:",nullzero" json:"not_before,omitempty"`

	// Heartbeat is refreshed by the worker holding the lease; the scheduler
	// fails stages whose heartbeat goes stale.
	Heartbeat time.Time `bun:",nullzero" json:"heartbeat,omitempty"`

	StartedAt *time.Time `bun:",nullzero" json:"started_at,omitempty"`
	EndedAt   *time.Time `bun:",nullzero" json:"ended_at,omitempty"`

	// Result is the stage kind's tagged result payload, opaque to the
	// dispatcher; only the next stage's handler interprets it.
	Result json.RawMessage `bun:"type:jsonb,nullzero" json:"result,omitempty"`
}

// Artifact records a named, typed output of a stage: the object-store key,
// never the bytes. Immutable once created.
type Artifact struct {
	bun.BaseModel `bun:"table:pipeline.artifacts,alias:a"`

	ID     uuid.UUID `bun:"type:uuid,default:gen_random_uuid(),pk" json:"id"`
	RunID  uuid.UUID `bun:"type:uuid,notnull" json:"run_id"`
	Kind   string    `bun:",notnull" json:"kind"`
	Bucket string    `bun:",notnull" json:"bucket"`
	Key    string    `bun:",notnull" json:"key"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// NewRun constructs a run with its six pending stages.
func NewRun(promptRef, modelRef, templateRef string) *Run {
	r := &Run{
		ID:          uuid.New(),
		PromptRef:   promptRef,
		ModelRef:    modelRef,
		TemplateRef: templateRef,
		State:       RunCreated,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	for _, kind := range StageOrder {
		r.Stages = append(r.Stages, &RunStage{
			ID:    uuid.New(),
			RunID: r.ID,
			Kind:  kind,
			State: StagePending,
		})
	}
	return r
}
