package pipeline

import "github.com/rs/xid"

// State is the per-job position in the pipeline. Completed and Failed are
// terminal; every scratch asset must be gone once a job reaches either.
type State int

const (
	StateReceived State = iota
	StateNormalizing
	StateNormalized
	StateTranscribing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateNormalizing:
		return "normalizing"
	case StateNormalized:
		return "normalized"
	case StateTranscribing:
		return "transcribing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stage labels for failure reporting and metrics.
const (
	StageIntake     = "intake"
	StageNormalize  = "normalizing"
	StageTranscribe = "transcribing"
)

// Job is one inbound transcription request.
type Job struct {
	ID          string
	State       State
	FailedStage string
}

func NewJob() *Job {
	return &Job{ID: xid.New().String(), State: StateReceived}
}

func (j *Job) advance(next State) {
	j.State = next
}

func (j *Job) fail(stage string) {
	j.State = StateFailed
	j.FailedStage = stage
}

func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}
