package scheduling

import (
	"time"
)

// RunStatus is the lifecycle of a single generation attempt.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
	RunSkipped   RunStatus = "skipped"
)

// RunKind tags what triggered a run and how its output is attributed.
type RunKind string

const (
	RunUserTurn         RunKind = "user_turn"
	RunAutoResponse     RunKind = "auto_response"
	RunAutoUserResponse RunKind = "auto_user_response"
	RunRegenerate       RunKind = "regenerate"
	RunForceTalk        RunKind = "force_talk"
	RunHumanTurn        RunKind = "human_turn"
)

// Run is one generation attempt for one queue slot. Rows are created by the
// scheduler and claimed/completed by the run executor; "in flight" status
// transitions belong to whichever side wins the conditional update.
type Run struct {
	ID             string  `json:"id" db:"id"`
	ConversationID string  `json:"conversation_id" db:"conversation_id"`
	RoundID        *string `json:"conversation_round_id,omitempty" db:"conversation_round_id"`

	SpeakerID string  `json:"speaker_space_membership_id" db:"speaker_space_membership_id"`
	Kind      RunKind `json:"kind" db:"kind"`

	Status RunStatus `json:"status" db:"status"`

	// RunAfter delays executor pickup; resume clears any configured delay so
	// resuming feels instant.
	RunAfter time.Time `json:"run_after" db:"run_after"`

	// CancelRequestedAt is the cooperative cancellation signal for running
	// runs. The executor stops at its own next checkpoint.
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty" db:"cancel_requested_at"`

	Error *string  `json:"error,omitempty" db:"error"`
	Debug RunDebug `json:"debug" db:"debug"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Live reports whether the run still occupies the per-round serialization
// point (at most one queued/running run per round).
func (r *Run) Live() bool {
	return r.Status == RunQueued || r.Status == RunRunning
}

// RunOutcome is the executor's final report for a run.
type RunOutcome string

const (
	OutcomeSucceeded RunOutcome = "succeeded"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeCanceled  RunOutcome = "canceled"
)
