package scheduling

import (
	"context"

	"github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

// CommandResult is the explicit success/failure outcome of a mutation
// command. Precondition mismatches and lost races come back as Applied=false
// with a reason; they are expected under concurrency, not errors. Only
// infrastructure failures propagate as Go errors.
type CommandResult struct {
	Applied  bool   `json:"applied"`
	Reason   string `json:"reason,omitempty"`
	Revision int64  `json:"revision,omitempty"`
	RoundID  string `json:"round_id,omitempty"`
}

// StartRoundInput triggers a new round. The acting user is always passed
// explicitly; business logic never reads an ambient "current user".
type StartRoundInput struct {
	ConversationID   string
	TriggerMessageID *string
	IsUserInput      bool
	RequestedBy      string
}

// PauseRoundInput freezes the active round with its queue intact.
type PauseRoundInput struct {
	ConversationID string
	Reason         string
	RequestedBy    string
}

// ResumeRoundInput unfreezes a paused round.
type ResumeRoundInput struct {
	ConversationID string
	RequestedBy    string
}

// RetryInput re-runs the current slot. SpeakerID and RoundID must match the
// round's current slot exactly: stale-click protection for UI actions built
// from pre-lock state.
type RetryInput struct {
	ConversationID string
	RoundID        string
	SpeakerID      string
	RequestedBy    string
}

// SkipHumanTurnInput skips a human slot whose wait timed out. Identifier
// matching mirrors RetryInput.
type SkipHumanTurnInput struct {
	ConversationID string
	RoundID        string
	MembershipID   string
	RequestedBy    string
}

// StopRoundInput cancels the round unconditionally.
type StopRoundInput struct {
	ConversationID string
	RequestedBy    string
}

// AppendSpeakerInput adds a trailing queue slot. Duplicates are allowed.
type AppendSpeakerInput struct {
	ConversationID string
	RoundID        string
	MembershipID   string
	RequestedBy    string
}

// ReorderInput rewrites the order of the movable slots. OrderedSlotIDs must
// be a permutation of every movable slot; the current slot counts as movable
// only while the round is paused.
type ReorderInput struct {
	ConversationID string
	RoundID        string
	OrderedSlotIDs []string
	RequestedBy    string
}

// RemoveSlotInput deletes one slot by row identity (participants may hold
// several slots, so membership ID is not enough).
type RemoveSlotInput struct {
	ConversationID string
	RoundID        string
	SlotID         string
	RequestedBy    string
}

// ReportRunOutcomeInput is the executor's exactly-once completion report,
// delivered as an explicit command instead of an in-process callback chain.
type ReportRunOutcomeInput struct {
	RunID   string
	Outcome scheduling.RunOutcome
	Error   string
}

// TurnScheduler is the locked command layer over rounds, queue slots and
// runs. Every method serializes on the conversation lock and re-checks its
// expected-state precondition after acquiring it.
type TurnScheduler interface {
	StartRound(ctx context.Context, in *StartRoundInput) (*CommandResult, error)
	PauseRound(ctx context.Context, in *PauseRoundInput) (*CommandResult, error)
	ResumeRound(ctx context.Context, in *ResumeRoundInput) (*CommandResult, error)
	RetryCurrentSpeaker(ctx context.Context, in *RetryInput) (*CommandResult, error)
	SkipHumanTurn(ctx context.Context, in *SkipHumanTurnInput) (*CommandResult, error)
	StopRound(ctx context.Context, in *StopRoundInput) (*CommandResult, error)

	AppendSpeaker(ctx context.Context, in *AppendSpeakerInput) (*CommandResult, error)
	ReorderPending(ctx context.Context, in *ReorderInput) (*CommandResult, error)
	RemovePending(ctx context.Context, in *RemoveSlotInput) (*CommandResult, error)

	ReportRunOutcome(ctx context.Context, in *ReportRunOutcomeInput) (*CommandResult, error)

	// Snapshot builds the current queue view without mutating anything.
	Snapshot(ctx context.Context, conversationID string) (*scheduling.QueueUpdate, error)
}
