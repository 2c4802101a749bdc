package scheduling

import (
	"time"
)

// RoundStatus is the lifecycle status of a round.
type RoundStatus string

const (
	RoundActive   RoundStatus = "active"
	RoundFinished RoundStatus = "finished"
	RoundCanceled RoundStatus = "canceled"
)

// SchedulingState describes what an active round is currently doing.
// Conversations without an active round are reported as StateIdle.
type SchedulingState string

const (
	StateIdle         SchedulingState = "idle"
	StateAIGenerating SchedulingState = "ai_generating"
	StatePaused       SchedulingState = "paused"
	StateFailed       SchedulingState = "failed"
)

// EndedReason records why a round left the active status.
type EndedReason string

const (
	EndedQueueExhausted EndedReason = "queue_exhausted"
	EndedQueueEmptied   EndedReason = "round_queue_emptied"
	EndedStopped        EndedReason = "stopped"
)

// Round is one turn-taking episode for a conversation. At most one round per
// conversation has Status == RoundActive; the locked command layer enforces
// this, not a uniqueness constraint alone.
type Round struct {
	ID             string `json:"id" db:"id"`
	ConversationID string `json:"conversation_id" db:"conversation_id"`

	Status          RoundStatus     `json:"status" db:"status"`
	SchedulingState SchedulingState `json:"scheduling_state" db:"scheduling_state"`

	// CurrentPosition indexes the slot whose run is queued or in flight.
	CurrentPosition int `json:"current_position" db:"current_position"`

	TriggerMessageID *string      `json:"trigger_message_id,omitempty" db:"trigger_message_id"`
	EndedReason      *EndedReason `json:"ended_reason,omitempty" db:"ended_reason"`

	// Metadata carries free-form round context: strategy used, pause reason,
	// who requested a stop.
	Metadata map[string]interface{} `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// SlotStatus is the per-slot lifecycle within a round queue.
type SlotStatus string

const (
	SlotPending SlotStatus = "pending"
	SlotCurrent SlotStatus = "current"
	SlotSpoken  SlotStatus = "spoken"
	SlotSkipped SlotStatus = "skipped"
)

// RoundParticipant is one ordered queue slot. Positions are 0-based and kept
// contiguous after every mutation. The same membership may hold several slots
// in one round (e.g. after an append).
type RoundParticipant struct {
	ID                string     `json:"id" db:"id"`
	RoundID           string     `json:"round_id" db:"round_id"`
	SpaceMembershipID string     `json:"space_membership_id" db:"space_membership_id"`
	Position          int        `json:"position" db:"position"`
	Status            SlotStatus `json:"status" db:"status"`
}

// Terminal reports whether the round can no longer change.
func (r *Round) Terminal() bool {
	return r.Status != RoundActive
}

// MetaString reads a string value out of the metadata bag.
func (r *Round) MetaString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[key].(string)
	return s
}

// SetMeta writes a metadata value, allocating the bag on first use.
func (r *Round) SetMeta(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
}
