package scheduling

import (
	"time"
)

// ReplyOrder selects the activation strategy used when a round starts.
type ReplyOrder string

const (
	ReplyOrderManual  ReplyOrder = "manual"
	ReplyOrderList    ReplyOrder = "list"
	ReplyOrderNatural ReplyOrder = "natural"
	ReplyOrderPooled  ReplyOrder = "pooled"
)

// Conversation is the scheduling view of a chat timeline. The scheduler never
// creates conversations; it only mutates scheduling-related columns under the
// conversation lock.
type Conversation struct {
	ID      string `json:"id" db:"id"`
	SpaceID string `json:"space_id" db:"space_id"`

	ReplyOrder         ReplyOrder `json:"reply_order" db:"reply_order"`
	AllowSelfResponses bool       `json:"allow_self_responses" db:"allow_self_responses"`

	// AutoRemainingSteps limits AI-to-AI round chaining. Decremented when a
	// finished round triggers a follow-up round without user input.
	AutoRemainingSteps int `json:"auto_remaining_steps" db:"auto_remaining_steps"`

	// GroupQueueRevision is bumped by exactly 1 on every scheduling-relevant
	// change. Clients discard push updates whose revision is <= the last one
	// they observed.
	GroupQueueRevision int64 `json:"group_queue_revision" db:"group_queue_revision"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ParticipantKind distinguishes human personas from AI characters.
type ParticipantKind string

const (
	ParticipantHuman     ParticipantKind = "human"
	ParticipantCharacter ParticipantKind = "character"
)

// Participation is the membership status within a space.
type Participation string

const (
	ParticipationActive  Participation = "active"
	ParticipationMuted   Participation = "muted"
	ParticipationRemoved Participation = "removed"
)

// SpaceMembership attaches one human or one AI character to a space.
// Membership rows are managed externally; the scheduler only reads them.
type SpaceMembership struct {
	ID      string          `json:"id" db:"id"`
	SpaceID string          `json:"space_id" db:"space_id"`
	Kind    ParticipantKind `json:"kind" db:"kind"`

	DisplayName string `json:"display_name" db:"display_name"`
	Position    int    `json:"position" db:"position"`

	Participation Participation `json:"participation" db:"participation"`

	// PersonaCharacterID is the character identity assigned to a human
	// persona. A human without one cannot be scheduled as a speaker.
	PersonaCharacterID *string `json:"persona_character_id,omitempty" db:"persona_character_id"`

	// CopilotEnabled allows a human persona's replies to be AI-generated.
	CopilotEnabled bool `json:"copilot_enabled" db:"copilot_enabled"`

	// Talkativeness is the 0..1 probability weight used by natural-mode
	// activation.
	Talkativeness float64 `json:"talkativeness" db:"talkativeness"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CanAutoRespond reports whether this membership can be scheduled to produce
// an AI-generated turn. Characters always can; human personas only when they
// carry a character identity and copilot is enabled.
func (m *SpaceMembership) CanAutoRespond() bool {
	switch m.Kind {
	case ParticipantCharacter:
		return true
	case ParticipantHuman:
		return m.PersonaCharacterID != nil && m.CopilotEnabled
	default:
		return false
	}
}

// CanBeScheduled reports whether this membership is currently eligible for a
// round queue slot.
func (m *SpaceMembership) CanBeScheduled() bool {
	return m.Participation == ParticipationActive && m.CanAutoRespond()
}
