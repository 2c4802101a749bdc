package scheduling

// SpeakerPreview is the per-slot projection carried on queue_updated events.
type SpeakerPreview struct {
	SlotID            string     `json:"slot_id"`
	SpaceMembershipID string     `json:"space_membership_id"`
	DisplayName       string     `json:"display_name,omitempty"`
	Position          int        `json:"position"`
	Status            SlotStatus `json:"status"`
}

// QueueUpdate is the notification payload published after every successful
// mutation. Delivery is at-least-once and possibly out of order; receivers
// de-duplicate by discarding revisions <= the last one they observed.
type QueueUpdate struct {
	Type           string `json:"type"` // always "queue_updated"
	ConversationID string `json:"conversation_id"`
	Revision       int64  `json:"revision"`

	SchedulingState SchedulingState `json:"scheduling_state"`
	RoundID         string          `json:"round_id,omitempty"`

	CurrentSpeaker *SpeakerPreview  `json:"current_speaker,omitempty"`
	Upcoming       []SpeakerPreview `json:"upcoming,omitempty"`

	PausedReason string `json:"paused_reason,omitempty"`
	EndedReason  string `json:"ended_reason,omitempty"`
}

// Stale reports whether update should be discarded given the last revision a
// client observed.
func (u *QueueUpdate) Stale(lastSeen int64) bool {
	return u.Revision <= lastSeen
}
