package scheduling

import (
	"context"

	"github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

// RoundRepository owns conversation_rounds and round_participants rows.
// Callers hold the conversation lock for every mutating call.
type RoundRepository interface {
	// CreateWithSlots inserts the round and its initial queue slots in order.
	CreateWithSlots(ctx context.Context, round *scheduling.Round, slots []*scheduling.RoundParticipant) error

	// GetActive returns the conversation's single active round and its slots
	// ordered by position, or domain.ErrNotFound when the conversation is
	// idle.
	GetActive(ctx context.Context, conversationID string) (*scheduling.Round, []*scheduling.RoundParticipant, error)

	// GetByID returns a round and its slots ordered by position.
	GetByID(ctx context.Context, roundID string) (*scheduling.Round, []*scheduling.RoundParticipant, error)

	// UpdateRound persists status, scheduling_state, current_position,
	// ended_reason, ended_at and metadata.
	UpdateRound(ctx context.Context, round *scheduling.Round) error

	// UpdateSlotStatus sets one slot's status.
	UpdateSlotStatus(ctx context.Context, slotID string, status scheduling.SlotStatus) error

	// AppendSlot inserts a trailing slot.
	AppendSlot(ctx context.Context, slot *scheduling.RoundParticipant) error

	// DeleteSlot removes one slot by row identity.
	DeleteSlot(ctx context.Context, slotID string) error

	// ReindexSlots rewrites slot positions to match the given order,
	// keeping them contiguous from 0.
	ReindexSlots(ctx context.Context, roundID string, orderedSlotIDs []string) error
}
