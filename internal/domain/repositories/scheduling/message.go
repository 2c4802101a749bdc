package scheduling

import (
	"context"

	"github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

// MessageRepository is the read-side of the chat timeline plus the single
// append the run executor performs on success. Prompt construction stays
// outside the scheduler.
type MessageRepository interface {
	// Append stores a produced message.
	Append(ctx context.Context, msg *scheduling.Message) error

	// GetByID fetches one message.
	GetByID(ctx context.Context, id string) (*scheduling.Message, error)

	// Last returns the newest message of the conversation, or
	// domain.ErrNotFound for an empty timeline.
	Last(ctx context.Context, conversationID string) (*scheduling.Message, error)

	// LastRealUserMessage returns the newest user-role message that was not
	// copilot-authored. It anchors the pooled-mode epoch.
	LastRealUserMessage(ctx context.Context, conversationID string) (*scheduling.Message, error)

	// SpeakersSince returns membership IDs that authored messages after the
	// given message, oldest first. A nil sinceMessageID means the whole
	// timeline.
	SpeakersSince(ctx context.Context, conversationID string, sinceMessageID *string) ([]string, error)

	// Recent returns up to limit newest messages, oldest first.
	Recent(ctx context.Context, conversationID string, limit int) ([]*scheduling.Message, error)
}
