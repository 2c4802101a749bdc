package scheduling

import (
	"context"

	"github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

// ConversationRepository reads and mutates the scheduling-related columns of
// conversations. Rows are created by the surrounding app, never here.
type ConversationRepository interface {
	// GetByID fetches a conversation without locking.
	GetByID(ctx context.Context, id string) (*scheduling.Conversation, error)

	// GetForUpdate fetches the conversation and takes its row lock for the
	// duration of the enclosing transaction. This is the per-conversation
	// critical section every mutation command runs inside; it must only be
	// called with a transaction in the context.
	GetForUpdate(ctx context.Context, id string) (*scheduling.Conversation, error)

	// BumpRevision atomically increments group_queue_revision by 1 and
	// returns the new value. The increment is computed in the store, never
	// from an in-memory copy, so concurrent writers cannot collide on the
	// same revision number.
	BumpRevision(ctx context.Context, id string) (int64, error)

	// SetAutoRemainingSteps updates the AI-to-AI chaining budget.
	SetAutoRemainingSteps(ctx context.Context, id string, steps int) error
}
