package scheduling

import (
	"context"

	"github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

// NotificationGateway receives queue_updated events after each committed
// mutation. Fire-and-forget with at-least-once semantics; receivers
// de-duplicate on the revision counter.
type NotificationGateway interface {
	Publish(ctx context.Context, conversationID string, update *scheduling.QueueUpdate)
}
