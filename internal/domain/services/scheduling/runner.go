package scheduling

import (
	"context"

	"github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

// GenerateRequest is what a text provider receives for one run: the speaker
// identity plus recent history. Full prompt construction (lore, templates,
// persona cards) is an external concern.
type GenerateRequest struct {
	ConversationID string
	SpeakerName    string
	History        []*scheduling.Message
}

// GenerateResponse is a completed provider reply.
type GenerateResponse struct {
	Text         string
	Model        string
	OutputTokens int
}

// TextProvider produces the reply text for a claimed run. Implementations
// must honor context cancellation; it carries the cooperative cancel signal.
type TextProvider interface {
	Name() string
	GenerateReply(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}
