package scheduling

import (
	"time"
)

// MessageRole is the conversational role of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is the scheduler's read model of the chat timeline. Prompt
// construction and rendering live elsewhere; activation only needs roles,
// authors and raw content.
type Message struct {
	ID             string      `json:"id" db:"id"`
	ConversationID string      `json:"conversation_id" db:"conversation_id"`
	Role           MessageRole `json:"role" db:"role"`

	// AuthorMembershipID is nil for system messages.
	AuthorMembershipID *string `json:"author_membership_id,omitempty" db:"author_membership_id"`

	// AuthoredByCopilot marks user-role messages produced by a copilot run.
	// They count as auto-responder output for self-response banning, not as
	// genuine user input.
	AuthoredByCopilot bool `json:"authored_by_copilot" db:"authored_by_copilot"`

	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsRealUserInput reports whether the message starts a new pooled-mode epoch:
// a user-role message actually typed by a human.
func (m *Message) IsRealUserInput() bool {
	return m.Role == RoleUser && !m.AuthoredByCopilot
}
