package scheduling

import (
	"context"

	"github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

// MembershipRepository reads space memberships. The scheduler never mutates
// membership rows; eligibility is re-read on every activation because
// participation can change between rounds.
type MembershipRepository interface {
	// ListBySpace returns all memberships of a space ordered by position.
	ListBySpace(ctx context.Context, spaceID string) ([]*scheduling.SpaceMembership, error)

	// GetByID fetches a single membership.
	GetByID(ctx context.Context, id string) (*scheduling.SpaceMembership, error)
}
