package scheduler

import (
	"sort"

	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

// EligibleCandidates filters a membership snapshot down to the participants
// that may auto-respond, ordered by position. Pure function over the
// snapshot: eligibility is recomputed fresh for every activation because
// participation can change between rounds.
func EligibleCandidates(members []*schedModels.SpaceMembership) []*schedModels.SpaceMembership {
	var candidates []*schedModels.SpaceMembership
	for _, m := range members {
		if m.CanBeScheduled() {
			candidates = append(candidates, m)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Position < candidates[j].Position
	})

	return candidates
}
