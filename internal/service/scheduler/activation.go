package scheduler

import (
	"math/rand"
	"regexp"
	"strings"

	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

// ActivationContext carries everything a strategy needs besides the candidate
// snapshot. Strategies are pure: all state comes in as arguments, including
// the RNG, so tests can seed it deterministically.
type ActivationContext struct {
	// ActivationText is the content scanned for name mentions: the trigger
	// message if the round has one, otherwise the newest message.
	ActivationText string

	// IsUserInput marks activations caused by a genuine (non-copilot) user
	// message.
	IsUserInput bool

	// LastSpeakerID is the membership that authored the newest message, ""
	// for an empty timeline.
	LastSpeakerID string

	// SpokenThisEpoch holds membership IDs that spoke since the last real
	// user message (pooled mode).
	SpokenThisEpoch map[string]bool

	// AllowSelfResponses disables the immediate self-reply ban in natural
	// mode.
	AllowSelfResponses bool

	Rand *rand.Rand
}

var wordPattern = regexp.MustCompile(`\w+`)

// Activate computes the activated queue for one round. The result is
// non-deterministic for natural and pooled; callers persist it immediately so
// later reads never recompute and diverge.
func Activate(strategy schedModels.ReplyOrder, candidates []*schedModels.SpaceMembership, actx *ActivationContext) []*schedModels.SpaceMembership {
	if len(candidates) == 0 {
		return nil
	}

	switch strategy {
	case schedModels.ReplyOrderManual:
		return activateManual(candidates, actx)
	case schedModels.ReplyOrderList:
		return activateList(candidates)
	case schedModels.ReplyOrderPooled:
		return activatePooled(candidates, actx)
	case schedModels.ReplyOrderNatural:
		return activateNatural(candidates, actx)
	default:
		return nil
	}
}

// activateManual never auto-responds to user turns. Explicit non-user
// triggers (force talk without a message) get a single random speaker.
func activateManual(candidates []*schedModels.SpaceMembership, actx *ActivationContext) []*schedModels.SpaceMembership {
	if actx.IsUserInput {
		return nil
	}
	return []*schedModels.SpaceMembership{candidates[actx.Rand.Intn(len(candidates))]}
}

// activateList is a full round-robin round: everyone, in position order.
func activateList(candidates []*schedModels.SpaceMembership) []*schedModels.SpaceMembership {
	out := make([]*schedModels.SpaceMembership, len(candidates))
	copy(out, candidates)
	return out
}

// activatePooled picks one candidate that has not spoken since the last real
// user message. When everyone has spoken, it falls back to a uniform pick
// over all candidates, excluding the immediately-previous speaker when more
// than one candidate exists and exclusion leaves someone.
func activatePooled(candidates []*schedModels.SpaceMembership, actx *ActivationContext) []*schedModels.SpaceMembership {
	var fresh []*schedModels.SpaceMembership
	for _, c := range candidates {
		if !actx.SpokenThisEpoch[c.ID] {
			fresh = append(fresh, c)
		}
	}

	pool := fresh
	if len(pool) == 0 {
		pool = candidates
		if len(candidates) > 1 && actx.LastSpeakerID != "" {
			var excluded []*schedModels.SpaceMembership
			for _, c := range candidates {
				if c.ID != actx.LastSpeakerID {
					excluded = append(excluded, c)
				}
			}
			if len(excluded) > 0 {
				pool = excluded
			}
		}
	}

	return []*schedModels.SpaceMembership{pool[actx.Rand.Intn(len(pool))]}
}

// activateNatural is the two-stage SillyTavern-compatible activation:
// name mentions first, then a talkativeness lottery, unioned in first-seen
// order. Someone always replies: if both stages come up empty, one candidate
// is drawn from the talkative subset (or everyone).
func activateNatural(candidates []*schedModels.SpaceMembership, actx *ActivationContext) []*schedModels.SpaceMembership {
	bannedID := ""
	if !actx.IsUserInput && !actx.AllowSelfResponses {
		bannedID = actx.LastSpeakerID
	}

	activated := make([]*schedModels.SpaceMembership, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	add := func(c *schedModels.SpaceMembership) {
		if !seen[c.ID] {
			seen[c.ID] = true
			activated = append(activated, c)
		}
	}

	// Stage 1: mention activation. Each activation word matches at most one
	// candidate, scanning candidates in order; banned candidates are skipped.
	nameWords := make([]map[string]bool, len(candidates))
	for i, c := range candidates {
		nameWords[i] = wordSet(c.DisplayName)
	}
	for _, word := range wordPattern.FindAllString(strings.ToLower(actx.ActivationText), -1) {
		for i, c := range candidates {
			if c.ID == bannedID {
				continue
			}
			if nameWords[i][word] {
				add(c)
				break
			}
		}
	}

	// Stage 2: talkativeness lottery over a shuffled copy.
	shuffled := make([]*schedModels.SpaceMembership, len(candidates))
	copy(shuffled, candidates)
	actx.Rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	for _, c := range shuffled {
		if c.ID == bannedID {
			continue
		}
		if c.Talkativeness >= actx.Rand.Float64() {
			add(c)
		}
	}

	if len(activated) > 0 {
		return activated
	}

	// Fallback: one random pick from the talkative subset, or everyone.
	var talkative []*schedModels.SpaceMembership
	for _, c := range candidates {
		if c.Talkativeness > 0 {
			talkative = append(talkative, c)
		}
	}
	pool := talkative
	if len(pool) == 0 {
		pool = candidates
	}
	return []*schedModels.SpaceMembership{pool[actx.Rand.Intn(len(pool))]}
}

func wordSet(name string) map[string]bool {
	words := wordPattern.FindAllString(strings.ToLower(name), -1)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
