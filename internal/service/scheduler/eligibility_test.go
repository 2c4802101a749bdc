package scheduler

import (
	"testing"

	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

func TestEligibleCandidates(t *testing.T) {
	personaID := "persona-1"

	members := []*schedModels.SpaceMembership{
		{ID: "char-active", Kind: schedModels.ParticipantCharacter, Participation: schedModels.ParticipationActive, Position: 3},
		{ID: "char-muted", Kind: schedModels.ParticipantCharacter, Participation: schedModels.ParticipationMuted, Position: 0},
		{ID: "char-removed", Kind: schedModels.ParticipantCharacter, Participation: schedModels.ParticipationRemoved, Position: 1},
		{ID: "human-copilot", Kind: schedModels.ParticipantHuman, Participation: schedModels.ParticipationActive, Position: 2, PersonaCharacterID: &personaID, CopilotEnabled: true},
		{ID: "human-no-copilot", Kind: schedModels.ParticipantHuman, Participation: schedModels.ParticipationActive, Position: 4, PersonaCharacterID: &personaID},
		{ID: "human-no-persona", Kind: schedModels.ParticipantHuman, Participation: schedModels.ParticipationActive, Position: 5, CopilotEnabled: true},
	}

	got := EligibleCandidates(members)

	want := []string{"human-copilot", "char-active"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestEligibleCandidatesEmpty(t *testing.T) {
	if got := EligibleCandidates(nil); got != nil {
		t.Fatalf("expected nil, got %v", ids(got))
	}
}
