package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/jasl/tavern-kit-sub011/internal/domain"
	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
	schedSvc "github.com/jasl/tavern-kit-sub011/internal/domain/services/scheduling"
)

// StartRound computes the activated queue for the conversation's strategy,
// persists it as a new round and enqueues a run for the first slot.
// Benign no-op when a round is already active or nothing activates.
func (s *Service) StartRound(ctx context.Context, in *schedSvc.StartRoundInput) (*schedSvc.CommandResult, error) {
	if err := validation.ValidateStruct(in,
		validation.Field(&in.ConversationID, validation.Required),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	return s.withConversation(ctx, in.ConversationID, func(ctx context.Context, conv *schedModels.Conversation) (*schedSvc.CommandResult, *schedModels.QueueUpdate, error) {
		return s.startRoundLocked(ctx, conv, in.TriggerMessageID, in.IsUserInput, in.RequestedBy, "start_round")
	})
}

// startRoundLocked is the shared start path, also used for AI-to-AI round
// chaining after an exhausted round. Caller holds the conversation lock.
func (s *Service) startRoundLocked(ctx context.Context, conv *schedModels.Conversation, triggerMessageID *string, isUserInput bool, requestedBy, source string) (*schedSvc.CommandResult, *schedModels.QueueUpdate, error) {
	// Single-active-round invariant: re-checked under the lock, so N racing
	// StartRound calls collapse to exactly one winner.
	if _, _, err := s.rounds.GetActive(ctx, conv.ID); err == nil {
		return notApplied("round already active"), nil, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, nil, err
	}

	members, err := s.memberships.ListBySpace(ctx, conv.SpaceID)
	if err != nil {
		return nil, nil, err
	}
	candidates := EligibleCandidates(members)
	if len(candidates) == 0 {
		return notApplied("no eligible participants"), nil, nil
	}

	actx, err := s.buildActivationContext(ctx, conv, triggerMessageID, isUserInput)
	if err != nil {
		return nil, nil, err
	}

	queue := Activate(conv.ReplyOrder, candidates, actx)
	if len(queue) == 0 {
		return notApplied("no participants activated"), nil, nil
	}

	round := &schedModels.Round{
		ID:               s.newID(),
		ConversationID:   conv.ID,
		Status:           schedModels.RoundActive,
		SchedulingState:  schedModels.StateAIGenerating,
		CurrentPosition:  0,
		TriggerMessageID: triggerMessageID,
	}
	round.SetMeta("strategy", string(conv.ReplyOrder))
	round.SetMeta("started_by", requestedBy)
	round.SetMeta("trigger_source", source)

	slots := make([]*schedModels.RoundParticipant, len(queue))
	for i, speaker := range queue {
		status := schedModels.SlotPending
		if i == 0 {
			status = schedModels.SlotCurrent
		}
		slots[i] = &schedModels.RoundParticipant{
			ID:                s.newID(),
			RoundID:           round.ID,
			SpaceMembershipID: speaker.ID,
			Position:          i,
			Status:            status,
		}
	}

	if err := s.rounds.CreateWithSlots(ctx, round, slots); err != nil {
		return nil, nil, err
	}

	trigger := &schedModels.TriggerDebug{Source: source, IsUserInput: isUserInput}
	if triggerMessageID != nil {
		trigger.MessageID = *triggerMessageID
	}
	if _, err := s.enqueueRun(ctx, conv, round, slots[0], runKindFor(queue[0]), s.defaults.FirstRunDelay(conv.ReplyOrder), trigger, requestedBy); err != nil {
		return nil, nil, err
	}

	revision, update, err := s.bumpAndSnapshot(ctx, conv, round, slots)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("round started",
		"conversation_id", conv.ID,
		"round_id", round.ID,
		"strategy", conv.ReplyOrder,
		"queue_size", len(slots),
	)

	return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil
}

// buildActivationContext snapshots the timeline facts the strategies need:
// activation text, last speaker, the pooled-mode epoch, self-response policy.
func (s *Service) buildActivationContext(ctx context.Context, conv *schedModels.Conversation, triggerMessageID *string, isUserInput bool) (*ActivationContext, error) {
	actx := &ActivationContext{
		IsUserInput:        isUserInput,
		AllowSelfResponses: conv.AllowSelfResponses,
		Rand:               s.newRand(),
		SpokenThisEpoch:    make(map[string]bool),
	}

	if triggerMessageID != nil {
		trigger, err := s.messages.GetByID(ctx, *triggerMessageID)
		if err != nil {
			return nil, err
		}
		actx.ActivationText = trigger.Content
		// Copilot-authored user messages count as auto-responder output,
		// not genuine user input.
		actx.IsUserInput = isUserInput && trigger.IsRealUserInput()
	}

	last, err := s.messages.Last(ctx, conv.ID)
	switch {
	case err == nil:
		if actx.ActivationText == "" {
			actx.ActivationText = last.Content
		}
		if last.AuthorMembershipID != nil {
			actx.LastSpeakerID = *last.AuthorMembershipID
		}
	case errors.Is(err, domain.ErrNotFound):
		// Empty timeline: nothing to mention, nobody to ban
	default:
		return nil, err
	}

	var epochAnchor *string
	lastUser, err := s.messages.LastRealUserMessage(ctx, conv.ID)
	switch {
	case err == nil:
		epochAnchor = &lastUser.ID
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, err
	}

	speakers, err := s.messages.SpeakersSince(ctx, conv.ID, epochAnchor)
	if err != nil {
		return nil, err
	}
	for _, id := range speakers {
		actx.SpokenThisEpoch[id] = true
	}

	return actx, nil
}

// runKindFor maps a speaker to the default run kind: copilot output for
// human personas, a plain auto response for characters.
func runKindFor(speaker *schedModels.SpaceMembership) schedModels.RunKind {
	if speaker.Kind == schedModels.ParticipantHuman {
		return schedModels.RunAutoUserResponse
	}
	return schedModels.RunAutoResponse
}

// enqueueRun creates the queued run for a slot. This is where the
// scheduler's responsibility ends; the executor claims it from here.
func (s *Service) enqueueRun(ctx context.Context, conv *schedModels.Conversation, round *schedModels.Round, slot *schedModels.RoundParticipant, kind schedModels.RunKind, delay time.Duration, trigger *schedModels.TriggerDebug, requestedBy string) (*schedModels.Run, error) {
	run := &schedModels.Run{
		ID:             s.newID(),
		ConversationID: conv.ID,
		RoundID:        &round.ID,
		SpeakerID:      slot.SpaceMembershipID,
		Kind:           kind,
		Status:         schedModels.RunQueued,
		RunAfter:       s.now().Add(delay),
		Debug: schedModels.RunDebug{
			Trigger: trigger,
			Scheduler: &schedModels.SchedulerDebug{
				ScheduledBy: trigger.Source,
				RoundID:     round.ID,
				Position:    slot.Position,
				Strategy:    string(conv.ReplyOrder),
				RequestedBy: requestedBy,
			},
		},
	}

	if err := s.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ReportRunOutcome is the executor's completion report. Success advances the
// round; failure freezes it for operator action; a canceled run is a benign
// no-op because the command that canceled it already moved the round on.
func (s *Service) ReportRunOutcome(ctx context.Context, in *schedSvc.ReportRunOutcomeInput) (*schedSvc.CommandResult, error) {
	if err := validation.ValidateStruct(in,
		validation.Field(&in.RunID, validation.Required),
		validation.Field(&in.Outcome, validation.Required, validation.In(
			schedModels.OutcomeSucceeded, schedModels.OutcomeFailed, schedModels.OutcomeCanceled,
		)),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	// Resolve the conversation outside the lock, then re-read under it.
	run, err := s.runs.GetByID(ctx, in.RunID)
	if err != nil {
		return nil, err
	}

	return s.withConversation(ctx, run.ConversationID, func(ctx context.Context, conv *schedModels.Conversation) (*schedSvc.CommandResult, *schedModels.QueueUpdate, error) {
		run, err := s.runs.GetByID(ctx, in.RunID)
		if err != nil {
			return nil, nil, err
		}
		if run.RoundID == nil {
			return notApplied("run is not round-bound"), nil, nil
		}

		round, slots, err := s.rounds.GetByID(ctx, *run.RoundID)
		if err != nil {
			return nil, nil, err
		}
		if round.Terminal() {
			return notApplied("round no longer active"), nil, nil
		}

		current := slotAt(slots, round.CurrentPosition)
		if current == nil || current.SpaceMembershipID != run.SpeakerID {
			return notApplied("run does not match current slot"), nil, nil
		}

		switch in.Outcome {
		case schedModels.OutcomeSucceeded:
			return s.advanceAfterSuccess(ctx, conv, round, slots, current)

		case schedModels.OutcomeFailed:
			if round.SchedulingState != schedModels.StateAIGenerating {
				return notApplied("round is not generating"), nil, nil
			}
			round.SchedulingState = schedModels.StateFailed
			round.SetMeta("failure_error", in.Error)
			if err := s.rounds.UpdateRound(ctx, round); err != nil {
				return nil, nil, err
			}
			revision, update, err := s.bumpAndSnapshot(ctx, conv, round, slots)
			if err != nil {
				return nil, nil, err
			}
			s.logger.Warn("round failed",
				"conversation_id", conv.ID,
				"round_id", round.ID,
				"run_id", run.ID,
				"error", in.Error,
			)
			return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil

		default: // canceled
			return notApplied("run canceled"), nil, nil
		}
	})
}

// advanceAfterSuccess moves the position pointer past the spoken slot.
// While paused the pointer still advances, but no run is scheduled until
// Resume. Exhausting the queue finishes the round and may chain a follow-up
// AI round when the conversation still has budget.
func (s *Service) advanceAfterSuccess(ctx context.Context, conv *schedModels.Conversation, round *schedModels.Round, slots []*schedModels.RoundParticipant, current *schedModels.RoundParticipant) (*schedSvc.CommandResult, *schedModels.QueueUpdate, error) {
	if err := s.rounds.UpdateSlotStatus(ctx, current.ID, schedModels.SlotSpoken); err != nil {
		return nil, nil, err
	}
	current.Status = schedModels.SlotSpoken

	next := slotAt(slots, round.CurrentPosition+1)
	if next != nil {
		round.CurrentPosition++
		if err := s.rounds.UpdateRound(ctx, round); err != nil {
			return nil, nil, err
		}
		if err := s.rounds.UpdateSlotStatus(ctx, next.ID, schedModels.SlotCurrent); err != nil {
			return nil, nil, err
		}
		next.Status = schedModels.SlotCurrent

		if round.SchedulingState == schedModels.StateAIGenerating {
			speaker, err := s.memberships.GetByID(ctx, next.SpaceMembershipID)
			if err != nil {
				return nil, nil, err
			}
			trigger := &schedModels.TriggerDebug{Source: "advance_turn"}
			if _, err := s.enqueueRun(ctx, conv, round, next, runKindFor(speaker), s.defaults.TurnDelay(conv.ReplyOrder), trigger, ""); err != nil {
				return nil, nil, err
			}
		}

		revision, update, err := s.bumpAndSnapshot(ctx, conv, round, slots)
		if err != nil {
			return nil, nil, err
		}
		return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil
	}

	// Queue exhausted
	if err := s.finishRound(ctx, round, slots, schedModels.EndedQueueExhausted); err != nil {
		return nil, nil, err
	}

	// AI-to-AI chaining: a fresh round without user input, while budget
	// remains. Budget 0 (the default) disables chaining entirely. A follow-up
	// that does not start (nothing activates) consumes no budget.
	if conv.AutoRemainingSteps > 0 {
		result, update, err := s.startRoundLocked(ctx, conv, nil, false, "", "auto_round")
		if err != nil {
			return nil, nil, err
		}
		if result.Applied {
			conv.AutoRemainingSteps--
			if err := s.conversations.SetAutoRemainingSteps(ctx, conv.ID, conv.AutoRemainingSteps); err != nil {
				return nil, nil, err
			}
			return result, update, nil
		}
	}

	revision, update, err := s.bumpAndSnapshot(ctx, conv, round, slots)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("round finished",
		"conversation_id", conv.ID,
		"round_id", round.ID,
		"reason", schedModels.EndedQueueExhausted,
	)
	return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil
}

// finishRound terminates the round and sweeps any leftover pending slots so
// every slot ends in a terminal status.
func (s *Service) finishRound(ctx context.Context, round *schedModels.Round, slots []*schedModels.RoundParticipant, reason schedModels.EndedReason) error {
	for _, slot := range slots {
		if slot.Status == schedModels.SlotPending || slot.Status == schedModels.SlotCurrent {
			if err := s.rounds.UpdateSlotStatus(ctx, slot.ID, schedModels.SlotSkipped); err != nil {
				return err
			}
			slot.Status = schedModels.SlotSkipped
		}
	}

	now := s.now()
	round.Status = schedModels.RoundFinished
	round.EndedReason = &reason
	round.EndedAt = &now
	if err := s.rounds.UpdateRound(ctx, round); err != nil {
		return fmt.Errorf("finish round: %w", err)
	}
	return nil
}
