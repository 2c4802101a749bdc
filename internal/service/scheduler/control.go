package scheduler

import (
	"context"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/jasl/tavern-kit-sub011/internal/domain"
	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
	schedSvc "github.com/jasl/tavern-kit-sub011/internal/domain/services/scheduling"
)

// activeRound loads the conversation's active round under the lock, mapping
// "no active round" to a benign result.
func (s *Service) activeRound(ctx context.Context, conversationID string) (*schedModels.Round, []*schedModels.RoundParticipant, *schedSvc.CommandResult, error) {
	round, slots, err := s.rounds.GetActive(ctx, conversationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, notApplied("no active round"), nil
		}
		return nil, nil, nil, err
	}
	return round, slots, nil, nil
}

// PauseRound freezes the active round with its queue intact. The queued run
// is canceled via compare-and-swap (a concurrent claim wins and finishes
// cooperatively); a running run gets the cooperative cancel flag.
func (s *Service) PauseRound(ctx context.Context, in *schedSvc.PauseRoundInput) (*schedSvc.CommandResult, error) {
	if err := validation.ValidateStruct(in,
		validation.Field(&in.ConversationID, validation.Required),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	return s.withConversation(ctx, in.ConversationID, func(ctx context.Context, conv *schedModels.Conversation) (*schedSvc.CommandResult, *schedModels.QueueUpdate, error) {
		round, slots, benign, err := s.activeRound(ctx, conv.ID)
		if err != nil || benign != nil {
			return benign, nil, err
		}

		switch round.SchedulingState {
		case schedModels.StatePaused:
			// Idempotent success, no state change, no revision bump
			return &schedSvc.CommandResult{Applied: true, Reason: "already paused", Revision: conv.GroupQueueRevision, RoundID: round.ID}, nil, nil
		case schedModels.StateFailed:
			// Failed rounds go through Retry/Skip/Stop, not Pause
			return notApplied("round failed; retry, skip or stop instead"), nil, nil
		}

		if _, err := s.runs.CancelQueuedForRound(ctx, round.ID); err != nil {
			return nil, nil, err
		}
		if err := s.runs.RequestCancelRunning(ctx, round.ID); err != nil {
			return nil, nil, err
		}

		round.SchedulingState = schedModels.StatePaused
		round.SetMeta("paused_reason", in.Reason)
		round.SetMeta("paused_by", in.RequestedBy)
		if err := s.rounds.UpdateRound(ctx, round); err != nil {
			return nil, nil, err
		}

		revision, update, err := s.bumpAndSnapshot(ctx, conv, round, slots)
		if err != nil {
			return nil, nil, err
		}

		s.logger.Info("round paused", "conversation_id", conv.ID, "round_id", round.ID, "reason", in.Reason)
		return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil
	})
}

// ResumeRound unfreezes a paused round. Slots whose participant became
// unschedulable while paused are skipped; the replacement run is scheduled
// with no extra delay so resuming feels instant.
func (s *Service) ResumeRound(ctx context.Context, in *schedSvc.ResumeRoundInput) (*schedSvc.CommandResult, error) {
	if err := validation.ValidateStruct(in,
		validation.Field(&in.ConversationID, validation.Required),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	return s.withConversation(ctx, in.ConversationID, func(ctx context.Context, conv *schedModels.Conversation) (*schedSvc.CommandResult, *schedModels.QueueUpdate, error) {
		round, slots, benign, err := s.activeRound(ctx, conv.ID)
		if err != nil || benign != nil {
			return benign, nil, err
		}

		if round.SchedulingState != schedModels.StatePaused {
			return notApplied("round is not paused"), nil, nil
		}

		// An unrelated live run (e.g. force talk) would race the resumed
		// slot; refuse until it settles.
		live, err := s.runs.CountLive(ctx, conv.ID)
		if err != nil {
			return nil, nil, err
		}
		if live > 0 {
			return notApplied("another run is in flight"), nil, nil
		}

		// Skip forward past slots that stopped being schedulable while
		// paused (muted, removed, copilot disabled).
		var speaker *schedModels.SpaceMembership
		for {
			current := slotAt(slots, round.CurrentPosition)
			if current == nil {
				if err := s.finishRound(ctx, round, slots, schedModels.EndedQueueExhausted); err != nil {
					return nil, nil, err
				}
				revision, update, err := s.bumpAndSnapshot(ctx, conv, round, slots)
				if err != nil {
					return nil, nil, err
				}
				return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil
			}

			m, err := s.memberships.GetByID(ctx, current.SpaceMembershipID)
			switch {
			case err == nil && m.CanBeScheduled():
				speaker = m
			case err != nil && !errors.Is(err, domain.ErrNotFound):
				return nil, nil, err
			}
			if speaker != nil {
				break
			}

			if err := s.rounds.UpdateSlotStatus(ctx, current.ID, schedModels.SlotSkipped); err != nil {
				return nil, nil, err
			}
			current.Status = schedModels.SlotSkipped
			round.CurrentPosition++
		}

		current := slotAt(slots, round.CurrentPosition)
		round.SchedulingState = schedModels.StateAIGenerating
		delete(round.Metadata, "paused_reason")
		delete(round.Metadata, "paused_by")
		if err := s.rounds.UpdateRound(ctx, round); err != nil {
			return nil, nil, err
		}
		if err := s.rounds.UpdateSlotStatus(ctx, current.ID, schedModels.SlotCurrent); err != nil {
			return nil, nil, err
		}
		current.Status = schedModels.SlotCurrent

		trigger := &schedModels.TriggerDebug{Source: "resume"}
		if _, err := s.enqueueRun(ctx, conv, round, current, runKindFor(speaker), 0, trigger, in.RequestedBy); err != nil {
			return nil, nil, err
		}

		revision, update, err := s.bumpAndSnapshot(ctx, conv, round, slots)
		if err != nil {
			return nil, nil, err
		}

		s.logger.Info("round resumed", "conversation_id", conv.ID, "round_id", round.ID, "position", round.CurrentPosition)
		return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil
	})
}

// RetryCurrentSpeaker re-runs the current slot after a failure (or from
// pause, for the user-facing retry affordance). Both identifiers must match
// the current slot exactly: stale clicks fall through as benign no-ops.
func (s *Service) RetryCurrentSpeaker(ctx context.Context, in *schedSvc.RetryInput) (*schedSvc.CommandResult, error) {
	if err := validation.ValidateStruct(in,
		validation.Field(&in.ConversationID, validation.Required),
		validation.Field(&in.RoundID, validation.Required),
		validation.Field(&in.SpeakerID, validation.Required),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	return s.withConversation(ctx, in.ConversationID, func(ctx context.Context, conv *schedModels.Conversation) (*schedSvc.CommandResult, *schedModels.QueueUpdate, error) {
		round, slots, benign, err := s.activeRound(ctx, conv.ID)
		if err != nil || benign != nil {
			return benign, nil, err
		}

		if round.ID != in.RoundID {
			return notApplied("round id does not match active round"), nil, nil
		}
		if round.SchedulingState != schedModels.StateFailed && round.SchedulingState != schedModels.StatePaused {
			return notApplied("round is not failed or paused"), nil, nil
		}

		current := slotAt(slots, round.CurrentPosition)
		if current == nil || current.SpaceMembershipID != in.SpeakerID {
			return notApplied("speaker does not match current slot"), nil, nil
		}
		if current.Status == schedModels.SlotSpoken {
			return notApplied("current slot already spoke"), nil, nil
		}

		if _, err := s.memberships.GetByID(ctx, current.SpaceMembershipID); err != nil {
			return nil, nil, err
		}

		if _, err := s.runs.CancelQueuedForRound(ctx, round.ID); err != nil {
			return nil, nil, err
		}

		round.SchedulingState = schedModels.StateAIGenerating
		delete(round.Metadata, "failure_error")
		delete(round.Metadata, "paused_reason")
		delete(round.Metadata, "paused_by")
		if err := s.rounds.UpdateRound(ctx, round); err != nil {
			return nil, nil, err
		}

		trigger := &schedModels.TriggerDebug{Source: "retry"}
		if _, err := s.enqueueRun(ctx, conv, round, current, schedModels.RunRegenerate, 0, trigger, in.RequestedBy); err != nil {
			return nil, nil, err
		}

		revision, update, err := s.bumpAndSnapshot(ctx, conv, round, slots)
		if err != nil {
			return nil, nil, err
		}

		s.logger.Info("speaker retried", "conversation_id", conv.ID, "round_id", round.ID, "speaker_id", in.SpeakerID)
		return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil
	})
}

// SkipHumanTurn skips the current slot after a waiting-for-human timeout and
// advances exactly like a successful turn.
func (s *Service) SkipHumanTurn(ctx context.Context, in *schedSvc.SkipHumanTurnInput) (*schedSvc.CommandResult, error) {
	if err := validation.ValidateStruct(in,
		validation.Field(&in.ConversationID, validation.Required),
		validation.Field(&in.RoundID, validation.Required),
		validation.Field(&in.MembershipID, validation.Required),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	return s.withConversation(ctx, in.ConversationID, func(ctx context.Context, conv *schedModels.Conversation) (*schedSvc.CommandResult, *schedModels.QueueUpdate, error) {
		round, slots, benign, err := s.activeRound(ctx, conv.ID)
		if err != nil || benign != nil {
			return benign, nil, err
		}

		if round.ID != in.RoundID {
			return notApplied("round id does not match active round"), nil, nil
		}
		current := slotAt(slots, round.CurrentPosition)
		if current == nil || current.SpaceMembershipID != in.MembershipID {
			return notApplied("membership does not match current slot"), nil, nil
		}
		if current.Status == schedModels.SlotSpoken {
			return notApplied("current slot already spoke"), nil, nil
		}

		if _, err := s.runs.CancelQueuedForRound(ctx, round.ID); err != nil {
			return nil, nil, err
		}

		// A skip from the failed state clears it; the next slot gets a
		// fresh run like any other advance.
		round.SchedulingState = schedModels.StateAIGenerating
		delete(round.Metadata, "failure_error")

		if err := s.rounds.UpdateSlotStatus(ctx, current.ID, schedModels.SlotSkipped); err != nil {
			return nil, nil, err
		}
		current.Status = schedModels.SlotSkipped

		next := slotAt(slots, round.CurrentPosition+1)
		if next == nil {
			if err := s.finishRound(ctx, round, slots, schedModels.EndedQueueExhausted); err != nil {
				return nil, nil, err
			}
		} else {
			round.CurrentPosition++
			if err := s.rounds.UpdateRound(ctx, round); err != nil {
				return nil, nil, err
			}
			if err := s.rounds.UpdateSlotStatus(ctx, next.ID, schedModels.SlotCurrent); err != nil {
				return nil, nil, err
			}
			next.Status = schedModels.SlotCurrent

			speaker, err := s.memberships.GetByID(ctx, next.SpaceMembershipID)
			if err != nil {
				return nil, nil, err
			}
			trigger := &schedModels.TriggerDebug{Source: "skip"}
			if _, err := s.enqueueRun(ctx, conv, round, next, runKindFor(speaker), 0, trigger, in.RequestedBy); err != nil {
				return nil, nil, err
			}
		}

		revision, update, err := s.bumpAndSnapshot(ctx, conv, round, slots)
		if err != nil {
			return nil, nil, err
		}

		s.logger.Info("human turn skipped", "conversation_id", conv.ID, "round_id", round.ID, "membership_id", in.MembershipID)
		return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil
	})
}

// StopRound cancels the round unconditionally and returns the conversation
// to idle. The UI gets the stopped signal immediately; a running run catches
// up cooperatively.
func (s *Service) StopRound(ctx context.Context, in *schedSvc.StopRoundInput) (*schedSvc.CommandResult, error) {
	if err := validation.ValidateStruct(in,
		validation.Field(&in.ConversationID, validation.Required),
	); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	return s.withConversation(ctx, in.ConversationID, func(ctx context.Context, conv *schedModels.Conversation) (*schedSvc.CommandResult, *schedModels.QueueUpdate, error) {
		round, slots, benign, err := s.activeRound(ctx, conv.ID)
		if err != nil || benign != nil {
			return benign, nil, err
		}

		if _, err := s.runs.CancelQueuedForRound(ctx, round.ID); err != nil {
			return nil, nil, err
		}
		if err := s.runs.RequestCancelRunning(ctx, round.ID); err != nil {
			return nil, nil, err
		}

		for _, slot := range slots {
			if slot.Status == schedModels.SlotPending || slot.Status == schedModels.SlotCurrent {
				if err := s.rounds.UpdateSlotStatus(ctx, slot.ID, schedModels.SlotSkipped); err != nil {
					return nil, nil, err
				}
				slot.Status = schedModels.SlotSkipped
			}
		}

		now := s.now()
		reason := schedModels.EndedStopped
		round.Status = schedModels.RoundCanceled
		round.EndedReason = &reason
		round.EndedAt = &now
		round.SetMeta("stopped_by", in.RequestedBy)
		if err := s.rounds.UpdateRound(ctx, round); err != nil {
			return nil, nil, err
		}

		revision, update, err := s.bumpAndSnapshot(ctx, conv, round, slots)
		if err != nil {
			return nil, nil, err
		}

		s.logger.Info("round stopped", "conversation_id", conv.ID, "round_id", round.ID, "stopped_by", in.RequestedBy)
		return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil
	})
}
