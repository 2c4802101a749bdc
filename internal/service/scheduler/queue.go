package scheduler

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/jasl/tavern-kit-sub011/internal/domain"
	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
	schedSvc "github.com/jasl/tavern-kit-sub011/internal/domain/services/scheduling"
)

// AppendSpeaker adds a trailing pending slot to the active round. The same
// participant may hold several slots in one round.
func (s *Service) AppendSpeaker(ctx context.Context, in *schedSvc.AppendSpeakerInput) (*schedSvc.CommandResult, error) {
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

		member, err := s.memberships.GetByID(ctx, in.MembershipID)
		if err != nil {
			return nil, nil, err
		}
		if member.SpaceID != conv.SpaceID {
			return nil, nil, &domain.ValidationError{Message: "membership belongs to a different space"}
		}
		if !member.CanBeScheduled() {
			return notApplied("participant cannot be scheduled"), nil, nil
		}

		slot := &schedModels.RoundParticipant{
			ID:                s.newID(),
			RoundID:           round.ID,
			SpaceMembershipID: member.ID,
			Position:          len(slots),
			Status:            schedModels.SlotPending,
		}
		if err := s.rounds.AppendSlot(ctx, slot); err != nil {
			return nil, nil, err
		}
		slots = append(slots, slot)

		revision, update, err := s.bumpAndSnapshot(ctx, conv, round, slots)
		if err != nil {
			return nil, nil, err
		}

		s.logger.Info("speaker appended", "conversation_id", conv.ID, "round_id", round.ID, "membership_id", member.ID, "position", slot.Position)
		return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil
	})
}

// ReorderPending rewrites the order of the movable slots. Spoken and skipped
// slots keep their positions; the current slot is movable only while the
// round is paused, so an in-flight generation never changes speaker under
// the executor. Orders that leave a pending slot before the current slot are
// rejected, because the position pointer never moves backward.
func (s *Service) ReorderPending(ctx context.Context, in *schedSvc.ReorderInput) (*schedSvc.CommandResult, error) {
	if err := validation.ValidateStruct(in,
		validation.Field(&in.ConversationID, validation.Required),
		validation.Field(&in.RoundID, validation.Required),
		validation.Field(&in.OrderedSlotIDs, validation.Required),
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

		currentMovable := round.SchedulingState == schedModels.StatePaused

		movable := make(map[string]*schedModels.RoundParticipant)
		for _, slot := range slots {
			switch slot.Status {
			case schedModels.SlotPending:
				movable[slot.ID] = slot
			case schedModels.SlotCurrent:
				if currentMovable {
					movable[slot.ID] = slot
				}
			}
		}

		// The client's list must be an exact permutation of the movable set.
		// A mismatch means it was built from stale state.
		if len(in.OrderedSlotIDs) != len(movable) {
			return notApplied("slot list does not match movable slots"), nil, nil
		}
		seen := make(map[string]bool, len(in.OrderedSlotIDs))
		for _, id := range in.OrderedSlotIDs {
			if _, ok := movable[id]; !ok || seen[id] {
				if other := slotByID(slots, id); other != nil && other.Status == schedModels.SlotCurrent {
					return notApplied("current slot cannot move while generating"), nil, nil
				}
				return notApplied("slot list does not match movable slots"), nil, nil
			}
			seen[id] = true
		}

		// Final order: non-movable slots keep their relative order; movable
		// slots fill the remaining positions in the given order.
		ordered := make([]string, 0, len(slots))
		next := 0
		for _, slot := range slots {
			if _, ok := movable[slot.ID]; ok {
				ordered = append(ordered, in.OrderedSlotIDs[next])
				next++
			} else {
				ordered = append(ordered, slot.ID)
			}
		}

		// The position pointer only moves forward, so a pending slot placed
		// before the current slot would never get a turn.
		currentIdx, firstPendingIdx := -1, -1
		for i, id := range ordered {
			switch slotByID(slots, id).Status {
			case schedModels.SlotCurrent:
				currentIdx = i
			case schedModels.SlotPending:
				if firstPendingIdx == -1 {
					firstPendingIdx = i
				}
			}
		}
		if currentIdx >= 0 && firstPendingIdx >= 0 && firstPendingIdx < currentIdx {
			return notApplied("pending slots cannot be placed before the current slot"), nil, nil
		}

		if err := s.rounds.ReindexSlots(ctx, round.ID, ordered); err != nil {
			return nil, nil, err
		}

		reordered := make([]*schedModels.RoundParticipant, len(ordered))
		for i, id := range ordered {
			slot := slotByID(slots, id)
			slot.Position = i
			reordered[i] = slot
			if slot.Status == schedModels.SlotCurrent {
				round.CurrentPosition = i
			}
		}
		if currentMovable {
			if err := s.rounds.UpdateRound(ctx, round); err != nil {
				return nil, nil, err
			}
		}

		revision, update, err := s.bumpAndSnapshot(ctx, conv, round, reordered)
		if err != nil {
			return nil, nil, err
		}

		s.logger.Info("queue reordered", "conversation_id", conv.ID, "round_id", round.ID, "movable", len(in.OrderedSlotIDs))
		return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil
	})
}

// RemovePending deletes one slot by row identity. Pending slots can always
// go; the current slot only while paused, in which case the next pending
// slot is promoted (Resume schedules its run). Removing the last removable
// slot finishes the round.
func (s *Service) RemovePending(ctx context.Context, in *schedSvc.RemoveSlotInput) (*schedSvc.CommandResult, error) {
	if err := validation.ValidateStruct(in,
		validation.Field(&in.ConversationID, validation.Required),
		validation.Field(&in.RoundID, validation.Required),
		validation.Field(&in.SlotID, validation.Required),
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

		target := slotByID(slots, in.SlotID)
		if target == nil {
			return notApplied("slot not found in round"), nil, nil
		}

		removingCurrent := false
		switch target.Status {
		case schedModels.SlotPending:
		case schedModels.SlotCurrent:
			if round.SchedulingState != schedModels.StatePaused {
				return notApplied("current slot cannot be removed while generating"), nil, nil
			}
			removingCurrent = true
		default:
			return notApplied("slot already settled"), nil, nil
		}

		if err := s.rounds.DeleteSlot(ctx, target.ID); err != nil {
			return nil, nil, err
		}

		remaining := make([]*schedModels.RoundParticipant, 0, len(slots)-1)
		ordered := make([]string, 0, len(slots)-1)
		for _, slot := range slots {
			if slot.ID == target.ID {
				continue
			}
			remaining = append(remaining, slot)
			ordered = append(ordered, slot.ID)
		}
		if err := s.rounds.ReindexSlots(ctx, round.ID, ordered); err != nil {
			return nil, nil, err
		}
		for i, slot := range remaining {
			slot.Position = i
		}

		if removingCurrent {
			// Promote the next unsettled slot; Resume schedules its run.
			promoted := false
			for _, slot := range remaining {
				if slot.Position >= target.Position && slot.Status == schedModels.SlotPending {
					if err := s.rounds.UpdateSlotStatus(ctx, slot.ID, schedModels.SlotCurrent); err != nil {
						return nil, nil, err
					}
					slot.Status = schedModels.SlotCurrent
					round.CurrentPosition = slot.Position
					promoted = true
					break
				}
			}
			if !promoted {
				if err := s.finishRound(ctx, round, remaining, schedModels.EndedQueueEmptied); err != nil {
					return nil, nil, err
				}
			} else if err := s.rounds.UpdateRound(ctx, round); err != nil {
				return nil, nil, err
			}
		} else {
			// Keep the pointer on the same slot after reindexing.
			for _, slot := range remaining {
				if slot.Status == schedModels.SlotCurrent {
					round.CurrentPosition = slot.Position
				}
			}
			if err := s.rounds.UpdateRound(ctx, round); err != nil {
				return nil, nil, err
			}
		}

		revision, update, err := s.bumpAndSnapshot(ctx, conv, round, remaining)
		if err != nil {
			return nil, nil, err
		}

		s.logger.Info("slot removed", "conversation_id", conv.ID, "round_id", round.ID, "slot_id", in.SlotID)
		return &schedSvc.CommandResult{Applied: true, Revision: revision, RoundID: round.ID}, update, nil
	})
}
