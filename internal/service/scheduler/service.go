package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/jasl/tavern-kit-sub011/internal/config"
	"github.com/jasl/tavern-kit-sub011/internal/domain"
	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
	"github.com/jasl/tavern-kit-sub011/internal/domain/repositories"
	schedRepo "github.com/jasl/tavern-kit-sub011/internal/domain/repositories/scheduling"
	schedSvc "github.com/jasl/tavern-kit-sub011/internal/domain/services/scheduling"
)

// Service implements the TurnScheduler interface: the locked command layer
// over rounds, queue slots and runs.
//
// Every mutation runs inside a transaction that starts by taking the
// conversation row lock, then re-checks its expected-state precondition
// before touching anything. The lock is held only across the short state
// transition, never across generation. Notifications are published after
// commit with the revision computed by the store.
type Service struct {
	conversations schedRepo.ConversationRepository
	memberships   schedRepo.MembershipRepository
	rounds        schedRepo.RoundRepository
	runs          schedRepo.RunRepository
	messages      schedRepo.MessageRepository
	txManager     repositories.TransactionManager
	notifier      schedSvc.NotificationGateway
	defaults      *config.SchedulingDefaults
	logger        *slog.Logger

	// Injected for deterministic tests
	now     func() time.Time
	newRand func() *rand.Rand
	newID   func() string
}

// NewService creates the turn scheduler command service
func NewService(
	conversations schedRepo.ConversationRepository,
	memberships schedRepo.MembershipRepository,
	rounds schedRepo.RoundRepository,
	runs schedRepo.RunRepository,
	messages schedRepo.MessageRepository,
	txManager repositories.TransactionManager,
	notifier schedSvc.NotificationGateway,
	defaults *config.SchedulingDefaults,
	logger *slog.Logger,
) *Service {
	return &Service{
		conversations: conversations,
		memberships:   memberships,
		rounds:        rounds,
		runs:          runs,
		messages:      messages,
		txManager:     txManager,
		notifier:      notifier,
		defaults:      defaults,
		logger:        logger,
		now:           time.Now,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
		newID: uuid.NewString,
	}
}

var _ schedSvc.TurnScheduler = (*Service)(nil)

// commandFn runs with the conversation lock held. It returns the command
// result plus an optional notification to publish after commit.
type commandFn func(ctx context.Context, conv *schedModels.Conversation) (*schedSvc.CommandResult, *schedModels.QueueUpdate, error)

// withConversation is the per-conversation critical section shared by every
// mutation command. Lock acquisition is bounded; a wedged holder surfaces as
// an error instead of blocking the caller forever.
func (s *Service) withConversation(ctx context.Context, conversationID string, fn commandFn) (*schedSvc.CommandResult, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.defaults.LockAcquireTimeout())
	defer cancel()

	var result *schedSvc.CommandResult
	var update *schedModels.QueueUpdate

	err := s.txManager.ExecTx(lockCtx, func(txCtx context.Context) error {
		conv, err := s.conversations.GetForUpdate(txCtx, conversationID)
		if err != nil {
			return err
		}

		result, update, err = fn(txCtx, conv)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Publish after commit so receivers never see a revision that rolls back.
	if update != nil {
		s.notifier.Publish(ctx, conversationID, update)
	}

	return result, nil
}

// notApplied is the benign-failure result for precondition mismatches.
// Expected under concurrency, not an error.
func notApplied(reason string) *schedSvc.CommandResult {
	return &schedSvc.CommandResult{Applied: false, Reason: reason}
}

// bumpAndSnapshot increments the revision counter and builds the
// notification payload for the new state.
func (s *Service) bumpAndSnapshot(ctx context.Context, conv *schedModels.Conversation, round *schedModels.Round, slots []*schedModels.RoundParticipant) (int64, *schedModels.QueueUpdate, error) {
	revision, err := s.conversations.BumpRevision(ctx, conv.ID)
	if err != nil {
		return 0, nil, err
	}

	update, err := s.buildUpdate(ctx, conv, revision, round, slots)
	if err != nil {
		return 0, nil, err
	}
	return revision, update, nil
}

// buildUpdate projects round state into the queue_updated payload.
func (s *Service) buildUpdate(ctx context.Context, conv *schedModels.Conversation, revision int64, round *schedModels.Round, slots []*schedModels.RoundParticipant) (*schedModels.QueueUpdate, error) {
	update := &schedModels.QueueUpdate{
		Type:            "queue_updated",
		ConversationID:  conv.ID,
		Revision:        revision,
		SchedulingState: schedModels.StateIdle,
	}

	if round == nil || round.Terminal() {
		if round != nil && round.EndedReason != nil {
			update.EndedReason = string(*round.EndedReason)
		}
		return update, nil
	}

	names, err := s.displayNames(ctx, conv.SpaceID)
	if err != nil {
		return nil, err
	}

	update.SchedulingState = round.SchedulingState
	update.RoundID = round.ID
	update.PausedReason = round.MetaString("paused_reason")

	for _, slot := range slots {
		preview := schedModels.SpeakerPreview{
			SlotID:            slot.ID,
			SpaceMembershipID: slot.SpaceMembershipID,
			DisplayName:       names[slot.SpaceMembershipID],
			Position:          slot.Position,
			Status:            slot.Status,
		}
		switch {
		case slot.Position == round.CurrentPosition:
			p := preview
			update.CurrentSpeaker = &p
		case slot.Position > round.CurrentPosition && slot.Status == schedModels.SlotPending:
			update.Upcoming = append(update.Upcoming, preview)
		}
	}

	return update, nil
}

func (s *Service) displayNames(ctx context.Context, spaceID string) (map[string]string, error) {
	members, err := s.memberships.ListBySpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(members))
	for _, m := range members {
		names[m.ID] = m.DisplayName
	}
	return names, nil
}

// Snapshot builds the current queue view without mutating anything.
func (s *Service) Snapshot(ctx context.Context, conversationID string) (*schedModels.QueueUpdate, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	round, slots, err := s.rounds.GetActive(ctx, conversationID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	return s.buildUpdate(ctx, conv, conv.GroupQueueRevision, round, slots)
}

// slotAt returns the slot occupying a position, or nil.
func slotAt(slots []*schedModels.RoundParticipant, position int) *schedModels.RoundParticipant {
	for _, slot := range slots {
		if slot.Position == position {
			return slot
		}
	}
	return nil
}

// slotByID returns the slot with the given row identity, or nil.
func slotByID(slots []*schedModels.RoundParticipant, id string) *schedModels.RoundParticipant {
	for _, slot := range slots {
		if slot.ID == id {
			return slot
		}
	}
	return nil
}
