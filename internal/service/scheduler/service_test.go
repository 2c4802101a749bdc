package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jasl/tavern-kit-sub011/internal/config"
	"github.com/jasl/tavern-kit-sub011/internal/domain"
	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
	"github.com/jasl/tavern-kit-sub011/internal/domain/repositories"
	schedSvc "github.com/jasl/tavern-kit-sub011/internal/domain/services/scheduling"
)

// fakeStore is the shared in-memory backing for the repository fakes. lock
// stands in for the conversation row lock: GetForUpdate acquires it and the
// fake transaction manager releases it when the transaction ends, so
// concurrent commands serialize exactly like they do against Postgres.
type fakeStore struct {
	lock sync.Mutex

	conv     *schedModels.Conversation
	members  []*schedModels.SpaceMembership
	rounds   map[string]*schedModels.Round
	slots    map[string][]*schedModels.RoundParticipant
	runs     map[string]*schedModels.Run
	runOrder []string
	messages []*schedModels.Message
}

func newFakeStore(conv *schedModels.Conversation, members ...*schedModels.SpaceMembership) *fakeStore {
	return &fakeStore{
		conv:    conv,
		members: members,
		rounds:  make(map[string]*schedModels.Round),
		slots:   make(map[string][]*schedModels.RoundParticipant),
		runs:    make(map[string]*schedModels.Run),
	}
}

func (s *fakeStore) sortedSlots(roundID string) []*schedModels.RoundParticipant {
	slots := append([]*schedModels.RoundParticipant(nil), s.slots[roundID]...)
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Position < slots[j].Position })
	return slots
}

type fakeConversations struct{ s *fakeStore }

func (f *fakeConversations) GetByID(_ context.Context, id string) (*schedModels.Conversation, error) {
	if f.s.conv == nil || f.s.conv.ID != id {
		return nil, domain.ErrNotFound
	}
	return f.s.conv, nil
}

func (f *fakeConversations) GetForUpdate(ctx context.Context, id string) (*schedModels.Conversation, error) {
	f.s.lock.Lock()
	if st, ok := ctx.Value(txStateKey{}).(*txState); ok {
		st.rowLocked = true
	} else {
		f.s.lock.Unlock()
	}
	return f.GetByID(ctx, id)
}

func (f *fakeConversations) BumpRevision(_ context.Context, id string) (int64, error) {
	if f.s.conv == nil || f.s.conv.ID != id {
		return 0, domain.ErrNotFound
	}
	f.s.conv.GroupQueueRevision++
	return f.s.conv.GroupQueueRevision, nil
}

func (f *fakeConversations) SetAutoRemainingSteps(_ context.Context, id string, steps int) error {
	if f.s.conv == nil || f.s.conv.ID != id {
		return domain.ErrNotFound
	}
	f.s.conv.AutoRemainingSteps = steps
	return nil
}

type fakeMemberships struct{ s *fakeStore }

func (f *fakeMemberships) ListBySpace(_ context.Context, spaceID string) ([]*schedModels.SpaceMembership, error) {
	var out []*schedModels.SpaceMembership
	for _, m := range f.s.members {
		if m.SpaceID == spaceID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMemberships) GetByID(_ context.Context, id string) (*schedModels.SpaceMembership, error) {
	for _, m := range f.s.members {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, domain.ErrNotFound
}

type fakeRounds struct{ s *fakeStore }

func (f *fakeRounds) CreateWithSlots(_ context.Context, round *schedModels.Round, slots []*schedModels.RoundParticipant) error {
	f.s.rounds[round.ID] = round
	f.s.slots[round.ID] = append([]*schedModels.RoundParticipant(nil), slots...)
	return nil
}

func (f *fakeRounds) GetActive(_ context.Context, conversationID string) (*schedModels.Round, []*schedModels.RoundParticipant, error) {
	for _, r := range f.s.rounds {
		if r.ConversationID == conversationID && r.Status == schedModels.RoundActive {
			return r, f.s.sortedSlots(r.ID), nil
		}
	}
	return nil, nil, domain.ErrNotFound
}

func (f *fakeRounds) GetByID(_ context.Context, roundID string) (*schedModels.Round, []*schedModels.RoundParticipant, error) {
	r, ok := f.s.rounds[roundID]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	return r, f.s.sortedSlots(roundID), nil
}

func (f *fakeRounds) UpdateRound(_ context.Context, round *schedModels.Round) error {
	f.s.rounds[round.ID] = round
	return nil
}

func (f *fakeRounds) UpdateSlotStatus(_ context.Context, slotID string, status schedModels.SlotStatus) error {
	for _, slots := range f.s.slots {
		for _, slot := range slots {
			if slot.ID == slotID {
				slot.Status = status
				return nil
			}
		}
	}
	return domain.ErrNotFound
}

func (f *fakeRounds) AppendSlot(_ context.Context, slot *schedModels.RoundParticipant) error {
	f.s.slots[slot.RoundID] = append(f.s.slots[slot.RoundID], slot)
	return nil
}

func (f *fakeRounds) DeleteSlot(_ context.Context, slotID string) error {
	for roundID, slots := range f.s.slots {
		for i, slot := range slots {
			if slot.ID == slotID {
				f.s.slots[roundID] = append(slots[:i], slots[i+1:]...)
				return nil
			}
		}
	}
	return domain.ErrNotFound
}

func (f *fakeRounds) ReindexSlots(_ context.Context, roundID string, orderedSlotIDs []string) error {
	byID := make(map[string]*schedModels.RoundParticipant)
	for _, slot := range f.s.slots[roundID] {
		byID[slot.ID] = slot
	}
	for i, id := range orderedSlotIDs {
		slot, ok := byID[id]
		if !ok {
			return fmt.Errorf("slot %s not in round", id)
		}
		slot.Position = i
	}
	return nil
}

type fakeRuns struct{ s *fakeStore }

func (f *fakeRuns) Create(_ context.Context, run *schedModels.Run) error {
	f.s.runs[run.ID] = run
	f.s.runOrder = append(f.s.runOrder, run.ID)
	return nil
}

func (f *fakeRuns) GetByID(_ context.Context, id string) (*schedModels.Run, error) {
	run, ok := f.s.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return run, nil
}

func (f *fakeRuns) CancelQueuedForRound(_ context.Context, roundID string) (int, error) {
	count := 0
	for _, run := range f.s.runs {
		if run.RoundID != nil && *run.RoundID == roundID && run.Status == schedModels.RunQueued {
			run.Status = schedModels.RunCanceled
			count++
		}
	}
	return count, nil
}

func (f *fakeRuns) RequestCancelRunning(_ context.Context, roundID string) error {
	now := time.Now()
	for _, run := range f.s.runs {
		if run.RoundID != nil && *run.RoundID == roundID && run.Status == schedModels.RunRunning {
			run.CancelRequestedAt = &now
		}
	}
	return nil
}

func (f *fakeRuns) CountLive(_ context.Context, conversationID string) (int, error) {
	count := 0
	for _, run := range f.s.runs {
		if run.ConversationID == conversationID && run.Live() {
			count++
		}
	}
	return count, nil
}

func (f *fakeRuns) ClaimNextQueued(_ context.Context, now time.Time) (*schedModels.Run, error) {
	for _, id := range f.s.runOrder {
		run := f.s.runs[id]
		if run.Status == schedModels.RunQueued && !run.RunAfter.After(now) {
			run.Status = schedModels.RunRunning
			return run, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRuns) CancelRequested(_ context.Context, id string) (bool, error) {
	run, ok := f.s.runs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	return run.CancelRequestedAt != nil, nil
}

func (f *fakeRuns) MarkSucceeded(_ context.Context, id string) (bool, error) {
	return f.complete(id, schedModels.RunSucceeded)
}

func (f *fakeRuns) MarkFailed(_ context.Context, id string, errMsg string, failure *schedModels.FailureDebug) (bool, error) {
	run, ok := f.s.runs[id]
	if ok && run.Status == schedModels.RunRunning {
		run.Error = &errMsg
		run.Debug.Failure = failure
	}
	return f.complete(id, schedModels.RunFailed)
}

func (f *fakeRuns) MarkCanceled(_ context.Context, id string) (bool, error) {
	run, ok := f.s.runs[id]
	if ok && run.Status == schedModels.RunQueued {
		run.Status = schedModels.RunCanceled
		return true, nil
	}
	return f.complete(id, schedModels.RunCanceled)
}

func (f *fakeRuns) complete(id string, status schedModels.RunStatus) (bool, error) {
	run, ok := f.s.runs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if run.Status != schedModels.RunRunning {
		return false, nil
	}
	run.Status = status
	return true, nil
}

type fakeMessages struct{ s *fakeStore }

func (f *fakeMessages) Append(_ context.Context, msg *schedModels.Message) error {
	f.s.messages = append(f.s.messages, msg)
	return nil
}

func (f *fakeMessages) GetByID(_ context.Context, id string) (*schedModels.Message, error) {
	for _, m := range f.s.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeMessages) Last(_ context.Context, conversationID string) (*schedModels.Message, error) {
	for i := len(f.s.messages) - 1; i >= 0; i-- {
		if f.s.messages[i].ConversationID == conversationID {
			return f.s.messages[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeMessages) LastRealUserMessage(_ context.Context, conversationID string) (*schedModels.Message, error) {
	for i := len(f.s.messages) - 1; i >= 0; i-- {
		m := f.s.messages[i]
		if m.ConversationID == conversationID && m.IsRealUserInput() {
			return m, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeMessages) SpeakersSince(_ context.Context, conversationID string, sinceMessageID *string) ([]string, error) {
	var out []string
	collecting := sinceMessageID == nil
	for _, m := range f.s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if collecting && m.AuthorMembershipID != nil {
			out = append(out, *m.AuthorMembershipID)
		}
		if sinceMessageID != nil && m.ID == *sinceMessageID {
			collecting = true
		}
	}
	return out, nil
}

func (f *fakeMessages) Recent(_ context.Context, conversationID string, limit int) ([]*schedModels.Message, error) {
	var out []*schedModels.Message
	for _, m := range f.s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// txState tracks whether the conversation row lock was taken inside the fake
// transaction, mirroring how the real lock is held until commit.
type txState struct {
	rowLocked bool
}

type txStateKey struct{}

type fakeTxManager struct{ s *fakeStore }

func (m fakeTxManager) ExecTx(ctx context.Context, fn repositories.TxFn) error {
	st := &txState{}
	err := fn(context.WithValue(ctx, txStateKey{}, st))
	if st.rowLocked {
		m.s.lock.Unlock()
	}
	return err
}

type recorderNotifier struct {
	mu      sync.Mutex
	updates []*schedModels.QueueUpdate
}

func (r *recorderNotifier) Publish(_ context.Context, _ string, update *schedModels.QueueUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *recorderNotifier) last(t *testing.T) *schedModels.QueueUpdate {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		t.Fatal("no notifications published")
	}
	return r.updates[len(r.updates)-1]
}

func (r *recorderNotifier) revisions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Revision
	}
	return out
}

func testDefaults() *config.SchedulingDefaults {
	d := &config.SchedulingDefaults{
		Strategies: map[string]config.StrategyDefaults{
			"list":    {FirstRunDelayMS: 400, TurnDelayMS: 800},
			"natural": {FirstRunDelayMS: 400, TurnDelayMS: 600},
			"pooled":  {FirstRunDelayMS: 400},
		},
	}
	d.AutoRounds.MaxSteps = 5
	d.Lock.AcquireTimeoutMS = 1000
	return d
}

type testEnv struct {
	svc      *Service
	store    *fakeStore
	notifier *recorderNotifier
	now      time.Time
}

func newTestEnv(t *testing.T, conv *schedModels.Conversation, members ...*schedModels.SpaceMembership) *testEnv {
	t.Helper()

	store := newFakeStore(conv, members...)
	notifier := &recorderNotifier{}

	svc := NewService(
		&fakeConversations{store},
		&fakeMemberships{store},
		&fakeRounds{store},
		&fakeRuns{store},
		&fakeMessages{store},
		fakeTxManager{store},
		notifier,
		testDefaults(),
		slog.New(slog.DiscardHandler),
	)

	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	svc.newRand = func() *rand.Rand { return rand.New(rand.NewSource(42)) }

	seq := 0
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}

	return &testEnv{svc: svc, store: store, notifier: notifier, now: now}
}

func schedulable(id, name string, position int) *schedModels.SpaceMembership {
	m := member(id, name, position, 0.5)
	return m
}

func listConversation() *schedModels.Conversation {
	return &schedModels.Conversation{
		ID:         "conv-1",
		SpaceID:    "space-1",
		ReplyOrder: schedModels.ReplyOrderList,
	}
}

func (e *testEnv) startRound(t *testing.T) *schedSvc.CommandResult {
	t.Helper()
	result, err := e.svc.StartRound(context.Background(), &schedSvc.StartRoundInput{
		ConversationID: "conv-1",
		IsUserInput:    true,
		RequestedBy:    "user-1",
	})
	if err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if !result.Applied {
		t.Fatalf("StartRound not applied: %s", result.Reason)
	}
	return result
}

func (e *testEnv) queuedRun(t *testing.T) *schedModels.Run {
	t.Helper()
	for i := len(e.store.runOrder) - 1; i >= 0; i-- {
		run := e.store.runs[e.store.runOrder[i]]
		if run.Status == schedModels.RunQueued {
			return run
		}
	}
	t.Fatal("no queued run")
	return nil
}

func (e *testEnv) reportOutcome(t *testing.T, runID string, outcome schedModels.RunOutcome, errMsg string) *schedSvc.CommandResult {
	t.Helper()
	// Claim like the executor would before settling
	if run := e.store.runs[runID]; run.Status == schedModels.RunQueued {
		run.Status = schedModels.RunRunning
	}
	if run := e.store.runs[runID]; run.Live() {
		switch outcome {
		case schedModels.OutcomeSucceeded:
			run.Status = schedModels.RunSucceeded
		case schedModels.OutcomeFailed:
			run.Status = schedModels.RunFailed
		default:
			run.Status = schedModels.RunCanceled
		}
	}
	result, err := e.svc.ReportRunOutcome(context.Background(), &schedSvc.ReportRunOutcomeInput{
		RunID:   runID,
		Outcome: outcome,
		Error:   errMsg,
	})
	if err != nil {
		t.Fatalf("ReportRunOutcome: %v", err)
	}
	return result
}

func TestStartRoundListQueue(t *testing.T) {
	env := newTestEnv(t, listConversation(),
		schedulable("a", "Alice", 0),
		schedulable("b", "Bob", 1),
		member("muted", "Mallory", 2, 0.5),
	)
	env.store.members[2].Participation = schedModels.ParticipationMuted

	result := env.startRound(t)

	if result.Revision != 1 {
		t.Errorf("expected revision 1, got %d", result.Revision)
	}

	round, slots, err := env.svc.rounds.GetActive(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if round.SchedulingState != schedModels.StateAIGenerating {
		t.Errorf("expected ai_generating, got %s", round.SchedulingState)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if slots[0].SpaceMembershipID != "a" || slots[0].Status != schedModels.SlotCurrent {
		t.Errorf("slot 0: got %s/%s", slots[0].SpaceMembershipID, slots[0].Status)
	}
	if slots[1].SpaceMembershipID != "b" || slots[1].Status != schedModels.SlotPending {
		t.Errorf("slot 1: got %s/%s", slots[1].SpaceMembershipID, slots[1].Status)
	}

	run := env.queuedRun(t)
	if run.SpeakerID != "a" {
		t.Errorf("run speaker: got %s", run.SpeakerID)
	}
	if run.Kind != schedModels.RunAutoResponse {
		t.Errorf("run kind: got %s", run.Kind)
	}
	if want := env.now.Add(400 * time.Millisecond); !run.RunAfter.Equal(want) {
		t.Errorf("run_after: expected %v, got %v", want, run.RunAfter)
	}

	update := env.notifier.last(t)
	if update.Revision != 1 || update.CurrentSpeaker == nil || update.CurrentSpeaker.SpaceMembershipID != "a" {
		t.Errorf("unexpected update: %+v", update)
	}
	if len(update.Upcoming) != 1 || update.Upcoming[0].SpaceMembershipID != "b" {
		t.Errorf("unexpected upcoming: %+v", update.Upcoming)
	}
}

func TestStartRoundAlreadyActive(t *testing.T) {
	env := newTestEnv(t, listConversation(), schedulable("a", "Alice", 0))
	env.startRound(t)

	published := len(env.notifier.updates)
	result, err := env.svc.StartRound(context.Background(), &schedSvc.StartRoundInput{
		ConversationID: "conv-1",
		IsUserInput:    true,
	})
	if err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if result.Applied {
		t.Fatal("second start should not apply")
	}
	if env.store.conv.GroupQueueRevision != 1 {
		t.Errorf("revision bumped on no-op: %d", env.store.conv.GroupQueueRevision)
	}
	if len(env.notifier.updates) != published {
		t.Error("notification published for no-op")
	}
}

func TestStartRoundManualUserInput(t *testing.T) {
	conv := listConversation()
	conv.ReplyOrder = schedModels.ReplyOrderManual
	env := newTestEnv(t, conv, schedulable("a", "Alice", 0))

	result, err := env.svc.StartRound(context.Background(), &schedSvc.StartRoundInput{
		ConversationID: "conv-1",
		IsUserInput:    true,
	})
	if err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if result.Applied {
		t.Fatal("manual strategy must not auto-respond to user input")
	}
}

func TestRunSuccessAdvancesQueue(t *testing.T) {
	env := newTestEnv(t, listConversation(),
		schedulable("a", "Alice", 0),
		schedulable("b", "Bob", 1),
	)
	env.startRound(t)
	first := env.queuedRun(t)

	result := env.reportOutcome(t, first.ID, schedModels.OutcomeSucceeded, "")
	if !result.Applied {
		t.Fatalf("advance not applied: %s", result.Reason)
	}

	round, slots, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")
	if round.CurrentPosition != 1 {
		t.Errorf("expected position 1, got %d", round.CurrentPosition)
	}
	if slots[0].Status != schedModels.SlotSpoken {
		t.Errorf("slot 0 should be spoken, got %s", slots[0].Status)
	}
	if slots[1].Status != schedModels.SlotCurrent {
		t.Errorf("slot 1 should be current, got %s", slots[1].Status)
	}

	next := env.queuedRun(t)
	if next.SpeakerID != "b" {
		t.Errorf("next run speaker: got %s", next.SpeakerID)
	}
	if want := env.now.Add(800 * time.Millisecond); !next.RunAfter.Equal(want) {
		t.Errorf("turn delay: expected %v, got %v", want, next.RunAfter)
	}

	// Exhaust the queue
	result = env.reportOutcome(t, next.ID, schedModels.OutcomeSucceeded, "")
	if !result.Applied {
		t.Fatalf("final advance not applied: %s", result.Reason)
	}
	if _, _, err := env.svc.rounds.GetActive(context.Background(), "conv-1"); err == nil {
		t.Fatal("round should be finished")
	}

	finished := env.store.rounds[round.ID]
	if finished.Status != schedModels.RoundFinished {
		t.Errorf("expected finished, got %s", finished.Status)
	}
	if finished.EndedReason == nil || *finished.EndedReason != schedModels.EndedQueueExhausted {
		t.Errorf("unexpected ended reason: %v", finished.EndedReason)
	}

	update := env.notifier.last(t)
	if update.SchedulingState != schedModels.StateIdle {
		t.Errorf("expected idle update, got %s", update.SchedulingState)
	}
	if update.EndedReason != string(schedModels.EndedQueueExhausted) {
		t.Errorf("unexpected ended reason on update: %s", update.EndedReason)
	}
}

func TestRunFailureFreezesRound(t *testing.T) {
	env := newTestEnv(t, listConversation(),
		schedulable("a", "Alice", 0),
		schedulable("b", "Bob", 1),
	)
	env.startRound(t)
	run := env.queuedRun(t)

	result := env.reportOutcome(t, run.ID, schedModels.OutcomeFailed, "provider exploded")
	if !result.Applied {
		t.Fatalf("failure report not applied: %s", result.Reason)
	}

	round, slots, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")
	if round.SchedulingState != schedModels.StateFailed {
		t.Fatalf("expected failed, got %s", round.SchedulingState)
	}
	if round.MetaString("failure_error") != "provider exploded" {
		t.Errorf("failure metadata missing: %v", round.Metadata)
	}
	if slots[0].Status != schedModels.SlotCurrent {
		t.Errorf("current slot should stay current, got %s", slots[0].Status)
	}
}

func TestRetryAfterFailure(t *testing.T) {
	env := newTestEnv(t, listConversation(),
		schedulable("a", "Alice", 0),
		schedulable("b", "Bob", 1),
	)
	env.startRound(t)
	run := env.queuedRun(t)
	env.reportOutcome(t, run.ID, schedModels.OutcomeFailed, "boom")

	round, _, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")

	t.Run("stale speaker is a no-op", func(t *testing.T) {
		result, err := env.svc.RetryCurrentSpeaker(context.Background(), &schedSvc.RetryInput{
			ConversationID: "conv-1",
			RoundID:        round.ID,
			SpeakerID:      "b",
		})
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if result.Applied {
			t.Fatal("retry with wrong speaker should not apply")
		}
	})

	t.Run("exact match re-runs the slot", func(t *testing.T) {
		result, err := env.svc.RetryCurrentSpeaker(context.Background(), &schedSvc.RetryInput{
			ConversationID: "conv-1",
			RoundID:        round.ID,
			SpeakerID:      "a",
		})
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if !result.Applied {
			t.Fatalf("retry not applied: %s", result.Reason)
		}

		if round.SchedulingState != schedModels.StateAIGenerating {
			t.Errorf("expected ai_generating, got %s", round.SchedulingState)
		}
		if round.MetaString("failure_error") != "" {
			t.Error("failure metadata should be cleared")
		}

		retry := env.queuedRun(t)
		if retry.Kind != schedModels.RunRegenerate {
			t.Errorf("expected regenerate kind, got %s", retry.Kind)
		}
		if retry.SpeakerID != "a" {
			t.Errorf("retry speaker: got %s", retry.SpeakerID)
		}
		if !retry.RunAfter.Equal(env.now) {
			t.Errorf("retry should not be delayed, run_after %v", retry.RunAfter)
		}
	})
}

func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t, listConversation(),
		schedulable("a", "Alice", 0),
		schedulable("b", "Bob", 1),
	)
	env.startRound(t)
	queued := env.queuedRun(t)

	result, err := env.svc.PauseRound(context.Background(), &schedSvc.PauseRoundInput{
		ConversationID: "conv-1",
		Reason:         "coffee break",
		RequestedBy:    "user-1",
	})
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !result.Applied {
		t.Fatalf("pause not applied: %s", result.Reason)
	}

	if queued.Status != schedModels.RunCanceled {
		t.Errorf("queued run should be canceled, got %s", queued.Status)
	}

	round, _, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")
	if round.SchedulingState != schedModels.StatePaused {
		t.Fatalf("expected paused, got %s", round.SchedulingState)
	}
	if update := env.notifier.last(t); update.PausedReason != "coffee break" {
		t.Errorf("paused reason not carried on update: %q", update.PausedReason)
	}

	t.Run("pause is idempotent without a bump", func(t *testing.T) {
		before := env.store.conv.GroupQueueRevision
		result, err := env.svc.PauseRound(context.Background(), &schedSvc.PauseRoundInput{
			ConversationID: "conv-1",
		})
		if err != nil {
			t.Fatalf("Pause: %v", err)
		}
		if !result.Applied {
			t.Fatal("repeat pause should succeed")
		}
		if env.store.conv.GroupQueueRevision != before {
			t.Error("repeat pause must not bump the revision")
		}
	})

	t.Run("resume schedules the current slot immediately", func(t *testing.T) {
		result, err := env.svc.ResumeRound(context.Background(), &schedSvc.ResumeRoundInput{
			ConversationID: "conv-1",
		})
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
		if !result.Applied {
			t.Fatalf("resume not applied: %s", result.Reason)
		}

		if round.SchedulingState != schedModels.StateAIGenerating {
			t.Errorf("expected ai_generating, got %s", round.SchedulingState)
		}
		if round.MetaString("paused_reason") != "" {
			t.Error("paused metadata should be cleared")
		}

		run := env.queuedRun(t)
		if run.SpeakerID != "a" {
			t.Errorf("resumed run speaker: got %s", run.SpeakerID)
		}
		if !run.RunAfter.Equal(env.now) {
			t.Errorf("resume must not delay the run, run_after %v", run.RunAfter)
		}
	})
}

func TestResumeSkipsUnschedulableSlots(t *testing.T) {
	env := newTestEnv(t, listConversation(),
		schedulable("a", "Alice", 0),
		schedulable("b", "Bob", 1),
	)
	env.startRound(t)

	if _, err := env.svc.PauseRound(context.Background(), &schedSvc.PauseRoundInput{ConversationID: "conv-1"}); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// Alice gets muted while the round sits paused
	env.store.members[0].Participation = schedModels.ParticipationMuted

	result, err := env.svc.ResumeRound(context.Background(), &schedSvc.ResumeRoundInput{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !result.Applied {
		t.Fatalf("resume not applied: %s", result.Reason)
	}

	round, slots, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")
	if slots[0].Status != schedModels.SlotSkipped {
		t.Errorf("muted slot should be skipped, got %s", slots[0].Status)
	}
	if round.CurrentPosition != 1 || slots[1].Status != schedModels.SlotCurrent {
		t.Errorf("expected pointer on slot 1, got position %d status %s", round.CurrentPosition, slots[1].Status)
	}
	if run := env.queuedRun(t); run.SpeakerID != "b" {
		t.Errorf("resumed run speaker: got %s", run.SpeakerID)
	}
}

func TestStopRound(t *testing.T) {
	env := newTestEnv(t, listConversation(),
		schedulable("a", "Alice", 0),
		schedulable("b", "Bob", 1),
	)
	env.startRound(t)
	queued := env.queuedRun(t)
	roundID := *queued.RoundID

	result, err := env.svc.StopRound(context.Background(), &schedSvc.StopRoundInput{
		ConversationID: "conv-1",
		RequestedBy:    "user-1",
	})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !result.Applied {
		t.Fatalf("stop not applied: %s", result.Reason)
	}

	round := env.store.rounds[roundID]
	if round.Status != schedModels.RoundCanceled {
		t.Errorf("expected canceled, got %s", round.Status)
	}
	if round.EndedReason == nil || *round.EndedReason != schedModels.EndedStopped {
		t.Errorf("unexpected ended reason: %v", round.EndedReason)
	}
	if queued.Status != schedModels.RunCanceled {
		t.Errorf("queued run should be canceled, got %s", queued.Status)
	}
	for _, slot := range env.store.slots[roundID] {
		if slot.Status == schedModels.SlotPending || slot.Status == schedModels.SlotCurrent {
			t.Errorf("slot %s left unsettled: %s", slot.ID, slot.Status)
		}
	}

	// A late success report for the canceled round is benign
	stale := env.reportOutcome(t, queued.ID, schedModels.OutcomeSucceeded, "")
	if stale.Applied {
		t.Error("outcome for a canceled round should not apply")
	}
}

func TestSkipHumanTurn(t *testing.T) {
	persona := "persona-1"
	human := &schedModels.SpaceMembership{
		ID: "h", SpaceID: "space-1", Kind: schedModels.ParticipantHuman,
		DisplayName: "Harper", Position: 0,
		Participation:      schedModels.ParticipationActive,
		PersonaCharacterID: &persona, CopilotEnabled: true,
	}
	env := newTestEnv(t, listConversation(), human, schedulable("b", "Bob", 1))
	env.startRound(t)

	round, _, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")

	result, err := env.svc.SkipHumanTurn(context.Background(), &schedSvc.SkipHumanTurnInput{
		ConversationID: "conv-1",
		RoundID:        round.ID,
		MembershipID:   "h",
	})
	if err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if !result.Applied {
		t.Fatalf("skip not applied: %s", result.Reason)
	}

	_, slots, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")
	if slots[0].Status != schedModels.SlotSkipped {
		t.Errorf("skipped slot status: %s", slots[0].Status)
	}
	if slots[1].Status != schedModels.SlotCurrent {
		t.Errorf("next slot status: %s", slots[1].Status)
	}
	if run := env.queuedRun(t); run.SpeakerID != "b" {
		t.Errorf("next run speaker: got %s", run.SpeakerID)
	}
}

func TestQueueMutations(t *testing.T) {
	env := newTestEnv(t, listConversation(),
		schedulable("a", "Alice", 0),
		schedulable("b", "Bob", 1),
		schedulable("c", "Clara", 2),
	)
	env.startRound(t)
	round, slots, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")

	t.Run("append adds a trailing slot", func(t *testing.T) {
		result, err := env.svc.AppendSpeaker(context.Background(), &schedSvc.AppendSpeakerInput{
			ConversationID: "conv-1",
			RoundID:        round.ID,
			MembershipID:   "a",
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if !result.Applied {
			t.Fatalf("append not applied: %s", result.Reason)
		}

		_, slots, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")
		if len(slots) != 4 {
			t.Fatalf("expected 4 slots, got %d", len(slots))
		}
		last := slots[3]
		if last.SpaceMembershipID != "a" || last.Status != schedModels.SlotPending || last.Position != 3 {
			t.Errorf("unexpected appended slot: %+v", last)
		}
	})

	t.Run("reorder cannot move the current slot while generating", func(t *testing.T) {
		_, slots, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")
		ids := []string{slots[1].ID, slots[0].ID, slots[2].ID, slots[3].ID}

		result, err := env.svc.ReorderPending(context.Background(), &schedSvc.ReorderInput{
			ConversationID: "conv-1",
			RoundID:        round.ID,
			OrderedSlotIDs: ids,
		})
		if err != nil {
			t.Fatalf("Reorder: %v", err)
		}
		if result.Applied {
			t.Fatal("reorder including the generating slot should not apply")
		}
	})

	t.Run("reorder rewrites pending order", func(t *testing.T) {
		_, slots, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")
		// Pending slots are b, c, a; flip to a, c, b
		result, err := env.svc.ReorderPending(context.Background(), &schedSvc.ReorderInput{
			ConversationID: "conv-1",
			RoundID:        round.ID,
			OrderedSlotIDs: []string{slots[3].ID, slots[2].ID, slots[1].ID},
		})
		if err != nil {
			t.Fatalf("Reorder: %v", err)
		}
		if !result.Applied {
			t.Fatalf("reorder not applied: %s", result.Reason)
		}

		_, reordered, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")
		want := []string{"a", "a", "c", "b"} // current slot a stays at 0
		for i, id := range want {
			if reordered[i].SpaceMembershipID != id {
				t.Errorf("position %d: expected %s, got %s", i, id, reordered[i].SpaceMembershipID)
			}
		}
	})

	t.Run("remove pending slot reindexes the queue", func(t *testing.T) {
		_, slots, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")
		result, err := env.svc.RemovePending(context.Background(), &schedSvc.RemoveSlotInput{
			ConversationID: "conv-1",
			RoundID:        round.ID,
			SlotID:         slots[2].ID,
		})
		if err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if !result.Applied {
			t.Fatalf("remove not applied: %s", result.Reason)
		}

		_, remaining, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")
		if len(remaining) != 3 {
			t.Fatalf("expected 3 slots, got %d", len(remaining))
		}
		for i, slot := range remaining {
			if slot.Position != i {
				t.Errorf("slot %d has position %d", i, slot.Position)
			}
		}
	})

	t.Run("remove current slot requires pause", func(t *testing.T) {
		result, err := env.svc.RemovePending(context.Background(), &schedSvc.RemoveSlotInput{
			ConversationID: "conv-1",
			RoundID:        round.ID,
			SlotID:         slots[0].ID,
		})
		if err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if result.Applied {
			t.Fatal("removing the generating slot should not apply")
		}
	})
}

func TestRemoveLastSlotFinishesRound(t *testing.T) {
	env := newTestEnv(t, listConversation(), schedulable("a", "Alice", 0))
	env.startRound(t)
	round, slots, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")

	if _, err := env.svc.PauseRound(context.Background(), &schedSvc.PauseRoundInput{ConversationID: "conv-1"}); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	result, err := env.svc.RemovePending(context.Background(), &schedSvc.RemoveSlotInput{
		ConversationID: "conv-1",
		RoundID:        round.ID,
		SlotID:         slots[0].ID,
	})
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !result.Applied {
		t.Fatalf("remove not applied: %s", result.Reason)
	}

	finished := env.store.rounds[round.ID]
	if finished.Status != schedModels.RoundFinished {
		t.Errorf("expected finished, got %s", finished.Status)
	}
	if finished.EndedReason == nil || *finished.EndedReason != schedModels.EndedQueueEmptied {
		t.Errorf("unexpected ended reason: %v", finished.EndedReason)
	}
}

func TestAutoRoundChaining(t *testing.T) {
	conv := listConversation()
	conv.AutoRemainingSteps = 1
	env := newTestEnv(t, conv, schedulable("a", "Alice", 0))

	first := env.startRound(t)
	run := env.queuedRun(t)

	result := env.reportOutcome(t, run.ID, schedModels.OutcomeSucceeded, "")
	if !result.Applied {
		t.Fatalf("advance not applied: %s", result.Reason)
	}

	// Old round finished, a chained round took its place
	if result.RoundID == first.RoundID {
		t.Fatal("expected a chained follow-up round")
	}
	chained, _, err := env.svc.rounds.GetActive(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("no chained round: %v", err)
	}
	if chained.MetaString("trigger_source") != "auto_round" {
		t.Errorf("chained round trigger: %s", chained.MetaString("trigger_source"))
	}
	if env.store.conv.AutoRemainingSteps != 0 {
		t.Errorf("budget not decremented: %d", env.store.conv.AutoRemainingSteps)
	}

	// Budget exhausted: the next success just finishes the round
	run = env.queuedRun(t)
	result = env.reportOutcome(t, run.ID, schedModels.OutcomeSucceeded, "")
	if !result.Applied {
		t.Fatalf("final advance not applied: %s", result.Reason)
	}
	if _, _, err := env.svc.rounds.GetActive(context.Background(), "conv-1"); err == nil {
		t.Fatal("no further chaining expected")
	}
}

func TestRevisionBumpsByExactlyOne(t *testing.T) {
	env := newTestEnv(t, listConversation(),
		schedulable("a", "Alice", 0),
		schedulable("b", "Bob", 1),
	)

	env.startRound(t)
	if env.store.conv.GroupQueueRevision != 1 {
		t.Fatalf("after start: %d", env.store.conv.GroupQueueRevision)
	}

	if _, err := env.svc.PauseRound(context.Background(), &schedSvc.PauseRoundInput{ConversationID: "conv-1"}); err != nil {
		t.Fatal(err)
	}
	if env.store.conv.GroupQueueRevision != 2 {
		t.Fatalf("after pause: %d", env.store.conv.GroupQueueRevision)
	}

	if _, err := env.svc.ResumeRound(context.Background(), &schedSvc.ResumeRoundInput{ConversationID: "conv-1"}); err != nil {
		t.Fatal(err)
	}
	if env.store.conv.GroupQueueRevision != 3 {
		t.Fatalf("after resume: %d", env.store.conv.GroupQueueRevision)
	}

	for i, update := range env.notifier.updates {
		if update.Revision != int64(i+1) {
			t.Errorf("update %d carries revision %d", i, update.Revision)
		}
	}
}

func TestConcurrentStartRoundSingleWinner(t *testing.T) {
	env := newTestEnv(t, listConversation(),
		schedulable("a", "Alice", 0),
		schedulable("b", "Bob", 1),
	)

	const workers = 5
	results := make([]*schedSvc.CommandResult, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := env.svc.StartRound(context.Background(), &schedSvc.StartRoundInput{
				ConversationID: "conv-1",
				IsUserInput:    true,
			})
			if err != nil {
				t.Errorf("worker %d: StartRound: %v", i, err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, result := range results {
		if result != nil && result.Applied {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied start, got %d", applied)
	}
	if env.store.conv.GroupQueueRevision != 1 {
		t.Errorf("expected revision 1, got %d", env.store.conv.GroupQueueRevision)
	}

	active := 0
	for _, round := range env.store.rounds {
		if round.Status == schedModels.RoundActive {
			active++
		}
	}
	if active != 1 {
		t.Errorf("expected one active round, got %d", active)
	}
}

func TestConcurrentCommandsRevisionSequence(t *testing.T) {
	env := newTestEnv(t, listConversation(),
		schedulable("a", "Alice", 0),
		schedulable("b", "Bob", 1),
	)
	result := env.startRound(t)

	const workers = 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			appended, err := env.svc.AppendSpeaker(context.Background(), &schedSvc.AppendSpeakerInput{
				ConversationID: "conv-1",
				RoundID:        result.RoundID,
				MembershipID:   "a",
			})
			if err != nil {
				t.Errorf("worker %d: AppendSpeaker: %v", i, err)
				return
			}
			if !appended.Applied {
				t.Errorf("worker %d: append not applied: %s", i, appended.Reason)
			}
		}(i)
	}
	wg.Wait()

	want := int64(1 + workers)
	if env.store.conv.GroupQueueRevision != want {
		t.Fatalf("expected revision %d, got %d", want, env.store.conv.GroupQueueRevision)
	}

	// One update per applied command; revisions form a gap-free sequence
	revisions := env.notifier.revisions()
	if len(revisions) != int(want) {
		t.Fatalf("expected %d updates, got %d", want, len(revisions))
	}
	sort.Slice(revisions, func(i, j int) bool { return revisions[i] < revisions[j] })
	for i, revision := range revisions {
		if revision != int64(i+1) {
			t.Fatalf("revision sequence has a gap: %v", revisions)
		}
	}
}

func TestAutoRoundChainingKeepsBudgetWhenNothingActivates(t *testing.T) {
	conv := listConversation()
	conv.AutoRemainingSteps = 1
	env := newTestEnv(t, conv, schedulable("a", "Alice", 0))

	env.startRound(t)
	run := env.queuedRun(t)

	// The only participant drops out while the run is in flight, so the
	// chained follow-up has nobody to activate
	env.store.members[0].Participation = schedModels.ParticipationMuted

	result := env.reportOutcome(t, run.ID, schedModels.OutcomeSucceeded, "")
	if !result.Applied {
		t.Fatalf("advance not applied: %s", result.Reason)
	}

	if _, _, err := env.svc.rounds.GetActive(context.Background(), "conv-1"); err == nil {
		t.Fatal("no chained round expected")
	}
	if env.store.conv.AutoRemainingSteps != 1 {
		t.Errorf("budget consumed by a round that never started: %d", env.store.conv.AutoRemainingSteps)
	}
}

func TestReorderCannotStrandPendingBehindCurrent(t *testing.T) {
	env := newTestEnv(t, listConversation(),
		schedulable("a", "Alice", 0),
		schedulable("b", "Bob", 1),
		schedulable("c", "Clara", 2),
	)
	result := env.startRound(t)

	if _, err := env.svc.PauseRound(context.Background(), &schedSvc.PauseRoundInput{ConversationID: "conv-1"}); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	_, slots, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")

	t.Run("current slot moved behind pending is rejected", func(t *testing.T) {
		reorder, err := env.svc.ReorderPending(context.Background(), &schedSvc.ReorderInput{
			ConversationID: "conv-1",
			RoundID:        result.RoundID,
			OrderedSlotIDs: []string{slots[1].ID, slots[2].ID, slots[0].ID},
		})
		if err != nil {
			t.Fatalf("Reorder: %v", err)
		}
		if reorder.Applied {
			t.Fatal("pending slots placed before the current slot should be rejected")
		}
	})

	t.Run("reorder keeping the current slot first applies", func(t *testing.T) {
		reorder, err := env.svc.ReorderPending(context.Background(), &schedSvc.ReorderInput{
			ConversationID: "conv-1",
			RoundID:        result.RoundID,
			OrderedSlotIDs: []string{slots[0].ID, slots[2].ID, slots[1].ID},
		})
		if err != nil {
			t.Fatalf("Reorder: %v", err)
		}
		if !reorder.Applied {
			t.Fatalf("reorder not applied: %s", reorder.Reason)
		}

		round, reordered, _ := env.svc.rounds.GetActive(context.Background(), "conv-1")
		want := []string{"a", "c", "b"}
		for i, id := range want {
			if reordered[i].SpaceMembershipID != id {
				t.Errorf("position %d: expected %s, got %s", i, id, reordered[i].SpaceMembershipID)
			}
		}
		if round.CurrentPosition != 0 {
			t.Errorf("current position moved: %d", round.CurrentPosition)
		}
	})
}

func TestSnapshotWithoutActiveRound(t *testing.T) {
	env := newTestEnv(t, listConversation(), schedulable("a", "Alice", 0))

	snapshot, err := env.svc.Snapshot(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.SchedulingState != schedModels.StateIdle {
		t.Errorf("expected idle, got %s", snapshot.SchedulingState)
	}
	if snapshot.Revision != 0 {
		t.Errorf("expected revision 0, got %d", snapshot.Revision)
	}
}
