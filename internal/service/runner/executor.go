package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jasl/tavern-kit-sub011/internal/domain"
	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
	schedRepo "github.com/jasl/tavern-kit-sub011/internal/domain/repositories/scheduling"
	schedSvc "github.com/jasl/tavern-kit-sub011/internal/domain/services/scheduling"
)

const (
	// pollInterval paces the claim loop when no run is due.
	pollInterval = 250 * time.Millisecond

	// cancelCheckInterval paces the cooperative cancellation re-read while a
	// generation is in flight.
	cancelCheckInterval = 1 * time.Second

	// historyLimit caps how much timeline a provider sees.
	historyLimit = 50
)

// Executor claims queued runs and drives them to completion: generate text,
// append the message, report the outcome back to the scheduler. It holds no
// conversation lock while generating; the cooperative cancel flag is its only
// link back to in-flight commands.
type Executor struct {
	runs        schedRepo.RunRepository
	messages    schedRepo.MessageRepository
	memberships schedRepo.MembershipRepository
	scheduler   schedSvc.TurnScheduler
	provider    schedSvc.TextProvider
	logger      *slog.Logger

	newID func() string

	wg   sync.WaitGroup
	stop context.CancelFunc
}

func NewExecutor(
	runs schedRepo.RunRepository,
	messages schedRepo.MessageRepository,
	memberships schedRepo.MembershipRepository,
	scheduler schedSvc.TurnScheduler,
	provider schedSvc.TextProvider,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		runs:        runs,
		messages:    messages,
		memberships: memberships,
		scheduler:   scheduler,
		provider:    provider,
		logger:      logger,
		newID:       uuid.NewString,
	}
}

// Start launches the claim loop. Runs until Shutdown.
func (e *Executor) Start(ctx context.Context) {
	ctx, e.stop = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.claimLoop(ctx)
	}()

	e.logger.Info("run executor started", "provider", e.provider.Name())
}

// Shutdown stops claiming and waits for the in-flight run to settle.
func (e *Executor) Shutdown() {
	if e.stop != nil {
		e.stop()
	}
	e.wg.Wait()
	e.logger.Info("run executor stopped")
}

func (e *Executor) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		run, err := e.runs.ClaimNextQueued(ctx, time.Now())
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) || ctx.Err() != nil {
				continue
			}
			e.logger.Error("claim failed", "error", err)
			continue
		}

		e.execute(ctx, run)
	}
}

// execute drives one claimed run to a terminal status and reports the
// outcome. Outcome reporting uses a fresh context so shutdown does not leave
// the round pointing at a completed run.
func (e *Executor) execute(ctx context.Context, run *schedModels.Run) {
	logger := e.logger.With("run_id", run.ID, "conversation_id", run.ConversationID, "kind", run.Kind)

	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()

	canceled := e.watchCancel(genCtx, cancelGen, run.ID)

	resp, err := e.generate(genCtx, run)

	reportCtx, cancelReport := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelReport()

	switch {
	case err == nil:
		if err := e.appendMessage(reportCtx, run, resp); err != nil {
			logger.Error("append message failed", "error", err)
			e.finish(reportCtx, run, schedModels.OutcomeFailed, "store reply: "+err.Error())
			return
		}
		if ok, err := e.runs.MarkSucceeded(reportCtx, run.ID); err != nil {
			logger.Error("mark succeeded failed", "error", err)
			return
		} else if !ok {
			// Completed concurrently (canceled under us); nothing to report
			logger.Info("run already settled")
			return
		}
		e.report(reportCtx, run.ID, schedModels.OutcomeSucceeded, "")
		logger.Info("run succeeded", "model", resp.Model, "output_tokens", resp.OutputTokens)

	case errors.Is(err, context.Canceled) && !wasCanceled(canceled):
		// Shutdown mid-generation. The run stays running; an operator
		// resolves it via stop or retry after restart.
		logger.Warn("run interrupted by shutdown")

	case errors.Is(err, context.Canceled):
		if _, err := e.runs.MarkCanceled(reportCtx, run.ID); err != nil {
			logger.Error("mark canceled failed", "error", err)
			return
		}
		e.report(reportCtx, run.ID, schedModels.OutcomeCanceled, "")
		logger.Info("run canceled")

	default:
		e.finish(reportCtx, run, schedModels.OutcomeFailed, err.Error())
		logger.Warn("run failed", "error", err)
	}
}

func (e *Executor) finish(ctx context.Context, run *schedModels.Run, outcome schedModels.RunOutcome, errMsg string) {
	failure := &schedModels.FailureDebug{
		Provider: e.provider.Name(),
		Message:  errMsg,
	}
	if ok, err := e.runs.MarkFailed(ctx, run.ID, errMsg, failure); err != nil {
		e.logger.Error("mark failed failed", "run_id", run.ID, "error", err)
		return
	} else if !ok {
		return
	}
	e.report(ctx, run.ID, outcome, errMsg)
}

func (e *Executor) report(ctx context.Context, runID string, outcome schedModels.RunOutcome, errMsg string) {
	result, err := e.scheduler.ReportRunOutcome(ctx, &schedSvc.ReportRunOutcomeInput{
		RunID:   runID,
		Outcome: outcome,
		Error:   errMsg,
	})
	if err != nil {
		e.logger.Error("report outcome failed", "run_id", runID, "outcome", outcome, "error", err)
		return
	}
	if !result.Applied {
		e.logger.Info("outcome not applied", "run_id", runID, "outcome", outcome, "reason", result.Reason)
	}
}

// watchCancel polls the cooperative cancel flag and cancels the generation
// context when it is set. Returns the channel that records whether a cancel
// was actually observed.
func (e *Executor) watchCancel(ctx context.Context, cancel context.CancelFunc, runID string) <-chan struct{} {
	canceled := make(chan struct{})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(cancelCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			requested, err := e.runs.CancelRequested(ctx, runID)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("cancel check failed", "run_id", runID, "error", err)
				}
				continue
			}
			if requested {
				close(canceled)
				cancel()
				return
			}
		}
	}()

	return canceled
}

func wasCanceled(canceled <-chan struct{}) bool {
	select {
	case <-canceled:
		return true
	default:
		return false
	}
}

// generate builds the provider request from recent history and the speaker's
// display name.
func (e *Executor) generate(ctx context.Context, run *schedModels.Run) (*schedSvc.GenerateResponse, error) {
	speaker, err := e.memberships.GetByID(ctx, run.SpeakerID)
	if err != nil {
		return nil, err
	}

	history, err := e.messages.Recent(ctx, run.ConversationID, historyLimit)
	if err != nil {
		return nil, err
	}

	return e.provider.GenerateReply(ctx, &schedSvc.GenerateRequest{
		ConversationID: run.ConversationID,
		SpeakerName:    speaker.DisplayName,
		History:        history,
	})
}

// appendMessage stores the reply. Copilot output for a human persona lands
// as a user-role message flagged copilot-authored, so it never counts as
// genuine user input for epoch or banning purposes.
func (e *Executor) appendMessage(ctx context.Context, run *schedModels.Run, resp *schedSvc.GenerateResponse) error {
	role := schedModels.RoleAssistant
	copilot := false
	if run.Kind == schedModels.RunAutoUserResponse {
		role = schedModels.RoleUser
		copilot = true
	}

	speakerID := run.SpeakerID
	return e.messages.Append(ctx, &schedModels.Message{
		ID:                 e.newID(),
		ConversationID:     run.ConversationID,
		Role:               role,
		AuthorMembershipID: &speakerID,
		AuthoredByCopilot:  copilot,
		Content:            resp.Text,
		CreatedAt:          time.Now(),
	})
}
