package scheduling

import (
	"context"
	"time"

	"github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

// RunRepository stores generation attempts. Status transitions on live runs
// are optimistic: conditional UPDATEs checked by rows affected, so the
// scheduler and the executor can race safely without a second lock.
type RunRepository interface {
	// Create inserts a new run.
	Create(ctx context.Context, run *scheduling.Run) error

	// GetByID fetches a run.
	GetByID(ctx context.Context, id string) (*scheduling.Run, error)

	// CancelQueuedForRound flips queued runs of a round to canceled.
	// Runs concurrently claimed to running are left untouched; the number of
	// runs actually canceled is returned.
	CancelQueuedForRound(ctx context.Context, roundID string) (int, error)

	// RequestCancelRunning sets cancel_requested_at on the round's running
	// run, if any. Cancellation is cooperative; the executor stops at its
	// own next checkpoint.
	RequestCancelRunning(ctx context.Context, roundID string) error

	// CountLive returns how many queued or running runs exist for the
	// conversation, round-bound or not.
	CountLive(ctx context.Context, conversationID string) (int, error)

	// ClaimNextQueued atomically claims the oldest due queued run
	// (queued -> running). Returns domain.ErrNotFound when nothing is due.
	ClaimNextQueued(ctx context.Context, now time.Time) (*scheduling.Run, error)

	// CancelRequested re-reads the cooperative cancellation flag.
	CancelRequested(ctx context.Context, id string) (bool, error)

	// MarkSucceeded completes a running run. Returns false when the run was
	// not running anymore (lost race, benign).
	MarkSucceeded(ctx context.Context, id string) (bool, error)

	// MarkFailed completes a running run with an error message and failure
	// details. Returns false when the run was not running anymore.
	MarkFailed(ctx context.Context, id string, errMsg string, failure *scheduling.FailureDebug) (bool, error)

	// MarkCanceled completes a queued or running run as canceled.
	MarkCanceled(ctx context.Context, id string) (bool, error)
}
